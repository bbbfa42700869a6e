package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "pewcast/pkg/logx"
)

// ErrUnchanged is returned by Reload when neither the config file nor the
// locale catalog changed since the last commit.
var ErrUnchanged = errors.New("config: unchanged")

// Manager owns the live config. It reloads the file and the locale catalog
// it references on change and publishes each committed Change to
// subscribers.
type Manager struct {
	path     string
	debounce time.Duration

	log       logx.Logger
	validator func(ctx context.Context, cfg *Config) error

	// reloadMu serializes Reload so two reloads never commit out of order.
	reloadMu sync.Mutex

	mu         sync.RWMutex
	cfg        *Config
	cfgSum     uint64
	catalogSum uint64

	subsMu sync.Mutex
	subs   map[chan Change]struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithDebounce sets how long Watch waits after the last file event before
// reloading. Editors often write a file in several steps.
func WithDebounce(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.debounce = d
		}
	}
}

func NewManager(path string, opts ...Option) *Manager {
	m := &Manager{
		path:     path,
		debounce: 250 * time.Millisecond,
		subs:     map[chan Change]struct{}{},
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Manager) Path() string { return m.path }

func (m *Manager) SetLogger(log logx.Logger) { m.log = log }

// SetValidator installs the check a reloaded config must pass before it is
// committed. Load does not run it.
func (m *Manager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validator = fn
}

// Parse reads and decodes the file without committing it.
func (m *Manager) Parse() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	cfg, err := Decode(m.path, b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", m.path, err)
	}
	return cfg, nil
}

// Load parses and commits the file.
func (m *Manager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.commit(cfg)
	return cfg, nil
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *Manager) commit(cfg *Config) {
	sum, cat := checksum(cfg), fileSum(cfg.Locale.Catalog)
	m.mu.Lock()
	m.cfg, m.cfgSum, m.catalogSum = cfg, sum, cat
	m.mu.Unlock()
}

// Subscribe returns a channel of committed changes and its cancel func.
// A slow subscriber loses the oldest pending change, never the newest.
func (m *Manager) Subscribe(buffer int) (<-chan Change, func()) {
	ch := make(chan Change, max(buffer, 1))
	m.subsMu.Lock()
	m.subs[ch] = struct{}{}
	m.subsMu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subsMu.Lock()
			delete(m.subs, ch)
			m.subsMu.Unlock()
			close(ch)
		})
	}
}

func (m *Manager) publish(c Change) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for ch := range m.subs {
		select {
		case ch <- c:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- c:
		default:
			m.log.Debug("config change dropped (subscriber slow)", logx.Int("queue_cap", cap(ch)))
		}
	}
}

// Reload re-reads the file and the catalog, validates and commits the
// result and publishes the Change. It returns ErrUnchanged when nothing
// differs from the committed state.
func (m *Manager) Reload(ctx context.Context) (Change, error) {
	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()

	next, err := m.Parse()
	if err != nil {
		return Change{}, err
	}
	sum, cat := checksum(next), fileSum(next.Locale.Catalog)

	m.mu.RLock()
	prev, prevSum, prevCat := m.cfg, m.cfgSum, m.catalogSum
	m.mu.RUnlock()
	if sum != 0 && sum == prevSum && cat == prevCat {
		return Change{}, ErrUnchanged
	}

	if m.validator != nil {
		vctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := m.validator(vctx, next)
		cancel()
		if err != nil {
			return Change{}, fmt.Errorf("config rejected: %w", err)
		}
	}

	m.commit(next)
	c := NewChange(prev, next, cat != prevCat)
	m.publish(c)
	m.log.Debug("config published", logx.String("sections", strings.Join(c.Sections, ",")), logx.String("sum", fmt.Sprintf("%x", sum)))
	return c, nil
}

// Watch reloads on changes to the config file or the catalog it names
// until ctx ends. A broken watcher is recreated with jittered backoff.
func (m *Manager) Watch(ctx context.Context) error {
	bo := newBackoff(250*time.Millisecond, 5*time.Second)
	for ctx.Err() == nil {
		err := m.watchOnce(ctx, bo)
		if ctx.Err() != nil {
			break
		}
		wait := bo.next()
		m.log.Warn("config watcher stopped; restarting", logx.Err(err), logx.Duration("backoff", wait))
		select {
		case <-ctx.Done():
		case <-time.After(wait):
		}
	}
	return nil
}

func (m *Manager) watchOnce(ctx context.Context, bo *backoff) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	dirs := map[string]bool{}
	watch := func() error {
		for _, f := range m.watchedFiles() {
			d := filepath.Dir(f)
			if dirs[d] {
				continue
			}
			if err := w.Add(d); err != nil {
				return fmt.Errorf("watch %s: %w", d, err)
			}
			dirs[d] = true
		}
		return nil
	}
	if err := watch(); err != nil {
		return err
	}
	bo.reset()
	m.log.Debug("config watcher started", logx.String("path", m.path))

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("event channel closed")
			}
			if m.isWatched(ev.Name) {
				timer.Reset(m.debounce)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("error channel closed")
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				m.log.Warn("config watch overflow; forcing reload")
				timer.Reset(m.debounce)
				continue
			}
			m.log.Warn("config watch error", logx.Err(err))
		case <-timer.C:
			c, err := m.Reload(ctx)
			switch {
			case errors.Is(err, ErrUnchanged):
				m.log.Debug("config unchanged; skipping publish")
			case err != nil:
				m.log.Warn("config reload failed", logx.Err(err))
			default:
				m.log.Debug("config reloaded", logx.Int("sections", len(c.Sections)))
				// The catalog may have moved to another directory.
				if err := watch(); err != nil {
					return err
				}
			}
		}
	}
}

func (m *Manager) watchedFiles() []string {
	files := []string{m.path}
	if cfg := m.Get(); cfg != nil {
		if p := strings.TrimSpace(cfg.Locale.Catalog); p != "" {
			files = append(files, p)
		}
	}
	return files
}

func (m *Manager) isWatched(name string) bool {
	for _, f := range m.watchedFiles() {
		if strings.EqualFold(filepath.Base(name), filepath.Base(f)) {
			return true
		}
	}
	return false
}

func checksum(cfg *Config) uint64 {
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// fileSum hashes path's content; 0 when unset or unreadable.
func fileSum(path string) uint64 {
	path = strings.TrimSpace(path)
	if path == "" {
		return 0
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

type backoff struct {
	base, max, cur time.Duration
}

func newBackoff(base, max time.Duration) *backoff {
	return &backoff{base: base, max: max, cur: base}
}

// next returns the current delay plus up to 50% jitter and doubles it.
func (b *backoff) next() time.Duration {
	d := b.cur + rand.N(b.cur/2+1)
	b.cur = min(b.cur*2, b.max)
	return d
}

func (b *backoff) reset() { b.cur = b.base }
