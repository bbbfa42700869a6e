// Package announce fires scheduled broadcasts at every connected audience.
package announce

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"pewcast/internal/audience"
	"pewcast/internal/bossbar"
	"pewcast/internal/config"
	"pewcast/internal/eventbus"
	rtsup "pewcast/internal/runtime/supervisor"
	"pewcast/internal/storage"
	logx "pewcast/pkg/logx"
)

var (
	ErrUnknown = errors.New("announce: unknown announcement")
	ErrRunning = errors.New("announce: countdown already running")
)

// Target is one receiver family's current audience.
type Target struct {
	Family   string
	Audience func() audience.Forwarding
}

// Auditor records fired announcements. storage.Store implements it.
type Auditor interface {
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

type Service struct {
	log     logx.Logger
	bus     eventbus.Bus
	audit   Auditor
	targets []Target
	tick    time.Duration

	mu      sync.Mutex
	cfg     config.AnnounceConfig
	items   map[string]Item
	c       *cron.Cron
	sup     *rtsup.Supervisor
	running map[string]context.CancelFunc
}

// New returns a stopped service. audit may be nil.
func New(log logx.Logger, bus eventbus.Bus, audit Auditor, targets ...Target) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:     log.With(logx.String("comp", "announce")),
		bus:     bus,
		audit:   audit,
		targets: targets,
		tick:    time.Second,
		items:   map[string]Item{},
		running: map[string]context.CancelFunc{},
	}
}

// Validate checks cfg the way Apply would, without applying it.
func Validate(cfg config.AnnounceConfig) error {
	_, err := CompileAll(cfg)
	if err != nil {
		return err
	}
	_, err = location(cfg.Timezone)
	return err
}

// Apply replaces the announcement set. A running scheduler is restarted
// with the new entries; running countdowns continue.
func (s *Service) Apply(cfg config.AnnounceConfig) error {
	items, err := CompileAll(cfg)
	if err != nil {
		return err
	}
	if _, err := location(cfg.Timezone); err != nil {
		return err
	}
	s.mu.Lock()
	s.cfg = cfg
	s.items = make(map[string]Item, len(items))
	for _, it := range items {
		s.items[it.Name] = it
	}
	old := s.c
	if old != nil {
		s.startCronLocked()
	}
	s.mu.Unlock()
	stopCron(old)
	return nil
}

// Start begins scheduling. It is a no-op when already started.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	s.startCronLocked()
}

// Stop halts scheduling, hides every running countdown and waits for them
// until ctx ends.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	sup := s.sup
	s.sup = nil
	for _, cancel := range s.running {
		cancel()
	}
	s.mu.Unlock()
	// Jobs in flight call Fire, which takes s.mu.
	stopCron(c)
	if sup != nil {
		_ = sup.Stop(ctx)
	}
	s.log.Info("service stopped")
}

func (s *Service) startCronLocked() {
	loc, _ := location(s.cfg.Timezone)
	s.c = cron.New(cron.WithLocation(loc), cron.WithChain(cron.Recover(cronLogger{s.log})))
	if !s.cfg.Enabled {
		s.log.Info("announcements disabled")
		s.c.Start()
		return
	}
	for name, it := range s.items {
		sched, err := it.Spec.schedule()
		if err != nil {
			s.log.Warn("announcement not scheduled", logx.String("name", name), logx.Err(err))
			continue
		}
		s.c.Schedule(sched, cron.FuncJob(func() {
			if err := s.Fire(context.Background(), name); err != nil && !errors.Is(err, ErrRunning) {
				s.log.Warn("announcement failed", logx.String("name", name), logx.Err(err))
			}
		}))
	}
	s.c.Start()
	s.log.Info("service started", logx.String("tz", loc.String()), logx.Int("schedules", len(s.items)))
}

func stopCron(c *cron.Cron) {
	if c != nil {
		<-c.Stop().Done()
	}
}

// Names lists the configured announcements.
func (s *Service) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.items))
	for n := range s.items {
		out = append(out, n)
	}
	return out
}

// Fire delivers the named announcement now. Countdowns run in the
// background; a countdown that is still running is not restarted.
func (s *Service) Fire(ctx context.Context, name string) error {
	s.mu.Lock()
	it, ok := s.items[name]
	sup := s.sup
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknown, name)
	}

	aud := s.audienceFor(it)
	switch it.Kind {
	case KindChat:
		aud.SendMessage(it.Message)
	case KindActionBar:
		aud.SendActionBar(it.Message)
	case KindTitle:
		aud.ShowTitle(audience.NewTitle(it.Message, it.Subtitle))
	case KindCountdown:
		if err := s.startCountdown(sup, it, aud); err != nil {
			return err
		}
	}
	if it.Sound != nil {
		aud.PlaySound(*it.Sound)
	}

	s.log.Info("announcement fired", logx.String("name", it.Name), logx.String("kind", string(it.Kind)), logx.Int("receivers", len(aud)))
	eventbus.Emit(s.bus, eventbus.AnnouncementFired, map[string]any{
		"name":      it.Name,
		"kind":      string(it.Kind),
		"receivers": len(aud),
	})
	if s.audit != nil {
		err := s.audit.AppendAudit(ctx, storage.AuditEntry{
			At:        time.Now().UTC(),
			Component: "announce",
			Action:    "fire",
			Target:    it.Name,
			OK:        len(aud),
		})
		if err != nil {
			s.log.Debug("audit append failed", logx.Err(err))
		}
	}
	return nil
}

func (s *Service) audienceFor(it Item) audience.Forwarding {
	var out audience.Forwarding
	for _, t := range s.targets {
		if t.Audience == nil || !it.Wants(t.Family) {
			continue
		}
		out = append(out, t.Audience()...)
	}
	return out
}

func (s *Service) startCountdown(sup *rtsup.Supervisor, it Item, aud audience.Forwarding) error {
	if sup == nil {
		return errors.New("announce: service not started")
	}
	s.mu.Lock()
	if _, busy := s.running[it.Name]; busy {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrRunning, it.Name)
	}
	// Countdowns outlive the request that fired them; Stop cancels them.
	cctx, cancel := context.WithCancel(context.Background())
	s.running[it.Name] = cancel
	s.mu.Unlock()

	bar := bossbar.New(it.Message, 1, it.BarColor, it.Overlay, it.Flags...)
	aud.ShowBossBar(bar)
	sup.Go0("announce.countdown."+it.Name, func(c context.Context) {
		defer func() {
			aud.HideBossBar(bar)
			cancel()
			s.mu.Lock()
			delete(s.running, it.Name)
			s.mu.Unlock()
		}()
		s.countdown(c, cctx, bar, it.Duration)
	})
	return nil
}

// countdown drains bar from full to empty over d, one step per tick.
func (s *Service) countdown(supCtx, ctx context.Context, bar *bossbar.Bar, d time.Duration) {
	start := time.Now()
	t := time.NewTicker(min(s.tick, d))
	defer t.Stop()
	for {
		select {
		case <-supCtx.Done():
			return
		case <-ctx.Done():
			return
		case now := <-t.C:
			left := d - now.Sub(start)
			if left <= 0 {
				bar.SetProgress(0)
				return
			}
			bar.SetProgress(float32(left) / float32(d))
		}
	}
}

func location(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("announce.timezone: %w", err)
	}
	return loc, nil
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}
