package outbox

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"pewcast/internal/eventbus"
	rtsup "pewcast/internal/runtime/supervisor"
	kit "pewcast/internal/transport"
	logx "pewcast/pkg/logx"
)

var (
	ErrDisabled  = errors.New("outbox disabled")
	ErrQueueFull = errors.New("outbox queue full")
	ErrStopped   = errors.New("outbox stopped")
	ErrNoRef     = errors.New("outbox: message reference not available")
)

const historyLen = 300

type job struct {
	msg Message
	key string // dedup key, empty when not deduplicated
}

// pool is one Start..Stop lifetime: a queue per worker and the
// supervisor running them.
type pool struct {
	queues  []chan job
	persist chan entry // nil unless dedup windows are persisted
	sup     *rtsup.Supervisor
	// inflight counts Enqueue calls past the accepting check, so Stop
	// closes queues only after they finish.
	inflight sync.WaitGroup
	stopped  chan struct{}
}

func (p *pool) queued() int {
	n := 0
	for _, q := range p.queues {
		n += len(q)
	}
	return n
}

// Service delivers chat operations asynchronously. Jobs are sharded by
// chat so a send, its edits and its delete run on one worker in enqueue
// order. Delivery is rate limited and retried with backoff; a platform
// flood wait overrides the backoff and a forbidden chat is never retried.
type Service struct {
	log     logx.Logger
	adapter kit.Adapter
	bus     eventbus.Bus
	store   DedupStore

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	pool    *pool
	closing *pool // set while Stop drains

	seen *window

	hmu     sync.Mutex
	history []HistoryItem

	sent, failed, dropped, deduped atomic.Uint64
}

// New returns a stopped outbox. store may be nil.
func New(cfg Config, adapter kit.Adapter, log logx.Logger, bus eventbus.Bus, store DedupStore) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{adapter: adapter, log: log, bus: bus, store: store, seen: newWindow()}
	s.cfg = withDefaults(cfg)
	s.limiter = rate.NewLimiter(rate.Limit(s.cfg.RatePerSec), s.cfg.RatePerSec)
	return s
}

func withDefaults(cfg Config) Config {
	def := func(d *time.Duration, v time.Duration) {
		if *d <= 0 {
			*d = v
		}
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 20
	}
	cfg.RetryMax = max(cfg.RetryMax, 0)
	def(&cfg.RetryBase, 500*time.Millisecond)
	def(&cfg.RetryMaxDelay, 10*time.Second)
	def(&cfg.SendTimeout, 10*time.Second)
	cfg.DedupWindow = max(cfg.DedupWindow, 0)
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 2000
	}
	return cfg
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply updates rate, retry and dedup settings. Worker and queue sizes
// take effect on the next Start.
func (s *Service) Apply(cfg Config) {
	cfg = withDefaults(cfg)
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.RatePerSec != s.cfg.RatePerSec {
		s.limiter.SetLimit(rate.Limit(cfg.RatePerSec))
		s.limiter.SetBurst(cfg.RatePerSec)
	}
	s.cfg = cfg
}

// Start launches the workers. It is a no-op when disabled or running and
// waits for a Stop still in progress.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if c := s.closing; c != nil {
		s.mu.Unlock()
		select {
		case <-c.stopped:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	defer s.mu.Unlock()
	if s.pool != nil || !s.cfg.Enabled {
		return
	}

	p := &pool{
		queues:  make([]chan job, s.cfg.Workers),
		sup:     rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false)),
		stopped: make(chan struct{}),
	}
	per := max(s.cfg.QueueSize/s.cfg.Workers, 1)
	for i := range p.queues {
		q := make(chan job, per)
		p.queues[i] = q
		p.sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case j, ok := <-q:
					if !ok {
						return nil
					}
					s.deliver(c, j)
				}
			}
		}, rtsup.WithPublishFirstError(true), rtsup.WithStopOnCleanExit(true))
	}
	if s.cfg.PersistDedup && s.store != nil {
		p.persist = make(chan entry, 1024)
		st := s.store
		ch := p.persist
		p.sup.Go0("dedup.persist", func(c context.Context) {
			for {
				select {
				case <-c.Done():
					return
				case e, ok := <-ch:
					if !ok {
						return
					}
					cctx, cancel := context.WithTimeout(c, 250*time.Millisecond)
					if err := st.PutDedup(cctx, e.key, e.until); err != nil {
						s.log.Debug("dedup persist failed", logx.Err(err))
					}
					cancel()
				}
			}
		})
	}
	s.pool = p
	s.log.Info("outbox started", logx.Int("workers", len(p.queues)), logx.Int("queue_per_worker", per))
}

// Stop refuses new jobs and drains the queues until ctx ends. Jobs still
// queued at that point are abandoned.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	p := s.pool
	if p == nil {
		c := s.closing
		s.mu.Unlock()
		if c != nil {
			select {
			case <-c.stopped:
			case <-ctx.Done():
			}
		}
		return
	}
	s.pool, s.closing = nil, p
	s.mu.Unlock()

	go func() {
		p.inflight.Wait()
		for _, q := range p.queues {
			close(q)
		}
		if p.persist != nil {
			close(p.persist)
		}
		_ = p.sup.Wait(context.Background())
		s.mu.Lock()
		s.closing = nil
		s.mu.Unlock()
		close(p.stopped)
	}()

	select {
	case <-p.stopped:
	case <-ctx.Done():
		p.sup.Cancel()
		s.log.Warn("outbox stop deadline reached", logx.Int("abandoned", p.queued()))
	}
}

// Send queues a new message to to.
func (s *Service) Send(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions, done func(kit.MessageRef, error)) error {
	return s.Enqueue(ctx, Message{Op: OpSend, Target: to, Text: text, Options: opt, Done: done})
}

// Edit queues an edit of the message ref resolves to when the job runs.
func (s *Service) Edit(ctx context.Context, to kit.ChatTarget, ref RefFunc, text string, opt *kit.SendOptions) error {
	return s.Enqueue(ctx, Message{Op: OpEdit, Target: to, Ref: ref, Text: text, Options: opt})
}

// Delete queues removal of the message ref resolves to when the job runs.
func (s *Service) Delete(ctx context.Context, to kit.ChatTarget, ref RefFunc) error {
	return s.Enqueue(ctx, Message{Op: OpDelete, Target: to, Ref: ref})
}

// Enqueue adds m to its chat's queue without blocking. A deduplicated send
// is reported as success.
func (s *Service) Enqueue(ctx context.Context, m Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.Op != OpSend && m.Ref == nil {
		return ErrNoRef
	}

	s.mu.Lock()
	cfg, p := s.cfg, s.pool
	switch {
	case !cfg.Enabled:
		s.mu.Unlock()
		return ErrDisabled
	case p == nil:
		s.mu.Unlock()
		return ErrStopped
	}
	p.inflight.Add(1)
	s.mu.Unlock()
	defer p.inflight.Done()

	j := job{msg: m}
	if m.Op == OpSend && m.Dedup && cfg.DedupWindow > 0 {
		j.key = dedupKey(m)
		if s.duplicate(ctx, j.key, cfg, p) {
			s.deduped.Add(1)
			return nil
		}
	}

	select {
	case p.queues[shard(m.Target, len(p.queues))] <- j:
		return nil
	default:
		s.dropped.Add(1)
		s.publish(eventbus.OutboxDropped, j, ErrQueueFull)
		return ErrQueueFull
	}
}

// duplicate reports whether key was sent within the window, checking the
// store when windows are persisted. Otherwise it opens a new window.
func (s *Service) duplicate(ctx context.Context, key string, cfg Config, p *pool) bool {
	now := time.Now()
	if s.seen.seen(key, now) {
		return true
	}
	if p.persist != nil {
		cctx, cancel := context.WithTimeout(ctx, 25*time.Millisecond)
		until, ok, err := s.store.GetDedup(cctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			s.seen.mark(key, until, now, cfg.DedupMaxEntries)
			return true
		}
	}
	until := now.Add(cfg.DedupWindow)
	s.seen.mark(key, until, now, cfg.DedupMaxEntries)
	if p.persist != nil {
		select {
		case p.persist <- entry{key, until}:
		default:
		}
	}
	return false
}

func shard(t kit.ChatTarget, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = fmt.Fprintf(h, "%d", t.ChatID)
	return int(h.Sum32() % uint32(n))
}

func (s *Service) Stats() Stats {
	s.mu.Lock()
	st := Stats{Running: s.pool != nil}
	if s.pool != nil {
		st.Queued = s.pool.queued()
	}
	s.mu.Unlock()
	st.Sent = s.sent.Load()
	st.Failed = s.failed.Load()
	st.Dropped = s.dropped.Load()
	st.Deduped = s.deduped.Load()
	return st
}

// History returns recently delivered operations, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) remember(m Message) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.history = append(s.history, HistoryItem{At: time.Now(), Op: m.Op, ChatID: m.Target.ChatID, Text: m.Text})
	if n := len(s.history); n > historyLen {
		s.history = append(s.history[:0], s.history[n-historyLen:]...)
	}
}

func (s *Service) deliver(ctx context.Context, j job) {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	ref, err := s.attempt(ctx, cfg, j.msg)
	switch {
	case err == nil:
		s.sent.Add(1)
		s.remember(j.msg)
		s.publish(eventbus.OutboxSent, j, nil)
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		// shutting down
	default:
		s.failed.Add(1)
		s.log.Warn("outbox delivery failed",
			logx.String("op", j.msg.Op.String()),
			logx.Int64("chat_id", j.msg.Target.ChatID),
			logx.Err(err),
		)
		s.publish(eventbus.OutboxFailed, j, err)
		if errors.Is(err, kit.ErrForbidden) {
			s.publish(eventbus.OutboxForbidden, j, err)
		}
	}
	if j.msg.Done != nil {
		j.msg.Done(ref, err)
	}
}

// attempt runs m until it succeeds, fails permanently or runs out of
// retries.
func (s *Service) attempt(ctx context.Context, cfg Config, m Message) (kit.MessageRef, error) {
	if s.adapter == nil {
		return kit.MessageRef{}, ErrDisabled
	}
	var target kit.MessageRef
	if m.Op != OpSend {
		ref, ok := m.Ref()
		if !ok {
			// The send this job depends on never completed.
			return kit.MessageRef{}, ErrNoRef
		}
		target = ref
	}

	for n := 1; ; n++ {
		if err := s.limiter.Wait(ctx); err != nil {
			return kit.MessageRef{}, err
		}
		cctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		var (
			ref kit.MessageRef
			err error
		)
		switch m.Op {
		case OpSend:
			ref, err = s.adapter.SendText(cctx, m.Target, m.Text, m.Options)
		case OpEdit:
			err = s.adapter.EditText(cctx, target, m.Text, m.Options)
		case OpDelete:
			err = s.adapter.DeleteText(cctx, target)
		}
		cancel()
		if err == nil {
			return ref, nil
		}
		if n > cfg.RetryMax || errors.Is(err, kit.ErrForbidden) {
			return kit.MessageRef{}, err
		}

		wait := retryDelay(cfg, n)
		var ra *kit.RetryAfterError
		if errors.As(err, &ra) {
			wait = max(wait, ra.After)
		}
		s.log.Debug("outbox attempt failed", logx.Err(err), logx.String("op", m.Op.String()), logx.Int("attempt", n), logx.Duration("wait", wait))
		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return kit.MessageRef{}, ctx.Err()
		}
	}
}

func (s *Service) publish(typ string, j job, err error) {
	if s.bus == nil {
		return
	}
	ev := Event{Op: j.msg.Op.String(), ChatID: j.msg.Target.ChatID, ThreadID: j.msg.Target.ThreadID, Key: j.key, At: time.Now()}
	if err != nil {
		ev.Error = err.Error()
	}
	eventbus.Emit(s.bus, typ, ev)
}

// retryDelay is the wait after failed attempt n: RetryBase doubled per
// attempt, capped at RetryMaxDelay, scaled by 0.7..1.3.
func retryDelay(cfg Config, n int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < n && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = time.Duration(float64(min(d, cfg.RetryMaxDelay)) * (0.7 + rand.Float64()*0.6))
	return min(max(d, 0), cfg.RetryMaxDelay)
}
