// Package supervisor runs named background goroutines under one context
// with panic recovery, first-error tracking and optional restarts.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"time"

	logx "pewcast/pkg/logx"
)

// healthyRun is how long a run must last for the restart backoff to
// start over from its minimum.
const healthyRun = 30 * time.Second

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    logx.Logger

	cancelOnErr bool

	wg   sync.WaitGroup
	done chan struct{}
	once sync.Once

	mu    sync.Mutex
	err   error
	tasks map[string]*Stats
}

type Option func(*Supervisor)

// Stats describes the runs of all goroutines sharing a name.
type Stats struct {
	Name      string    `json:"name"`
	Active    int       `json:"active"`
	Runs      int       `json:"runs"`
	Restarts  int       `json:"restarts"`
	Panics    int       `json:"panics"`
	LastErr   string    `json:"last_err,omitempty"`
	LastStart time.Time `json:"last_start"`
}

// Counters sums Stats over every name.
type Counters struct {
	Active   int `json:"active"`
	Started  int `json:"started"`
	Restarts int `json:"restarts"`
	Panics   int `json:"panics"`
}

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) {
		if !log.IsZero() {
			s.log = log
		}
	}
}

// WithCancelOnError cancels the supervisor context on the first failure
// of a Go goroutine.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		log:    logx.Nop(),
		done:   make(chan struct{}),
		tasks:  map[string]*Stats{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the context without waiting.
func (s *Supervisor) Cancel() { s.cancel() }

// Err returns the first recorded failure.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Supervisor) record(err error, cancel bool) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	if cancel {
		s.cancel()
	}
}

func (s *Supervisor) update(name string, fn func(st *Stats)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.tasks[name]
	if !ok {
		st = &Stats{Name: name}
		s.tasks[name] = st
	}
	fn(st)
}

// Stats lists per-name stats, active names first, then by name.
func (s *Supervisor) Stats() []Stats {
	s.mu.Lock()
	out := make([]Stats, 0, len(s.tasks))
	for _, st := range s.tasks {
		out = append(out, *st)
	}
	s.mu.Unlock()
	slices.SortFunc(out, func(a, b Stats) int {
		if a.Active != b.Active {
			return b.Active - a.Active
		}
		return strings.Compare(a.Name, b.Name)
	})
	return out
}

func (s *Supervisor) Counters() Counters {
	var c Counters
	for _, st := range s.Stats() {
		c.Active += st.Active
		c.Started += st.Runs
		c.Restarts += st.Restarts
		c.Panics += st.Panics
	}
	return c
}

// run executes one run of fn under name, turning a panic into an error.
func (s *Supervisor) run(name string, restart bool, fn func(context.Context) error) (err error) {
	s.update(name, func(st *Stats) {
		st.Runs++
		st.Active++
		st.LastStart = time.Now()
		if restart {
			st.Restarts++
		}
	})
	panicked := false
	defer func() {
		if p := recover(); p != nil {
			panicked = true
			s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", p), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("panic: %v", p)
		}
		s.update(name, func(st *Stats) {
			st.Active--
			if panicked {
				st.Panics++
			}
			if err != nil && !errors.Is(err, context.Canceled) {
				st.LastErr = err.Error()
			}
		})
	}()
	return fn(s.ctx)
}

func (s *Supervisor) spawn(body func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		body()
	}()
}

// Go runs fn once. An error other than context.Canceled, or a panic, is
// recorded and cancels the context under WithCancelOnError.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.spawn(func() {
		if err := s.run(name, false, fn); err != nil && !errors.Is(err, context.Canceled) {
			s.record(fmt.Errorf("%s: %w", name, err), s.cancelOnErr)
		}
	})
}

func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

type RestartOption func(*restartPolicy)

type restartPolicy struct {
	min, max     time.Duration
	limit        int // restarts allowed; <= 0 is unlimited
	stopOnClean  bool
	publishFirst bool
}

func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(p *restartPolicy) {
		if min > 0 {
			p.min = min
		}
		if max > 0 {
			p.max = max
		}
	}
}

// WithMaxRestarts gives up after n restarts. The first run is not a
// restart.
func WithMaxRestarts(n int) RestartOption { return func(p *restartPolicy) { p.limit = n } }

// WithPublishFirstError records the first failure in Err while still
// restarting.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.publishFirst = enabled }
}

// WithStopOnCleanExit controls whether a nil return ends the loop. It
// defaults to true.
func WithStopOnCleanExit(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.stopOnClean = enabled }
}

// GoRestart runs fn and reruns it after an error or panic with jittered
// exponential backoff, until the context ends. Restart failures never
// cancel the context.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	p := restartPolicy{min: 250 * time.Millisecond, max: 30 * time.Second, stopOnClean: true}
	for _, o := range opts {
		o(&p)
	}
	p.max = max(p.max, p.min)

	s.spawn(func() {
		delay := p.min
		for restarts := 0; s.ctx.Err() == nil; restarts++ {
			began := time.Now()
			err := s.run(name, restarts > 0, fn)
			if s.ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			if err == nil {
				if p.stopOnClean {
					return
				}
				err = errors.New("exited")
			}
			err = fmt.Errorf("%s: %w", name, err)
			if p.publishFirst {
				s.record(err, false)
			}
			if p.limit > 0 && restarts >= p.limit {
				s.log.Error("goroutine gave up", logx.String("name", name), logx.Int("restarts", restarts), logx.Err(err))
				return
			}

			if time.Since(began) >= healthyRun {
				delay = p.min
			}
			wait := delay + rand.N(delay/5+1)
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))
			t := time.NewTimer(wait)
			select {
			case <-s.ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
			delay = min(delay*2, p.max)
		}
	})
}

// Stop cancels the context and waits.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every goroutine has returned or ctx ends. It returns
// the first recorded failure.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.once.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.done)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return s.Err()
	}
}
