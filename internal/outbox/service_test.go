package outbox

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"pewcast/internal/eventbus"
	kit "pewcast/internal/transport"
	logx "pewcast/pkg/logx"
)

type fakeAdapter struct {
	mu       sync.Mutex
	nextID   int
	failures int   // remaining SendText calls that fail
	err      error // returned by failing calls; a generic error when nil
	calls    []string
}

func (a *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (a *fakeAdapter) Stop(context.Context) error                      { return nil }

func (a *fakeAdapter) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failures > 0 {
		a.failures--
		a.calls = append(a.calls, "fail:"+text)
		if a.err != nil {
			return kit.MessageRef{}, a.err
		}
		return kit.MessageRef{}, errors.New("flood wait")
	}
	a.nextID++
	a.calls = append(a.calls, "send:"+text)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: a.nextID}, nil
}

func (a *fakeAdapter) EditText(_ context.Context, ref kit.MessageRef, text string, _ *kit.SendOptions) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, "edit:"+text)
	_ = ref
	return nil
}

func (a *fakeAdapter) DeleteText(_ context.Context, ref kit.MessageRef) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, "delete")
	return nil
}

func (a *fakeAdapter) log() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.calls...)
}

func testConfig() Config {
	return Config{
		Enabled:       true,
		Workers:       4,
		QueueSize:     64,
		RatePerSec:    1000,
		RetryMax:      2,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 2 * time.Millisecond,
		DedupWindow:   time.Minute,
	}
}

func startOutbox(t *testing.T, cfg Config, ad kit.Adapter) *Service {
	t.Helper()
	s := New(cfg, ad, logx.Nop(), nil, nil)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func drain(t *testing.T, s *Service) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
	if s.Stats().Running {
		t.Fatal("outbox still running after Stop")
	}
}

func TestSendEditDeleteStayOrdered(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	s := startOutbox(t, testConfig(), ad)
	to := kit.ChatTarget{ChatID: 42}

	var mu sync.Mutex
	var ref kit.MessageRef
	lazy := func() (kit.MessageRef, bool) {
		mu.Lock()
		defer mu.Unlock()
		return ref, !ref.IsZero()
	}
	err := s.Send(context.Background(), to, "10%", nil, func(r kit.MessageRef, err error) {
		mu.Lock()
		defer mu.Unlock()
		ref = r
	})
	if err != nil {
		t.Fatalf("Send error = %v", err)
	}
	for _, txt := range []string{"50%", "90%"} {
		if err := s.Edit(context.Background(), to, lazy, txt, nil); err != nil {
			t.Fatalf("Edit error = %v", err)
		}
	}
	if err := s.Delete(context.Background(), to, lazy); err != nil {
		t.Fatalf("Delete error = %v", err)
	}
	drain(t, s)

	want := []string{"send:10%", "edit:50%", "edit:90%", "delete"}
	if got := ad.log(); !reflect.DeepEqual(got, want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
	if st := s.Stats(); st.Sent != 4 || st.Failed != 0 {
		t.Fatalf("Stats = %+v", st)
	}
}

func TestRetryThenSucceed(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{failures: 2}
	s := startOutbox(t, testConfig(), ad)

	done := make(chan error, 1)
	_ = s.Send(context.Background(), kit.ChatTarget{ChatID: 1}, "hi", nil, func(_ kit.MessageRef, err error) { done <- err })
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Done error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
	want := []string{"fail:hi", "fail:hi", "send:hi"}
	if got := ad.log(); !reflect.DeepEqual(got, want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
}

func TestRetryGivesUp(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{failures: 10}
	s := startOutbox(t, testConfig(), ad)

	done := make(chan error, 1)
	_ = s.Send(context.Background(), kit.ChatTarget{ChatID: 1}, "hi", nil, func(_ kit.MessageRef, err error) { done <- err })
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("Done error = nil, want failure")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
	if got := len(ad.log()); got != 3 {
		t.Fatalf("attempts = %d, want 3", got)
	}
}

func TestDedupSuppressesRepeats(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	s := startOutbox(t, testConfig(), ad)
	m := Message{Op: OpSend, Target: kit.ChatTarget{ChatID: 7}, Text: "restart in 5m", Dedup: true}
	for range 3 {
		if err := s.Enqueue(context.Background(), m); err != nil {
			t.Fatalf("Enqueue error = %v", err)
		}
	}
	drain(t, s)
	if got := ad.log(); len(got) != 1 {
		t.Fatalf("calls = %v, want one send", got)
	}
	if st := s.Stats(); st.Deduped != 2 {
		t.Fatalf("Deduped = %d, want 2", st.Deduped)
	}
}

func TestEditWithoutRefIsSkipped(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	s := startOutbox(t, testConfig(), ad)

	done := make(chan error, 1)
	err := s.Enqueue(context.Background(), Message{
		Op:     OpEdit,
		Target: kit.ChatTarget{ChatID: 1},
		Ref:    Fixed(kit.MessageRef{}),
		Text:   "x",
		Done:   func(_ kit.MessageRef, err error) { done <- err },
	})
	if err != nil {
		t.Fatalf("Enqueue error = %v", err)
	}
	if err := <-done; !errors.Is(err, ErrNoRef) {
		t.Fatalf("Done error = %v, want ErrNoRef", err)
	}
	if got := ad.log(); len(got) != 0 {
		t.Fatalf("calls = %v, want none", got)
	}
	if err := s.Enqueue(context.Background(), Message{Op: OpDelete}); !errors.Is(err, ErrNoRef) {
		t.Fatalf("Enqueue without ref = %v, want ErrNoRef", err)
	}
}

func TestEnqueueStates(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Enabled = false
	off := New(cfg, &fakeAdapter{}, logx.Nop(), nil, nil)
	if err := off.Send(context.Background(), kit.ChatTarget{}, "x", nil, nil); !errors.Is(err, ErrDisabled) {
		t.Fatalf("disabled Send = %v, want ErrDisabled", err)
	}

	stopped := New(testConfig(), &fakeAdapter{}, logx.Nop(), nil, nil)
	if err := stopped.Send(context.Background(), kit.ChatTarget{}, "x", nil, nil); !errors.Is(err, ErrStopped) {
		t.Fatalf("stopped Send = %v, want ErrStopped", err)
	}
}

func TestRetryDelayBounds(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 8; attempt++ {
		d := retryDelay(cfg, attempt)
		if d <= 0 || d > time.Second {
			t.Fatalf("retryDelay(%d) = %v out of bounds", attempt, d)
		}
	}
}

func TestShardIsStablePerChat(t *testing.T) {
	t.Parallel()
	a := shard(kit.ChatTarget{ChatID: 99, ThreadID: 1}, 8)
	b := shard(kit.ChatTarget{ChatID: 99, ThreadID: 2}, 8)
	if a != b {
		t.Fatalf("shard differs across threads of one chat: %d vs %d", a, b)
	}
}

func TestForbiddenIsNotRetried(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{failures: 10, err: fmt.Errorf("%w: blocked", kit.ErrForbidden)}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4, eventbus.OutboxForbidden)
	defer unsub()

	s := New(testConfig(), ad, logx.Nop(), bus, nil)
	s.Start(context.Background())
	_ = s.Send(context.Background(), kit.ChatTarget{ChatID: 5}, "hi", nil, nil)
	drain(t, s)

	if got := len(ad.log()); got != 1 {
		t.Fatalf("attempts = %d, want 1", got)
	}
	select {
	case e := <-events:
		if ev, ok := e.Data.(Event); !ok || ev.ChatID != 5 {
			t.Fatalf("event data = %+v, want chat 5", e.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("no outbox.forbidden event")
	}
}

func TestRetryAfterExtendsWait(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{failures: 1, err: &kit.RetryAfterError{After: 150 * time.Millisecond, Err: errors.New("429")}}
	s := startOutbox(t, testConfig(), ad)

	start := time.Now()
	done := make(chan error, 1)
	_ = s.Send(context.Background(), kit.ChatTarget{ChatID: 1}, "hi", nil, func(_ kit.MessageRef, err error) { done <- err })
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Done error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
	if took := time.Since(start); took < 150*time.Millisecond {
		t.Fatalf("retry came after %v, want at least the flood wait", took)
	}
}

func TestWindowEvicts(t *testing.T) {
	t.Parallel()
	w := newWindow()
	now := time.Now()
	w.mark("a", now.Add(time.Minute), now, 2)
	w.mark("b", now.Add(time.Minute), now, 2)
	w.mark("c", now.Add(time.Minute), now, 2)
	if w.seen("a", now) || !w.seen("b", now) || !w.seen("c", now) {
		t.Fatal("oldest key not evicted at the limit")
	}

	later := now.Add(2 * time.Minute)
	w.mark("d", later.Add(time.Minute), later, 10)
	if w.len() != 1 || !w.seen("d", later) {
		t.Fatalf("len = %d after expiry, want only d", w.len())
	}

	// Re-marking a key must not let its stale entry evict the fresh one.
	w.mark("d", later.Add(2*time.Minute), later, 10)
	w.mark("e", later.Add(3*time.Minute), later.Add(90*time.Second), 10)
	if !w.seen("d", later.Add(90*time.Second)) {
		t.Fatal("re-marked key evicted by its stale entry")
	}
}
