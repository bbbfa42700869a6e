package bossbar

import (
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/google/uuid"

	"pewcast/internal/text"
	logx "pewcast/pkg/logx"
)

// Change identifies the attribute group carried by a delta.
type Change uint8

const (
	ChangeName Change = iota + 1
	ChangeProgress
	// ChangeStyle carries color and overlay together; the wire model has no
	// separate encoding for either.
	ChangeStyle
	ChangeFlags
)

func (c Change) String() string {
	switch c {
	case ChangeName:
		return "name"
	case ChangeProgress:
		return "progress"
	case ChangeStyle:
		return "style"
	case ChangeFlags:
		return "flags"
	default:
		return fmt.Sprintf("change(%d)", uint8(c))
	}
}

// Subscription is one receiver's membership in a bar instance. Driver calls
// for the same subscription never overlap, and Add always runs first.
type Subscription[R comparable] struct {
	Receiver R
	Instance uuid.UUID

	mu   sync.Mutex
	gone bool
	data any
}

// Data returns driver-owned state set by a previous driver call. Only valid
// inside a Driver method.
func (s *Subscription[R]) Data() any { return s.data }

// SetData stores driver-owned state. Only valid inside a Driver method.
func (s *Subscription[R]) SetData(v any) { s.data = v }

// Driver encodes and delivers bar messages for one receiver family.
// Returned errors are logged by the Broadcaster and never abort a fan-out.
type Driver[R comparable] interface {
	Add(sub *Subscription[R], st State) error
	Remove(sub *Subscription[R]) error
	Update(sub *Subscription[R], change Change, st State) error
}

type instance[R comparable] struct {
	id   uuid.UUID
	subs map[R]*Subscription[R]
}

// Broadcaster tracks which receivers of one family see which bars. An
// instance exists for a bar exactly while it has at least one subscriber,
// and the Broadcaster listens on the bar only during that time.
type Broadcaster[R comparable] struct {
	name   string
	driver Driver[R]
	log    logx.Logger
	l      *barListener[R]

	mu        sync.Mutex
	instances map[*Bar]*instance[R]
}

func NewBroadcaster[R comparable](name string, driver Driver[R], log logx.Logger) *Broadcaster[R] {
	if log.IsZero() {
		log = logx.Nop()
	}
	b := &Broadcaster[R]{
		name:      name,
		driver:    driver,
		log:       log.With(logx.String("broadcaster", name)),
		instances: map[*Bar]*instance[R]{},
	}
	b.l = &barListener[R]{b: b}
	return b
}

func (b *Broadcaster[R]) Name() string { return b.name }

// Show subscribes r to bar. A new subscriber receives the full bar state;
// showing an already visible bar sends nothing.
func (b *Broadcaster[R]) Show(r R, bar *Bar) {
	if bar == nil {
		panic("bossbar: Show called with nil bar")
	}
	b.mu.Lock()
	inst := b.instances[bar]
	if inst == nil {
		inst = &instance[R]{id: uuid.New(), subs: map[R]*Subscription[R]{}}
		b.instances[bar] = inst
		bar.AddListener(b.l)
	}
	if _, ok := inst.subs[r]; ok {
		b.mu.Unlock()
		return
	}
	sub := &Subscription[R]{Receiver: r, Instance: inst.id}
	// Held until Add completes so a racing delta cannot overtake it.
	sub.mu.Lock()
	inst.subs[r] = sub
	b.mu.Unlock()

	defer sub.mu.Unlock()
	st := bar.Snapshot()
	b.call(sub, "add", func() error { return b.driver.Add(sub, st) })
}

// Hide unsubscribes r from bar and sends a remove if r was subscribed. The
// last Hide drops the instance and the bar listener.
func (b *Broadcaster[R]) Hide(r R, bar *Bar) {
	if bar == nil {
		panic("bossbar: Hide called with nil bar")
	}
	b.mu.Lock()
	inst := b.instances[bar]
	if inst == nil {
		b.mu.Unlock()
		return
	}
	sub, ok := inst.subs[r]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(inst.subs, r)
	if len(inst.subs) == 0 {
		delete(b.instances, bar)
		bar.RemoveListener(b.l)
	}
	b.mu.Unlock()

	sub.mu.Lock()
	defer sub.mu.Unlock()
	sub.gone = true
	b.call(sub, "remove", func() error { return b.driver.Remove(sub) })
}

// Instances returns the number of bars with at least one subscriber.
func (b *Broadcaster[R]) Instances() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.instances)
}

// Subscribers returns a snapshot of the receivers subscribed to bar.
func (b *Broadcaster[R]) Subscribers(bar *Bar) []R {
	b.mu.Lock()
	defer b.mu.Unlock()
	inst := b.instances[bar]
	if inst == nil {
		return nil
	}
	out := make([]R, 0, len(inst.subs))
	for r := range inst.subs {
		out = append(out, r)
	}
	return out
}

// InstanceID returns the id of bar's live instance.
func (b *Broadcaster[R]) InstanceID(bar *Bar) (uuid.UUID, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	inst := b.instances[bar]
	if inst == nil {
		return uuid.Nil, false
	}
	return inst.id, true
}

func (b *Broadcaster[R]) fanout(bar *Bar, change Change) {
	b.mu.Lock()
	inst := b.instances[bar]
	if inst == nil {
		b.mu.Unlock()
		return
	}
	subs := make([]*Subscription[R], 0, len(inst.subs))
	for _, s := range inst.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	st := bar.Snapshot()
	for _, s := range subs {
		b.deliver(s, change, st)
	}
}

func (b *Broadcaster[R]) deliver(sub *Subscription[R], change Change, st State) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.gone {
		return
	}
	b.call(sub, change.String(), func() error { return b.driver.Update(sub, change, st) })
}

// call runs one driver operation for sub, which must be locked. Errors and
// panics are logged and swallowed.
func (b *Broadcaster[R]) call(sub *Subscription[R], op string, fn func() error) {
	defer func() {
		if p := recover(); p != nil {
			b.log.Error("boss bar delivery panicked",
				logx.String("op", op),
				logx.String("receiver", fmt.Sprint(sub.Receiver)),
				logx.String("instance", sub.Instance.String()),
				logx.Any("panic", p),
				logx.Stack(string(debug.Stack())),
			)
		}
	}()
	if err := fn(); err != nil {
		b.log.Warn("boss bar delivery failed",
			logx.String("op", op),
			logx.String("receiver", fmt.Sprint(sub.Receiver)),
			logx.String("instance", sub.Instance.String()),
			logx.Err(err),
		)
	}
}

type barListener[R comparable] struct{ b *Broadcaster[R] }

func (l *barListener[R]) BarNameChanged(bar *Bar, _, _ text.Component) {
	l.b.fanout(bar, ChangeName)
}

func (l *barListener[R]) BarProgressChanged(bar *Bar, _, _ float32) {
	l.b.fanout(bar, ChangeProgress)
}

func (l *barListener[R]) BarColorChanged(bar *Bar, _, _ Color) {
	l.b.fanout(bar, ChangeStyle)
}

func (l *barListener[R]) BarOverlayChanged(bar *Bar, _, _ Overlay) {
	l.b.fanout(bar, ChangeStyle)
}

func (l *barListener[R]) BarFlagsChanged(bar *Bar, _, _ Flags) {
	l.b.fanout(bar, ChangeFlags)
}
