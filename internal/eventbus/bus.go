// Package eventbus is an in-process fanout of audience and delivery
// events. Publishing never blocks: a subscriber whose buffer is full loses
// the event and the loss is counted.
package eventbus

import (
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by pewcast components. Types are dotted; a
// subscriber filter "audience." matches every audience event.
const (
	AudienceConnected    = "audience.connected"
	AudienceDisconnected = "audience.disconnected"
	AudienceRebound      = "audience.rebound"

	OutboxSent    = "outbox.sent"
	OutboxFailed  = "outbox.failed"
	OutboxDropped = "outbox.dropped"

	// OutboxForbidden is published once per job the platform refused
	// because the bot was blocked or removed.
	OutboxForbidden = "outbox.forbidden"

	AnnouncementFired = "announce.fired"
	BridgeToggled     = "bridge.toggled"
)

type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	// Subscribe returns a buffered channel of events whose type matches
	// one of filters (exact, or by prefix when the filter ends in ".").
	// No filters means every event. The func closes the channel.
	Subscribe(buffer int, filters ...string) (<-chan Event, func())
	// Dropped counts events lost to full subscriber buffers.
	Dropped() uint64
}

// Emit publishes typ stamped with the current time. A nil bus is ignored.
func Emit(b Bus, typ string, data any) {
	if b == nil {
		return
	}
	b.Publish(Event{Type: typ, Time: time.Now(), Data: data})
}

func New() Bus {
	return &memBus{subs: map[*subscriber]struct{}{}}
}

type subscriber struct {
	ch      chan Event
	filters []string
}

func (s *subscriber) wants(typ string) bool {
	if len(s.filters) == 0 {
		return true
	}
	return slices.ContainsFunc(s.filters, func(f string) bool {
		return f == typ || (strings.HasSuffix(f, ".") && strings.HasPrefix(typ, f))
	})
}

type memBus struct {
	// Publish sends under the read lock; unsubscribe closes under the
	// write lock, so a send never hits a closed channel.
	mu      sync.RWMutex
	subs    map[*subscriber]struct{}
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if !s.wants(e.Type) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int, filters ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &subscriber{ch: make(chan Event, buffer), filters: filters}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, s)
			close(s.ch)
			b.mu.Unlock()
		})
	}
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }
