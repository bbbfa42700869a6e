// Package directory tracks the connected receivers of one family and the
// audience bound to each.
package directory

import (
	"fmt"
	"sync"

	"pewcast/internal/audience"
	"pewcast/internal/bossbar"
	"pewcast/internal/eventbus"
	"pewcast/internal/text"
	logx "pewcast/pkg/logx"
)

// BindFunc builds the audience for a receiver. It is called on connect and
// on every rebind.
type BindFunc[V any] func(viewer V) *audience.Handled[V]

// Directory maps receiver keys to members. It is safe for concurrent use.
type Directory[K comparable, V any] struct {
	family string
	bind   BindFunc[V]
	bus    eventbus.Bus
	log    logx.Logger

	mu      sync.RWMutex
	members map[K]*Member[V]
}

func New[K comparable, V any](family string, bind BindFunc[V], bus eventbus.Bus, log logx.Logger) *Directory[K, V] {
	if bind == nil {
		panic("directory: nil bind func")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Directory[K, V]{
		family:  family,
		bind:    bind,
		bus:     bus,
		log:     log.With(logx.String("family", family)),
		members: map[K]*Member[V]{},
	}
}

func (d *Directory[K, V]) Family() string { return d.family }

// Connect binds viewer and registers it under key. An existing member with
// the same key is closed before the new one is registered, and the bars it
// was shown move to the new member.
func (d *Directory[K, V]) Connect(key K, viewer V) *Member[V] {
	m := &Member[V]{viewer: viewer, bars: map[*bossbar.Bar]struct{}{}}
	m.aud = d.bind(viewer)

	d.mu.Lock()
	prev := d.members[key]
	if prev != nil {
		for _, bar := range prev.detach() {
			m.ShowBossBar(bar)
		}
	}
	d.members[key] = m
	d.mu.Unlock()

	if prev != nil {
		d.emit(eventbus.AudienceDisconnected, key, prev)
	}
	d.log.Debug("receiver connected", logx.String("key", fmt.Sprint(key)))
	d.emit(eventbus.AudienceConnected, key, m)
	return m
}

// Disconnect removes key and hides every bar its member was shown. It
// reports whether key was connected.
func (d *Directory[K, V]) Disconnect(key K) bool {
	d.mu.Lock()
	m := d.members[key]
	delete(d.members, key)
	d.mu.Unlock()
	if m == nil {
		return false
	}
	m.close()
	d.log.Debug("receiver disconnected", logx.String("key", fmt.Sprint(key)))
	d.emit(eventbus.AudienceDisconnected, key, m)
	return true
}

// DisconnectAll disconnects every member.
func (d *Directory[K, V]) DisconnectAll() int {
	d.mu.Lock()
	ms := d.members
	d.members = map[K]*Member[V]{}
	d.mu.Unlock()
	for k, m := range ms {
		m.close()
		d.emit(eventbus.AudienceDisconnected, k, m)
	}
	return len(ms)
}

func (d *Directory[K, V]) Get(key K) (*Member[V], bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	m, ok := d.members[key]
	return m, ok
}

func (d *Directory[K, V]) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.members)
}

// Each calls fn for a snapshot of the members until fn returns false.
func (d *Directory[K, V]) Each(fn func(key K, m *Member[V]) bool) {
	d.mu.RLock()
	keys := make([]K, 0, len(d.members))
	ms := make([]*Member[V], 0, len(d.members))
	for k, m := range d.members {
		keys = append(keys, k)
		ms = append(ms, m)
	}
	d.mu.RUnlock()
	for i := range ms {
		if !fn(keys[i], ms[i]) {
			return
		}
	}
}

// Audience returns an audience forwarding to every member connected now.
func (d *Directory[K, V]) Audience() audience.Forwarding {
	var out audience.Forwarding
	d.Each(func(_ K, m *Member[V]) bool {
		out = append(out, m)
		return true
	})
	return out
}

// Filter returns an audience forwarding to the members whose viewer
// matches keep.
func (d *Directory[K, V]) Filter(keep func(V) bool) audience.Forwarding {
	var out audience.Forwarding
	d.Each(func(_ K, m *Member[V]) bool {
		if keep(m.Viewer()) {
			out = append(out, m)
		}
		return true
	})
	return out
}

// Rebind re-resolves key's handlers. Bars shown to the member move to the
// new handlers.
func (d *Directory[K, V]) Rebind(key K) bool {
	m, ok := d.Get(key)
	if !ok {
		return false
	}
	m.rebind(d.bind, nil)
	d.emit(eventbus.AudienceRebound, key, m)
	return true
}

// RebindAll re-resolves every member, typically after a handler's
// environment changed.
func (d *Directory[K, V]) RebindAll() int {
	n := 0
	d.Each(func(k K, m *Member[V]) bool {
		m.rebind(d.bind, nil)
		d.emit(eventbus.AudienceRebound, k, m)
		n++
		return true
	})
	if n > 0 {
		d.log.Info("audiences rebound", logx.Int("count", n))
	}
	return n
}

// Update replaces key's viewer with fn's result and rebinds it.
func (d *Directory[K, V]) Update(key K, fn func(V) V) bool {
	m, ok := d.Get(key)
	if !ok {
		return false
	}
	m.rebind(d.bind, fn)
	d.emit(eventbus.AudienceRebound, key, m)
	return true
}

func (d *Directory[K, V]) emit(typ string, key K, m *Member[V]) {
	eventbus.Emit(d.bus, typ, map[string]any{
		"family":   d.family,
		"key":      fmt.Sprint(key),
		"bindings": bindingNames(m.Bindings()),
	})
}

func bindingNames(b map[audience.Capability]string) map[string]string {
	out := make(map[string]string, len(b))
	for c, n := range b {
		out[c.String()] = n
	}
	return out
}

// Member is a connected receiver. It implements audience.Audience and
// remembers which bars it was shown so they can be hidden on disconnect or
// moved on rebind. After disconnect it ignores every action.
type Member[V any] struct {
	mu     sync.Mutex
	viewer V
	aud    *audience.Handled[V]
	bars   map[*bossbar.Bar]struct{}
	closed bool
}

var _ audience.Audience = (*Member[int])(nil)

func (m *Member[V]) current() *audience.Handled[V] {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	return m.aud
}

func (m *Member[V]) Viewer() V {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.viewer
}

func (m *Member[V]) Bindings() map[audience.Capability]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.aud.Bindings()
}

// Bars returns the number of bars currently shown to the member.
func (m *Member[V]) Bars() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.bars)
}

func (m *Member[V]) close() { m.detach() }

// detach closes m, hides its bars through its current handlers and returns
// them.
func (m *Member[V]) detach() []*bossbar.Bar {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	bars := make([]*bossbar.Bar, 0, len(m.bars))
	for bar := range m.bars {
		m.aud.HideBossBar(bar)
		bars = append(bars, bar)
	}
	clear(m.bars)
	return bars
}

func (m *Member[V]) rebind(bind BindFunc[V], update func(V) V) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	for bar := range m.bars {
		m.aud.HideBossBar(bar)
	}
	if update != nil {
		m.viewer = update(m.viewer)
	}
	m.aud = bind(m.viewer)
	for bar := range m.bars {
		m.aud.ShowBossBar(bar)
	}
}

func (m *Member[V]) SendMessage(msg text.Component) {
	if a := m.current(); a != nil {
		a.SendMessage(msg)
	}
}

func (m *Member[V]) SendActionBar(msg text.Component) {
	if a := m.current(); a != nil {
		a.SendActionBar(msg)
	}
}

func (m *Member[V]) ShowTitle(t audience.Title) {
	if a := m.current(); a != nil {
		a.ShowTitle(t)
	}
}

func (m *Member[V]) ClearTitle() {
	if a := m.current(); a != nil {
		a.ClearTitle()
	}
}

func (m *Member[V]) ResetTitle() {
	if a := m.current(); a != nil {
		a.ResetTitle()
	}
}

// ShowBossBar and HideBossBar hold the member lock across the handler call
// so they cannot interleave with a rebind or disconnect.
func (m *Member[V]) ShowBossBar(bar *bossbar.Bar) {
	if bar == nil {
		panic("directory: ShowBossBar called with nil bar")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.bars[bar] = struct{}{}
	m.aud.ShowBossBar(bar)
}

func (m *Member[V]) HideBossBar(bar *bossbar.Bar) {
	if bar == nil {
		panic("directory: HideBossBar called with nil bar")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	delete(m.bars, bar)
	m.aud.HideBossBar(bar)
}

func (m *Member[V]) PlaySound(s audience.Sound) {
	if a := m.current(); a != nil {
		a.PlaySound(s)
	} else if s.Key == "" {
		panic("directory: sound key is empty")
	}
}

func (m *Member[V]) PlaySoundAt(s audience.Sound, x, y, z float64) {
	if a := m.current(); a != nil {
		a.PlaySoundAt(s, x, y, z)
	} else if s.Key == "" {
		panic("directory: sound key is empty")
	}
}

func (m *Member[V]) StopSound(stop audience.SoundStop) {
	if a := m.current(); a != nil {
		a.StopSound(stop)
	}
}

func (m *Member[V]) OpenBook(book audience.Book) {
	if a := m.current(); a != nil {
		a.OpenBook(book)
	} else if book.Pages == nil {
		panic("directory: OpenBook called with nil pages")
	}
}
