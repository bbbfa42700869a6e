package wire

import (
	"github.com/google/uuid"

	"pewcast/internal/audience"
	"pewcast/internal/directory"
	"pewcast/internal/eventbus"
	"pewcast/internal/text"
	logx "pewcast/pkg/logx"
)

// FamilyName identifies wire receivers in events, config and storage.
const FamilyName = "wire"

// Family is the wire receiver family: its handlers, bridge and directory.
type Family struct {
	native   int
	bridge   *Bridge
	handlers audience.Handlers[*Conn]
	dir      *directory.Directory[uuid.UUID, *Conn]
	bus      eventbus.Bus
	log      logx.Logger
}

func NewFamily(native int, bridge *Bridge, renderer text.Renderer, bus eventbus.Bus, log logx.Logger) *Family {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bridge == nil {
		bridge = NewBridge(MaxProtocol, native, false)
	}
	log = log.With(logx.String("comp", "wire"))
	f := &Family{
		native:   native,
		bridge:   bridge,
		handlers: Handlers(native, bridge, renderer, log).Build(log),
		bus:      bus,
		log:      log,
	}
	f.dir = directory.New[uuid.UUID, *Conn](FamilyName, func(c *Conn) *audience.Handled[*Conn] {
		return audience.New(c, c, renderer, f.handlers, log)
	}, bus, log)
	return f
}

func (f *Family) Native() int                                       { return f.native }
func (f *Family) Bridge() *Bridge                                   { return f.bridge }
func (f *Family) Directory() *directory.Directory[uuid.UUID, *Conn] { return f.dir }
func (f *Family) Handlers() audience.Handlers[*Conn]                { return f.handlers }

// SetBridge toggles the bridge and rebinds every connected client so the
// change takes effect immediately. It returns the number of rebound
// clients.
func (f *Family) SetBridge(enabled bool) int {
	if !f.bridge.SetEnabled(enabled) {
		return 0
	}
	n := f.dir.RebindAll()
	f.log.Info("bridge toggled", logx.Bool("enabled", enabled), logx.Int("rebound", n))
	eventbus.Emit(f.bus, eventbus.BridgeToggled, map[string]any{"enabled": enabled, "rebound": n})
	return n
}
