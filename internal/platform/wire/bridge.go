package wire

import "sync/atomic"

// Bridge lets clients newer than the server receive features the server's
// native protocol lacks. Only clients that connected with bridge injection
// are served through it. Enabled flips at runtime; the protocols are fixed.
type Bridge struct {
	protocol int
	native   int
	enabled  atomic.Bool
}

func NewBridge(protocol, native int, enabled bool) *Bridge {
	if protocol <= 0 {
		protocol = MaxProtocol
	}
	b := &Bridge{protocol: protocol, native: native}
	b.enabled.Store(enabled)
	return b
}

func (b *Bridge) Protocol() int { return b.protocol }
func (b *Bridge) Native() int   { return b.native }
func (b *Bridge) Enabled() bool { return b.enabled.Load() }

// SetEnabled reports whether the value changed.
func (b *Bridge) SetEnabled(v bool) bool {
	return b.enabled.Swap(v) != v
}

// Useful reports whether the bridge can serve anything the native protocol
// cannot.
func (b *Bridge) Useful() bool { return b.native < b.protocol }
