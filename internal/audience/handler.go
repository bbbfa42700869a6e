package audience

import (
	"fmt"
	"sync"

	logx "pewcast/pkg/logx"
)

// Handler is one strategy implementing one capability for one receiver
// family. Both checks must pass for the handler to be used.
type Handler[V any] interface {
	// Available reports whether the environment supports this handler at
	// all. It must not depend on any receiver and may be memoized.
	Available() bool
	// AvailableFor reports whether viewer can be served right now. It is
	// evaluated on every resolution and must be side-effect free.
	AvailableFor(viewer V) bool
}

// Named handlers report a stable name for logs and status output.
type Named interface {
	Name() string
}

// HandlerName returns h's Name, or its dynamic type.
func HandlerName(h any) string {
	if n, ok := h.(Named); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", h)
}

// Probe memoizes an environment check. A check that panics counts as
// unavailable.
func Probe(check func() bool) func() bool {
	return sync.OnceValue(func() (ok bool) {
		defer func() {
			if recover() != nil {
				ok = false
			}
		}()
		return check()
	})
}

// Registry is an immutable, ordered list of handlers for one capability.
// Earlier handlers win.
type Registry[V any, H Handler[V]] struct {
	capability Capability
	handlers   []H
	log        logx.Logger
}

func NewRegistry[V any, H Handler[V]](capability Capability, log logx.Logger, handlers ...H) *Registry[V, H] {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry[V, H]{
		capability: capability,
		handlers:   append([]H(nil), handlers...),
		log:        log.With(logx.String("capability", capability.String())),
	}
}

func (r *Registry[V, H]) Capability() Capability { return r.capability }

func (r *Registry[V, H]) Len() int {
	if r == nil {
		return 0
	}
	return len(r.handlers)
}

// Names lists handler names in resolution order.
func (r *Registry[V, H]) Names() []string {
	if r == nil {
		return nil
	}
	out := make([]string, len(r.handlers))
	for i, h := range r.handlers {
		out[i] = HandlerName(h)
	}
	return out
}

// Resolve returns the first handler available for viewer. A nil registry
// resolves nothing.
func (r *Registry[V, H]) Resolve(viewer V) (H, bool) {
	var zero H
	if r == nil {
		return zero, false
	}
	for _, h := range r.handlers {
		if r.probe(h, viewer) {
			return h, true
		}
	}
	return zero, false
}

func (r *Registry[V, H]) probe(h H, viewer V) (ok bool) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Warn("availability probe panicked; skipping handler",
				logx.String("handler", HandlerName(h)),
				logx.Any("panic", p),
			)
			ok = false
		}
	}()
	return h.Available() && h.AvailableFor(viewer)
}
