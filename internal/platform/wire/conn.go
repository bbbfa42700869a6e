package wire

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/text/language"

	logx "pewcast/pkg/logx"
)

// ConnInfo is what a client declares when it connects.
type ConnInfo struct {
	Protocol int
	Locale   language.Tag
	// Injected marks a client that accepts bridged packets.
	Injected bool
	Perms    []string
	Remote   string
}

// Conn is one connected client. It is the wire receiver identity and its
// own rendering context. Send never blocks; a full queue drops the packet.
type Conn struct {
	id       uuid.UUID
	protocol int
	injected bool
	perms    []string
	remote   string
	log      logx.Logger

	locale atomic.Pointer[language.Tag]

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	sent    atomic.Uint64
	dropped atomic.Uint64
}

func NewConn(info ConnInfo, queue int, log logx.Logger) *Conn {
	if queue <= 0 {
		queue = 256
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Conn{
		id:       uuid.New(),
		protocol: info.Protocol,
		injected: info.Injected,
		perms:    append([]string(nil), info.Perms...),
		remote:   info.Remote,
		send:     make(chan []byte, queue),
		done:     make(chan struct{}),
	}
	c.log = log.With(logx.String("conn", c.id.String()), logx.Int("protocol", c.protocol))
	c.SetLocale(info.Locale)
	return c
}

func (c *Conn) ID() uuid.UUID   { return c.id }
func (c *Conn) Protocol() int   { return c.protocol }
func (c *Conn) Injected() bool  { return c.injected }
func (c *Conn) Remote() string  { return c.remote }
func (c *Conn) String() string  { return "wire:" + c.id.String() }
func (c *Conn) Dropped() uint64 { return c.dropped.Load() }
func (c *Conn) Sent() uint64    { return c.sent.Load() }

func (c *Conn) Locale() language.Tag { return *c.locale.Load() }

func (c *Conn) SetLocale(tag language.Tag) {
	c.locale.Store(&tag)
}

func (c *Conn) HasPermission(node string) bool {
	for _, p := range c.perms {
		if p == node || p == "*" {
			return true
		}
		if prefix, ok := strings.CutSuffix(p, ".*"); ok && strings.HasPrefix(node, prefix+".") {
			return true
		}
	}
	return false
}

// Send encodes and queues one packet.
func (c *Conn) Send(typ PacketType, proto int, body any) error {
	b, err := Encode(typ, proto, body)
	if err != nil {
		return err
	}
	c.enqueue(b)
	return nil
}

func (c *Conn) enqueue(b []byte) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- b:
	default:
		if n := c.dropped.Add(1); n == 1 || n%100 == 0 {
			c.log.Warn("send queue full; dropping packet", logx.Uint64("dropped", n))
		}
	}
}

// Close stops the writer. It is safe to call more than once.
func (c *Conn) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Conn) Done() <-chan struct{} { return c.done }

// writeLoop drains the send queue into ws and pings on interval. It returns
// when the conn is closed, ctx ends or a write fails.
func (c *Conn) writeLoop(ctx context.Context, ws *websocket.Conn, writeTimeout, pingInterval time.Duration) error {
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.done:
			_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return nil
		case b := <-c.send:
			_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := ws.WriteMessage(websocket.BinaryMessage, b); err != nil {
				return err
			}
			c.sent.Add(1)
		case <-ping.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}
		}
	}
}
