package wire

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/text/language"

	"pewcast/internal/directory"
	rtsup "pewcast/internal/runtime/supervisor"
	logx "pewcast/pkg/logx"
)

type Config struct {
	Addr          string
	Path          string
	Token         string
	WriteTimeout  time.Duration
	PingInterval  time.Duration
	SendQueue     int
	ReadLimit     int64
	DefaultLocale language.Tag
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Addr) == "" {
		c.Addr = "127.0.0.1:25580"
	}
	if strings.TrimSpace(c.Path) == "" {
		c.Path = "/ws"
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 20 * time.Second
	}
	if c.SendQueue <= 0 {
		c.SendQueue = 256
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 64 << 10
	}
	if c.DefaultLocale == language.Und {
		c.DefaultLocale = language.English
	}
	return c
}

var ErrUnauthorized = errors.New("wire: unauthorized")

// Server accepts websocket clients into a Family.
type Server struct {
	cfg      Config
	fam      *Family
	log      logx.Logger
	upgrader websocket.Upgrader

	mu   sync.Mutex
	srv  *http.Server
	ln   net.Listener
	sup  *rtsup.Supervisor
	conn sync.WaitGroup
}

func NewServer(cfg Config, fam *Family, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{
		cfg: cfg.withDefaults(),
		fam: fam,
		log: log.With(logx.String("comp", "wire.server")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Clients are game processes, not browsers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler serves the websocket endpoint and /healthz.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.serveWS)
	mux.HandleFunc("/healthz", s.serveHealth)
	return mux
}

// Start listens on the configured address and serves until Stop.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("wire listen %s: %w", s.cfg.Addr, err)
	}
	s.ln = ln
	s.srv = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	srv := s.srv
	s.sup.Go("wire.http", func(context.Context) error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	s.log.Info("wire server listening",
		logx.String("addr", ln.Addr().String()),
		logx.String("path", s.cfg.Path),
		logx.Int("native_protocol", s.fam.Native()),
	)
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Stop disconnects every client and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, sup := s.srv, s.sup
	s.srv, s.ln, s.sup = nil, nil, nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	// Hijacked websocket conns are not tracked by Shutdown.
	s.fam.Directory().Each(func(_ uuid.UUID, m *directory.Member[*Conn]) bool {
		m.Viewer().Close()
		return true
	})
	err := srv.Shutdown(ctx)
	done := make(chan struct{})
	go func() {
		s.conn.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		err = errors.Join(err, ctx.Err())
	}
	if sup != nil {
		err = errors.Join(err, sup.Stop(ctx))
	}
	return err
}

func (s *Server) authorize(r *http.Request) error {
	want := s.cfg.Token
	if want == "" {
		return nil
	}
	got := r.URL.Query().Get("token")
	if h := r.Header.Get("Authorization"); h != "" {
		got, _ = strings.CutPrefix(h, "Bearer ")
	}
	if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// ParseConnInfo reads the connect parameters: protocol, locale, bridge and
// perm. A missing protocol means the server's native one.
func ParseConnInfo(q url.Values, native int, fallback language.Tag) (ConnInfo, error) {
	info := ConnInfo{Protocol: native, Locale: fallback}
	if raw := strings.TrimSpace(q.Get("protocol")); raw != "" {
		p, err := strconv.Atoi(raw)
		if err != nil || p < ProtocolLegacy || p > MaxProtocol {
			return info, fmt.Errorf("unsupported protocol %q", raw)
		}
		info.Protocol = p
	}
	if raw := strings.TrimSpace(q.Get("locale")); raw != "" {
		tag, err := language.Parse(raw)
		if err != nil {
			return info, fmt.Errorf("invalid locale %q: %w", raw, err)
		}
		info.Locale = tag
	}
	switch strings.ToLower(q.Get("bridge")) {
	case "1", "true", "yes":
		info.Injected = true
	}
	for p := range strings.SplitSeq(q.Get("perm"), ",") {
		if p = strings.TrimSpace(p); p != "" {
			info.Perms = append(info.Perms, p)
		}
	}
	return info, nil
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	if err := s.authorize(r); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	info, err := ParseConnInfo(r.URL.Query(), s.fam.Native(), s.cfg.DefaultLocale)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	info.Remote = r.RemoteAddr

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", logx.String("remote", r.RemoteAddr), logx.Err(err))
		return
	}
	s.conn.Add(1)
	defer s.conn.Done()
	s.serveConn(ws, info)
}

func (s *Server) serveConn(ws *websocket.Conn, info ConnInfo) {
	c := NewConn(info, s.cfg.SendQueue, s.log)
	dir := s.fam.Directory()
	dir.Connect(c.ID(), c)
	c.log.Info("client connected",
		logx.String("remote", info.Remote),
		logx.String("locale", info.Locale.String()),
		logx.Bool("bridge", info.Injected),
	)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		if err := c.writeLoop(context.Background(), ws, s.cfg.WriteTimeout, s.cfg.PingInterval); err != nil {
			c.log.Debug("write loop ended", logx.Err(err))
		}
		// Unblocks the read loop.
		_ = ws.Close()
	}()

	pongWait := 2 * s.cfg.PingInterval
	ws.SetReadLimit(s.cfg.ReadLimit)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		typ, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("unexpected close", logx.Err(err))
			}
			break
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		if typ != websocket.BinaryMessage {
			continue
		}
		s.handleInbound(c, data)
	}

	dir.Disconnect(c.ID())
	c.Close()
	<-writerDone
	c.log.Info("client disconnected", logx.Uint64("sent", c.Sent()), logx.Uint64("dropped", c.Dropped()))
}

func (s *Server) handleInbound(c *Conn, data []byte) {
	p, err := Decode(data)
	if err != nil {
		c.log.Debug("bad inbound packet", logx.Err(err))
		return
	}
	switch p.Type {
	case TypeSettings:
		var body SettingsBody
		if err := DecodeBody(p, &body); err != nil {
			c.log.Debug("bad settings packet", logx.Err(err))
			return
		}
		tag, err := language.Parse(body.Locale)
		if err != nil {
			c.log.Debug("bad locale", logx.String("locale", body.Locale))
			return
		}
		c.SetLocale(tag)
	default:
		c.log.Debug("ignoring inbound packet", logx.Stringer("type", p.Type))
	}
}

type health struct {
	Status         string `json:"status"`
	Receivers      int    `json:"receivers"`
	NativeProtocol int    `json:"native_protocol"`
	Bridge         bool   `json:"bridge"`
	BridgeProtocol int    `json:"bridge_protocol"`
}

func (s *Server) serveHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(health{
		Status:         "ok",
		Receivers:      s.fam.Directory().Len(),
		NativeProtocol: s.fam.Native(),
		Bridge:         s.fam.Bridge().Enabled(),
		BridgeProtocol: s.fam.Bridge().Protocol(),
	})
}
