// Package router dispatches Telegram slash commands to handlers through a
// bounded worker pool.
package router

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	kit "pewcast/internal/transport"
	rtsup "pewcast/internal/runtime/supervisor"
	logx "pewcast/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration // optional per-command override
	Handle      HandlerFunc
}

type Request struct {
	Update       kit.Update
	Chat         kit.ChatTarget
	FromID       int64
	Username     string
	LanguageCode string
	Private      bool
	Command      string
	Args         []string
	ReqID        string
	Logger       logx.Logger
}

// Replier sends router-level replies such as "unknown command".
type Replier interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
}

var ErrDuplicateCommand = errors.New("router: duplicate command")

type Router struct {
	log   logx.Logger
	reply Replier

	mu     sync.RWMutex
	byName map[string]*Command
	order  []*Command
	owners []int64

	queue   int
	timeout time.Duration

	onMember atomic.Pointer[MembershipFunc]
	auditor  atomic.Pointer[Auditor]
}

// MembershipFunc observes the bot joining or leaving a chat.
type MembershipFunc func(ctx context.Context, m kit.Membership)

func New(log logx.Logger, reply Replier, owners []int64) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Router{
		log:     log.With(logx.String("comp", "telegram.router")),
		reply:   reply,
		byName:  map[string]*Command{},
		owners:  append([]int64(nil), owners...),
		queue:   256,
		timeout: 15 * time.Second,
	}
}

// Register adds commands. Names and aliases are case-insensitive and must
// be unique.
func (r *Router) Register(cmds ...Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range cmds {
		c := cmds[i]
		if c.Handle == nil {
			return fmt.Errorf("router: command %q has no handler", c.Name)
		}
		keys := append([]string{c.Name}, c.Aliases...)
		for _, k := range keys {
			k = strings.ToLower(strings.TrimSpace(k))
			if k == "" {
				return fmt.Errorf("router: command %q has an empty name", c.Name)
			}
			if _, ok := r.byName[k]; ok {
				return fmt.Errorf("%w: %q", ErrDuplicateCommand, k)
			}
		}
		cp := &c
		for _, k := range keys {
			r.byName[strings.ToLower(strings.TrimSpace(k))] = cp
		}
		r.order = append(r.order, cp)
	}
	return nil
}

// Commands lists registered commands in registration order.
func (r *Router) Commands() []Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Command, len(r.order))
	for i, c := range r.order {
		out[i] = *c
	}
	return out
}

func (r *Router) SetOwners(owners []int64) {
	r.mu.Lock()
	r.owners = append([]int64(nil), owners...)
	r.mu.Unlock()
}

func (r *Router) IsOwner(id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Contains(r.owners, id)
}

// SetAuditor records every owner-only command run in a.
func (r *Router) SetAuditor(a Auditor) {
	if a == nil {
		r.auditor.Store(nil)
		return
	}
	r.auditor.Store(&a)
}

// OnMembership installs fn as the membership hook, replacing any earlier
// one. A nil fn removes it.
func (r *Router) OnMembership(fn MembershipFunc) {
	if fn == nil {
		r.onMember.Store(nil)
		return
	}
	r.onMember.Store(&fn)
}

// Handle routes one update synchronously. Membership updates go to the
// membership hook; non-command messages are ignored.
func (r *Router) Handle(ctx context.Context, up kit.Update) error {
	if up.Kind == kit.UpdateMembership && up.Membership != nil {
		if fn := r.onMember.Load(); fn != nil {
			(*fn)(ctx, *up.Membership)
		}
		return nil
	}
	if up.Kind != kit.UpdateMessage || up.Message == nil {
		return nil
	}
	msg := up.Message
	parts := tokenizeCommandLine(msg.Text)
	if len(parts) == 0 || !strings.HasPrefix(parts[0], "/") {
		return nil
	}
	word := strings.ToLower(strings.TrimPrefix(parts[0], "/"))
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	to := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	r.mu.RLock()
	cmd, ok := r.byName[word]
	r.mu.RUnlock()
	if !ok {
		r.say(ctx, to, "unknown command. try /help")
		return nil
	}
	if cmd.Access == AccessOwnerOnly && !r.IsOwner(msg.FromID) {
		r.say(ctx, to, "unauthorized")
		return nil
	}

	rid := newReqID()
	req := &Request{
		Update:       up,
		Chat:         to,
		FromID:       msg.FromID,
		Username:     msg.FromUsername,
		LanguageCode: msg.LanguageCode,
		Private:      !msg.IsGroup,
		Command:      cmd.Name,
		Args:         parts[1:],
		ReqID:        rid,
		Logger: r.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int("thread_id", msg.ThreadID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Name),
		),
	}
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = r.timeout
	}
	mw := []Middleware{Recover(), Logged()}
	if a := r.auditor.Load(); a != nil && cmd.Access == AccessOwnerOnly {
		mw = append(mw, Audited(*a))
	}
	final := Chain(cmd.Handle, append(mw, WithTimeout(timeout))...)
	if err := final(ctx, req); err != nil {
		r.say(ctx, to, "error: "+err.Error())
		return err
	}
	return nil
}

func (r *Router) say(ctx context.Context, to kit.ChatTarget, text string) {
	if r.reply == nil {
		return
	}
	if _, err := r.reply.SendText(ctx, to, text, nil); err != nil {
		r.log.Debug("reply failed", logx.Int64("chat_id", to.ChatID), logx.Err(err))
	}
}

// DispatchLoop consumes updates until ctx ends or updates closes, running
// handlers on a bounded worker pool.
func (r *Router) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	workers := max(runtime.NumCPU(), 2)
	sup := rtsup.New(ctx, rtsup.WithLogger(r.log), rtsup.WithCancelOnError(false))
	jobs := make(chan func(), r.queue)
	r.log.Info("command dispatcher started", logx.Int("workers", workers), logx.Int("job_queue_cap", cap(jobs)))

	for i := range workers {
		sup.GoRestart("command.worker."+strconv.Itoa(i), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-jobs:
					if !ok {
						return nil
					}
					func() {
						defer func() {
							if p := recover(); p != nil {
								r.log.Error("panic in command job", logx.Int("worker", i), logx.Any("panic", p), logx.Stack(string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		},
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			rtsup.WithPublishFirstError(true),
			rtsup.WithStopOnCleanExit(true),
		)
	}

	defer func() {
		close(jobs)
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		r.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			select {
			case jobs <- func() { _ = r.Handle(ctx, up) }:
			default:
				if up.Message != nil {
					r.say(ctx, kit.ChatTarget{ChatID: up.Message.ChatID, ThreadID: up.Message.ThreadID}, "busy, try again")
				}
			}
		}
	}
}

var ridSeq atomic.Uint64

// newReqID returns a short id: base36 timestamp, sequence and two random
// chars.
func newReqID() string {
	const alpha = "abcdefghijklmnopqrstuvwxyz0123456789"
	n := ridSeq.Add(1)
	suffix := []byte{alpha[rand.IntN(len(alpha))], alpha[rand.IntN(len(alpha))]}
	return strconv.FormatInt(time.Now().UnixNano(), 36) + "-" + strconv.FormatUint(n, 36) + string(suffix)
}

// tokenizeCommandLine splits command text into tokens while supporting
// quotes and backslash escapes.
//
//	/lang "pt BR"
func tokenizeCommandLine(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var (
		out   []string
		buf   strings.Builder
		inQ   bool
		qChar byte
		esc   bool
	)
	flush := func() {
		if buf.Len() > 0 {
			out = append(out, buf.String())
			buf.Reset()
		}
	}
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if esc {
			buf.WriteByte(ch)
			esc = false
			continue
		}
		if ch == '\\' {
			esc = true
			continue
		}
		if inQ {
			if ch == qChar {
				inQ = false
				continue
			}
			buf.WriteByte(ch)
			continue
		}
		switch ch {
		case '"', '\'':
			inQ = true
			qChar = ch
		case ' ', '\t', '\n', '\r':
			flush()
		default:
			buf.WriteByte(ch)
		}
	}
	flush()
	return out
}
