package router

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"pewcast/internal/storage"
	logx "pewcast/pkg/logx"
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Middleware func(next HandlerFunc) HandlerFunc

// Chain wraps h so that m[0] runs outermost.
func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

// slowRequest is the duration above which a successful command is logged
// at info instead of debug.
const slowRequest = 750 * time.Millisecond

func WithTimeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		if d <= 0 {
			return next
		}
		return func(ctx context.Context, req *Request) error {
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, req)
		}
	}
}

// Recover turns a handler panic into an error.
func Recover() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				if p := recover(); p != nil {
					req.Logger.Error("command panicked", logx.Any("panic", p), logx.Stack(string(debug.Stack())))
					err = fmt.Errorf("panic: %v", p)
				}
			}()
			return next(ctx, req)
		}
	}
}

// Logged logs the outcome of each command on the request logger, which
// already carries the chat, sender and command.
func Logged() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			err := next(ctx, req)
			took := time.Since(start)
			switch {
			case err != nil:
				req.Logger.Warn("command failed", logx.Duration("took", took), logx.Err(err))
			case took >= slowRequest:
				req.Logger.Info("command ok (slow)", logx.Duration("took", took))
			default:
				req.Logger.Debug("command ok", logx.Duration("took", took))
			}
			return err
		}
	}
}

// Auditor records owner commands.
type Auditor interface {
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

// Audited appends one entry per run to a. Audit failures are logged and
// never fail the command.
func Audited(a Auditor) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			err := next(ctx, req)
			e := storage.AuditEntry{
				At:            start,
				ActorID:       req.FromID,
				ActorUsername: req.Username,
				ChatID:        req.Chat.ChatID,
				ThreadID:      req.Chat.ThreadID,
				Component:     "command",
				Action:        req.Command,
				TookMS:        time.Since(start).Milliseconds(),
			}
			if len(req.Args) > 0 {
				e.Target = req.Args[0]
			}
			if err != nil {
				e.Fail, e.Error = 1, err.Error()
			} else {
				e.OK = 1
			}
			// The command context may already be done.
			actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
			defer cancel()
			if aerr := a.AppendAudit(actx, e); aerr != nil {
				req.Logger.Warn("audit append failed", logx.Err(aerr))
			}
			return err
		}
	}
}
