// Package transport is the chat platform contract shared by the telegram
// adapter, the command router, the outbox and the telegram receiver
// family.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrForbidden reports that the bot may no longer post to the chat. It is
// not worth retrying.
var ErrForbidden = errors.New("transport: forbidden")

// RetryAfterError asks the caller to wait before the next attempt.
type RetryAfterError struct {
	After time.Duration
	Err   error
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("retry after %s: %v", e.After, e.Err)
}

func (e *RetryAfterError) Unwrap() error { return e.Err }

type UpdateKind string

const (
	// UpdateMessage carries a text message sent to the bot.
	UpdateMessage UpdateKind = "message"
	// UpdateMembership reports the bot being added to or removed from a
	// chat, or a user blocking it.
	UpdateMembership UpdateKind = "membership"
)

type Update struct {
	Kind       UpdateKind
	Message    *Message
	Membership *Membership
}

type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // forum topic, 0 outside topics
	FromID       int64
	FromUsername string
	LanguageCode string // sender's client language, may be empty
	Text         string
	IsGroup      bool
}

// Membership is the bot's own status in a chat.
type Membership struct {
	ChatID int64
	// Active is false once the bot can no longer post there.
	Active bool
	Status string
	ByID   int64
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

// IsZero reports whether ref points at no message.
func (r MessageRef) IsZero() bool { return r.MessageID == 0 }

// Target returns the chat the referenced message lives in.
func (r MessageRef) Target() ChatTarget { return ChatTarget{ChatID: r.ChatID, ThreadID: r.ThreadID} }

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	// Silent delivers without a notification sound.
	Silent bool
}

// Adapter is a running chat platform connection.
type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
	DeleteText(ctx context.Context, ref MessageRef) error
}

// BotCommand is one entry of the platform's command menu.
type BotCommand struct {
	Command     string
	Description string
}
