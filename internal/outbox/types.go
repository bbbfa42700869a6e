package outbox

import (
	"context"
	"time"

	kit "pewcast/internal/transport"
)

// Config controls the async delivery pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	SendTimeout     time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
}

// Op is the kind of chat operation a job performs.
type Op uint8

const (
	OpSend Op = iota
	OpEdit
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpSend:
		return "send"
	case OpEdit:
		return "edit"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// RefFunc resolves the message a job acts on when the job runs. It lets an
// edit be queued before the send it depends on has completed.
type RefFunc func() (kit.MessageRef, bool)

// Message is one outbound chat operation.
type Message struct {
	Op Op
	// Target is the chat the job belongs to. Jobs for one chat run in
	// enqueue order.
	Target  kit.ChatTarget
	Ref     RefFunc // OpEdit, OpDelete
	Text    string
	Options *kit.SendOptions
	// Dedup suppresses identical sends to the same target within the
	// configured window.
	Dedup bool
	// Done runs on the worker after the final attempt. ref is only set for
	// a successful send.
	Done func(ref kit.MessageRef, err error)
}

// Fixed returns a RefFunc for an already known message.
func Fixed(ref kit.MessageRef) RefFunc {
	return func() (kit.MessageRef, bool) { return ref, !ref.IsZero() }
}

// DedupStore persists dedup windows across restarts.
type DedupStore interface {
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
}

type HistoryItem struct {
	At     time.Time
	Op     Op
	ChatID int64
	Text   string
}

// Stats is a point-in-time view of the pipeline.
type Stats struct {
	Running bool
	Queued  int
	Sent    uint64
	Failed  uint64
	Dropped uint64
	Deduped uint64
}

// Event is the payload published on the event bus.
type Event struct {
	Op       string    `json:"op"`
	ChatID   int64     `json:"chat_id"`
	ThreadID int       `json:"thread_id,omitempty"`
	Key      string    `json:"key,omitempty"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}
