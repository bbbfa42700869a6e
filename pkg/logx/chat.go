package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ChatSink delivers one HTML-formatted log line to an operator chat.
type ChatSink interface {
	SendLog(ctx context.Context, chatID int64, threadID int, text string) error
}

// ChatSinkFunc adapts a function to ChatSink.
type ChatSinkFunc func(ctx context.Context, chatID int64, threadID int, text string) error

func (f ChatSinkFunc) SendLog(ctx context.Context, chatID int64, threadID int, text string) error {
	return f(ctx, chatID, threadID, text)
}

const (
	chatQueue    = 256
	chatMaxLen   = 3500
	chatFieldLen = 600
	chatStackLen = 900
	// identical lines inside this window are folded into a repeat count
	chatRepeatWindow = 30 * time.Second
)

var skipKeys = []string{zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.MessageFieldName}

type chatLine struct {
	chatID   int64
	threadID int
	text     string
}

// chatMirror is a zerolog.LevelWriter that forwards lines at or above a
// level to a ChatSink. Writes never block; a full queue drops lines.
type chatMirror struct {
	sink  ChatSink
	queue chan chatLine

	mu       sync.Mutex
	chatID   int64
	threadID int
	min      Level
	lim      *rate.Limiter
	last     string
	lastAt   time.Time
	repeats  int

	startOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

func newChatMirror(sink ChatSink) *chatMirror {
	return &chatMirror{sink: sink, queue: make(chan chatLine, chatQueue), done: make(chan struct{})}
}

// apply reports whether the mirror should be part of the writer set.
func (m *chatMirror) apply(tc TelegramConfig) bool {
	if !tc.Enabled || m.sink == nil {
		return false
	}
	if tc.ChatID == 0 {
		fmt.Fprintln(stderr, "logx: telegram logging enabled but telegram.log_chat_id is not set")
		return false
	}
	rps := max(1, tc.RatePerSec)
	m.mu.Lock()
	m.chatID, m.threadID = tc.ChatID, tc.ThreadID
	m.min = parseLevel(tc.MinLevel, LevelWarn)
	m.lim = rate.NewLimiter(rate.Limit(rps), rps)
	m.mu.Unlock()

	m.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		m.cancel = cancel
		go m.run(ctx)
	})
	return true
}

func (m *chatMirror) run(ctx context.Context) {
	defer close(m.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ln := <-m.queue:
			sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			if err := m.sink.SendLog(sctx, ln.chatID, ln.threadID, ln.text); err != nil {
				fmt.Fprintf(stderr, "logx: chat sink: %v\n", err)
			}
			cancel()
		}
	}
}

func (m *chatMirror) close() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
}

func (m *chatMirror) Write(p []byte) (int, error) { return m.WriteLevel(LevelInfo, p) }

func (m *chatMirror) WriteLevel(level Level, p []byte) (int, error) {
	text := formatChatLine(p)
	now := time.Now()

	m.mu.Lock()
	if level < m.min || m.lim == nil || text == "" {
		m.mu.Unlock()
		return len(p), nil
	}
	if text == m.last && now.Sub(m.lastAt) < chatRepeatWindow {
		m.repeats++
		m.mu.Unlock()
		return len(p), nil
	}
	ln := chatLine{chatID: m.chatID, threadID: m.threadID, text: text}
	if m.repeats > 0 {
		ln.text += fmt.Sprintf("\n<i>previous line repeated %d more times</i>", m.repeats)
	}
	m.last, m.lastAt, m.repeats = text, now, 0
	allowed := m.lim.Allow()
	m.mu.Unlock()

	if allowed {
		select {
		case m.queue <- ln:
		default:
		}
	}
	return len(p), nil
}

// formatChatLine renders a zerolog JSON line as Telegram HTML:
// bold level and message, then one "key=value" line per field, sorted.
func formatChatLine(p []byte) string {
	var ev map[string]any
	if err := json.Unmarshal(p, &ev); err != nil {
		return html.EscapeString(truncate(strings.TrimSpace(string(p)), chatMaxLen))
	}

	var b strings.Builder
	if lvl, _ := ev[zerolog.LevelFieldName].(string); lvl != "" {
		fmt.Fprintf(&b, "<b>[%s]</b> ", strings.ToUpper(lvl))
	}
	msg, _ := ev[zerolog.MessageFieldName].(string)
	b.WriteString(html.EscapeString(truncate(msg, chatFieldLen)))

	keys := make([]string, 0, len(ev))
	for k := range ev {
		if !slices.Contains(skipKeys, k) {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	for _, k := range keys {
		v := fmt.Sprint(ev[k])
		var line string
		if k == "stack" {
			line = "\n<pre>" + html.EscapeString(truncate(v, chatStackLen)) + "</pre>"
		} else {
			line = "\n" + html.EscapeString(k) + "=<code>" + html.EscapeString(truncate(v, chatFieldLen)) + "</code>"
		}
		// Cut whole lines so tags stay balanced.
		if b.Len()+len(line) > chatMaxLen {
			b.WriteString("\n...")
			break
		}
		b.WriteString(line)
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n < 10 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
