package outbox

import (
	"fmt"
	"hash/fnv"
	"sync"
	"time"
)

// window remembers recently sent keys until their deadline. Every key
// gets the same window length, so append order is expiry order and
// eviction only pops from the front. Re-marking a key leaves a stale
// entry behind that is skipped when it reaches the front.
type window struct {
	mu    sync.Mutex
	until map[string]time.Time
	order []entry
}

type entry struct {
	key   string
	until time.Time
}

func newWindow() *window {
	return &window{until: map[string]time.Time{}}
}

// seen reports whether key is inside its window at now.
func (w *window) seen(key string, now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	u, ok := w.until[key]
	return ok && now.Before(u)
}

// mark opens a window for key ending at until, then drops expired keys
// and the oldest ones beyond limit.
func (w *window) mark(key string, until, now time.Time, limit int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.until[key] = until
	w.order = append(w.order, entry{key, until})
	for len(w.order) > 0 {
		head := w.order[0]
		cur, ok := w.until[head.key]
		live := ok && cur.Equal(head.until)
		if live && now.Before(cur) && len(w.until) <= limit {
			break
		}
		w.order = w.order[1:]
		if live {
			delete(w.until, head.key)
		}
	}
}

func (w *window) len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.until)
}

func dedupKey(m Message) string {
	h := fnv.New64a()
	_, _ = fmt.Fprintf(h, "%d:%d|", m.Target.ChatID, m.Target.ThreadID)
	_, _ = h.Write([]byte(m.Text))
	return fmt.Sprintf("%x", h.Sum64())
}
