package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	logx "pewcast/pkg/logx"
)

// compactAfter is the journal length that triggers folding it into the
// snapshot.
const compactAfter = 512

// fileStore keeps all state in memory and on disk as
//
//	<prefix>.state.json     snapshot of receivers and live dedup keys
//	<prefix>.journal.jsonl  mutations since the snapshot
//	<prefix>.audit.jsonl    audit trail, append-only
//
// A mutation is journaled before it is applied in memory.
type fileStore struct {
	log logx.Logger

	statePath string
	auditPath string

	mu        sync.Mutex
	closed    bool
	journal   *os.File
	journaled int
	audit     *os.File
	receivers map[int64]Receiver
	dedup     map[string]int64 // unix milli
}

type fileState struct {
	Receivers []Receiver       `json:"receivers"`
	Dedup     map[string]int64 `json:"dedup,omitempty"`
}

type journalOp struct {
	Op       string    `json:"op"` // put, del or dedup
	Receiver *Receiver `json:"receiver,omitempty"`
	ChatID   int64     `json:"chat_id,omitempty"`
	Key      string    `json:"key,omitempty"`
	Until    int64     `json:"until,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	prefix := filepath.Join(dir, strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)))

	s := &fileStore{
		log:       log,
		statePath: prefix + ".state.json",
		auditPath: prefix + ".audit.jsonl",
		receivers: map[int64]Receiver{},
		dedup:     map[string]int64{},
	}
	if err := s.loadSnapshot(); err != nil {
		return nil, err
	}
	journalPath := prefix + ".journal.jsonl"
	replayed, err := s.replay(journalPath)
	if err != nil {
		return nil, err
	}

	if s.journal, err = os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600); err != nil {
		return nil, err
	}
	if s.audit, err = os.OpenFile(s.auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600); err != nil {
		_ = s.journal.Close()
		return nil, err
	}
	s.journaled = replayed
	if replayed > 0 {
		if err := s.compactLocked(); err != nil {
			log.Warn("journal compaction failed", logx.Err(err))
		}
	}
	log.Info("file store opened", logx.String("path", s.statePath), logx.Int("receivers", len(s.receivers)), logx.Int("replayed", replayed))
	return s, nil
}

func (s *fileStore) loadSnapshot() error {
	b, err := os.ReadFile(s.statePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var st fileState
	if err := json.Unmarshal(b, &st); err != nil {
		return err
	}
	for _, r := range st.Receivers {
		s.receivers[r.ChatID] = r
	}
	for k, v := range st.Dedup {
		s.dedup[k] = v
	}
	return nil
}

// replay applies journal records left by an earlier run. A torn final
// line is skipped.
func (s *fileStore) replay(path string) (int, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer f.Close()
	n := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var op journalOp
		if json.Unmarshal(sc.Bytes(), &op) != nil {
			continue
		}
		s.apply(op)
		n++
	}
	return n, sc.Err()
}

func (s *fileStore) apply(op journalOp) {
	switch op.Op {
	case "put":
		if op.Receiver != nil {
			s.receivers[op.Receiver.ChatID] = *op.Receiver
		}
	case "del":
		delete(s.receivers, op.ChatID)
	case "dedup":
		s.dedup[op.Key] = op.Until
	}
}

func (s *fileStore) commitLocked(op journalOp) error {
	if s.closed {
		return ErrClosed
	}
	b, err := json.Marshal(op)
	if err != nil {
		return err
	}
	if _, err := s.journal.Write(append(b, '\n')); err != nil {
		return err
	}
	s.apply(op)
	s.journaled++
	if s.journaled >= compactAfter {
		if err := s.compactLocked(); err != nil {
			s.log.Warn("journal compaction failed", logx.Err(err))
		}
	}
	return nil
}

// compactLocked writes the snapshot atomically, then empties the journal.
func (s *fileStore) compactLocked() error {
	now := time.Now().UnixMilli()
	for k, until := range s.dedup {
		if until < now {
			delete(s.dedup, k)
		}
	}
	st := fileState{Receivers: s.sortedLocked(), Dedup: s.dedup}
	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.statePath + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.statePath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	s.journaled = 0
	return nil
}

func (s *fileStore) sortedLocked() []Receiver {
	out := make([]Receiver, 0, len(s.receivers))
	for _, r := range s.receivers {
		out = append(out, r)
	}
	slices.SortFunc(out, byJoin)
	return out
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	err := s.compactLocked()
	s.closed = true
	return errors.Join(err, s.journal.Close(), s.audit.Close())
}

func (s *fileStore) PutReceiver(_ context.Context, r Receiver) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.receivers[r.ChatID]; ok {
		r.JoinedAt = prev.JoinedAt
	}
	if r.JoinedAt.IsZero() {
		r.JoinedAt = time.Now()
	}
	r.JoinedAt = r.JoinedAt.UTC()
	return s.commitLocked(journalOp{Op: "put", Receiver: &r})
}

func (s *fileStore) DeleteReceiver(_ context.Context, chatID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.receivers[chatID]; !ok {
		return false, nil
	}
	return true, s.commitLocked(journalOp{Op: "del", ChatID: chatID})
}

func (s *fileStore) ListReceivers(context.Context) ([]Receiver, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.sortedLocked(), nil
}

func (s *fileStore) PutDedup(_ context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commitLocked(journalOp{Op: "dedup", Key: key, Until: until.UnixMilli()})
}

func (s *fileStore) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	key = strings.TrimSpace(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.dedup[key]
	if !ok || key == "" || ms < time.Now().UnixMilli() {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func (s *fileStore) AppendAudit(_ context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	_, err = s.audit.Write(append(b, '\n'))
	return err
}

// RecentAudit scans the whole trail and keeps the last n entries.
func (s *fileStore) RecentAudit(ctx context.Context, n int) ([]AuditEntry, error) {
	if n <= 0 {
		return nil, nil
	}
	f, err := os.Open(s.auditPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ring := make([]AuditEntry, 0, n)
	next := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var e AuditEntry
		if json.Unmarshal(sc.Bytes(), &e) != nil {
			continue
		}
		if len(ring) < n {
			ring = append(ring, e)
			continue
		}
		ring[next] = e
		next = (next + 1) % n
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	out := make([]AuditEntry, 0, len(ring))
	for i := range ring {
		out = append(out, ring[(next+len(ring)-1-i)%len(ring)])
	}
	return out, nil
}
