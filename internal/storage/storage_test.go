package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	logx "pewcast/pkg/logx"
)

func openTest(t *testing.T, driver, path string) Store {
	t.Helper()
	st, err := Open(Config{Driver: driver, Path: path, BusyTimeout: time.Second}, logx.Nop())
	if err != nil {
		t.Fatalf("Open(%s) error = %v", driver, err)
	}
	if st == nil {
		t.Fatalf("Open(%s) = nil store", driver)
	}
	return st
}

func TestStoreDrivers(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"file", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "pewcast.db")
			ctx := context.Background()

			st := openTest(t, driver, path)
			joined := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
			if err := st.PutReceiver(ctx, Receiver{ChatID: 2, Locale: "en", Private: true, JoinedAt: joined}); err != nil {
				t.Fatalf("PutReceiver error = %v", err)
			}
			if err := st.PutReceiver(ctx, Receiver{ChatID: 1, Locale: "id", JoinedAt: joined.Add(time.Hour)}); err != nil {
				t.Fatalf("PutReceiver error = %v", err)
			}
			// Update keeps the original join time.
			if err := st.PutReceiver(ctx, Receiver{ChatID: 2, Locale: "de", Private: true, JoinedAt: joined.Add(48 * time.Hour)}); err != nil {
				t.Fatalf("PutReceiver error = %v", err)
			}
			until := time.Now().Add(time.Hour).Truncate(time.Millisecond)
			if err := st.PutDedup(ctx, "k", until); err != nil {
				t.Fatalf("PutDedup error = %v", err)
			}
			for _, action := range []string{"fire", "cancel", "fire"} {
				if err := st.AppendAudit(ctx, AuditEntry{Component: "announce", Action: action, Target: "motd", OK: 2}); err != nil {
					t.Fatalf("AppendAudit error = %v", err)
				}
			}
			if err := st.Close(); err != nil {
				t.Fatalf("Close error = %v", err)
			}

			st = openTest(t, driver, path)
			defer st.Close()

			rs, err := st.ListReceivers(ctx)
			if err != nil {
				t.Fatalf("ListReceivers error = %v", err)
			}
			if len(rs) != 2 || rs[0].ChatID != 2 || rs[0].Locale != "de" || !rs[0].Private || rs[1].ChatID != 1 {
				t.Fatalf("ListReceivers = %+v", rs)
			}
			if !rs[0].JoinedAt.Equal(joined) {
				t.Fatalf("JoinedAt = %v, want %v", rs[0].JoinedAt, joined)
			}

			got, ok, err := st.GetDedup(ctx, "k")
			if err != nil || !ok || !got.Equal(until) {
				t.Fatalf("GetDedup = %v, %v, %v; want %v", got, ok, err, until)
			}
			if _, ok, _ := st.GetDedup(ctx, "missing"); ok {
				t.Fatal("GetDedup(missing) ok = true")
			}

			audit, err := st.RecentAudit(ctx, 2)
			if err != nil {
				t.Fatalf("RecentAudit error = %v", err)
			}
			if len(audit) != 2 || audit[0].Action != "fire" || audit[1].Action != "cancel" || audit[0].Target != "motd" {
				t.Fatalf("RecentAudit = %+v, want newest two", audit)
			}

			removed, err := st.DeleteReceiver(ctx, 1)
			if err != nil || !removed {
				t.Fatalf("DeleteReceiver = %v, %v", removed, err)
			}
			removed, err = st.DeleteReceiver(ctx, 1)
			if err != nil || removed {
				t.Fatalf("second DeleteReceiver = %v, %v", removed, err)
			}
		})
	}
}

func TestOpenDisabledAndUnknown(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{Driver: "none"}, logx.Nop())
	if st != nil || err != nil {
		t.Fatalf("Open(none) = %v, %v", st, err)
	}
	if _, err := Open(Config{Driver: "redis"}, logx.Nop()); err == nil {
		t.Fatal("Open(redis) error = nil")
	}
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatal("Open(file) without path error = nil")
	}
}

func TestDedupExpiredReadsAbsent(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"file", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			st := openTest(t, driver, filepath.Join(t.TempDir(), "state.db"))
			defer st.Close()
			ctx := context.Background()
			if err := st.PutDedup(ctx, "old", time.Now().Add(-time.Minute)); err != nil {
				t.Fatalf("PutDedup error = %v", err)
			}
			if _, ok, err := st.GetDedup(ctx, "old"); ok || err != nil {
				t.Fatalf("GetDedup(expired) = %v, %v; want absent", ok, err)
			}
		})
	}
}

func TestFileStoreCompactsJournal(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "pewcast.json")
	ctx := context.Background()

	st := openTest(t, "file", path)
	for i := range compactAfter + 10 {
		if err := st.PutReceiver(ctx, Receiver{ChatID: int64(i % 20)}); err != nil {
			t.Fatalf("PutReceiver error = %v", err)
		}
	}
	fi, err := os.Stat(filepath.Join(dir, "pewcast.journal.jsonl"))
	if err != nil {
		t.Fatalf("Stat journal error = %v", err)
	}
	if fi.Size() == 0 {
		t.Fatal("journal empty, want the records written after compaction")
	}

	// Simulate a crash: reopen without Close so the journal is replayed.
	st2 := openTest(t, "file", path)
	defer st2.Close()
	rs, err := st2.ListReceivers(ctx)
	if err != nil || len(rs) != 20 {
		t.Fatalf("ListReceivers after replay = %d, %v; want 20", len(rs), err)
	}

	if err := st.Close(); err != nil {
		t.Fatalf("Close error = %v", err)
	}
	if err := st.PutReceiver(ctx, Receiver{ChatID: 99}); !errors.Is(err, ErrClosed) {
		t.Fatalf("PutReceiver after Close error = %v, want ErrClosed", err)
	}
}
