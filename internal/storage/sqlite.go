package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	logx "pewcast/pkg/logx"
)

//go:embed migrations/*.sql
var migrations embed.FS

// prunePeriod bounds how often expired dedup rows are deleted.
const prunePeriod = 10 * time.Minute

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	pruneMu   sync.Mutex
	lastPrune time.Time
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	// modernc applies _pragma parameters on every new connection.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
		path, busy.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// One writer; readers queue behind it.
	db.SetMaxOpenConns(1)

	s := &sqliteStore{db: db, log: log, lastPrune: time.Now()}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	version, err := s.migrate(ctx)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Info("sqlite store opened", logx.String("path", path), logx.Int("schema", version))
	return s, nil
}

// migrate applies each migrations/NNN_*.sql newer than the database's
// user_version, one transaction per file.
func (s *sqliteStore) migrate(ctx context.Context) (int, error) {
	var current int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&current); err != nil {
		return 0, err
	}
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return 0, err
	}
	slices.Sort(names)
	for _, name := range names {
		var v int
		if _, err := fmt.Sscanf(filepath.Base(name), "%d_", &v); err != nil {
			return current, fmt.Errorf("%s: bad migration name", name)
		}
		if v <= current {
			continue
		}
		body, err := migrations.ReadFile(name)
		if err != nil {
			return current, err
		}
		if err := s.step(ctx, v, string(body)); err != nil {
			return current, fmt.Errorf("%s: %w", name, err)
		}
		s.log.Debug("migration applied", logx.String("name", name))
		current = v
	}
	return current, nil
}

func (s *sqliteStore) step(ctx context.Context, version int, body string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, body); err != nil {
		return err
	}
	// PRAGMA does not take bind parameters.
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", version)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) PutReceiver(ctx context.Context, r Receiver) error {
	if r.JoinedAt.IsZero() {
		r.JoinedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO receivers(chat_id, thread_id, username, locale, private, joined_at)
		VALUES(?, ?, ?, ?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			thread_id = excluded.thread_id,
			username  = excluded.username,
			locale    = excluded.locale,
			private   = excluded.private`,
		r.ChatID, r.ThreadID, nullable(r.Username), nullable(r.Locale), r.Private, stamp(r.JoinedAt))
	return err
}

func (s *sqliteStore) DeleteReceiver(ctx context.Context, chatID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM receivers WHERE chat_id = ?`, chatID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) ListReceivers(ctx context.Context) ([]Receiver, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT chat_id, thread_id, COALESCE(username, ''), COALESCE(locale, ''), private, joined_at
		FROM receivers`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Receiver
	for rows.Next() {
		var (
			r      Receiver
			joined string
		)
		if err := rows.Scan(&r.ChatID, &r.ThreadID, &r.Username, &r.Locale, &r.Private, &joined); err != nil {
			return nil, err
		}
		r.JoinedAt, _ = time.Parse(time.RFC3339Nano, joined)
		out = append(out, r)
	}
	// Timestamps sort by instant, not by their text form.
	slices.SortFunc(out, byJoin)
	return out, rows.Err()
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit(at, actor_id, actor_username, chat_id, thread_id, component, action, target, ok, fail, err, took_ms, meta)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		stamp(e.At), e.ActorID, nullable(e.ActorUsername), e.ChatID, e.ThreadID,
		e.Component, e.Action, nullable(e.Target), e.OK, e.Fail, nullable(e.Error), e.TookMS, nullable(e.MetaJSON))
	return err
}

func (s *sqliteStore) RecentAudit(ctx context.Context, n int) ([]AuditEntry, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT at, COALESCE(actor_id, 0), COALESCE(actor_username, ''), COALESCE(chat_id, 0), COALESCE(thread_id, 0),
			component, action, COALESCE(target, ''), ok, fail, COALESCE(err, ''), COALESCE(took_ms, 0), COALESCE(meta, '')
		FROM audit ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var (
			e  AuditEntry
			at string
		)
		if err := rows.Scan(&at, &e.ActorID, &e.ActorUsername, &e.ChatID, &e.ThreadID,
			&e.Component, &e.Action, &e.Target, &e.OK, &e.Fail, &e.Error, &e.TookMS, &e.MetaJSON); err != nil {
			return nil, err
		}
		e.At, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key = strings.TrimSpace(key); key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dedup(key, until) VALUES(?, ?)
		ON CONFLICT(key) DO UPDATE SET until = excluded.until`,
		key, until.UnixMilli())
	if err == nil {
		s.maybePrune(ctx)
	}
	return err
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key = strings.TrimSpace(key); key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx,
		`SELECT until FROM dedup WHERE key = ? AND until >= ?`, key, time.Now().UnixMilli()).Scan(&ms)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return time.Time{}, false, nil
	case err != nil:
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqliteStore) maybePrune(ctx context.Context) {
	s.pruneMu.Lock()
	due := time.Since(s.lastPrune) >= prunePeriod
	if due {
		s.lastPrune = time.Now()
	}
	s.pruneMu.Unlock()
	if !due {
		return
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM dedup WHERE until < ?`, time.Now().UnixMilli())
	if err != nil {
		s.log.Debug("dedup prune failed", logx.Err(err))
		return
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.log.Debug("dedup pruned", logx.Int64("rows", n))
	}
}

func stamp(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func nullable(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
