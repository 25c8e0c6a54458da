package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"taskwarden/internal/session"
	logx "taskwarden/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Create(ctx context.Context, userID int64, task string, durationMinutes int) (session.Session, error) {
	if err := session.ValidateNew(task, durationMinutes); err != nil {
		return session.Session{}, err
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	end := now.Add(time.Duration(durationMinutes) * time.Minute)

	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO sessions (user_id, task, duration, end_time, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 RETURNING id`,
		userID, task, durationMinutes, end.UnixMilli(), string(session.StatusPending), now.UnixMilli(),
	).Scan(&id)
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return session.Session{}, ErrActiveSession
		}
		return session.Session{}, fmt.Errorf("create session: %w", err)
	}

	return session.Session{
		ID:        id,
		UserID:    userID,
		Task:      task,
		Duration:  durationMinutes,
		EndTime:   end,
		Status:    session.StatusPending,
		CreatedAt: now,
	}, nil
}

func (s *sqliteStore) Extend(ctx context.Context, sessionID int64, extraMinutes int) (session.Session, error) {
	if extraMinutes <= 0 {
		return session.Session{}, &session.ValidationError{Field: "extension", Reason: "must be positive"}
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions
		 SET end_time = end_time + ?, duration = duration + ?, status = ?
		 WHERE id = ?`,
		int64(extraMinutes)*60_000, extraMinutes, string(session.StatusPending), sessionID,
	)
	if err != nil {
		return session.Session{}, fmt.Errorf("extend session %d: %w", sessionID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return session.Session{}, ErrNotFound
	}
	return s.Get(ctx, sessionID)
}

func (s *sqliteStore) SetStatus(ctx context.Context, sessionID int64, status session.Status) (bool, error) {
	if !status.Valid() {
		return false, fmt.Errorf("invalid status %q", status)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?
		 WHERE id = ? AND status NOT IN (?, ?)`,
		string(status), sessionID,
		string(session.StatusCompleted), string(session.StatusAbandoned),
	)
	if err != nil {
		return false, fmt.Errorf("set status of session %d: %w", sessionID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *sqliteStore) Get(ctx context.Context, sessionID int64) (session.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, task, duration, end_time, status, created_at
		 FROM sessions WHERE id = ?`, sessionID)
	return scanSessionRow(row)
}

func (s *sqliteStore) FindLatestPending(ctx context.Context, userID int64) (session.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, task, duration, end_time, status, created_at
		 FROM sessions
		 WHERE user_id = ? AND status = ?
		 ORDER BY end_time DESC LIMIT 1`,
		userID, string(session.StatusPending))
	return scanSessionRow(row)
}

func (s *sqliteStore) FindDueBefore(ctx context.Context, horizon time.Time) ([]session.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, task, duration, end_time, status, created_at
		 FROM sessions
		 WHERE end_time <= ? AND status = ?
		 ORDER BY end_time ASC`,
		horizon.UnixMilli(), string(session.StatusPending))
	if err != nil {
		return nil, fmt.Errorf("find due sessions: %w", err)
	}
	defer rows.Close()

	var out []session.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(r rowScanner) (session.Session, error) {
	var (
		sess       session.Session
		endMs      int64
		createdMs  int64
		statusText string
	)
	err := r.Scan(&sess.ID, &sess.UserID, &sess.Task, &sess.Duration, &endMs, &statusText, &createdMs)
	if err != nil {
		return session.Session{}, err
	}
	sess.EndTime = time.UnixMilli(endMs).UTC()
	sess.CreatedAt = time.UnixMilli(createdMs).UTC()
	sess.Status = session.Status(statusText)
	return sess, nil
}

func scanSessionRow(row *sql.Row) (session.Session, error) {
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return session.Session{}, ErrNotFound
	}
	if err != nil {
		return session.Session{}, err
	}
	return sess, nil
}

func isSQLiteUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
