package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"taskwarden/internal/session"
	logx "taskwarden/pkg/logx"
)

// postgresStore matches the deployment the sessions schema originally ran on.
type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	url := strings.TrimSpace(cfg.DatabaseURL)
	if url == "" {
		return nil, errors.New("postgres database_url is required")
	}
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSessionSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &postgresStore{pool: pool, log: log}, nil
}

func initSessionSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL,
			task TEXT NOT NULL,
			duration INTEGER NOT NULL,
			end_time TIMESTAMPTZ NOT NULL,
			status TEXT NOT NULL CHECK (status IN ('pending', 'completed', 'left_early', 'abandoned')),
			created_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_user_pending
			ON sessions (user_id) WHERE status = 'pending';`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_due ON sessions (end_time, status);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init session schema: %w", err)
		}
	}
	return nil
}

func (s *postgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *postgresStore) Create(ctx context.Context, userID int64, task string, durationMinutes int) (session.Session, error) {
	if err := session.ValidateNew(task, durationMinutes); err != nil {
		return session.Session{}, err
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	end := now.Add(time.Duration(durationMinutes) * time.Minute)

	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO sessions (user_id, task, duration, end_time, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id`,
		userID, task, durationMinutes, end, string(session.StatusPending), now,
	).Scan(&id)
	if err != nil {
		if isPGUniqueViolation(err) {
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

func (s *postgresStore) Extend(ctx context.Context, sessionID int64, extraMinutes int) (session.Session, error) {
	if extraMinutes <= 0 {
		return session.Session{}, &session.ValidationError{Field: "extension", Reason: "must be positive"}
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions
		 SET end_time = end_time + make_interval(mins => $1), duration = duration + $1, status = $2
		 WHERE id = $3`,
		extraMinutes, string(session.StatusPending), sessionID,
	)
	if err != nil {
		return session.Session{}, fmt.Errorf("extend session %d: %w", sessionID, err)
	}
	if tag.RowsAffected() == 0 {
		return session.Session{}, ErrNotFound
	}
	return s.Get(ctx, sessionID)
}

func (s *postgresStore) SetStatus(ctx context.Context, sessionID int64, status session.Status) (bool, error) {
	if !status.Valid() {
		return false, fmt.Errorf("invalid status %q", status)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET status = $1
		 WHERE id = $2 AND status NOT IN ($3, $4)`,
		string(status), sessionID,
		string(session.StatusCompleted), string(session.StatusAbandoned),
	)
	if err != nil {
		return false, fmt.Errorf("set status of session %d: %w", sessionID, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *postgresStore) Get(ctx context.Context, sessionID int64) (session.Session, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, user_id, task, duration, end_time, status, created_at
		 FROM sessions WHERE id = $1`, sessionID)
	return scanPGSession(row)
}

func (s *postgresStore) FindLatestPending(ctx context.Context, userID int64) (session.Session, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, user_id, task, duration, end_time, status, created_at
		 FROM sessions
		 WHERE user_id = $1 AND status = $2
		 ORDER BY end_time DESC LIMIT 1`,
		userID, string(session.StatusPending))
	return scanPGSession(row)
}

func (s *postgresStore) FindDueBefore(ctx context.Context, horizon time.Time) ([]session.Session, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, task, duration, end_time, status, created_at
		 FROM sessions
		 WHERE end_time <= $1 AND status = $2
		 ORDER BY end_time ASC`,
		horizon, string(session.StatusPending))
	if err != nil {
		return nil, fmt.Errorf("find due sessions: %w", err)
	}
	defer rows.Close()

	var out []session.Session
	for rows.Next() {
		sess, err := scanPGSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func scanPGSession(r rowScanner) (session.Session, error) {
	var (
		sess       session.Session
		statusText string
	)
	err := r.Scan(&sess.ID, &sess.UserID, &sess.Task, &sess.Duration, &sess.EndTime, &statusText, &sess.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return session.Session{}, ErrNotFound
	}
	if err != nil {
		return session.Session{}, err
	}
	sess.EndTime = sess.EndTime.UTC()
	sess.CreatedAt = sess.CreatedAt.UTC()
	sess.Status = session.Status(statusText)
	return sess, nil
}

func isPGUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
