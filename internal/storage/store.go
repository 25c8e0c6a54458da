package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"taskwarden/internal/session"
	logx "taskwarden/pkg/logx"
)

var (
	// ErrNotFound is returned when a session id does not exist.
	ErrNotFound = errors.New("session not found")
	// ErrActiveSession is returned by Create when the user already has a
	// pending session (partial unique index on (user_id) WHERE pending).
	ErrActiveSession = errors.New("user already has an active session")
)

// Store is the durable record of task sessions. All mutations are committed
// before any dependent scheduling action runs; implementations never hold a
// connection across anything that blocks on user input.
type Store interface {
	// Create validates the declaration, persists a pending session with
	// end_time = now + duration, and returns it with the generated id
	// (insert-returning-id; never insert-then-lookup).
	Create(ctx context.Context, userID int64, task string, durationMinutes int) (session.Session, error)

	// Extend adds extraMinutes to both end_time and duration and resets the
	// status to pending, re-arming the session.
	Extend(ctx context.Context, sessionID int64, extraMinutes int) (session.Session, error)

	// SetStatus transitions a session. Terminal sessions are never
	// overwritten; the returned bool reports whether the write applied, so
	// redelivered due entries resolve to a safe no-op.
	SetStatus(ctx context.Context, sessionID int64, status session.Status) (bool, error)

	Get(ctx context.Context, sessionID int64) (session.Session, error)

	// FindLatestPending returns the user's pending session with the latest
	// end_time, or ErrNotFound.
	FindLatestPending(ctx context.Context, userID int64) (session.Session, error)

	// FindDueBefore returns all pending sessions with end_time <= horizon,
	// ordered by end_time ascending.
	FindDueBefore(ctx context.Context, horizon time.Time) ([]session.Session, error)

	Close() error
}

type Config struct {
	Driver      string // "sqlite" (default) or "postgres"
	Path        string // sqlite file path
	DatabaseURL string // postgres connection string
	BusyTimeout time.Duration
}

// Open creates a Store for the configured driver.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "sqlite":
		return openSQLite(cfg, log)
	case "postgres", "postgresql":
		return openPostgres(ctx, cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
