package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"taskwarden/internal/observability"
	rtsup "taskwarden/internal/runtime/supervisor"
	"taskwarden/internal/session"
	"taskwarden/internal/storage"
	logx "taskwarden/pkg/logx"
)

const (
	DefaultInterval  = 5 * time.Second
	DefaultLookahead = 2 * time.Hour
)

type Config struct {
	// Interval between reconciliation passes over the store.
	Interval time.Duration
	// Lookahead bounds how far ahead of now the reconciler loads pending
	// sessions into the queue.
	Lookahead time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Lookahead <= 0 {
		c.Lookahead = DefaultLookahead
	}
	return c
}

// Store is the slice of the session store the worker needs.
type Store interface {
	Get(ctx context.Context, sessionID int64) (session.Session, error)
	SetStatus(ctx context.Context, sessionID int64, status session.Status) (bool, error)
	FindDueBefore(ctx context.Context, horizon time.Time) ([]session.Session, error)
}

// Presence answers whether a user is currently in a monitored chat.
type Presence interface {
	Present(userID int64) bool
}

// DueHandler receives a due session whose user is present. Implementations
// must return quickly (the verdict flow runs its own goroutines).
type DueHandler interface {
	HandleDue(ctx context.Context, sess session.Session)
}

// Service is the single dispatcher over the due-time queue. Schedule is the
// primary delivery path (submission, extension); the cron reconciler re-loads
// pending sessions from the store as a safety net only.
type Service struct {
	cfg   Config
	log   logx.Logger
	store Store

	presence Presence
	handler  DueHandler
	obs      *observability.Metrics

	queue *Queue

	mu      sync.Mutex
	cron    *cron.Cron
	sup     *rtsup.Supervisor
	running bool
}

func New(cfg Config, store Store, presence Presence, handler DueHandler, obs *observability.Metrics, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:      cfg.withDefaults(),
		log:      log,
		store:    store,
		presence: presence,
		handler:  handler,
		obs:      obs,
		queue:    NewQueue(),
	}
}

// Schedule enqueues a session's due-time check. Safe to call concurrently
// from submission, extension and the reconciler; duplicates are harmless.
func (s *Service) Schedule(sess session.Session) {
	s.queue.Push(sess.EndTime, sess.UserID, sess.ID)
	s.obs.SetQueueDepth(s.queue.Len())
	s.log.Debug("session scheduled",
		logx.Int64("session_id", sess.ID),
		logx.Int64("user_id", sess.UserID),
		logx.Time("due", sess.EndTime))
}

// QueueLen reports the current queue depth.
func (s *Service) QueueLen() int { return s.queue.Len() }

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.running = true

	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)

	s.cron = cron.New()
	spec := fmt.Sprintf("@every %s", s.cfg.Interval)
	if _, err := s.cron.AddFunc(spec, func() { s.reconcile(s.sup.Context()) }); err != nil {
		return fmt.Errorf("register reconcile job: %w", err)
	}
	s.cron.Start()

	s.sup.GoRestart("worker.dispatch", s.dispatchLoop,
		rtsup.WithRestartBackoff(time.Second, 30*time.Second),
	)

	// Prime the queue immediately so sessions persisted before a restart
	// are re-armed without waiting for the first cron tick.
	s.sup.Go0("worker.prime", func(c context.Context) { s.reconcile(c) })

	s.log.Info("worker started",
		logx.Duration("interval", s.cfg.Interval),
		logx.Duration("lookahead", s.cfg.Lookahead))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.cron
	sup := s.sup
	s.cron = nil
	s.sup = nil
	s.running = false
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	if sup != nil {
		sup.Cancel()
		_ = sup.Wait(ctx)
	}
	s.log.Info("worker stopped")
}

// reconcile loads every pending session due within the lookahead horizon.
// Sessions already queued or already being checked are dropped downstream
// (queue dedup, live status re-read, collector in-flight guard).
func (s *Service) reconcile(ctx context.Context) {
	if ctx == nil || ctx.Err() != nil {
		return
	}
	horizon := time.Now().Add(s.cfg.Lookahead)
	rows, err := s.store.FindDueBefore(ctx, horizon)
	if err != nil {
		s.log.Warn("reconcile pass failed", logx.Err(err))
		return
	}
	for _, sess := range rows {
		s.queue.Push(sess.EndTime, sess.UserID, sess.ID)
	}
	s.obs.SetQueueDepth(s.queue.Len())
	if len(rows) > 0 {
		s.log.Debug("reconciled pending sessions", logx.Int("count", len(rows)))
	}
}

// dispatchLoop is a re-checked shortest-deadline-first loop: it only ever
// waits on the queue head and re-peeks whenever a new earliest entry arrives,
// so a shorter deadline pushed mid-wait preempts the current one.
func (s *Service) dispatchLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		head, ok := s.queue.Peek()
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.queue.Wake():
			case <-time.After(s.cfg.Interval):
			}
			continue
		}

		if wait := time.Until(head.Due); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-s.queue.Wake():
				timer.Stop()
				continue
			case <-timer.C:
				continue
			}
		}

		e, ok := s.queue.Pop()
		if !ok {
			continue
		}
		s.obs.SetQueueDepth(s.queue.Len())
		if e.Due.After(time.Now()) {
			// Raced with a pop elsewhere; put it back.
			s.queue.Push(e.Due, e.UserID, e.SessionID)
			continue
		}
		s.process(ctx, e)
	}
}

// process resolves one due entry. Errors are logged and never terminate the
// loop; the next entry (or interval) still runs.
func (s *Service) process(ctx context.Context, e Entry) {
	sess, err := s.store.Get(ctx, e.SessionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.log.Warn("queued session vanished", logx.Int64("session_id", e.SessionID))
		} else {
			s.log.Error("failed reading due session", logx.Int64("session_id", e.SessionID), logx.Err(err))
		}
		return
	}

	// Stale entry: the session was already resolved (or re-armed with a
	// different due time) after this entry was queued.
	if sess.Status != session.StatusPending || !sess.EndTime.Equal(e.Due) {
		s.log.Debug("discarding stale queue entry",
			logx.Int64("session_id", sess.ID),
			logx.String("status", string(sess.Status)))
		return
	}

	if s.presence.Present(sess.UserID) {
		s.obs.IncDueDispatches()
		s.handler.HandleDue(ctx, sess)
		return
	}

	applied, err := s.store.SetStatus(ctx, sess.ID, session.StatusAbandoned)
	if err != nil {
		s.log.Error("failed abandoning session", logx.Int64("session_id", sess.ID), logx.Err(err))
		return
	}
	if applied {
		s.obs.IncAbandoned()
		s.log.Info("session abandoned (user absent at due time)",
			logx.Int64("session_id", sess.ID),
			logx.Int64("user_id", sess.UserID))
	}
}
