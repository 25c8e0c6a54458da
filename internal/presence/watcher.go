package presence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"taskwarden/internal/observability"
	"taskwarden/internal/session"
	"taskwarden/internal/storage"
	kit "taskwarden/internal/transport"
	logx "taskwarden/pkg/logx"
)

type Config struct {
	// JoinTimeout is how long a joining user has to declare a task.
	JoinTimeout time.Duration
	// EvictOnInvalidTask removes users whose declaration fails validation.
	EvictOnInvalidTask bool
}

// Store is the slice of the session store the watcher needs.
type Store interface {
	FindLatestPending(ctx context.Context, userID int64) (session.Session, error)
	SetStatus(ctx context.Context, sessionID int64, status session.Status) (bool, error)
}

// Remover kicks users out of a chat. Best-effort everywhere.
type Remover interface {
	RemoveFromChat(ctx context.Context, chatID, userID int64) error
}

// EarlyExitHandler receives a session whose user left before its due time.
type EarlyExitHandler interface {
	HandleEarlyExit(ctx context.Context, sess session.Session)
}

type userState struct {
	chatID    int64
	username  string
	submitted bool
	timer     *time.Timer
	gen       uint64 // invalidates timer callbacks from superseded episodes
}

// Watcher tracks who is present in monitored chats and owns the per-user
// submission flag and its cancellable timer. One presence episode runs from
// join to leave; the flag is never persisted.
type Watcher struct {
	cfg  Config
	log  logx.Logger
	msgr kit.Messenger
	rm   Remover

	store     Store
	earlyExit EarlyExitHandler
	obs       *observability.Metrics

	mu    sync.Mutex
	users map[int64]*userState

	// base is the app context used by timer callbacks, which have no caller.
	base context.Context
}

func NewWatcher(cfg Config, store Store, msgr kit.Messenger, rm Remover, obs *observability.Metrics, log logx.Logger) *Watcher {
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = 300 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Watcher{
		cfg:   cfg,
		log:   log,
		msgr:  msgr,
		rm:    rm,
		store: store,
		obs:   obs,
		users: map[int64]*userState{},
		base:  context.Background(),
	}
}

// SetEarlyExitHandler wires the verdict collector in after construction
// (the collector needs the watcher too).
func (w *Watcher) SetEarlyExitHandler(h EarlyExitHandler) { w.earlyExit = h }

// Bind sets the context used by timer-fired evictions.
func (w *Watcher) Bind(ctx context.Context) {
	if ctx != nil {
		w.base = ctx
	}
}

// OnJoin registers a presence episode: reset the submission flag, prompt for
// a task, and arm the submission timer.
func (w *Watcher) OnJoin(ctx context.Context, userID int64, username string, chatID int64) {
	w.mu.Lock()
	st := w.users[userID]
	if st == nil {
		st = &userState{}
		w.users[userID] = st
	}
	if st.timer != nil {
		st.timer.Stop()
	}
	st.chatID = chatID
	st.username = username
	st.submitted = false
	st.gen++
	gen := st.gen
	st.timer = time.AfterFunc(w.cfg.JoinTimeout, func() { w.submissionExpired(userID, gen) })
	w.mu.Unlock()

	w.log.Info("user joined monitored chat",
		logx.Int64("user_id", userID),
		logx.Int64("chat_id", chatID))
	w.promptTask(ctx, userID, username, chatID)
}

// BeginSubmission restarts the submission flow for a still-present user
// (after a completed task). Same flag reset, prompt and timer as a join.
func (w *Watcher) BeginSubmission(ctx context.Context, userID int64) {
	w.mu.Lock()
	st := w.users[userID]
	if st == nil {
		w.mu.Unlock()
		return
	}
	if st.timer != nil {
		st.timer.Stop()
	}
	st.submitted = false
	st.gen++
	gen := st.gen
	chatID, username := st.chatID, st.username
	st.timer = time.AfterFunc(w.cfg.JoinTimeout, func() { w.submissionExpired(userID, gen) })
	w.mu.Unlock()

	w.promptTask(ctx, userID, username, chatID)
}

func (w *Watcher) promptTask(ctx context.Context, userID int64, username string, chatID int64) {
	secs := int(w.cfg.JoinTimeout / time.Second)
	text := fmt.Sprintf(
		"%s, declare your task with /task <minutes> <description> (1-%d minutes). "+
			"No declaration within %d seconds and you will be removed.",
		displayName(username, userID), session.MaxDuration, secs)
	if _, err := w.msgr.SendText(ctx, kit.ChatTarget{ChatID: chatID}, text, nil); err != nil {
		w.log.Warn("task prompt failed", logx.Int64("user_id", userID), logx.Err(err))
	}
}

// MarkSubmitted flips the submission flag and cancels the timer immediately,
// so an expiry racing a legitimate submission can never evict.
func (w *Watcher) MarkSubmitted(userID int64) {
	w.mu.Lock()
	st := w.users[userID]
	if st != nil {
		st.submitted = true
		if st.timer != nil {
			st.timer.Stop()
			st.timer = nil
		}
	}
	w.mu.Unlock()
}

// submissionExpired fires when the join timer lapses. The generation check
// drops callbacks from episodes that have since been superseded.
func (w *Watcher) submissionExpired(userID int64, gen uint64) {
	w.mu.Lock()
	st := w.users[userID]
	if st == nil || st.gen != gen || st.submitted {
		w.mu.Unlock()
		return
	}
	st.timer = nil
	w.mu.Unlock()

	w.log.Info("no task declared before timeout", logx.Int64("user_id", userID))
	ctx, cancel := context.WithTimeout(w.base, 15*time.Second)
	defer cancel()
	w.Evict(ctx, userID, "no task was declared in time")
}

// OnLeave ends the presence episode. A pending session becomes an immediate
// early-exit check instead of waiting for its due time.
func (w *Watcher) OnLeave(ctx context.Context, userID int64) {
	w.mu.Lock()
	st := w.users[userID]
	if st != nil && st.timer != nil {
		st.timer.Stop()
	}
	delete(w.users, userID)
	w.mu.Unlock()

	w.log.Info("user left monitored chat", logx.Int64("user_id", userID))

	sess, err := w.store.FindLatestPending(ctx, userID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			w.log.Error("pending lookup on leave failed", logx.Int64("user_id", userID), logx.Err(err))
		}
		return
	}

	applied, err := w.store.SetStatus(ctx, sess.ID, session.StatusLeftEarly)
	if err != nil {
		w.log.Error("left-early transition failed", logx.Int64("session_id", sess.ID), logx.Err(err))
		return
	}
	if !applied {
		return
	}
	w.obs.IncLeftEarly()
	sess.Status = session.StatusLeftEarly
	if w.earlyExit != nil {
		w.earlyExit.HandleEarlyExit(ctx, sess)
	}
}

// Present reports whether the user is currently in a monitored chat.
func (w *Watcher) Present(userID int64) bool {
	w.mu.Lock()
	_, ok := w.users[userID]
	w.mu.Unlock()
	return ok
}

// ChatOf returns the chat the user is present in.
func (w *Watcher) ChatOf(userID int64) (int64, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	st := w.users[userID]
	if st == nil {
		return 0, false
	}
	return st.chatID, true
}

// EvictOnInvalidTask reports the configured invalid-declaration policy.
func (w *Watcher) EvictOnInvalidTask() bool { return w.cfg.EvictOnInvalidTask }

// Evict removes the user from their chat and tells them why. Best-effort:
// failures are logged, never propagated.
func (w *Watcher) Evict(ctx context.Context, userID int64, reason string) {
	chatID, ok := w.ChatOf(userID)
	if !ok {
		w.log.Debug("evict skipped; user not present", logx.Int64("user_id", userID))
		return
	}
	w.obs.IncEvictions()
	w.log.Info("evicting user",
		logx.Int64("user_id", userID),
		logx.Int64("chat_id", chatID),
		logx.String("reason", reason))

	if err := w.rm.RemoveFromChat(ctx, chatID, userID); err != nil {
		w.log.Warn("eviction failed", logx.Int64("user_id", userID), logx.Err(err))
		return
	}
	text := fmt.Sprintf("Removed from the chat: %s.", reason)
	if _, err := w.msgr.SendText(ctx, kit.ChatTarget{ChatID: chatID}, text, nil); err != nil {
		w.log.Debug("eviction notice failed", logx.Int64("user_id", userID), logx.Err(err))
	}
}

func displayName(username string, userID int64) string {
	if username != "" {
		return "@" + username
	}
	return fmt.Sprintf("user %d", userID)
}
