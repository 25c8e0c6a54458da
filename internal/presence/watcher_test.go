package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"taskwarden/internal/session"
	"taskwarden/internal/storage"
	kit "taskwarden/internal/transport"
	logx "taskwarden/pkg/logx"
)

type stubStore struct {
	mu      sync.Mutex
	pending map[int64]session.Session
	applied []session.Status
}

func (s *stubStore) FindLatestPending(_ context.Context, userID int64) (session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.pending[userID]
	if !ok {
		return session.Session{}, storage.ErrNotFound
	}
	return sess, nil
}

func (s *stubStore) SetStatus(_ context.Context, _ int64, status session.Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applied = append(s.applied, status)
	return true, nil
}

type stubMessenger struct {
	mu    sync.Mutex
	sends []string
}

func (m *stubMessenger) SendText(_ context.Context, _ kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	m.mu.Lock()
	m.sends = append(m.sends, text)
	m.mu.Unlock()
	return kit.MessageRef{}, nil
}

func (m *stubMessenger) EditText(context.Context, kit.MessageRef, string, *kit.SendOptions) error {
	return nil
}

func (m *stubMessenger) AnswerCallback(context.Context, string, string) error { return nil }

type stubRemover struct {
	removed chan int64
}

func (r *stubRemover) RemoveFromChat(_ context.Context, _ int64, userID int64) error {
	r.removed <- userID
	return nil
}

type earlyExitRecorder struct {
	ch chan session.Session
}

func (e *earlyExitRecorder) HandleEarlyExit(_ context.Context, sess session.Session) {
	e.ch <- sess
}

func newTestWatcher(t *testing.T, joinTimeout time.Duration, store *stubStore) (*Watcher, *stubRemover) {
	t.Helper()
	if store.pending == nil {
		store.pending = map[int64]session.Session{}
	}
	rm := &stubRemover{removed: make(chan int64, 4)}
	w := NewWatcher(Config{JoinTimeout: joinTimeout}, store, &stubMessenger{}, rm, nil, logx.Nop())
	w.Bind(context.Background())
	return w, rm
}

func TestJoinTracksPresence(t *testing.T) {
	t.Parallel()
	w, _ := newTestWatcher(t, time.Minute, &stubStore{})
	ctx := context.Background()

	w.OnJoin(ctx, 1, "alice", -100)
	if !w.Present(1) {
		t.Fatal("user must be present after join")
	}
	if chat, ok := w.ChatOf(1); !ok || chat != -100 {
		t.Fatalf("ChatOf = (%d, %v), want (-100, true)", chat, ok)
	}

	w.OnLeave(ctx, 1)
	if w.Present(1) {
		t.Fatal("user must not be present after leave")
	}
}

func TestSubmissionTimeoutEvicts(t *testing.T) {
	t.Parallel()
	w, rm := newTestWatcher(t, 30*time.Millisecond, &stubStore{})

	w.OnJoin(context.Background(), 2, "bob", -100)

	select {
	case userID := <-rm.removed:
		if userID != 2 {
			t.Fatalf("evicted user %d, want 2", userID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for eviction")
	}
}

func TestMarkSubmittedCancelsTimer(t *testing.T) {
	t.Parallel()
	w, rm := newTestWatcher(t, 30*time.Millisecond, &stubStore{})

	w.OnJoin(context.Background(), 3, "carol", -100)
	w.MarkSubmitted(3)

	select {
	case <-rm.removed:
		t.Fatal("submitted user must not be evicted")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestRejoinResetsSubmissionFlag(t *testing.T) {
	t.Parallel()
	w, rm := newTestWatcher(t, 40*time.Millisecond, &stubStore{})
	ctx := context.Background()

	// First episode ends submitted; the flag must not carry over.
	w.OnJoin(ctx, 4, "dave", -100)
	w.MarkSubmitted(4)
	w.OnLeave(ctx, 4)

	w.OnJoin(ctx, 4, "dave", -100)
	select {
	case userID := <-rm.removed:
		if userID != 4 {
			t.Fatalf("evicted user %d, want 4", userID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second episode must run its own submission timer")
	}
}

func TestBeginSubmissionReArmsTimer(t *testing.T) {
	t.Parallel()
	w, rm := newTestWatcher(t, 30*time.Millisecond, &stubStore{})
	ctx := context.Background()

	w.OnJoin(ctx, 5, "erin", -100)
	w.MarkSubmitted(5)

	// Post-completion restart: same flow as a fresh join.
	w.BeginSubmission(ctx, 5)
	select {
	case <-rm.removed:
	case <-time.After(2 * time.Second):
		t.Fatal("restarted submission flow must evict on timeout")
	}
}

func TestLeaveWithPendingSessionRunsEarlyExit(t *testing.T) {
	t.Parallel()
	store := &stubStore{pending: map[int64]session.Session{
		6: {ID: 66, UserID: 6, Status: session.StatusPending},
	}}
	w, _ := newTestWatcher(t, time.Minute, store)
	rec := &earlyExitRecorder{ch: make(chan session.Session, 1)}
	w.SetEarlyExitHandler(rec)

	w.OnJoin(context.Background(), 6, "frank", -100)
	w.OnLeave(context.Background(), 6)

	select {
	case sess := <-rec.ch:
		if sess.ID != 66 {
			t.Fatalf("early exit for session %d, want 66", sess.ID)
		}
		if sess.Status != session.StatusLeftEarly {
			t.Fatalf("Status = %s, want left_early", sess.Status)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for early-exit handler")
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.applied) != 1 || store.applied[0] != session.StatusLeftEarly {
		t.Fatalf("applied = %v, want [left_early]", store.applied)
	}
}

func TestEvictSkipsAbsentUser(t *testing.T) {
	t.Parallel()
	w, rm := newTestWatcher(t, time.Minute, &stubStore{})

	w.Evict(context.Background(), 7, "whatever")
	select {
	case <-rm.removed:
		t.Fatal("absent user must not be kicked")
	default:
	}
}
