package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"taskwarden/internal/session"
	"taskwarden/internal/storage"
	logx "taskwarden/pkg/logx"
)

type fakeStore struct {
	mu       sync.Mutex
	sessions map[int64]session.Session
	statuses []session.Status
}

func newFakeStore(sessions ...session.Session) *fakeStore {
	m := make(map[int64]session.Session, len(sessions))
	for _, s := range sessions {
		m[s.ID] = s
	}
	return &fakeStore{sessions: m}
}

func (f *fakeStore) Get(_ context.Context, id int64) (session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return session.Session{}, storage.ErrNotFound
	}
	return s, nil
}

func (f *fakeStore) SetStatus(_ context.Context, id int64, status session.Status) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok || s.Status.Terminal() {
		return false, nil
	}
	s.Status = status
	f.sessions[id] = s
	f.statuses = append(f.statuses, status)
	return true, nil
}

func (f *fakeStore) FindDueBefore(context.Context, time.Time) ([]session.Session, error) {
	return nil, nil
}

func (f *fakeStore) lastStatus() (session.Status, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.statuses) == 0 {
		return "", false
	}
	return f.statuses[len(f.statuses)-1], true
}

type fakePresence struct{ present bool }

func (f *fakePresence) Present(int64) bool { return f.present }

type recordingHandler struct {
	ch chan session.Session
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{ch: make(chan session.Session, 8)}
}

func (h *recordingHandler) HandleDue(_ context.Context, sess session.Session) {
	h.ch <- sess
}

func (h *recordingHandler) wait(t *testing.T) session.Session {
	t.Helper()
	select {
	case sess := <-h.ch:
		return sess
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for due dispatch")
		return session.Session{}
	}
}

func pendingSession(id, userID int64, due time.Time) session.Session {
	return session.Session{
		ID:      id,
		UserID:  userID,
		Task:    "test task",
		EndTime: due,
		Status:  session.StatusPending,
	}
}

func startService(t *testing.T, store *fakeStore, pres *fakePresence, h DueHandler) *Service {
	t.Helper()
	svc := New(Config{Interval: 50 * time.Millisecond}, store, pres, h, nil, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
		svc.Stop(stopCtx)
		stopCancel()
		cancel()
	})
	return svc
}

func TestDispatchesDueSessionToPresentUser(t *testing.T) {
	t.Parallel()
	due := time.Now().Add(-time.Second)
	store := newFakeStore(pendingSession(1, 10, due))
	h := newRecordingHandler()
	svc := startService(t, store, &fakePresence{present: true}, h)

	svc.Schedule(pendingSession(1, 10, due))

	got := h.wait(t)
	if got.ID != 1 {
		t.Fatalf("dispatched session %d, want 1", got.ID)
	}
	if _, ok := store.lastStatus(); ok {
		t.Fatal("present user's session must not change status at dispatch")
	}
}

func TestAbandonsDueSessionOfAbsentUser(t *testing.T) {
	t.Parallel()
	due := time.Now().Add(-time.Second)
	store := newFakeStore(pendingSession(2, 20, due))
	h := newRecordingHandler()
	svc := startService(t, store, &fakePresence{present: false}, h)

	svc.Schedule(pendingSession(2, 20, due))

	deadline := time.After(3 * time.Second)
	for {
		if st, ok := store.lastStatus(); ok {
			if st != session.StatusAbandoned {
				t.Fatalf("status = %s, want abandoned", st)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for abandonment")
		case <-time.After(10 * time.Millisecond):
		}
	}
	select {
	case sess := <-h.ch:
		t.Fatalf("unexpected dispatch of session %d for absent user", sess.ID)
	default:
	}
}

func TestDiscardsStaleEntries(t *testing.T) {
	t.Parallel()
	due := time.Now().Add(-time.Second)
	// Live row is already resolved; its queued entry is stale.
	resolved := pendingSession(3, 30, due)
	resolved.Status = session.StatusCompleted
	// Live row was extended; the old due time no longer matches.
	extended := pendingSession(4, 40, due.Add(30*time.Minute))

	store := newFakeStore(resolved, extended)
	h := newRecordingHandler()
	svc := startService(t, store, &fakePresence{present: true}, h)

	svc.Schedule(session.Session{ID: 3, UserID: 30, EndTime: due, Status: session.StatusPending})
	svc.Schedule(session.Session{ID: 4, UserID: 40, EndTime: due, Status: session.StatusPending})

	select {
	case sess := <-h.ch:
		t.Fatalf("stale entry for session %d was dispatched", sess.ID)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestEarlierDeadlinePreemptsWait(t *testing.T) {
	t.Parallel()
	farDue := time.Now().Add(time.Hour)
	nearDue := time.Now().Add(100 * time.Millisecond)
	store := newFakeStore(pendingSession(5, 50, farDue), pendingSession(6, 60, nearDue))
	h := newRecordingHandler()
	svc := startService(t, store, &fakePresence{present: true}, h)

	// The worker settles into a one-hour wait, then a nearer deadline lands.
	svc.Schedule(pendingSession(5, 50, farDue))
	time.Sleep(50 * time.Millisecond)
	svc.Schedule(pendingSession(6, 60, nearDue))

	got := h.wait(t)
	if got.ID != 6 {
		t.Fatalf("dispatched session %d, want the preempting session 6", got.ID)
	}
}
