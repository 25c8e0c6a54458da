package verdict

import (
	"context"
	"sync"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	"taskwarden/internal/session"
	kit "taskwarden/internal/transport"
	logx "taskwarden/pkg/logx"
)

type sentMsg struct {
	text   string
	markup *tele.ReplyMarkup
}

type capturingMessenger struct {
	mu      sync.Mutex
	sent    chan sentMsg
	answers []string
}

func newCapturingMessenger() *capturingMessenger {
	return &capturingMessenger{sent: make(chan sentMsg, 8)}
}

func (m *capturingMessenger) SendText(_ context.Context, _ kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	msg := sentMsg{text: text}
	if opt != nil {
		msg.markup, _ = opt.ReplyMarkupAdapter.(*tele.ReplyMarkup)
	}
	m.sent <- msg
	return kit.MessageRef{ChatID: 1, MessageID: 1}, nil
}

func (m *capturingMessenger) EditText(context.Context, kit.MessageRef, string, *kit.SendOptions) error {
	return nil
}

func (m *capturingMessenger) AnswerCallback(_ context.Context, _ string, text string) error {
	m.mu.Lock()
	m.answers = append(m.answers, text)
	m.mu.Unlock()
	return nil
}

func (m *capturingMessenger) waitSent(t *testing.T) sentMsg {
	t.Helper()
	select {
	case msg := <-m.sent:
		return msg
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for outbound message")
		return sentMsg{}
	}
}

func (m *capturingMessenger) lastAnswer() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.answers) == 0 {
		return ""
	}
	return m.answers[len(m.answers)-1]
}

type verdictStore struct {
	mu       sync.Mutex
	statuses []session.Status
	statusCh chan session.Status
	extended chan int
}

func newVerdictStore() *verdictStore {
	return &verdictStore{
		statusCh: make(chan session.Status, 8),
		extended: make(chan int, 8),
	}
}

func (s *verdictStore) SetStatus(_ context.Context, _ int64, status session.Status) (bool, error) {
	s.mu.Lock()
	s.statuses = append(s.statuses, status)
	s.mu.Unlock()
	s.statusCh <- status
	return true, nil
}

func (s *verdictStore) Extend(_ context.Context, sessionID int64, extraMinutes int) (session.Session, error) {
	s.extended <- extraMinutes
	return session.Session{
		ID:      sessionID,
		Status:  session.StatusPending,
		EndTime: time.Now().Add(time.Duration(extraMinutes) * time.Minute),
	}, nil
}

func (s *verdictStore) waitStatus(t *testing.T) session.Status {
	t.Helper()
	select {
	case st := <-s.statusCh:
		return st
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for status transition")
		return ""
	}
}

type schedStub struct {
	scheduled chan session.Session
}

func (s *schedStub) Schedule(sess session.Session) { s.scheduled <- sess }

type presStub struct {
	present bool
	evicted chan int64
	begun   chan int64
}

func newPresStub(present bool) *presStub {
	return &presStub{
		present: present,
		evicted: make(chan int64, 4),
		begun:   make(chan int64, 4),
	}
}

func (p *presStub) Present(int64) bool { return p.present }

func (p *presStub) Evict(_ context.Context, userID int64, _ string) { p.evicted <- userID }

func (p *presStub) BeginSubmission(_ context.Context, userID int64) { p.begun <- userID }

type fixture struct {
	c     *Collector
	store *verdictStore
	sched *schedStub
	pres  *presStub
	msgr  *capturingMessenger
}

func newFixture(t *testing.T, timeout time.Duration, present bool) *fixture {
	t.Helper()
	f := &fixture{
		store: newVerdictStore(),
		sched: &schedStub{scheduled: make(chan session.Session, 4)},
		pres:  newPresStub(present),
		msgr:  newCapturingMessenger(),
	}
	f.c = New(Config{ResponseTimeout: timeout}, f.store, f.sched, f.pres, f.msgr, nil, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	f.c.Start(ctx)
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
		f.c.Stop(stopCtx)
		stopCancel()
		cancel()
	})
	return f
}

func buttonData(t *testing.T, m *tele.ReplyMarkup, text string) string {
	t.Helper()
	if m == nil {
		t.Fatal("message carries no inline keyboard")
	}
	for _, row := range m.InlineKeyboard {
		for _, b := range row {
			if b.Text == text {
				return b.Data
			}
		}
	}
	t.Fatalf("no button labeled %q", text)
	return ""
}

func press(f *fixture, fromID int64, data string) {
	f.c.HandleCallback(context.Background(), &kit.Callback{
		ID:     "cb1",
		FromID: fromID,
		Data:   data,
	})
}

func checkSession() session.Session {
	return session.Session{
		ID:      77,
		UserID:  7,
		Task:    "write tests",
		EndTime: time.Now(),
		Status:  session.StatusPending,
	}
}

func TestYesCompletesAndRestartsSubmission(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 5*time.Second, true)

	f.c.HandleDue(context.Background(), checkSession())
	prompt := f.msgr.waitSent(t)

	press(f, 7, buttonData(t, prompt.markup, "Yes"))

	if st := f.store.waitStatus(t); st != session.StatusCompleted {
		t.Fatalf("status = %s, want completed", st)
	}
	select {
	case userID := <-f.pres.begun:
		if userID != 7 {
			t.Fatalf("restarted submission for user %d, want 7", userID)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("expected submission flow restart after completion")
	}
}

func TestNoThenExtensionReArms(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 5*time.Second, true)

	f.c.HandleDue(context.Background(), checkSession())
	prompt := f.msgr.waitSent(t)

	press(f, 7, buttonData(t, prompt.markup, "No"))
	if st := f.store.waitStatus(t); st != session.StatusLeftEarly {
		t.Fatalf("status = %s, want left_early", st)
	}

	menu := f.msgr.waitSent(t)
	press(f, 7, buttonData(t, menu.markup, "15 min"))

	select {
	case mins := <-f.store.extended:
		if mins != 15 {
			t.Fatalf("extended by %d, want 15", mins)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for extension")
	}
	select {
	case sess := <-f.sched.scheduled:
		if sess.ID != 77 {
			t.Fatalf("re-scheduled session %d, want 77", sess.ID)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("extended session was not re-scheduled")
	}
}

func TestSilenceAbandonsAndEvicts(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 50*time.Millisecond, true)

	f.c.HandleDue(context.Background(), checkSession())
	f.msgr.waitSent(t)

	if st := f.store.waitStatus(t); st != session.StatusAbandoned {
		t.Fatalf("status = %s, want abandoned", st)
	}
	select {
	case userID := <-f.pres.evicted:
		if userID != 7 {
			t.Fatalf("evicted user %d, want 7", userID)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for eviction")
	}
}

func TestExtensionMenuTimeoutAbandons(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 200*time.Millisecond, true)

	f.c.HandleDue(context.Background(), checkSession())
	prompt := f.msgr.waitSent(t)
	press(f, 7, buttonData(t, prompt.markup, "No"))

	if st := f.store.waitStatus(t); st != session.StatusLeftEarly {
		t.Fatalf("status = %s, want left_early", st)
	}
	f.msgr.waitSent(t) // extension menu; nobody answers

	if st := f.store.waitStatus(t); st != session.StatusAbandoned {
		t.Fatalf("status = %s, want abandoned", st)
	}
	select {
	case <-f.pres.evicted:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for eviction")
	}
}

func TestRedeliveredSessionIsSingleFlight(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 5*time.Second, true)

	sess := checkSession()
	f.c.HandleDue(context.Background(), sess)
	f.msgr.waitSent(t)
	f.c.HandleDue(context.Background(), sess)

	select {
	case msg := <-f.msgr.sent:
		t.Fatalf("redelivery produced a second prompt: %q", msg.text)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestForeignUserPressIsRejected(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 5*time.Second, true)

	f.c.HandleDue(context.Background(), checkSession())
	prompt := f.msgr.waitSent(t)

	press(f, 999, buttonData(t, prompt.markup, "Yes"))

	if got := f.msgr.lastAnswer(); got != "This button is not for you." {
		t.Fatalf("answer = %q, want rejection", got)
	}
	select {
	case st := <-f.store.statusCh:
		t.Fatalf("foreign press changed status to %s", st)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestStaleCallbackIsRejected(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 5*time.Second, true)

	handled := f.c.HandleCallback(context.Background(), &kit.Callback{
		ID:     "cb2",
		FromID: 7,
		Data:   "verdict:yes:bm90LXJlYWw",
	})
	if !handled {
		t.Fatal("verdict-namespace callback must be handled")
	}
	if got := f.msgr.lastAnswer(); got != "This check has expired." {
		t.Fatalf("answer = %q, want expiry notice", got)
	}
}

func TestUnrelatedNamespaceIsIgnored(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 5*time.Second, true)

	handled := f.c.HandleCallback(context.Background(), &kit.Callback{
		ID:     "cb3",
		FromID: 7,
		Data:   "other:thing:payload",
	})
	if handled {
		t.Fatal("foreign namespace must not be handled")
	}
}
