package verdict

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"taskwarden/internal/observability"
	rtsup "taskwarden/internal/runtime/supervisor"
	"taskwarden/internal/session"
	kit "taskwarden/internal/transport"
	"taskwarden/pkg/chatui"
	logx "taskwarden/pkg/logx"
)

// ExtensionChoices are the only extension lengths offered, in minutes.
// The 1-minute option exists for live testing.
var ExtensionChoices = []int{1, 15, 30, 45, 60}

const (
	nsVerdict = "verdict"
	nsExtend  = "extend"
)

type Config struct {
	// ResponseTimeout bounds both the yes/no check and the extension menu.
	ResponseTimeout time.Duration
}

// Store is the slice of the session store the collector needs.
type Store interface {
	SetStatus(ctx context.Context, sessionID int64, status session.Status) (bool, error)
	Extend(ctx context.Context, sessionID int64, extraMinutes int) (session.Session, error)
}

// Scheduler re-arms extended sessions.
type Scheduler interface {
	Schedule(sess session.Session)
}

// Presence is the watcher surface the collector drives: eviction and the
// restarted submission flow after a completed task.
type Presence interface {
	Present(userID int64) bool
	Evict(ctx context.Context, userID int64, reason string)
	BeginSubmission(ctx context.Context, userID int64)
}

// token rides inside callback data so stale buttons can be told apart from
// the live check. Telegram caps callback data at 64 bytes, hence the short
// field names and the truncated nonce.
type token struct {
	S int64  `json:"s"`
	N string `json:"n"`
}

type check struct {
	sessionID int64
	userID    int64
	nonce     string

	verdictCh chan bool // true = yes
	extendCh  chan int  // minutes
}

// Collector runs one bounded yes/no check per due (or early-exit) session
// and applies the outcome. Redelivered sessions are dropped by the in-flight
// guard; every wait is cancelled the instant its answer arrives.
type Collector struct {
	cfg  Config
	log  logx.Logger
	msgr kit.Messenger

	store Store
	sched Scheduler
	pres  Presence
	obs   *observability.Metrics

	mu       sync.Mutex
	inflight map[int64]*check
	sup      *rtsup.Supervisor
}

func New(cfg Config, store Store, sched Scheduler, pres Presence, msgr kit.Messenger, obs *observability.Metrics, log logx.Logger) *Collector {
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = 300 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Collector{
		cfg:      cfg,
		log:      log,
		msgr:     msgr,
		store:    store,
		sched:    sched,
		pres:     pres,
		obs:      obs,
		inflight: map[int64]*check{},
	}
}

// Start creates the supervisor that hosts per-check goroutines.
func (c *Collector) Start(ctx context.Context) {
	c.mu.Lock()
	if c.sup == nil {
		c.sup = rtsup.New(ctx, rtsup.WithLogger(c.log), rtsup.WithCancelOnError(false))
	}
	c.mu.Unlock()
}

func (c *Collector) Stop(ctx context.Context) {
	c.mu.Lock()
	sup := c.sup
	c.sup = nil
	c.mu.Unlock()
	if sup != nil {
		sup.Cancel()
		_ = sup.Wait(ctx)
	}
}

// HandleDue runs the completion check for a session that reached its due
// time with the user present.
func (c *Collector) HandleDue(ctx context.Context, sess session.Session) {
	c.begin(sess, "Time is up for your task %q. Did you complete it?")
}

// HandleEarlyExit runs the completion check for a user who left the chat
// with a session still open.
func (c *Collector) HandleEarlyExit(ctx context.Context, sess session.Session) {
	c.begin(sess, "You left before your task %q ended. Did you complete it?")
}

func (c *Collector) begin(sess session.Session, questionFmt string) {
	c.mu.Lock()
	if c.sup == nil {
		c.mu.Unlock()
		c.log.Warn("collector not started; dropping check", logx.Int64("session_id", sess.ID))
		return
	}
	if _, ok := c.inflight[sess.ID]; ok {
		// Redelivery of a session already being checked; must be a no-op.
		c.mu.Unlock()
		c.log.Debug("check already in flight", logx.Int64("session_id", sess.ID))
		return
	}
	chk := &check{
		sessionID: sess.ID,
		userID:    sess.UserID,
		nonce:     uuid.NewString()[:8],
		verdictCh: make(chan bool, 1),
		extendCh:  make(chan int, 1),
	}
	c.inflight[sess.ID] = chk
	sup := c.sup
	c.mu.Unlock()

	question := fmt.Sprintf(questionFmt, sess.Task)
	sup.Go0(fmt.Sprintf("check.%d", sess.ID), func(ctx context.Context) {
		defer func() {
			c.mu.Lock()
			delete(c.inflight, sess.ID)
			c.mu.Unlock()
		}()
		c.run(ctx, sess, chk, question)
	})
}

func (c *Collector) run(ctx context.Context, sess session.Session, chk *check, question string) {
	payload, err := chatui.PackJSON(token{S: sess.ID, N: chk.nonce})
	if err != nil {
		c.log.Error("token pack failed", logx.Int64("session_id", sess.ID), logx.Err(err))
		return
	}

	markup := chatui.NewInline().Row(
		chatui.Btn("Yes", chatui.Data(nsVerdict, "yes", payload)),
		chatui.Btn("No", chatui.Data(nsVerdict, "no", payload)),
	).Markup()

	secs := int(c.cfg.ResponseTimeout / time.Second)
	text := fmt.Sprintf("%s No answer within %d seconds and you will be removed.", question, secs)

	// Checks go to the user's private chat, like the upstream DM flow.
	to := kit.ChatTarget{ChatID: sess.UserID}
	ref, err := c.msgr.SendText(ctx, to, text, &kit.SendOptions{ReplyMarkupAdapter: markup})
	if err != nil {
		// Leave the session pending; the reconciler will re-offer it.
		c.log.Warn("verdict prompt failed", logx.Int64("session_id", sess.ID), logx.Err(err))
		return
	}

	timer := time.NewTimer(c.cfg.ResponseTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return
	case <-timer.C:
		c.noResponse(ctx, sess, ref, "No answer to the completion check.")
		return
	case yes := <-chk.verdictCh:
		if yes {
			c.completed(ctx, sess, ref)
			return
		}
		c.notCompleted(ctx, sess, chk, payload, ref)
	}
}

func (c *Collector) completed(ctx context.Context, sess session.Session, ref kit.MessageRef) {
	applied, err := c.store.SetStatus(ctx, sess.ID, session.StatusCompleted)
	if err != nil {
		c.log.Error("completed transition failed", logx.Int64("session_id", sess.ID), logx.Err(err))
		return
	}
	if !applied {
		return
	}
	c.obs.IncCompleted()
	c.log.Info("session completed",
		logx.Int64("session_id", sess.ID),
		logx.Int64("user_id", sess.UserID))

	_ = c.msgr.EditText(ctx, ref, "Task marked as completed.", nil)

	// A finished task loops straight back into the submission flow while
	// the user is still present.
	if c.pres.Present(sess.UserID) {
		c.pres.BeginSubmission(ctx, sess.UserID)
	}
}

func (c *Collector) notCompleted(ctx context.Context, sess session.Session, chk *check, payload string, ref kit.MessageRef) {
	applied, err := c.store.SetStatus(ctx, sess.ID, session.StatusLeftEarly)
	if err != nil {
		c.log.Error("left-early transition failed", logx.Int64("session_id", sess.ID), logx.Err(err))
		return
	}
	if applied {
		c.obs.IncLeftEarly()
	}

	_ = c.msgr.EditText(ctx, ref, "Task not completed. Keep pushing forward.", nil)

	menu := chatui.NewInline()
	for _, mins := range ExtensionChoices {
		label := fmt.Sprintf("%d min", mins)
		menu.Row(chatui.Btn(label, chatui.Data(nsExtend, strconv.Itoa(mins), payload)))
	}
	to := kit.ChatTarget{ChatID: sess.UserID}
	menuRef, err := c.msgr.SendText(ctx, to, "How long of an extension do you want?",
		&kit.SendOptions{ReplyMarkupAdapter: menu.Markup()})
	if err != nil {
		c.log.Warn("extension menu failed", logx.Int64("session_id", sess.ID), logx.Err(err))
		c.abandon(ctx, sess, "The extension menu could not be delivered.")
		return
	}

	timer := time.NewTimer(c.cfg.ResponseTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return
	case <-timer.C:
		c.noResponse(ctx, sess, menuRef, "No extension was chosen.")
	case mins := <-chk.extendCh:
		extended, err := c.store.Extend(ctx, sess.ID, mins)
		if err != nil {
			c.log.Error("extension failed", logx.Int64("session_id", sess.ID), logx.Err(err))
			return
		}
		c.obs.IncExtensions()
		c.sched.Schedule(extended)
		c.log.Info("session extended",
			logx.Int64("session_id", sess.ID),
			logx.Int("minutes", mins),
			logx.Time("due", extended.EndTime))
		_ = c.msgr.EditText(ctx, menuRef,
			fmt.Sprintf("Extension granted for %d minutes.", mins), nil)
	}
}

func (c *Collector) noResponse(ctx context.Context, sess session.Session, ref kit.MessageRef, why string) {
	_ = c.msgr.EditText(ctx, ref, why+" Session abandoned.", nil)
	c.abandon(ctx, sess, why)
}

func (c *Collector) abandon(ctx context.Context, sess session.Session, why string) {
	applied, err := c.store.SetStatus(ctx, sess.ID, session.StatusAbandoned)
	if err != nil {
		c.log.Error("abandon transition failed", logx.Int64("session_id", sess.ID), logx.Err(err))
		return
	}
	if applied {
		c.obs.IncAbandoned()
		c.log.Info("session abandoned",
			logx.Int64("session_id", sess.ID),
			logx.String("why", why))
	}
	c.pres.Evict(ctx, sess.UserID, "no response to the completion check")
}

// HandleCallback routes a button press to its waiting check. Returns false
// when the callback belongs to someone else's namespace.
func (c *Collector) HandleCallback(ctx context.Context, cb *kit.Callback) bool {
	ns, action, payload := chatui.Split(cb.Data)
	if ns != nsVerdict && ns != nsExtend {
		return false
	}

	var tok token
	if err := chatui.UnpackJSON(payload, &tok); err != nil {
		c.log.Debug("malformed callback token", logx.String("data", cb.Data))
		_ = c.msgr.AnswerCallback(ctx, cb.ID, "This check has expired.")
		return true
	}

	c.mu.Lock()
	chk := c.inflight[tok.S]
	c.mu.Unlock()

	if chk == nil || chk.nonce != tok.N {
		_ = c.msgr.AnswerCallback(ctx, cb.ID, "This check has expired.")
		return true
	}
	if cb.FromID != chk.userID {
		_ = c.msgr.AnswerCallback(ctx, cb.ID, "This button is not for you.")
		return true
	}

	switch ns {
	case nsVerdict:
		yes := action == "yes"
		select {
		case chk.verdictCh <- yes:
		default:
		}
	case nsExtend:
		mins, err := strconv.Atoi(action)
		if err != nil || !validChoice(mins) {
			_ = c.msgr.AnswerCallback(ctx, cb.ID, "Unknown extension choice.")
			return true
		}
		select {
		case chk.extendCh <- mins:
		default:
		}
	}
	_ = c.msgr.AnswerCallback(ctx, cb.ID, "")
	return true
}

func validChoice(mins int) bool {
	for _, m := range ExtensionChoices {
		if m == mins {
			return true
		}
	}
	return false
}
