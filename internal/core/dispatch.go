package core

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"taskwarden/internal/session"
	"taskwarden/internal/storage"
	kit "taskwarden/internal/transport"
	logx "taskwarden/pkg/logx"
)

func (a *App) dispatchLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case u := <-a.updates:
			a.handleUpdate(ctx, u)
		}
	}
}

func (a *App) handleUpdate(ctx context.Context, u kit.Update) {
	switch u.Kind {
	case kit.UpdateJoin:
		if u.Presence == nil || !a.isMonitored(u.Presence.ChatID) {
			return
		}
		a.watcher.OnJoin(ctx, u.Presence.UserID, u.Presence.Username, u.Presence.ChatID)

	case kit.UpdateLeave:
		if u.Presence == nil || !a.isMonitored(u.Presence.ChatID) {
			return
		}
		a.watcher.OnLeave(ctx, u.Presence.UserID)

	case kit.UpdateCallback:
		if u.Callback == nil {
			return
		}
		if !a.collector.HandleCallback(ctx, u.Callback) {
			a.log.Debug("unhandled callback", logx.String("data", u.Callback.Data))
		}

	case kit.UpdateMessage:
		if u.Message == nil {
			return
		}
		a.handleMessage(ctx, u.Message)
	}
}

func (a *App) handleMessage(ctx context.Context, msg *kit.Message) {
	// Declarations are only accepted in monitored group chats.
	if !msg.IsGroup || !a.isMonitored(msg.ChatID) {
		return
	}
	if !isTaskCommand(msg.Text) {
		return
	}

	reply := func(text string) {
		_, err := a.adapter.SendText(ctx, kit.ChatTarget{ChatID: msg.ChatID}, text, nil)
		if err != nil {
			a.log.Warn("reply failed", logx.Int64("chat_id", msg.ChatID), logx.Err(err))
		}
	}

	if !a.watcher.Present(msg.FromID) {
		reply("I am not tracking you right now. Leave and rejoin the chat to start a session.")
		return
	}

	minutes, task, perr := parseTaskCommand(msg.Text)
	var sess session.Session
	err := perr
	if err == nil {
		sess, err = a.store.Create(ctx, msg.FromID, task, minutes)
	}
	if err != nil {
		a.handleDeclarationError(ctx, msg, err, reply)
		return
	}

	a.watcher.MarkSubmitted(msg.FromID)
	a.sched.Schedule(sess)
	a.obs.IncCreated()
	a.log.Info("session declared",
		logx.Int64("session_id", sess.ID),
		logx.Int64("user_id", msg.FromID),
		logx.Int("minutes", sess.Duration),
		logx.Time("due", sess.EndTime))
	reply(fmt.Sprintf("Task registered for %d minutes. I will check on you at %s.",
		sess.Duration, sess.EndTime.Local().Format("15:04:05")))
}

func (a *App) handleDeclarationError(ctx context.Context, msg *kit.Message, err error, reply func(string)) {
	switch {
	case errors.Is(err, storage.ErrActiveSession):
		reply("You already have an active task. Finish it before declaring a new one.")
	case session.IsValidation(err):
		reply(fmt.Sprintf("Invalid task declaration: %v. Use /task <minutes> <description> with 1 to %d minutes.",
			err, session.MaxDuration))
		if a.watcher.EvictOnInvalidTask() {
			a.watcher.Evict(ctx, msg.FromID, "invalid task declaration")
		}
	default:
		a.log.Error("declaration failed", logx.Int64("user_id", msg.FromID), logx.Err(err))
		reply("Something went wrong registering your task. Try again.")
	}
}

func isTaskCommand(text string) bool {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return false
	}
	cmd := fields[0]
	// Group commands may carry the bot name: /task@SomeBot.
	if i := strings.IndexByte(cmd, '@'); i >= 0 {
		cmd = cmd[:i]
	}
	return cmd == "/task"
}

// parseTaskCommand splits "/task <minutes> <description>". Range and
// emptiness checks live in the store; only the shape is parsed here.
func parseTaskCommand(text string) (minutes int, task string, err error) {
	fields := strings.Fields(text)
	if len(fields) < 3 {
		return 0, "", &session.ValidationError{Field: "declaration", Reason: "expected /task <minutes> <description>"}
	}
	minutes, aerr := strconv.Atoi(fields[1])
	if aerr != nil {
		return 0, "", &session.ValidationError{Field: "duration", Reason: fmt.Sprintf("%q is not a number of minutes", fields[1])}
	}
	return minutes, strings.Join(fields[2:], " "), nil
}
