package transport

import "context"

type UpdateKind string

const (
	UpdateMessage  UpdateKind = "message"
	UpdateCallback UpdateKind = "callback"
	UpdateJoin     UpdateKind = "join"
	UpdateLeave    UpdateKind = "leave"
)

type Update struct {
	Kind     UpdateKind
	Message  *Message
	Callback *Callback
	Presence *PresenceEvent
}

type Message struct {
	ID           int
	ChatID       int64
	FromID       int64
	FromUsername string
	Text         string
	IsGroup      bool
}

type Callback struct {
	ID        string
	FromID    int64
	ChatID    int64
	MessageID int
	Data      string
}

// PresenceEvent signals a user entering or leaving a monitored chat.
type PresenceEvent struct {
	UserID   int64
	Username string
	ChatID   int64
}

type ChatTarget struct {
	ChatID int64
}

type MessageRef struct {
	ChatID    int64
	MessageID int
}

type SendOptions struct {
	ParseMode          string
	DisablePreview     bool
	ReplyMarkupAdapter any // adapter-specific markup (Telegram: *telebot.ReplyMarkup)
}

// Messenger is the outbound message surface. Narrower consumers (the log
// mirror, the verdict prompts) depend on this instead of the full Adapter.
type Messenger interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
	AnswerCallback(ctx context.Context, callbackID string, text string) error
}

type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	Messenger

	// RemoveFromChat kicks a user out of a monitored chat. Best-effort;
	// callers log failures and never propagate them.
	RemoveFromChat(ctx context.Context, chatID, userID int64) error
}
