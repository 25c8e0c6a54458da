package config

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Presence PresenceConfig `json:"presence"`
	Worker   WorkerConfig   `json:"worker"`
	Storage  StorageConfig  `json:"storage"`
	Metrics  MetricsConfig  `json:"metrics,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// MonitoredChatIDs lists the group chats whose joins and leaves drive
	// the session flow. Updates from other chats are ignored.
	MonitoredChatIDs []int64 `json:"monitored_chat_ids"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout    string `json:"poll_timeout"`
	SendRatePerSec int    `json:"send_rate_per_sec,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Chat    LoggingChat `json:"chat"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingChat mirrors warnings and errors into a Telegram chat.
type LoggingChat struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// PresenceConfig controls the join/submission flow.
//
// Timeouts are plain positive integers in seconds, not duration strings;
// they map one to one onto the user-facing countdown messages.
type PresenceConfig struct {
	// JoinTimeoutSecs bounds how long a joiner has to declare a task.
	JoinTimeoutSecs int `json:"join_timeout_secs,omitempty"` // default 300
	// ResponseTimeoutSecs bounds the completion check and extension menu.
	ResponseTimeoutSecs int `json:"response_timeout_secs,omitempty"` // default 300
	// EvictOnInvalidTask is a pointer so "omitted" defaults to true while
	// an explicit false is honored.
	EvictOnInvalidTask *bool `json:"evict_on_invalid_task,omitempty"`
}

// WorkerConfig controls the due-session dispatch loop.
// All durations are Go duration strings (e.g. "5s", "2h").
type WorkerConfig struct {
	Interval  string `json:"interval,omitempty"`  // default "5s"
	Lookahead string `json:"lookahead,omitempty"` // default "2h"
}

type StorageConfig struct {
	Driver string `json:"driver"` // "sqlite" (default) or "postgres"
	Path   string `json:"path,omitempty"`
	// DatabaseURL is only read for the postgres driver; prefer setting it
	// through the environment so it stays out of the config file.
	DatabaseURL string `json:"database_url,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default "127.0.0.1:9090"
}

// EvictOnInvalidTaskOrDefault resolves the tri-state flag.
func (p PresenceConfig) EvictOnInvalidTaskOrDefault() bool {
	if p.EvictOnInvalidTask == nil {
		return true
	}
	return *p.EvictOnInvalidTask
}
