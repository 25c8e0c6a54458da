package config

import (
	"fmt"
	"strings"
)

// Validate rejects configs that could not possibly run. Installed as the
// manager's validator so a broken edit never replaces a working config.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token: required (file or TASKWARDEN_TELEGRAM_TOKEN)")
	}
	if len(cfg.Telegram.MonitoredChatIDs) == 0 {
		return fmt.Errorf("telegram.monitored_chat_ids: at least one chat required")
	}
	if _, err := ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("worker.interval", cfg.Worker.Interval); err != nil {
		return err
	}
	if _, err := ParseDurationField("worker.lookahead", cfg.Worker.Lookahead); err != nil {
		return err
	}
	if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
		return err
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "sqlite":
	case "postgres":
		if strings.TrimSpace(cfg.Storage.DatabaseURL) == "" {
			return fmt.Errorf("storage.database_url: required for postgres (file or TASKWARDEN_DATABASE_URL)")
		}
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver)
	}

	if cfg.Presence.JoinTimeoutSecs < 0 {
		return fmt.Errorf("presence.join_timeout_secs: must be >= 0")
	}
	if cfg.Presence.ResponseTimeoutSecs < 0 {
		return fmt.Errorf("presence.response_timeout_secs: must be >= 0")
	}
	return nil
}
