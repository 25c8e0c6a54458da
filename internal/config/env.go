package config

import (
	env "github.com/caarlos0/env/v11"
)

// envOverrides holds the settings that may come from the environment
// instead of the config file, so secrets stay out of version control.
type envOverrides struct {
	Token       string `env:"TASKWARDEN_TELEGRAM_TOKEN"`
	DatabaseURL string `env:"TASKWARDEN_DATABASE_URL"`
}

func applyEnv(cfg *Config) {
	var ov envOverrides
	if err := env.Parse(&ov); err != nil {
		return
	}
	if ov.Token != "" {
		cfg.Telegram.Token = ov.Token
	}
	if ov.DatabaseURL != "" {
		cfg.Storage.DatabaseURL = ov.DatabaseURL
	}
}
