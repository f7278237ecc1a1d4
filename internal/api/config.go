package api

import (
	"fmt"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds the backend daemon configuration, read from the environment.
type Config struct {
	ListenAddr      string        `env:"TALLY_LISTEN_ADDR" env-default:":8080"`
	DBPath          string        `env:"TALLY_DB_PATH" env-default:"./data/tally.db"`
	ShutdownTimeout time.Duration `env:"TALLY_SHUTDOWN_TIMEOUT" env-default:"30s"`
	LogFormat       string        `env:"TALLY_LOG_FORMAT" env-default:"json"` // "json" or "text"
	LogLevel        string        `env:"TALLY_LOG_LEVEL" env-default:"info"`  // "debug", "info", "warn", "error"
	MaxBodyBytes    int64         `env:"TALLY_MAX_BODY_BYTES" env-default:"1048576"`
}

// LoadConfig reads configuration from the environment with defaults.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return cfg, fmt.Errorf("read config from env: %w", err)
	}
	return cfg, nil
}
