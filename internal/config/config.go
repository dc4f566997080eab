package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// драйверы хранилища состояния
const (
	StoreFile     = "file"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
	StoreMemory   = "memory"
)

type Config struct {
	BotToken string `env:"BOT_TOKEN,required,notEmpty"`
	AppPort  string `env:"APP_PORT" envDefault:"8080"`

	StoreDriver string `env:"STORE_DRIVER" envDefault:"file"`
	StateFile   string `env:"STATE_FILE" envDefault:"turn_state.json"`
	DatabaseURL string `env:"DATABASE_URL"`

	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	RedisKey      string `env:"REDIS_KEY" envDefault:"turnbot:state"`

	ReminderDelay time.Duration `env:"REMINDER_DELAY" envDefault:"24h"`

	HTTPEnabled   bool   `env:"HTTP_ENABLED" envDefault:"true"`
	AllowedOrigin string `env:"ALLOWED_ORIGIN"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`
	LogFile   string `env:"LOG_FILE"`
}

// Load читает .env (если есть) и переменные окружения
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return Parse()
}

// Parse разбирает только окружение процесса
func Parse() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.StoreDriver {
	case StoreFile:
		if c.StateFile == "" {
			return errors.New("STATE_FILE is required for the file store")
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for the postgres store")
		}
	case StoreRedis:
		if c.RedisAddr == "" {
			return errors.New("REDIS_ADDR is required for the redis store")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if c.ReminderDelay <= 0 {
		return errors.New("REMINDER_DELAY must be positive")
	}
	return nil
}

func (c Config) JSONLogs() bool {
	return c.LogFormat == "json"
}
