// Package config reads server settings from the environment, after
// loading a .env file when one is present.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"

	"docsync-server/domain"
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

type Config struct {
	Port     string `env:"PORT,default=8080"`
	LogLevel string `env:"LOG_LEVEL,default=info"`

	// JWTSecret signs HS256 tokens. Required unless AllowAnonymous is set.
	JWTSecret      string        `env:"JWT_SECRET"`
	JWTLeeway      time.Duration `env:"JWT_LEEWAY,default=30s"`
	AllowAnonymous bool          `env:"ALLOW_ANONYMOUS,default=false"`
	// DefaultAccess applies to users without an owner or acl entry.
	DefaultAccess string `env:"DEFAULT_ACCESS,default=NONE"`

	StoreBackend   string `env:"STORE_BACKEND,default=memory"`
	RedisAddr      string `env:"REDIS_ADDR,default=localhost:6379"`
	RedisKeyPrefix string `env:"REDIS_KEY_PREFIX,default=docsync:"`

	IdleTimeout        time.Duration `env:"SESSION_IDLE_TIMEOUT,default=30s"`
	LoadTimeout        time.Duration `env:"SESSION_LOAD_TIMEOUT,default=10s"`
	PersistDebounce    time.Duration `env:"PERSIST_DEBOUNCE,default=2s"`
	PersistMaxAttempts int           `env:"PERSIST_MAX_ATTEMPTS,default=5"`
	PersistBaseDelay   time.Duration `env:"PERSIST_BASE_DELAY,default=500ms"`
	PersistMaxDelay    time.Duration `env:"PERSIST_MAX_DELAY,default=30s"`

	SendQueueSize   int           `env:"SEND_QUEUE_SIZE,default=256"`
	MaxMessageSize  int64         `env:"MAX_MESSAGE_SIZE,default=1048576"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=10s"`
}

// Load reads .env (if any) and then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Warn("no .env file found, using environment variables")
	}
	return FromEnv()
}

func FromEnv() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error

	switch c.StoreBackend {
	case BackendMemory, BackendRedis:
	default:
		errs = append(errs, fmt.Errorf("STORE_BACKEND must be %q or %q, got %q", BackendMemory, BackendRedis, c.StoreBackend))
	}
	if c.JWTSecret == "" && !c.AllowAnonymous {
		errs = append(errs, errors.New("JWT_SECRET is required unless ALLOW_ANONYMOUS=true"))
	}
	if c.DefaultAccess != "NONE" && domain.ParseAccess(c.DefaultAccess) == domain.AccessNone {
		errs = append(errs, fmt.Errorf("DEFAULT_ACCESS must be NONE, READ, COMMENT or EDIT, got %q", c.DefaultAccess))
	}
	if c.IdleTimeout <= 0 || c.LoadTimeout <= 0 || c.PersistDebounce <= 0 {
		errs = append(errs, errors.New("session and persistence timeouts must be positive"))
	}
	if c.PersistMaxAttempts < 1 {
		errs = append(errs, errors.New("PERSIST_MAX_ATTEMPTS must be at least 1"))
	}
	if c.PersistBaseDelay <= 0 || c.PersistMaxDelay < c.PersistBaseDelay {
		errs = append(errs, errors.New("PERSIST_MAX_DELAY must be >= PERSIST_BASE_DELAY > 0"))
	}
	if c.SendQueueSize < 1 || c.MaxMessageSize < 1 {
		errs = append(errs, errors.New("SEND_QUEUE_SIZE and MAX_MESSAGE_SIZE must be positive"))
	}

	return errors.Join(errs...)
}

func (c *Config) Access() domain.Access {
	return domain.ParseAccess(c.DefaultAccess)
}
