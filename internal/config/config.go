// Package config loads gateway configuration from PLEDGEVAULT_* environment
// variables and the optional platform policy file.
package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"

	"github.com/R3E-Network/pledgevault/pkg/logger"
)

// Config is the gateway configuration decoded from the environment. Every
// field has a default, so an empty environment yields a runnable in-memory
// deployment.
type Config struct {
	Server struct {
		Host string `env:"PLEDGEVAULT_SERVER_HOST,default=0.0.0.0"`
		Port int    `env:"PLEDGEVAULT_SERVER_PORT,default=8080"`
	}

	Database struct {
		// Driver selects the storage backend: memory, postgres, or
		// leveldb.
		Driver                 string `env:"PLEDGEVAULT_DB_DRIVER,default=memory"`
		DSN                    string `env:"PLEDGEVAULT_DB_DSN,default="`
		Path                   string `env:"PLEDGEVAULT_DB_PATH,default="`
		MaxOpenConns           int    `env:"PLEDGEVAULT_DB_MAX_OPEN_CONNS,default=16"`
		MaxIdleConns           int    `env:"PLEDGEVAULT_DB_MAX_IDLE_CONNS,default=4"`
		ConnMaxLifetimeSeconds int    `env:"PLEDGEVAULT_DB_CONN_MAX_LIFETIME_SECONDS,default=300"`
	}

	Logging struct {
		Level      string `env:"PLEDGEVAULT_LOG_LEVEL,default=info"`
		Format     string `env:"PLEDGEVAULT_LOG_FORMAT,default=text"`
		Output     string `env:"PLEDGEVAULT_LOG_OUTPUT,default=stdout"`
		FilePrefix string `env:"PLEDGEVAULT_LOG_FILE_PREFIX,default=pledgevault"`
	}

	Auth struct {
		// JWTSecret signs and verifies bearer tokens. When empty the API
		// trusts the X-Caller header, which is only acceptable in
		// development.
		JWTSecret  string `env:"PLEDGEVAULT_AUTH_JWT_SECRET,default="`
		AdminToken string `env:"PLEDGEVAULT_AUTH_ADMIN_TOKEN,default="`
	}

	RateLimit struct {
		RPS   int `env:"PLEDGEVAULT_RATE_LIMIT_RPS,default=25"`
		Burst int `env:"PLEDGEVAULT_RATE_LIMIT_BURST,default=50"`
	}

	CORS struct {
		// AllowedOrigins is a comma-separated origin list; * allows all.
		AllowedOrigins string `env:"PLEDGEVAULT_CORS_ORIGINS,default=*"`
	}

	Redis struct {
		// Addr enables the Redis cache backend; empty keeps the
		// in-process cache.
		Addr       string `env:"PLEDGEVAULT_REDIS_ADDR,default="`
		Password   string `env:"PLEDGEVAULT_REDIS_PASSWORD,default="`
		DB         int    `env:"PLEDGEVAULT_REDIS_DB,default=0"`
		TTLSeconds int    `env:"PLEDGEVAULT_REDIS_TTL_SECONDS,default=60"`
	}

	Watcher struct {
		Schedule string `env:"PLEDGEVAULT_WATCHER_SCHEDULE,default=@every 1m"`
	}

	AuditLogPath string `env:"PLEDGEVAULT_AUDIT_LOG_PATH,default="`
	PolicyFile   string `env:"PLEDGEVAULT_POLICY_FILE,default=config/platform.yaml"`
}

// Load decodes and validates the configuration from the environment.
func Load() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Database.Driver {
	case "memory", "postgres", "leveldb":
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	if c.Database.Driver == "postgres" && strings.TrimSpace(c.Database.DSN) == "" {
		return fmt.Errorf("postgres driver requires PLEDGEVAULT_DB_DSN")
	}
	if c.Database.Driver == "leveldb" && strings.TrimSpace(c.Database.Path) == "" {
		return fmt.Errorf("leveldb driver requires PLEDGEVAULT_DB_PATH")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}
	if c.RateLimit.RPS <= 0 || c.RateLimit.Burst <= 0 {
		return fmt.Errorf("rate limit rps/burst must be positive")
	}
	return nil
}

// HTTPAddr returns the gateway listen address.
func (c Config) HTTPAddr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// LoggingConfig maps onto the logger package configuration.
func (c Config) LoggingConfig() logger.LoggingConfig {
	return logger.LoggingConfig{
		Level:      c.Logging.Level,
		Format:     c.Logging.Format,
		Output:     c.Logging.Output,
		FilePrefix: c.Logging.FilePrefix,
	}
}

// ConnMaxLifetime returns the database pool connection lifetime.
func (c Config) ConnMaxLifetime() time.Duration {
	return time.Duration(c.Database.ConnMaxLifetimeSeconds) * time.Second
}

// CacheTTL returns how long cached read views stay valid.
func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.Redis.TTLSeconds) * time.Second
}

// AllowedOrigins returns the CORS origin list.
func (c Config) AllowedOrigins() []string {
	parts := strings.Split(c.CORS.AllowedOrigins, ",")
	origins := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}
