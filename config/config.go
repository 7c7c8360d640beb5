package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	_ "github.com/joho/godotenv/autoload"
	"github.com/redis/go-redis/v9"
)

type Config struct {
	Debug   bool `env:"DEBUG" env-default:"false"`
	HTTP    HTTPConfig
	Storage StorageConfig
	Redis   RedisConfig
	Auth    AuthConfig
	Outbox  OutboxConfig
}

type HTTPConfig struct {
	Port            string        `env:"FUNCTIONS_CUSTOMHANDLER_PORT" env-default:"8080"`
	BodyLimit       string        `env:"HTTP_BODY_LIMIT" env-default:"64K"`
	ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" env-default:"10s"`
}

type StorageConfig struct {
	ConnectionString string `env:"STORAGE_CONNECTION_STRING" env-required:"true"`
	BoardTable       string `env:"BOARD_TABLE" env-default:"board"`
	ChangeQueue      string `env:"CHANGE_QUEUE" env-default:"board-changes"`
}

type RedisConfig struct {
	// Either a redis:// URL or "host:port,password=...,ssl=True". Empty disables the cache
	// and falls back to an in-process deduper.
	ConnectionString string        `env:"REDIS_CONNECTION_STRING"`
	CacheTTL         time.Duration `env:"BOARD_CACHE_TTL" env-default:"10m"`
	UpdatesChannel   string        `env:"BOARD_UPDATES_CHANNEL" env-default:"board-updates"`
	DeduperTTL       time.Duration `env:"DEDUPER_TTL" env-default:"24h"`
}

type AuthConfig struct {
	Audience     string        `env:"AUTH0_AUDIENCE"`
	Domain       string        `env:"AUTH0_DOMAIN"`
	LocalMode    string        `env:"LOCAL_AUTH_MODE"`
	LocalSecret  string        `env:"LOCAL_AUTH_SHARED_SECRET"`
	TestMode     bool          `env:"AUTH0_TEST_MODE" env-default:"false"`
	TestSecret   string        `env:"TEST_JWT_SECRET"`
	JWKSCacheTTL time.Duration `env:"JWKS_CACHE_TTL" env-default:"15m"`
}

type OutboxConfig struct {
	Dir            string        `env:"OUTBOX_DIR"`
	Workers        int           `env:"OUTBOX_WORKERS" env-default:"1"`
	BatchSize      int           `env:"OUTBOX_BATCH" env-default:"32"`
	BufferSize     int           `env:"OUTBOX_BUFFER" env-default:"1024"`
	FlushInterval  time.Duration `env:"OUTBOX_FLUSH_INTERVAL" env-default:"5ms"`
	SaveTimeout    time.Duration `env:"OUTBOX_SAVE_TIMEOUT" env-default:"60s"`
	HandoffTimeout time.Duration `env:"OUTBOX_HANDOFF_TIMEOUT" env-default:"25ms"`
	RetryInitial   time.Duration `env:"OUTBOX_RETRY_INITIAL" env-default:"250ms"`
	RetryMax       time.Duration `env:"OUTBOX_RETRY_MAX" env-default:"30s"`
	SegmentMB      int           `env:"OUTBOX_SEGMENT_MB" env-default:"64"`
	SyncEvery      int           `env:"OUTBOX_SYNC_EVERY" env-default:"1"`
	SyncInterval   time.Duration `env:"OUTBOX_SYNC_INTERVAL" env-default:"2ms"`
}

// Load reads the configuration from the environment. A .env file in the working directory,
// if present, has already been loaded into the environment.
func Load() (Config, error) {
	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return Config{}, fmt.Errorf("read env: %w", err)
	}
	if cfg.Outbox.Dir == "" {
		cfg.Outbox.Dir = filepath.Join(os.TempDir(), "ecb-maintenance-outbox")
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadStorage reads only the storage settings, for tools that do not serve requests.
func LoadStorage() (StorageConfig, error) {
	var cfg StorageConfig
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return StorageConfig{}, fmt.Errorf("read env: %w", err)
	}
	return cfg, nil
}

// LoadAuth reads only the auth settings.
func LoadAuth() (AuthConfig, error) {
	var cfg AuthConfig
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return AuthConfig{}, fmt.Errorf("read env: %w", err)
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch strings.ToLower(c.Auth.LocalMode) {
	case "":
	case "hs256":
		if c.Auth.LocalSecret == "" {
			return errors.New("LOCAL_AUTH_SHARED_SECRET must be set when LOCAL_AUTH_MODE=hs256")
		}
	default:
		return fmt.Errorf("unsupported LOCAL_AUTH_MODE value %q", c.Auth.LocalMode)
	}
	if c.Auth.TestMode && c.Auth.TestSecret == "" {
		return errors.New("TEST_JWT_SECRET must be set when AUTH0_TEST_MODE=1")
	}
	if !c.Auth.SharedSecretMode() && (c.Auth.Audience == "" || c.Auth.Domain == "") {
		return errors.New("missing Auth0 config")
	}
	if c.Auth.JWKSCacheTTL <= 0 {
		return errors.New("invalid JWKS_CACHE_TTL")
	}
	if c.Redis.DeduperTTL <= 0 {
		return errors.New("invalid DEDUPER_TTL")
	}
	if c.Outbox.Workers <= 0 || c.Outbox.BatchSize <= 0 {
		return errors.New("OUTBOX_WORKERS and OUTBOX_BATCH must be greater than zero")
	}
	return nil
}

// SharedSecretMode reports whether tokens are verified with a shared HS256 secret instead
// of the Auth0 JWKS.
func (a AuthConfig) SharedSecretMode() bool {
	return strings.EqualFold(a.LocalMode, "hs256") || a.TestMode
}

// SharedSecret returns the HS256 secret for SharedSecretMode.
func (a AuthConfig) SharedSecret() []byte {
	if strings.EqualFold(a.LocalMode, "hs256") {
		return []byte(a.LocalSecret)
	}
	return []byte(a.TestSecret)
}

func (a AuthConfig) JWKSURL() string {
	return fmt.Sprintf("https://%s/.well-known/jwks.json", a.Domain)
}

func (a AuthConfig) Issuer() string {
	return "https://" + a.Domain + "/"
}

// SegmentBytes is the outbox journal segment size.
func (o OutboxConfig) SegmentBytes() int64 {
	return int64(o.SegmentMB) * 1024 * 1024
}

// RedisOptions parses a redis:// URL or an Azure style "host:port,password=...,ssl=True"
// connection string.
func RedisOptions(conn string) (*redis.Options, error) {
	conn = strings.TrimSpace(conn)
	if conn == "" {
		return nil, errors.New("empty redis connection string")
	}
	if opts, err := redis.ParseURL(conn); err == nil {
		return opts, nil
	}

	parts := strings.Split(conn, ",")
	opts := &redis.Options{Addr: strings.TrimSpace(parts[0])}
	if opts.Addr == "" || strings.Contains(opts.Addr, "=") {
		return nil, fmt.Errorf("invalid redis connection string %q", conn)
	}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.EqualFold(kv[1], "true") {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	return opts, nil
}
