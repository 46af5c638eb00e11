// Package config loads service configuration from an optional YAML file and
// environment variables. Environment variables win over the file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yourorg/lpdp/internal/auth"
)

// Config holds the ledger service configuration.
type Config struct {
	// HTTPAddr is the listen address of the API server.
	HTTPAddr string `yaml:"httpAddr"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"logLevel"`
	// StoreDriver selects the ledger store: memory, sqlite or postgres.
	StoreDriver string `yaml:"storeDriver"`
	// SQLitePath is the database file used by the sqlite driver.
	SQLitePath string `yaml:"sqlitePath"`
	// PostgresDSN is the lib/pq connection string used by the postgres driver.
	PostgresDSN string `yaml:"postgresDsn"`
	// KafkaBrokers enables event publishing when non-empty (comma separated).
	KafkaBrokers string `yaml:"kafkaBrokers"`
	// KafkaTopic receives appended events.
	KafkaTopic string `yaml:"kafkaTopic"`
	// AllowedActions is the closed action vocabulary accepted by the API.
	AllowedActions []string `yaml:"allowedActions"`
	// VerifyConcurrency bounds parallel chain verification.
	VerifyConcurrency int `yaml:"verifyConcurrency"`
	// MaxPageSize caps event listing.
	MaxPageSize int `yaml:"maxPageSize"`
	// ExportBucket prefixes export object keys.
	ExportBucket string `yaml:"exportBucket"`
	// ExportDir stores exports on disk; empty keeps them in memory.
	ExportDir string `yaml:"exportDir"`
	// SignURLTTL is the lifetime of export download URLs.
	SignURLTTL time.Duration `yaml:"signUrlTtl"`
	// PublicBaseURL prefixes signed download links.
	PublicBaseURL string `yaml:"publicBaseUrl"`
	// ExportSigningKey keys the download link HMAC. Empty means a random key
	// per process, so links do not survive a restart.
	ExportSigningKey string `yaml:"exportSigningKey"`
	// AdminToken guards tenant bootstrap.
	AdminToken string `yaml:"adminToken"`
	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	// Auth configures API key hashing, rotation and rate limits.
	Auth auth.Config `yaml:"auth"`
}

// DefaultActions is the action vocabulary used when none is configured.
var DefaultActions = []string{"create", "update", "delete", "approve", "reject", "export", "login", "revoke"}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		HTTPAddr:          ":8080",
		LogLevel:          "info",
		StoreDriver:       "sqlite",
		SQLitePath:        "./state/ledger.sqlite",
		KafkaTopic:        "lpdp.ledger.events",
		AllowedActions:    append([]string{}, DefaultActions...),
		VerifyConcurrency: 4,
		MaxPageSize:       1000,
		ExportBucket:      "ledger-exports",
		SignURLTTL:        10 * time.Minute,
		PublicBaseURL:     "http://localhost:8080",
		ShutdownTimeout:   15 * time.Second,
		Auth:              auth.DefaultConfig(),
	}
}

// Load reads LEDGER_CONFIG_FILE (when set) and then applies environment overrides.
func Load() (Config, error) {
	cfg := Defaults()
	if path := getenv("LEDGER_CONFIG_FILE", ""); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.HTTPAddr = getenv("LEDGER_HTTP_ADDR", c.HTTPAddr)
	c.LogLevel = getenv("LEDGER_LOG_LEVEL", c.LogLevel)
	c.StoreDriver = getenv("LEDGER_STORE_DRIVER", c.StoreDriver)
	c.SQLitePath = getenv("LEDGER_SQLITE_PATH", c.SQLitePath)
	c.PostgresDSN = getenv("LEDGER_POSTGRES_DSN", c.PostgresDSN)
	c.KafkaBrokers = getenv("LEDGER_KAFKA_BROKERS", c.KafkaBrokers)
	c.KafkaTopic = getenv("LEDGER_KAFKA_TOPIC", c.KafkaTopic)
	c.AllowedActions = getList("LEDGER_ALLOWED_ACTIONS", c.AllowedActions)
	c.VerifyConcurrency = getInt("LEDGER_VERIFY_CONCURRENCY", c.VerifyConcurrency)
	c.MaxPageSize = getInt("LEDGER_MAX_PAGE_SIZE", c.MaxPageSize)
	c.ExportBucket = getenv("LEDGER_EXPORT_BUCKET", c.ExportBucket)
	c.ExportDir = getenv("LEDGER_EXPORT_DIR", c.ExportDir)
	c.SignURLTTL = getDuration("LEDGER_SIGN_URL_TTL", c.SignURLTTL)
	c.PublicBaseURL = getenv("LEDGER_PUBLIC_BASE_URL", c.PublicBaseURL)
	c.ExportSigningKey = getenv("LEDGER_EXPORT_SIGNING_KEY", c.ExportSigningKey)
	c.AdminToken = getenv("LEDGER_ADMIN_TOKEN", c.AdminToken)
	c.ShutdownTimeout = getDuration("LEDGER_SHUTDOWN_TIMEOUT", c.ShutdownTimeout)

	c.Auth.APIKeyHashAlgorithm = getenv("AUTH_HASH_ALGORITHM", c.Auth.APIKeyHashAlgorithm)
	c.Auth.BcryptCost = getInt("AUTH_BCRYPT_COST", c.Auth.BcryptCost)
	c.Auth.Argon2Time = uint32(getInt("AUTH_ARGON2_TIME", int(c.Auth.Argon2Time)))
	c.Auth.Argon2Memory = uint32(getInt("AUTH_ARGON2_MEMORY", int(c.Auth.Argon2Memory)))
	c.Auth.Argon2Threads = uint8(getInt("AUTH_ARGON2_THREADS", int(c.Auth.Argon2Threads)))
	c.Auth.KeyRotationWindow = getDuration("AUTH_KEY_ROTATION_WINDOW", c.Auth.KeyRotationWindow)
	c.Auth.RateLimitPerMinute = getInt("AUTH_RATE_PER_MIN", c.Auth.RateLimitPerMinute)
	c.Auth.AdminToken = c.AdminToken
}

// Validate reports settings the service cannot start with.
func (c Config) Validate() error {
	var errs []error
	switch c.StoreDriver {
	case "memory":
	case "sqlite":
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("sqlite store requires LEDGER_SQLITE_PATH"))
		}
	case "postgres":
		if c.PostgresDSN == "" {
			errs = append(errs, errors.New("postgres store requires LEDGER_POSTGRES_DSN"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.StoreDriver))
	}
	if len(c.AllowedActions) == 0 {
		errs = append(errs, errors.New("allowed actions must not be empty"))
	}
	if c.VerifyConcurrency <= 0 {
		errs = append(errs, errors.New("verify concurrency must be positive"))
	}
	if c.MaxPageSize <= 0 {
		errs = append(errs, errors.New("max page size must be positive"))
	}
	if c.SignURLTTL <= 0 {
		errs = append(errs, errors.New("signed URL TTL must be positive"))
	}
	if err := c.Auth.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.KafkaBrokers != "" && c.KafkaTopic == "" {
		errs = append(errs, errors.New("kafka topic required when brokers are set"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// SlogLevel maps LogLevel to a slog.Level, defaulting to info.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getList(key string, def []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return def
	}
	out := make([]string, 0)
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
