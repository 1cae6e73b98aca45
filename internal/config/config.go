package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all herald configuration from environment variables.
// Each component reads the same set; per-component validation decides
// which keys are mandatory for the process being started.
type Config struct {
	// Storage
	DatabaseURL string // SQLite path or DSN
	QueueURL    string // Redis endpoint, redis.ParseURL syntax

	// Trust material. SERVER_CERT_PATH/SERVER_KEY_PATH name the identity
	// certificate of whichever component is being started.
	CADir          string
	CACertPath     string
	ServerCertPath string
	ServerKeyPath  string

	// Sealing
	EncryptionKeyPath string
	SenderHashSalt    string

	// Operator tokens
	JWTSecret       string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	// Worker
	RetryInterval     time.Duration // fixed pacing between delivery retries
	MaxAttempts       int
	WorkerConcurrency int
	WorkerID          string
	DeliveryTimeout   time.Duration
	WorkerMetricsAddr string

	// Listeners
	IngressAddr string
	StoreAddr   string
	StoreURL    string // base URL ingress and workers dial

	// Ingress limits
	RateLimit      int // per-client tokens per minute
	MaxConcurrent  int64
	QueueSoftLimit int64

	// Housekeeping
	RetentionDays   int
	MetricsTextfile string // node-exporter textfile snapshot path, optional

	// Notifications
	NotifyConfig string // YAML file of notification targets, optional

	// Logging
	LogJSON bool
}

// Load reads all configuration from environment variables with defaults.
func Load() *Config {
	caDir := envStr("CA_DIR", "certs")
	return &Config{
		DatabaseURL:       envStr("DATABASE_URL", "herald.db"),
		QueueURL:          envStr("QUEUE_URL", "redis://localhost:6379/0"),
		CADir:             caDir,
		CACertPath:        envStr("CA_CERT_PATH", filepath.Join(caDir, "ca.pem")),
		ServerCertPath:    envStr("SERVER_CERT_PATH", filepath.Join(caDir, "server.crt")),
		ServerKeyPath:     envStr("SERVER_KEY_PATH", filepath.Join(caDir, "server.key")),
		EncryptionKeyPath: envStr("ENCRYPTION_KEY_PATH", filepath.Join("secrets", "encryption.key")),
		SenderHashSalt:    os.Getenv("SENDER_HASH_SALT"),
		JWTSecret:         os.Getenv("JWT_SECRET"),
		AccessTokenTTL:    envDuration("ACCESS_TOKEN_TTL", 30*time.Minute),
		RefreshTokenTTL:   envDuration("REFRESH_TOKEN_TTL", 720*time.Hour),
		RetryInterval:     envSeconds("WORKER_RETRY_INTERVAL", 30*time.Second),
		MaxAttempts:       envInt("WORKER_MAX_ATTEMPTS", 10000),
		WorkerConcurrency: envInt("WORKER_CONCURRENCY", 4),
		WorkerID:          envStr("WORKER_ID", fmt.Sprintf("worker-%d", os.Getpid())),
		DeliveryTimeout:   envSeconds("DELIVERY_TIMEOUT", 10*time.Second),
		WorkerMetricsAddr: envStr("WORKER_METRICS_ADDR", ":9100"),
		IngressAddr:       envStr("INGRESS_ADDR", ":8443"),
		StoreAddr:         envStr("STORE_ADDR", ":8444"),
		StoreURL:          envStr("STORE_URL", "https://localhost:8444"),
		RateLimit:         envInt("INGRESS_RATE_LIMIT", 100),
		MaxConcurrent:     int64(envInt("INGRESS_MAX_CONCURRENT", 256)),
		QueueSoftLimit:    int64(envInt("QUEUE_SOFT_LIMIT", 10000)),
		RetentionDays:     envInt("RETENTION_DAYS", 180),
		MetricsTextfile:   envStr("METRICS_TEXTFILE", ""),
		NotifyConfig:      envStr("NOTIFY_CONFIG", ""),
		LogJSON:           envBool("LOG_JSON", false),
	}
}

// Validate checks the constraints shared by every component.
func (c *Config) Validate() error {
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL must not be empty"))
	}
	if c.QueueURL == "" {
		errs = append(errs, errors.New("QUEUE_URL must not be empty"))
	}
	if c.RetryInterval <= 0 {
		errs = append(errs, fmt.Errorf("WORKER_RETRY_INTERVAL must be > 0, got %s", c.RetryInterval))
	}
	if c.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("WORKER_MAX_ATTEMPTS must be > 0, got %d", c.MaxAttempts))
	}
	if c.WorkerConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("WORKER_CONCURRENCY must be > 0, got %d", c.WorkerConcurrency))
	}
	if c.DeliveryTimeout <= 0 {
		errs = append(errs, fmt.Errorf("DELIVERY_TIMEOUT must be > 0, got %s", c.DeliveryTimeout))
	}
	if c.RateLimit <= 0 {
		errs = append(errs, fmt.Errorf("INGRESS_RATE_LIMIT must be > 0, got %d", c.RateLimit))
	}
	if c.MaxConcurrent <= 0 {
		errs = append(errs, fmt.Errorf("INGRESS_MAX_CONCURRENT must be > 0, got %d", c.MaxConcurrent))
	}
	return errors.Join(errs...)
}

// ValidateStore checks the keys the store process cannot run without.
func (c *Config) ValidateStore() error {
	var errs []error
	if err := c.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.SenderHashSalt == "" {
		errs = append(errs, errors.New("SENDER_HASH_SALT is required"))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.AccessTokenTTL <= 0 {
		errs = append(errs, fmt.Errorf("ACCESS_TOKEN_TTL must be > 0, got %s", c.AccessTokenTTL))
	}
	if c.RefreshTokenTTL <= 0 {
		errs = append(errs, fmt.Errorf("REFRESH_TOKEN_TTL must be > 0, got %s", c.RefreshTokenTTL))
	}
	return errors.Join(errs...)
}

// ValidateIngress checks the keys the ingress process cannot run without.
func (c *Config) ValidateIngress() error {
	var errs []error
	if err := c.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.SenderHashSalt == "" {
		errs = append(errs, errors.New("SENDER_HASH_SALT is required"))
	}
	if c.StoreURL == "" {
		errs = append(errs, errors.New("STORE_URL must not be empty"))
	}
	return errors.Join(errs...)
}

// ValidateWorker checks the keys the worker process cannot run without.
func (c *Config) ValidateWorker() error {
	var errs []error
	if err := c.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.StoreURL == "" {
		errs = append(errs, errors.New("STORE_URL must not be empty"))
	}
	return errors.Join(errs...)
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// envSeconds reads a duration that operators usually write as a bare
// number of seconds ("30"), while still accepting Go duration syntax
// ("30s", "2m").
func envSeconds(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if n, err := strconv.Atoi(v); err == nil {
		if n <= 0 {
			return def
		}
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
