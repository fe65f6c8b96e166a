package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/joho/godotenv"
)

const (
	defaultListenAddr      = ":8080"
	defaultSessionTTL      = 3600
	defaultPresenceTimeout = 45
	defaultSweepCron       = "*/5 * * * *"
	defaultRateLimit       = 5
	defaultRateBurst       = 10

	minLoginSecretLen = 16
)

type Config struct {
	ListenAddr         string
	DBURL              string
	TLSCertPath        string
	TLSKeyPath         string
	MasterKey          []byte
	SessionTTL         time.Duration
	PresenceTimeout    time.Duration
	SessionSweepCron   string
	PresenceHistoryDir string
	LogLevel           string
	RateLimit          float64
	RateBurst          int
	// LoginSecret is shared with the proxy that authenticates logins. Empty
	// leaves /auth/login unmounted.
	LoginSecret string
}

// LoadFromEnv reads MURMUR_* variables. A .env file in the working directory
// (or the file named by MURMUR_ENV_FILE) fills in anything the environment
// does not already set.
func LoadFromEnv() (Config, error) {
	if err := loadDotEnv(); err != nil {
		return Config{}, err
	}

	cfg := Config{
		ListenAddr:         defaultListenAddr,
		DBURL:              os.Getenv("MURMUR_DB_URL"),
		TLSCertPath:        os.Getenv("MURMUR_TLS_CERT"),
		TLSKeyPath:         os.Getenv("MURMUR_TLS_KEY"),
		SessionTTL:         defaultSessionTTL * time.Second,
		PresenceTimeout:    defaultPresenceTimeout * time.Second,
		SessionSweepCron:   defaultSweepCron,
		PresenceHistoryDir: os.Getenv("MURMUR_PRESENCE_HISTORY_DIR"),
		LogLevel:           strings.ToLower(strings.TrimSpace(os.Getenv("MURMUR_LOG_LEVEL"))),
		RateLimit:          defaultRateLimit,
		RateBurst:          defaultRateBurst,
		LoginSecret:        strings.TrimSpace(os.Getenv("MURMUR_LOGIN_SECRET")),
	}

	if v := os.Getenv("MURMUR_MASTER_KEY"); v != "" {
		key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(v))
		if err != nil {
			return Config{}, errors.New("master key must be base64")
		}
		cfg.MasterKey = key
	}

	if v := os.Getenv("MURMUR_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}

	if v := os.Getenv("MURMUR_SESSION_TTL_SECONDS"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("session ttl must be an integer: %w", err)
		}
		cfg.SessionTTL = time.Duration(secs) * time.Second
	}

	if v := os.Getenv("MURMUR_PRESENCE_TIMEOUT_SECONDS"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("presence timeout must be an integer: %w", err)
		}
		cfg.PresenceTimeout = time.Duration(secs) * time.Second
	}

	if v, ok := os.LookupEnv("MURMUR_SESSION_SWEEP_CRON"); ok {
		cfg.SessionSweepCron = strings.TrimSpace(v)
	}

	if v := os.Getenv("MURMUR_RATE_LIMIT"); v != "" {
		limit, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return Config{}, fmt.Errorf("rate limit must be a number: %w", err)
		}
		cfg.RateLimit = limit
	}

	if v := os.Getenv("MURMUR_RATE_BURST"); v != "" {
		burst, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("rate burst must be an integer: %w", err)
		}
		cfg.RateBurst = burst
	}

	return cfg, nil
}

func loadDotEnv() error {
	path := os.Getenv("MURMUR_ENV_FILE")
	if path == "" {
		path = ".env"
		if _, err := os.Stat(path); err != nil {
			return nil
		}
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("listen addr is required")
	}
	if c.DBURL == "" {
		return errors.New("db url is required")
	}
	if len(c.MasterKey) != 32 {
		return errors.New("master key must be 32 bytes (base64-encoded)")
	}
	if (c.TLSCertPath == "") != (c.TLSKeyPath == "") {
		return errors.New("both tls cert and key are required when enabling tls")
	}
	if c.SessionTTL <= 0 {
		return errors.New("session ttl must be positive")
	}
	if c.PresenceTimeout <= 0 {
		return errors.New("presence timeout must be positive")
	}
	if c.SessionSweepCron != "" && !gronx.IsValid(c.SessionSweepCron) {
		return fmt.Errorf("invalid session sweep cron expression: %s", c.SessionSweepCron)
	}
	if c.RateLimit <= 0 || c.RateBurst <= 0 {
		return errors.New("rate limit and burst must be positive")
	}
	if c.LoginSecret != "" && len(c.LoginSecret) < minLoginSecretLen {
		return fmt.Errorf("login secret must be at least %d bytes", minLoginSecretLen)
	}
	return nil
}
