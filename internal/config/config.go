package config

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Port                   int    `env:"PORT" envDefault:"8080"`
	DatabaseURL            string `env:"DATABASE_URL,required"`
	RedisURL               string `env:"REDIS_URL,required"`
	EncryptionKey          string `env:"ENCRYPTION_KEY,required"`
	APIToken               string `env:"API_TOKEN"`
	FailureCooldownSeconds int    `env:"FAILURE_COOLDOWN_SECONDS" envDefault:"300"`
	GeneralCooldownSeconds int    `env:"GENERAL_COOLDOWN_SECONDS" envDefault:"5"`
	ReconnectBaseDelayMs   int    `env:"RECONNECT_BASE_DELAY_MS" envDefault:"2000"`
	ReconnectMaxDelayMs    int    `env:"RECONNECT_MAX_DELAY_MS" envDefault:"60000"`
	ReconnectMaxAttempts   int    `env:"RECONNECT_MAX_ATTEMPTS" envDefault:"10"`
	QRTTLSeconds           int    `env:"QR_TTL_SECONDS" envDefault:"60"`
	NonRetryableCodes      string `env:"NON_RETRYABLE_CODES" envDefault:"401,403,411,440"`
	CredentialCacheDir     string `env:"CREDENTIAL_CACHE_DIR" envDefault:"./credentials"`
	StoreReadTimeoutSecs   int    `env:"STORE_READ_TIMEOUT_SECONDS" envDefault:"5"`
	LogLevel               string `env:"LOG_LEVEL" envDefault:"info"`
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) FailureCooldown() time.Duration {
	return time.Duration(c.FailureCooldownSeconds) * time.Second
}

func (c *Config) GeneralCooldown() time.Duration {
	return time.Duration(c.GeneralCooldownSeconds) * time.Second
}

func (c *Config) ReconnectBaseDelay() time.Duration {
	return time.Duration(c.ReconnectBaseDelayMs) * time.Millisecond
}

func (c *Config) ReconnectMaxDelay() time.Duration {
	return time.Duration(c.ReconnectMaxDelayMs) * time.Millisecond
}

func (c *Config) QRTTL() time.Duration {
	return time.Duration(c.QRTTLSeconds) * time.Second
}

func (c *Config) StoreReadTimeout() time.Duration {
	return time.Duration(c.StoreReadTimeoutSecs) * time.Second
}

// EncryptionKeyBytes decodes and validates the session encryption key.
// The key is a fatal configuration concern: startup must refuse to proceed
// when it is absent or malformed.
func (c *Config) EncryptionKeyBytes() ([]byte, error) {
	key, err := hex.DecodeString(c.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("ENCRYPTION_KEY must be hex-encoded: %w", err)
	}
	if len(key) != EncryptionKeyBytesLen {
		return nil, fmt.Errorf("ENCRYPTION_KEY must be %d bytes (%d hex chars), got %d bytes",
			EncryptionKeyBytesLen, EncryptionKeyBytesLen*2, len(key))
	}
	return key, nil
}

// NonRetryableStatusCodes parses the configured comma-separated list of
// transport status codes that terminate a session instead of retrying.
func (c *Config) NonRetryableStatusCodes() (map[int]bool, error) {
	codes := make(map[int]bool)
	for _, part := range strings.Split(c.NonRetryableCodes, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		code, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("NON_RETRYABLE_CODES contains %q: %w", part, err)
		}
		codes[code] = true
	}
	return codes, nil
}

func (c *Config) Validate() error {
	if _, err := c.EncryptionKeyBytes(); err != nil {
		return err
	}
	if _, err := c.NonRetryableStatusCodes(); err != nil {
		return err
	}
	if c.ReconnectMaxAttempts < 1 {
		return fmt.Errorf("RECONNECT_MAX_ATTEMPTS must be at least 1")
	}
	if c.ReconnectBaseDelayMs <= 0 || c.ReconnectMaxDelayMs < c.ReconnectBaseDelayMs {
		return fmt.Errorf("reconnect delays invalid: base=%dms max=%dms", c.ReconnectBaseDelayMs, c.ReconnectMaxDelayMs)
	}
	if c.QRTTLSeconds <= 0 {
		return fmt.Errorf("QR_TTL_SECONDS must be positive")
	}
	return nil
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
