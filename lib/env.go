package lib

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// LoadConfigEnv builds a Config from environment variables named
// <prefix>_READ_BUFFER_SIZE, <prefix>_WRITE_BUFFER_SIZE, <prefix>_MAX_BODY_SIZE,
// <prefix>_MAX_CONNS, <prefix>_HANDSHAKE_TIMEOUT and <prefix>_HANDSHAKE_KEY.
// A .env file in the working directory is loaded first if present; variables
// already set in the environment win.
func LoadConfigEnv(prefix string) (Config, error) {
	cfg := Config{Logger: zerolog.Nop()}

	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return cfg, fmt.Errorf("failed to load .env: %w", err)
	}

	key := func(name string) string { return prefix + "_" + name }

	if err := loadEnvInt(&cfg.ReadBufferSize, key("READ_BUFFER_SIZE"), DefaultReadBufferSize); err != nil {
		return cfg, err
	}
	if err := loadEnvInt(&cfg.WriteBufferSize, key("WRITE_BUFFER_SIZE"), DefaultWriteBufferSize); err != nil {
		return cfg, err
	}
	if err := loadEnvUint32(&cfg.MaxBodySize, key("MAX_BODY_SIZE"), DefaultMaxBodySize); err != nil {
		return cfg, err
	}
	if err := loadEnvInt(&cfg.MaxConns, key("MAX_CONNS"), DefaultMaxConns); err != nil {
		return cfg, err
	}
	if err := loadEnvDuration(&cfg.HandshakeTimeout, key("HANDSHAKE_TIMEOUT"), DefaultHandshakeTimeout); err != nil {
		return cfg, err
	}

	if secret := os.Getenv(key("HANDSHAKE_KEY")); secret != "" {
		hs, err := NewKeyedHandshake([]byte(secret))
		if err != nil {
			return cfg, fmt.Errorf("invalid value for %s: %w", key("HANDSHAKE_KEY"), err)
		}
		cfg.Handshaker = hs
	}

	return cfg, nil
}

func loadEnvInt(target *int, key string, defaultValue int) error {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid integer value for %s: %w", key, err)
		}
		*target = parsed
	} else {
		*target = defaultValue
	}
	return nil
}

func loadEnvUint32(target *uint32, key string, defaultValue uint32) error {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return fmt.Errorf("invalid unsigned value for %s: %w", key, err)
		}
		*target = uint32(parsed)
	} else {
		*target = defaultValue
	}
	return nil
}

func loadEnvDuration(target *time.Duration, key string, defaultValue time.Duration) error {
	if value := os.Getenv(key); value != "" {
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration value for %s: %w", key, err)
		}
		*target = parsed
	} else {
		*target = defaultValue
	}
	return nil
}
