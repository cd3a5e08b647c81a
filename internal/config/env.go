package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Environment variables that override secrets and endpoints from the file.
const (
	EnvTelegramToken = "CROSSPOST_TELEGRAM_TOKEN"
	EnvHTTPToken     = "CROSSPOST_HTTP_TOKEN"
	EnvSentryDSN     = "SENTRY_DSN"
	EnvMongoURI      = "MONGODB_URI"
	EnvKafkaBrokers  = "KAFKA_BROKERS"
)

// LoadEnv loads dotenv files into the process environment. Missing files are
// skipped; variables already set win over file values.
func LoadEnv(paths ...string) error {
	for _, p := range paths {
		if strings.TrimSpace(p) == "" {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
	}
	return nil
}

// ApplyEnv overrides cfg with the non-empty variables above.
func ApplyEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	if v := env(EnvTelegramToken); v != "" {
		cfg.Telegram.Token = v
	}
	if v := env(EnvHTTPToken); v != "" {
		cfg.HTTP.Token = v
	}
	if v := env(EnvSentryDSN); v != "" {
		cfg.Sentry.DSN = v
	}
	if v := env(EnvMongoURI); v != "" {
		cfg.Mongo.URI = v
	}
	if v := env(EnvKafkaBrokers); v != "" {
		var brokers []string
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				brokers = append(brokers, b)
			}
		}
		cfg.Kafka.Brokers = brokers
	}
}

func env(key string) string { return strings.TrimSpace(os.Getenv(key)) }
