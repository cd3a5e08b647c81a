package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  path: ./crosspost.db
dispatch:
  max_attempts: 2
  backoff: ["60s", "180s"]
gate:
  budgets:
    video: {per_minute: 6, concurrency: 2}
    "acme/video": {per_minute: 2}
trigger:
  enabled: true
  every: "@every 30s"
platforms:
  video:
    base_url: http://127.0.0.1:9100
    async: true
    collections: true
tokens:
  acc-1: tok
`

func TestDecodeYAMLAndJSON(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("crosspost.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, []string{"60s", "180s"}, cfg.Dispatch.Backoff)
	assert.Equal(t, BudgetConfig{PerMinute: 2}, cfg.Gate.Budgets["acme/video"])
	assert.True(t, cfg.Platforms["video"].Async)
	assert.Equal(t, "tok", cfg.Tokens["acc-1"])
	require.NoError(t, Validate(context.Background(), cfg))

	cfg, err = Decode("crosspost.json", []byte(`{"trigger":{"enabled":true,"every":"@every 1m"}}`))
	require.NoError(t, err)
	assert.Equal(t, "@every 1m", cfg.Trigger.Every)

	cfg, err = Decode("empty.yml", nil)
	require.NoError(t, err)
	assert.Nil(t, cfg.Notifier)
}

func TestDecodeIsStrict(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"unknown json field": `{"loging":{}}`,
		"trailing data":      `{} {}`,
		"unknown nested":     `{"trigger":{"enabled":true,"timeout":"1s"}}`,
	}
	for name, raw := range cases {
		_, err := Decode("c.json", []byte(raw))
		assert.Error(t, err, name)
	}
	_, err := Decode("c.yaml", []byte("dispatch:\n  retries: 3\n"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"sqlite without path", func(c *Config) { c.Storage.Driver = "sqlite" }, "storage.path"},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "file" }, "storage.driver"},
		{"bad backoff", func(c *Config) { c.Verify.Backoff = []string{"5m", "soon"} }, "verify.backoff[1]"},
		{"zero backoff", func(c *Config) { c.Collection.Backoff = []string{"0s"} }, "collection.backoff[0]"},
		{"negative budget", func(c *Config) {
			c.Gate.Budgets = map[string]BudgetConfig{"video": {Concurrency: -1}}
		}, "gate.budgets.video.concurrency"},
		{"bad budget key", func(c *Config) {
			c.Gate.Budgets = map[string]BudgetConfig{"a/b/c": {}}
		}, "gate.budgets.a/b/c"},
		{"bad cadence", func(c *Config) { c.Trigger.Every = "every other day" }, "trigger.every"},
		{"bad timezone", func(c *Config) { c.Trigger.Timezone = "Mars/Base" }, "trigger.timezone"},
		{"bad platform url", func(c *Config) {
			c.Platforms = map[string]PlatformConfig{"video": {BaseURL: "nope"}}
		}, "platforms.video.base_url"},
		{"kafka without topic", func(c *Config) { c.Kafka.Brokers = []string{"k:9092"} }, "kafka.topic"},
		{"notifier duration", func(c *Config) {
			n := DefaultNotifier()
			n.RetryBase = "-1s"
			c.Notifier = &n
		}, "notifier.retry_base"},
		{"sample rate", func(c *Config) { c.Sentry.SampleRate = 2 }, "sentry.sample_rate"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := &Config{}
			tc.mutate(cfg)
			err := Validate(context.Background(), cfg)
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestParseDurationList(t *testing.T) {
	t.Parallel()
	got, err := ParseDurationList("x", []string{"1m", " 5m "})
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{time.Minute, 5 * time.Minute}, got)

	got, err = ParseDurationList("x", nil)
	require.NoError(t, err)
	assert.Nil(t, got)

	d, err := ParseDurationOrDefault("y", "", time.Second)
	require.NoError(t, err)
	assert.Equal(t, time.Second, d)
}

func TestApplyEnvOverridesSecrets(t *testing.T) {
	t.Setenv(EnvTelegramToken, "tg-token")
	t.Setenv(EnvSentryDSN, "https://key@sentry.example/1")
	t.Setenv(EnvMongoURI, "mongodb://localhost:27017")
	t.Setenv(EnvKafkaBrokers, "k1:9092, k2:9092,")
	t.Setenv(EnvHTTPToken, "")

	cfg := &Config{HTTP: HTTPConfig{Token: "from-file"}}
	ApplyEnv(cfg)
	assert.Equal(t, "tg-token", cfg.Telegram.Token)
	assert.Equal(t, "https://key@sentry.example/1", cfg.Sentry.DSN)
	assert.Equal(t, "mongodb://localhost:27017", cfg.Mongo.URI)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "from-file", cfg.HTTP.Token, "empty variables keep file values")
}

func TestLoadEnvFile(t *testing.T) {
	const key = "CROSSPOST_LOADENV_TEST"
	t.Cleanup(func() { _ = os.Unsetenv(key) })
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte(key+"=from-dotenv\n"), 0o600))

	require.NoError(t, LoadEnv(filepath.Join(dir, "missing.env"), path, ""))
	assert.Equal(t, "from-dotenv", os.Getenv(key))
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Telegram: TelegramConfig{Token: "a"}}
	newCfg := &Config{
		Telegram: TelegramConfig{Token: "b"},
		Gate:     GateConfig{Budgets: map[string]BudgetConfig{"video": {PerMinute: 1}}},
	}
	sections, attrs := SummarizeConfigChange(oldCfg, newCfg)
	assert.Equal(t, []string{"gate", "telegram"}, sections)
	assert.NotEmpty(t, attrs)

	// An omitted notifier equals the explicit defaults.
	n := DefaultNotifier()
	sections, _ = SummarizeConfigChange(&Config{}, &Config{Notifier: &n})
	assert.Empty(t, sections)
}

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func TestManagerReload(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "crosspost.json")
	writeConfig(t, path, `{"logging":{"level":"info"}}`)

	m := NewManager(path)
	cfg, err := m.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Logging.Level)
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	changed, err := m.Reload(ctx)
	require.NoError(t, err)
	assert.False(t, changed, "same content is not republished")

	writeConfig(t, path, `{"trigger":{"enabled":true,"timezone":"Nowhere/City"}}`)
	_, err = m.Reload(ctx)
	require.Error(t, err)
	assert.Equal(t, "info", m.Get().Logging.Level, "rejected config is not committed")

	writeConfig(t, path, `{"logging":{"level":"debug"}}`)
	changed, err = m.Reload(ctx)
	require.NoError(t, err)
	assert.True(t, changed)
	got := <-sub
	assert.Equal(t, "debug", got.Logging.Level)
}

func TestManagerWatchPublishesChanges(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "crosspost.yaml")
	writeConfig(t, path, "logging:\n  level: info\n")

	m := NewManager(path)
	m.debounce = 20 * time.Millisecond
	_, err := m.Load(context.Background())
	require.NoError(t, err)
	sub := m.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()

	// Keep writing until the watcher has started and picked a change up.
	var got *Config
	require.Eventually(t, func() bool {
		_ = os.WriteFile(path, []byte("logging:\n  level: warn\n"), 0o600)
		select {
		case got = <-sub:
			return true
		default:
			return false
		}
	}, 5*time.Second, 50*time.Millisecond)
	assert.Equal(t, "warn", got.Logging.Level)

	cancel()
	assert.NoError(t, <-done)
}
