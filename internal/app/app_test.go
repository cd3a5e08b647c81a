package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"crosspost/internal/config"
	"crosspost/internal/dispatch"
	"crosspost/internal/domain"
	"crosspost/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildSettingsMapsSections(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Storage:  config.StorageConfig{Driver: "SQLite", Path: " ./x.db "},
		Engine:   config.EngineConfig{Workers: 3, PollInterval: "2s"},
		Dispatch: config.DispatchConfig{MaxAttempts: 2, Backoff: []string{"1m", "3m"}, PlatformRates: map[string]int{"video": 2}},
		Gate: config.GateConfig{
			Budgets:    map[string]config.BudgetConfig{" video ": {PerMinute: 6, Concurrency: 1}},
			DeferDelay: "15s",
		},
		Verify:    config.VerifyConfig{Backoff: []string{"30s"}, InitialDelay: "10s"},
		Trigger:   config.TriggerConfig{Enabled: true, Every: " @every 1m ", Timezone: "UTC"},
		Platforms: map[string]config.PlatformConfig{"Video": {BaseURL: "http://127.0.0.1:9000", Collections: true, Timeout: "5s"}},
		HTTP:      config.HTTPConfig{Enabled: true, ReadTimeout: "3s"},
		Kafka:     config.KafkaConfig{Brokers: []string{"k:9092"}, Topic: "status", Timeout: "1s"},
	}
	st, err := buildSettings(cfg)
	require.NoError(t, err)

	assert.Equal(t, storage.Config{Driver: "sqlite", Path: "./x.db", BusyTimeout: time.Second}, st.storage)
	assert.Equal(t, 3, st.engine.Workers)
	assert.Equal(t, 2*time.Second, st.engine.PollInterval)
	assert.Equal(t, []time.Duration{time.Minute, 3 * time.Minute}, st.dispatch.Backoff)
	assert.Equal(t, map[string]int{"video": 2}, st.rates)
	assert.Equal(t, dispatch.Budget{PerMinute: 6, Concurrency: 1}, st.gate.Budgets["video"])
	assert.Equal(t, 15*time.Second, st.gate.DeferDelay)
	assert.Equal(t, 10*time.Second, st.verify.InitialDelay)
	assert.Equal(t, "@every 1m", st.trigger.Every)
	assert.True(t, st.scheduler.Enabled)
	require.Contains(t, st.platforms, "video")
	assert.True(t, st.platforms["video"].collections)
	assert.Equal(t, 5*time.Second, st.platforms["video"].webhook.Timeout)
	assert.Equal(t, 3*time.Second, st.http.ReadTimeout)
	assert.Equal(t, time.Second, st.kafka.Timeout)

	// An omitted notifier section maps to the defaults.
	assert.True(t, st.notifier.Enabled)
	assert.Equal(t, 500*time.Millisecond, st.notifier.RetryBase)
	assert.Equal(t, time.Minute, st.notifier.DedupWindow)

	reg, err := newRegistry(st.platforms)
	require.NoError(t, err)
	_, err = reg.Publisher("video")
	assert.NoError(t, err)
	_, ok := reg.Collections("video")
	assert.True(t, ok)
}

func TestBuildSettingsRejects(t *testing.T) {
	t.Parallel()
	cases := map[string]*config.Config{
		"driver":  {Storage: config.StorageConfig{Driver: "file"}},
		"backoff": {Collection: config.CollectionConfig{Backoff: []string{"0s"}}},
		"http":    {HTTP: config.HTTPConfig{IdleTimeout: "forever"}},
		"kafka":   {Kafka: config.KafkaConfig{Timeout: "-1s"}},
	}
	for name, cfg := range cases {
		_, err := buildSettings(cfg)
		assert.Error(t, err, name)
	}
}

// clearEnv keeps ambient secrets out of the loaded config.
func clearEnv(t *testing.T) {
	for _, k := range []string{
		config.EnvTelegramToken, config.EnvHTTPToken, config.EnvSentryDSN,
		config.EnvMongoURI, config.EnvKafkaBrokers,
	} {
		t.Setenv(k, "")
	}
}

func TestAppLifecycle(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "crosspost.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: error\nengine:\n  poll_interval: 50ms\n"), 0o600))

	ctx := context.Background()
	a, err := New(ctx, path)
	require.NoError(t, err)

	require.NoError(t, a.Start(ctx))
	select {
	case <-a.Done():
		t.Fatal("app stopped right after start")
	default:
	}

	pub := domain.Publication{ID: "pub-1", OwnerID: "u-1", Status: domain.StatusApproved}
	require.NoError(t, a.store.SavePublication(ctx, pub))
	req := domain.NewDispatchRequest("pub-1", []string{"acc-missing"}, domain.DispatchOptions{}, "")
	rec, created, err := dispatch.Submit(ctx, a.engine, req)
	require.NoError(t, err)
	assert.True(t, created)

	// The account does not exist, so the lineage ends without a retry.
	assert.Eventually(t, func() bool {
		got, err := a.engine.Get(ctx, rec.ID)
		return err == nil && got.State != storage.JobQueued && got.State != storage.JobRunning
	}, 5*time.Second, 20*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(stopCtx, StopAppStop))
	assert.NoError(t, a.Err())
}
