package config

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"crosspost/internal/task/scheduler"
)

// Validate rejects configs that would fail at runtime. It runs on load and
// before every hot reload is committed.
func Validate(_ context.Context, cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	nonNegative := func(path string, v int) {
		if v < 0 {
			add(fmt.Errorf("%s must be >= 0", path))
		}
	}
	duration := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}
	durations := func(path string, raw []string) {
		_, err := ParseDurationList(path, raw)
		add(err)
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "memory":
	case "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			add(errors.New("storage.path is required when storage.driver=sqlite"))
		}
	default:
		add(fmt.Errorf("unknown storage.driver: %s", cfg.Storage.Driver))
	}
	duration("storage.busy_timeout", cfg.Storage.BusyTimeout)

	nonNegative("engine.workers", cfg.Engine.Workers)
	nonNegative("engine.queue_size", cfg.Engine.QueueSize)
	nonNegative("engine.history_size", cfg.Engine.HistorySize)
	duration("engine.poll_interval", cfg.Engine.PollInterval)
	duration("engine.lease_grace", cfg.Engine.LeaseGrace)
	duration("engine.default_timeout", cfg.Engine.DefaultTimeout)

	nonNegative("dispatch.max_attempts", cfg.Dispatch.MaxAttempts)
	nonNegative("dispatch.max_crashes", cfg.Dispatch.MaxCrashes)
	nonNegative("dispatch.failure_threshold", cfg.Dispatch.FailureThreshold)
	nonNegative("dispatch.default_rate", cfg.Dispatch.DefaultRate)
	duration("dispatch.timeout", cfg.Dispatch.Timeout)
	duration("dispatch.dedup_window", cfg.Dispatch.DedupWindow)
	durations("dispatch.backoff", cfg.Dispatch.Backoff)
	for p, r := range cfg.Dispatch.PlatformRates {
		nonNegative("dispatch.platform_rates."+p, r)
	}

	duration("gate.defer_delay", cfg.Gate.DeferDelay)
	for key, b := range cfg.Gate.Budgets {
		path := "gate.budgets." + key
		if strings.TrimSpace(key) == "" || strings.Count(key, "/") > 1 {
			add(fmt.Errorf("%s: key must be platform, workspace/platform or *", path))
		}
		nonNegative(path+".per_minute", b.PerMinute)
		nonNegative(path+".burst", b.Burst)
		nonNegative(path+".concurrency", b.Concurrency)
	}

	nonNegative("verify.max_attempts", cfg.Verify.MaxAttempts)
	durations("verify.backoff", cfg.Verify.Backoff)
	duration("verify.initial_delay", cfg.Verify.InitialDelay)
	duration("verify.timeout", cfg.Verify.Timeout)

	nonNegative("collection.max_attempts", cfg.Collection.MaxAttempts)
	durations("collection.backoff", cfg.Collection.Backoff)
	duration("collection.timeout", cfg.Collection.Timeout)

	nonNegative("trigger.batch_size", cfg.Trigger.BatchSize)
	if every := strings.TrimSpace(cfg.Trigger.Every); every != "" {
		if _, err := scheduler.ParseCadence(every); err != nil {
			add(fmt.Errorf("trigger.every: %w", err))
		}
	}
	if tz := strings.TrimSpace(cfg.Trigger.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("trigger.timezone: invalid %q: %w", tz, err))
		}
	}

	if n := cfg.Notifier; n != nil {
		nonNegative("notifier.workers", n.Workers)
		nonNegative("notifier.queue_size", n.QueueSize)
		nonNegative("notifier.rate_per_sec", n.RatePerSec)
		nonNegative("notifier.retry_max", n.RetryMax)
		nonNegative("notifier.dedup_max_entries", n.DedupMaxEntries)
		duration("notifier.retry_base", n.RetryBase)
		duration("notifier.retry_max_delay", n.RetryMaxDelay)
		duration("notifier.dedup_window", n.DedupWindow)
	}

	for name, p := range cfg.Platforms {
		u, err := url.Parse(strings.TrimSpace(p.BaseURL))
		if err != nil || u.Scheme == "" || u.Host == "" {
			add(fmt.Errorf("platforms.%s.base_url: invalid %q", name, p.BaseURL))
		}
		duration("platforms."+name+".timeout", p.Timeout)
	}

	duration("http.read_timeout", cfg.HTTP.ReadTimeout)
	duration("http.write_timeout", cfg.HTTP.WriteTimeout)
	duration("http.idle_timeout", cfg.HTTP.IdleTimeout)

	duration("kafka.timeout", cfg.Kafka.Timeout)
	if len(cfg.Kafka.Brokers) > 0 && strings.TrimSpace(cfg.Kafka.Topic) == "" {
		add(errors.New("kafka.topic is required when brokers are set"))
	}
	if r := cfg.Sentry.SampleRate; r < 0 || r > 1 {
		add(errors.New("sentry.sample_rate must be within 0..1"))
	}

	return errors.Join(errs...)
}
