package app

import (
	"fmt"
	"strings"
	"time"

	"crosspost/internal/activity/mongolog"
	"crosspost/internal/collection"
	"crosspost/internal/config"
	"crosspost/internal/dispatch"
	"crosspost/internal/eventbus/kafkasink"
	"crosspost/internal/httpapi"
	"crosspost/internal/notifier"
	"crosspost/internal/observability/errtrack"
	"crosspost/internal/platform"
	"crosspost/internal/storage"
	"crosspost/internal/task/engine"
	"crosspost/internal/task/scheduler"
	"crosspost/internal/transport/telegram"
	"crosspost/internal/verify"
	logx "crosspost/pkg/logx"
)

// platformSettings is one configured bridge.
type platformSettings struct {
	webhook     platform.WebhookConfig
	collections bool
}

// settings is the file config mapped onto every component's own config.
// Building it is the second validation pass: anything that fails here would
// fail at startup, so the reload validator runs it too.
type settings struct {
	log        logx.Config
	storage    storage.Config
	engine     engine.Config
	dispatch   dispatch.Config
	rates      map[string]int
	defRate    int
	gate       dispatch.GateConfig
	verify     verify.Config
	collection collection.Config
	trigger    dispatch.TriggerConfig
	scheduler  scheduler.Config
	notifier   notifier.Config
	telegram   telegram.Config
	platforms  map[string]platformSettings
	tokens     map[string]string
	http       httpapi.ServerConfig
	kafka      kafkasink.Config
	mongo      mongolog.Config
	sentry     errtrack.Config
}

func buildSettings(cfg *config.Config) (settings, error) {
	var s settings
	if cfg == nil {
		cfg = &config.Config{}
	}
	var err error

	s.log = mapLogging(cfg.Logging)
	if s.storage, err = mapStorage(cfg.Storage); err != nil {
		return s, err
	}
	if s.engine, err = mapEngine(cfg.Engine); err != nil {
		return s, err
	}
	if s.dispatch, err = mapDispatch(cfg.Dispatch); err != nil {
		return s, err
	}
	s.rates, s.defRate = cfg.Dispatch.PlatformRates, cfg.Dispatch.DefaultRate
	if s.gate, err = mapGate(cfg.Gate); err != nil {
		return s, err
	}
	if s.verify, err = mapVerify(cfg.Verify); err != nil {
		return s, err
	}
	if s.collection, err = mapCollection(cfg.Collection); err != nil {
		return s, err
	}
	s.trigger = dispatch.TriggerConfig{Every: strings.TrimSpace(cfg.Trigger.Every), BatchSize: cfg.Trigger.BatchSize}
	s.scheduler = scheduler.Config{Enabled: cfg.Trigger.Enabled, Timezone: cfg.Trigger.Timezone}
	if s.notifier, err = mapNotifier(cfg.Notifier); err != nil {
		return s, err
	}
	s.telegram = telegram.Config{
		Token:         strings.TrimSpace(cfg.Telegram.Token),
		Chats:         cfg.Telegram.Chats,
		AlertChatID:   cfg.Telegram.AlertChatID,
		AlertThreadID: cfg.Telegram.AlertThreadID,
	}
	if s.platforms, err = mapPlatforms(cfg.Platforms); err != nil {
		return s, err
	}
	s.tokens = cfg.Tokens
	if s.http, err = mapHTTP(cfg.HTTP); err != nil {
		return s, err
	}
	kafkaTimeout, err := config.ParseDurationField("kafka.timeout", cfg.Kafka.Timeout)
	if err != nil {
		return s, err
	}
	s.kafka = kafkasink.Config{Brokers: cfg.Kafka.Brokers, Topic: cfg.Kafka.Topic, Timeout: kafkaTimeout}
	s.mongo = mongolog.Config{URI: cfg.Mongo.URI, Database: cfg.Mongo.Database, Collection: cfg.Mongo.Collection}
	s.sentry = errtrack.Config{
		DSN:         cfg.Sentry.DSN,
		Environment: cfg.Sentry.Environment,
		Release:     cfg.Sentry.Release,
		SampleRate:  cfg.Sentry.SampleRate,
	}
	return s, nil
}

func mapLogging(c config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File:    logx.FileConfig{Enabled: c.File.Enabled, Path: c.File.Path},
		Alert: logx.AlertConfig{
			Enabled:    c.Alert.Enabled,
			MinLevel:   c.Alert.MinLevel,
			RatePerSec: c.Alert.RatePerSec,
		},
	}
}

func mapStorage(c config.StorageConfig) (storage.Config, error) {
	driver := strings.ToLower(strings.TrimSpace(c.Driver))
	switch driver {
	case "", "memory":
		return storage.Config{Driver: "memory"}, nil
	case "sqlite", "sqlite3":
		path := strings.TrimSpace(c.Path)
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", c.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", c.Driver)
	}
}

func mapEngine(c config.EngineConfig) (engine.Config, error) {
	out := engine.Config{Workers: c.Workers, QueueSize: c.QueueSize, HistorySize: c.HistorySize}
	var err error
	if out.PollInterval, err = config.ParseDurationField("engine.poll_interval", c.PollInterval); err != nil {
		return out, err
	}
	if out.LeaseGrace, err = config.ParseDurationField("engine.lease_grace", c.LeaseGrace); err != nil {
		return out, err
	}
	if out.DefaultTimeout, err = config.ParseDurationField("engine.default_timeout", c.DefaultTimeout); err != nil {
		return out, err
	}
	return out, nil
}

func mapDispatch(c config.DispatchConfig) (dispatch.Config, error) {
	out := dispatch.Config{
		MaxAttempts:      c.MaxAttempts,
		MaxCrashes:       c.MaxCrashes,
		FailureThreshold: c.FailureThreshold,
	}
	var err error
	if out.Timeout, err = config.ParseDurationField("dispatch.timeout", c.Timeout); err != nil {
		return out, err
	}
	if out.DedupWindow, err = config.ParseDurationField("dispatch.dedup_window", c.DedupWindow); err != nil {
		return out, err
	}
	if out.Backoff, err = config.ParseDurationList("dispatch.backoff", c.Backoff); err != nil {
		return out, err
	}
	return out, nil
}

func mapGate(c config.GateConfig) (dispatch.GateConfig, error) {
	delay, err := config.ParseDurationField("gate.defer_delay", c.DeferDelay)
	if err != nil {
		return dispatch.GateConfig{}, err
	}
	budgets := make(map[string]dispatch.Budget, len(c.Budgets))
	for k, b := range c.Budgets {
		budgets[strings.TrimSpace(k)] = dispatch.Budget{PerMinute: b.PerMinute, Burst: b.Burst, Concurrency: b.Concurrency}
	}
	return dispatch.GateConfig{Budgets: budgets, DeferDelay: delay}, nil
}

func mapVerify(c config.VerifyConfig) (verify.Config, error) {
	out := verify.Config{MaxAttempts: c.MaxAttempts}
	var err error
	if out.Backoff, err = config.ParseDurationList("verify.backoff", c.Backoff); err != nil {
		return out, err
	}
	if out.InitialDelay, err = config.ParseDurationField("verify.initial_delay", c.InitialDelay); err != nil {
		return out, err
	}
	if out.Timeout, err = config.ParseDurationField("verify.timeout", c.Timeout); err != nil {
		return out, err
	}
	return out, nil
}

func mapCollection(c config.CollectionConfig) (collection.Config, error) {
	out := collection.Config{MaxAttempts: c.MaxAttempts}
	var err error
	if out.Backoff, err = config.ParseDurationList("collection.backoff", c.Backoff); err != nil {
		return out, err
	}
	if out.Timeout, err = config.ParseDurationField("collection.timeout", c.Timeout); err != nil {
		return out, err
	}
	return out, nil
}

func mapNotifier(c *config.NotifierConfig) (notifier.Config, error) {
	n := config.DefaultNotifier()
	if c != nil {
		n = *c
	}
	out := notifier.Config{
		Enabled:         n.Enabled,
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		DedupMaxEntries: n.DedupMaxEntries,
		PersistDedup:    n.PersistDedup,
		Language:        n.Language,
	}
	var err error
	if out.RetryBase, err = config.ParseDurationOrDefault("notifier.retry_base", n.RetryBase, 500*time.Millisecond); err != nil {
		return out, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationOrDefault("notifier.retry_max_delay", n.RetryMaxDelay, 10*time.Second); err != nil {
		return out, err
	}
	if out.DedupWindow, err = config.ParseDurationField("notifier.dedup_window", n.DedupWindow); err != nil {
		return out, err
	}
	return out, nil
}

func mapPlatforms(in map[string]config.PlatformConfig) (map[string]platformSettings, error) {
	out := make(map[string]platformSettings, len(in))
	for name, p := range in {
		name = strings.ToLower(strings.TrimSpace(name))
		timeout, err := config.ParseDurationField("platforms."+name+".timeout", p.Timeout)
		if err != nil {
			return nil, err
		}
		out[name] = platformSettings{
			webhook:     platform.WebhookConfig{BaseURL: strings.TrimSpace(p.BaseURL), Async: p.Async, Timeout: timeout},
			collections: p.Collections,
		}
	}
	return out, nil
}

func mapHTTP(c config.HTTPConfig) (httpapi.ServerConfig, error) {
	out := httpapi.ServerConfig{
		Enabled:       c.Enabled,
		Addr:          strings.TrimSpace(c.Addr),
		Token:         c.Token,
		AllowInsecure: c.AllowInsecure,
		Pprof:         c.Pprof,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationField("http.read_timeout", c.ReadTimeout); err != nil {
		return out, err
	}
	if out.WriteTimeout, err = config.ParseDurationField("http.write_timeout", c.WriteTimeout); err != nil {
		return out, err
	}
	if out.IdleTimeout, err = config.ParseDurationField("http.idle_timeout", c.IdleTimeout); err != nil {
		return out, err
	}
	return out, nil
}

// newRegistry builds one webhook publisher per configured platform.
func newRegistry(platforms map[string]platformSettings) (*platform.Registry, error) {
	reg := platform.NewRegistry()
	for name, p := range platforms {
		wh, err := platform.NewWebhook(p.webhook)
		if err != nil {
			return nil, fmt.Errorf("platform %s: %w", name, err)
		}
		var coll platform.CollectionClient
		if p.collections {
			coll = wh
		}
		reg.Register(name, wh, coll)
	}
	return reg, nil
}
