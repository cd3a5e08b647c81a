package config

import (
	"reflect"
	"sort"
	"strings"

	logx "crosspost/pkg/logx"
)

// RestartSections change only on restart; hot reload logs a warning for them.
var RestartSections = map[string]bool{
	"storage": true, "engine": true, "platforms": true,
	"kafka": true, "mongo": true, "sentry": true,
	"dispatch": true, "verify": true, "collection": true,
}

// SummarizeConfigChange returns the changed top-level sections (sorted) and
// safe log fields describing them. Secrets are never included, only
// whether they are set.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		attrs   []logx.Field
	)
	section := func(name string, differs bool, fields ...logx.Field) {
		if differs {
			changed = append(changed, name)
			attrs = append(attrs, fields...)
		}
	}

	section("logging", !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging),
		logx.String("logging.level", newCfg.Logging.Level),
		logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		logx.Bool("logging.alert_enabled", newCfg.Logging.Alert.Enabled),
	)
	section("storage", !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage),
		logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
		logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
	)
	section("engine", !reflect.DeepEqual(oldCfg.Engine, newCfg.Engine),
		logx.Int("engine.workers", newCfg.Engine.Workers),
		logx.Int("engine.queue_size", newCfg.Engine.QueueSize),
	)
	section("dispatch", !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch),
		logx.Int("dispatch.max_attempts", newCfg.Dispatch.MaxAttempts),
		logx.Int("dispatch.failure_threshold", newCfg.Dispatch.FailureThreshold),
	)
	section("gate", !reflect.DeepEqual(oldCfg.Gate, newCfg.Gate),
		logx.Int("gate.budget_count", len(newCfg.Gate.Budgets)),
		logx.String("gate.defer_delay", newCfg.Gate.DeferDelay),
	)
	section("verify", !reflect.DeepEqual(oldCfg.Verify, newCfg.Verify),
		logx.Int("verify.max_attempts", newCfg.Verify.MaxAttempts),
	)
	section("collection", !reflect.DeepEqual(oldCfg.Collection, newCfg.Collection),
		logx.Int("collection.max_attempts", newCfg.Collection.MaxAttempts),
	)
	section("trigger", oldCfg.Trigger != newCfg.Trigger,
		logx.Bool("trigger.enabled", newCfg.Trigger.Enabled),
		logx.String("trigger.every", newCfg.Trigger.Every),
	)

	// A nil notifier means the defaults, so compare the effective value.
	oldN, newN := effectiveNotifier(oldCfg.Notifier), effectiveNotifier(newCfg.Notifier)
	section("notifier", oldN != newN,
		logx.Bool("notifier.enabled", newN.Enabled),
		logx.Int("notifier.rate_per_sec", newN.RatePerSec),
		logx.String("notifier.language", newN.Language),
	)

	oldT, newT := oldCfg.Telegram, newCfg.Telegram
	section("telegram", oldT.Token != newT.Token || !reflect.DeepEqual(oldT.Chats, newT.Chats) ||
		oldT.AlertChatID != newT.AlertChatID || oldT.AlertThreadID != newT.AlertThreadID,
		logx.Bool("telegram.token_set", newT.Token != ""),
		logx.Int("telegram.chat_count", len(newT.Chats)),
		logx.Bool("telegram.alert_chat_set", newT.AlertChatID != 0),
	)
	section("platforms", !reflect.DeepEqual(oldCfg.Platforms, newCfg.Platforms),
		logx.Strings("platforms", sortedKeys(newCfg.Platforms)),
	)
	section("tokens", !reflect.DeepEqual(oldCfg.Tokens, newCfg.Tokens),
		logx.Int("tokens.count", len(newCfg.Tokens)),
	)
	section("http", oldCfg.HTTP != newCfg.HTTP,
		logx.Bool("http.enabled", newCfg.HTTP.Enabled),
		logx.String("http.addr", newCfg.HTTP.Addr),
		logx.Bool("http.token_set", newCfg.HTTP.Token != ""),
		logx.Bool("http.pprof", newCfg.HTTP.Pprof),
	)
	section("kafka", !reflect.DeepEqual(oldCfg.Kafka, newCfg.Kafka),
		logx.Int("kafka.broker_count", len(newCfg.Kafka.Brokers)),
		logx.String("kafka.topic", newCfg.Kafka.Topic),
	)
	section("mongo", oldCfg.Mongo != newCfg.Mongo,
		logx.Bool("mongo.uri_set", newCfg.Mongo.URI != ""),
	)
	section("sentry", oldCfg.Sentry != newCfg.Sentry,
		logx.Bool("sentry.dsn_set", newCfg.Sentry.DSN != ""),
		logx.String("sentry.environment", newCfg.Sentry.Environment),
	)

	sort.Strings(changed)
	return changed, attrs
}

// DefaultNotifier is the notifier section used when the file omits it.
func DefaultNotifier() NotifierConfig {
	return NotifierConfig{
		Enabled:         true,
		Workers:         2,
		QueueSize:       512,
		RatePerSec:      3,
		RetryMax:        3,
		RetryBase:       "500ms",
		RetryMaxDelay:   "10s",
		DedupWindow:     "1m",
		DedupMaxEntries: 2000,
		Language:        "en",
	}
}

func effectiveNotifier(n *NotifierConfig) NotifierConfig {
	if n == nil {
		return DefaultNotifier()
	}
	return *n
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
