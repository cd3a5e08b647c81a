// Package metrics records pipeline counters in the process-wide
// VictoriaMetrics registry. Labels are part of the metric name.
package metrics

import (
	"io"
	"strings"
	"time"

	"github.com/VictoriaMetrics/metrics"
)

const prefix = "crosspost_"

var labelEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)

func name(metric string, kv ...string) string {
	var b strings.Builder
	b.WriteString(prefix)
	b.WriteString(metric)
	if len(kv) >= 2 {
		b.WriteByte('{')
		for i := 0; i+1 < len(kv); i += 2 {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(kv[i])
			b.WriteString(`="`)
			b.WriteString(labelEscaper.Replace(kv[i+1]))
			b.WriteByte('"')
		}
		b.WriteByte('}')
	}
	return b.String()
}

func inc(metric string, kv ...string) { metrics.GetOrCreateCounter(name(metric, kv...)).Inc() }

func get(metric string, kv ...string) uint64 {
	return metrics.GetOrCreateCounter(name(metric, kv...)).Get()
}

// JobOutcome counts processed job attempts by kind and outcome.
func JobOutcome(kind, outcome string) { inc("job_attempts_total", "kind", kind, "outcome", outcome) }

func JobOutcomeCount(kind, outcome string) uint64 {
	return get("job_attempts_total", "kind", kind, "outcome", outcome)
}

func JobDuration(kind string, d time.Duration) {
	metrics.GetOrCreateHistogram(name("job_duration_seconds", "kind", kind)).Update(d.Seconds())
}

// Deferral counts backpressure deferrals. It is not an error counter.
func Deferral(budget, reason string) { inc("dispatch_deferrals_total", "budget", budget, "reason", reason) }

func DeferralCount(budget, reason string) uint64 {
	return get("dispatch_deferrals_total", "budget", budget, "reason", reason)
}

// PublishResult counts per-account publish outcomes
// (published, skipped, pending_verification, failed, reconnect_required).
func PublishResult(platform, result string) {
	inc("publish_results_total", "platform", platform, "result", result)
}

func PublicationFinal(status string) { inc("publications_final_total", "status", status) }

func AccountDeactivated(platform string) { inc("accounts_deactivated_total", "platform", platform) }

func Verification(state string) { inc("verifications_total", "state", state) }

func Remediation(deleted bool) {
	r := "kept"
	if deleted {
		r = "deleted"
	}
	inc("remediations_total", "result", r)
}

func CollectionAttach(result string) { inc("collection_attach_total", "result", result) }

func Notification(kind, result string) { inc("notifications_total", "kind", kind, "result", result) }

func TriggerClaimed(n int) { metrics.GetOrCreateCounter(name("trigger_claimed_rows_total")).Add(n) }

func EventExport(result string) { inc("events_exported_total", "result", result) }

// WritePrometheus writes every registered metric plus process metrics.
func WritePrometheus(w io.Writer) { metrics.WritePrometheus(w, true) }
