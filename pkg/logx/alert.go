package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	alertQueueSize   = 256
	alertSendTimeout = 10 * time.Second
	alertMaxLen      = 3500
	alertMaxValueLen = 600
)

// Keys rendered first, in this order; the rest follow sorted.
var alertLeadKeys = []string{"comp", "publication", "account", "job", "err"}

// alertSink is a zerolog.LevelWriter that hands records to a background
// sender. Writes never block logging: over-rate and queue-full records drop.
type alertSink struct {
	mu       sync.Mutex
	sender   AlertSender
	minLevel zerolog.Level
	limiter  *rate.Limiter

	queue  chan string
	start  sync.Once
	cancel context.CancelFunc
	done   chan struct{}
}

func newAlertSink() *alertSink {
	return &alertSink{
		minLevel: zerolog.ErrorLevel,
		limiter:  rate.NewLimiter(1, 1),
		queue:    make(chan string, alertQueueSize),
	}
}

func (a *alertSink) setSender(s AlertSender) {
	a.mu.Lock()
	a.sender = s
	a.mu.Unlock()
}

func (a *alertSink) configure(cfg AlertConfig) {
	rps := max(1, cfg.RatePerSec)
	a.mu.Lock()
	a.minLevel = parseLevel(cfg.MinLevel, zerolog.ErrorLevel)
	a.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	a.mu.Unlock()

	if cfg.Enabled {
		a.start.Do(func() {
			ctx, cancel := context.WithCancel(context.Background())
			a.cancel = cancel
			a.done = make(chan struct{})
			go a.run(ctx)
		})
	}
}

func (a *alertSink) stop() {
	if a.cancel == nil {
		return
	}
	a.cancel()
	<-a.done
}

func (a *alertSink) run(ctx context.Context) {
	defer close(a.done)
	for {
		select {
		case <-ctx.Done():
			return
		case text := <-a.queue:
			a.mu.Lock()
			sender := a.sender
			a.mu.Unlock()
			if sender == nil {
				continue
			}
			sctx, cancel := context.WithTimeout(ctx, alertSendTimeout)
			_ = sender.SendAlert(sctx, text)
			cancel()
		}
	}
}

func (a *alertSink) Write(p []byte) (int, error) { return a.WriteLevel(zerolog.NoLevel, p) }

func (a *alertSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	a.mu.Lock()
	pass := level >= a.minLevel && level != zerolog.NoLevel && a.limiter.Allow()
	a.mu.Unlock()
	if !pass {
		return len(p), nil
	}
	if text := renderAlert(p); text != "" {
		select {
		case a.queue <- text:
		default:
		}
	}
	return len(p), nil
}

// renderAlert turns a JSON record into a short chat message:
//
//	[ERROR] publish failed
//	comp: dispatch
//	publication: p-1
func renderAlert(p []byte) string {
	raw := strings.TrimSpace(string(p))
	var rec map[string]any
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return clip(raw, alertMaxLen)
	}

	var b strings.Builder
	if lvl, _ := rec["level"].(string); lvl != "" {
		fmt.Fprintf(&b, "[%s] ", strings.ToUpper(lvl))
	}
	msg, _ := rec["message"].(string)
	b.WriteString(msg)

	for _, k := range []string{"time", "level", "message", "stack", zerolog.CallerFieldName} {
		delete(rec, k)
	}
	line := func(k string) {
		if v, ok := rec[k]; ok {
			fmt.Fprintf(&b, "\n%s: %s", k, clip(fmt.Sprint(v), alertMaxValueLen))
			delete(rec, k)
		}
	}
	for _, k := range alertLeadKeys {
		line(k)
	}
	rest := make([]string, 0, len(rec))
	for k := range rec {
		rest = append(rest, k)
	}
	sort.Strings(rest)
	for _, k := range rest {
		line(k)
	}
	return clip(b.String(), alertMaxLen)
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n < 10 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
