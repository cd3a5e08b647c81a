package scheduler

import (
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Both five-field and six-field (leading seconds) expressions are accepted.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Cadence is a parsed sweep schedule: a fixed interval or a cron expression.
type Cadence struct {
	Expr  string
	Every time.Duration
}

// ParseCadence accepts a cron expression ("*/5 * * * *", "@hourly"), an
// "@every <duration>" descriptor or a bare duration ("90s").
func ParseCadence(raw string) (Cadence, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Cadence{}, fmt.Errorf("cadence required")
	}
	if rest, ok := strings.CutPrefix(s, "@every"); ok {
		return parseEvery(raw, rest)
	}
	if !strings.HasPrefix(s, "@") && !strings.ContainsAny(s, " \t") {
		return parseEvery(raw, s)
	}
	if _, err := cronParser.Parse(s); err != nil {
		return Cadence{}, fmt.Errorf("cadence %q: %w", raw, err)
	}
	return Cadence{Expr: s}, nil
}

func parseEvery(raw, v string) (Cadence, error) {
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return Cadence{}, fmt.Errorf("cadence %q: want a cron expression or a duration", raw)
	}
	if d <= 0 {
		return Cadence{}, fmt.Errorf("cadence %q: interval must be positive", raw)
	}
	return Cadence{Expr: "@every " + d.String(), Every: d}, nil
}

func (c Cadence) String() string { return c.Expr }

const maxFirstTickOffset = 30 * time.Second

// schedule builds the cron schedule. Interval cadences delay their first
// tick by a per-name offset so sweeps registered together do not fire in
// the same second after a restart.
func (c Cadence) schedule(name string, now time.Time) (cron.Schedule, time.Duration, error) {
	if c.Every <= 0 {
		sched, err := cronParser.Parse(c.Expr)
		return sched, 0, err
	}
	offset := firstTickOffset(name, c.Every)
	return &offsetSchedule{every: cron.Every(c.Every), first: now.Add(c.Every + offset)}, offset, nil
}

func firstTickOffset(name string, every time.Duration) time.Duration {
	window := min(every, maxFirstTickOffset)
	if window <= 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return time.Duration(h.Sum64() % uint64(window))
}

type offsetSchedule struct {
	every cron.Schedule
	first time.Time
}

func (s *offsetSchedule) Next(t time.Time) time.Time {
	if t.Before(s.first) {
		return s.first
	}
	return s.every.Next(t)
}
