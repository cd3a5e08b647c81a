package scheduler

import (
	"sort"
	"time"
)

type SweepStatus struct {
	Name     string        `json:"name"`
	Cadence  string        `json:"cadence"`
	Timeout  time.Duration `json:"timeout"`
	Offset   time.Duration `json:"first_tick_offset"`
	Next     time.Time     `json:"next,omitzero"`
	Running  bool          `json:"running"`
	Runs     uint64        `json:"runs"`
	Skipped  uint64        `json:"skipped"`
	Failures uint64        `json:"failures"`
	LastRun  time.Time     `json:"last_run,omitzero"`
	LastTook time.Duration `json:"last_took"`
	LastErr  string        `json:"last_err,omitempty"`
}

type Status struct {
	Enabled  bool          `json:"enabled"`
	Running  bool          `json:"running"`
	Timezone string        `json:"timezone"`
	Sweeps   []SweepStatus `json:"sweeps"`
}

// Status reports every registered sweep, sorted by name.
func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := Status{Enabled: s.cfg.Enabled, Running: s.runner != nil, Timezone: s.cfg.Timezone}
	if s.loc != nil {
		out.Timezone = s.loc.String()
	}
	for _, sw := range s.sweeps {
		sw.mu.Lock()
		st := sw.stats
		st.Running = sw.running
		sw.mu.Unlock()
		st.Offset = sw.offset
		if s.runner != nil && sw.entry != 0 {
			st.Next = s.runner.Entry(sw.entry).Next
		}
		out.Sweeps = append(out.Sweeps, st)
	}
	sort.Slice(out.Sweeps, func(i, j int) bool { return out.Sweeps[i].Name < out.Sweeps[j].Name })
	return out
}
