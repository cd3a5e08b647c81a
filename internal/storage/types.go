package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a versioned update lost a race.
	ErrConflict = errors.New("version conflict")
)

// Config configures storage.
//
// Driver values:
//   - "memory": in-process maps, lost on restart
//   - "sqlite": SQLite database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

type JobState string

const (
	JobQueued    JobState = "queued"
	JobRunning   JobState = "running"
	JobDone      JobState = "done"
	JobDiscarded JobState = "discarded"
)

func (s JobState) Active() bool { return s == JobQueued || s == JobRunning }

// JobRecord is one durable unit of work.
//
// Key is the lineage identity: at most one active job exists per key.
// Group is the cancellation scope (batch id).
type JobRecord struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind"`
	Key         string    `json:"key,omitempty"`
	Group       string    `json:"group,omitempty"`
	Payload     []byte    `json:"payload,omitempty"`
	State       JobState  `json:"state"`
	Attempts    int       `json:"attempts"`
	Crashes     int       `json:"crashes"`
	Deferrals   int       `json:"deferrals"`
	MaxAttempts int       `json:"max_attempts"`
	RunAt       time.Time `json:"run_at"`
	LeaseUntil  time.Time `json:"lease_until,omitzero"`
	LastError   string    `json:"last_error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
