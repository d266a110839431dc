package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines journal
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	// Retention bounds how many records are kept per task. 0 means 1000.
	Retention int
}

// Run outcomes.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// RunRecord is one finished run. Keep it compact and schema-stable.
type RunRecord struct {
	RunID       uint64    `json:"run_id"`
	Task        string    `json:"task"`
	Env         string    `json:"env,omitempty"`
	ScheduledAt time.Time `json:"scheduled_at"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	TookMS      int64     `json:"took_ms"`
	Status      string    `json:"status"`
	Error       string    `json:"error,omitempty"`
	Panic       bool      `json:"panic,omitempty"`
}
