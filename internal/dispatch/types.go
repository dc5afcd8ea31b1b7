// Package dispatch fans a payload out to many destinations through every
// OPEN session, with bounded concurrency and randomized pacing.
package dispatch

import (
	"errors"
	"time"

	"wafleet/internal/session"
	"wafleet/internal/wire"
)

var (
	ErrNoOpenSessions = errors.New("dispatch: no open sessions")
	ErrInvalidAddress = errors.New("dispatch: invalid address")
	ErrNotOnNetwork   = errors.New("dispatch: address not on network")
	ErrAlreadyMember  = errors.New("dispatch: already a group member")
)

// HandleSource yields the live OPEN handles. The dispatcher calls it once per
// job, so sessions opening or closing mid-run are picked up.
type HandleSource interface {
	OpenHandles() []session.Handle
}

type Config struct {
	Concurrency int
	PaceMin     time.Duration
	PaceMax     time.Duration

	// RatePerSec caps sends across all workers; 0 disables the cap.
	RatePerSec    float64
	JobTimeout    time.Duration
	ProgressEvery int
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 5
	}
	if c.PaceMin <= 0 && c.PaceMax <= 0 {
		c.PaceMin, c.PaceMax = 50*time.Millisecond, 250*time.Millisecond
	}
	if c.PaceMin < 0 {
		c.PaceMin = 0
	}
	if c.PaceMax < c.PaceMin {
		c.PaceMax = c.PaceMin
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 30 * time.Second
	}
	if c.ProgressEvery <= 0 {
		c.ProgressEvery = 50
	}
	return c
}

// Run is one broadcast request. Targets are processed in input order without
// deduplication.
type Run struct {
	ID      string
	Targets []string
	Payload wire.Payload
	// Concurrency overrides Config.Concurrency when positive.
	Concurrency int
	// Progress, when set, is called every Config.ProgressEvery jobs and once
	// at the end. It runs on a worker goroutine.
	Progress func(Progress)
}

type Outcome string

const (
	Delivered Outcome = "delivered"
	NotFound  Outcome = "not_found"
	Failed    Outcome = "failed"
	// Skipped is a group the session already belongs to but could not
	// resolve for sending. It is not a failure.
	Skipped Outcome = "skipped"
)

// JobResult is the attempt result of one destination.
type JobResult struct {
	Raw        string  `json:"raw"`
	Normalized string  `json:"normalized,omitempty"`
	ShortID    string  `json:"short_id,omitempty"`
	Outcome    Outcome `json:"outcome"`
	Err        string  `json:"err,omitempty"`
}

type Progress struct {
	RunID     string `json:"run_id"`
	Total     int    `json:"total"`
	Done      int    `json:"done"`
	Delivered int    `json:"delivered"`
	Failed    int    `json:"failed"`
}

// maxFailureSamples bounds Report.Failures.
const maxFailureSamples = 200

type Report struct {
	RunID     string        `json:"run_id"`
	Total     int           `json:"total"`
	Delivered int           `json:"delivered"`
	Failed    int           `json:"failed"` // includes NotFound
	NotFound  int           `json:"not_found"`
	Skipped   int           `json:"skipped,omitempty"`
	Removed   int           `json:"removed"`
	Elapsed   time.Duration `json:"elapsed"`
	Failures  []JobResult   `json:"failures,omitempty"`
}
