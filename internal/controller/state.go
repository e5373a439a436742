package controller

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/identity-harvester/internal/harvest"
)

// Reason explains why a run ended.
type Reason string

// Run end reasons.
const (
	ReasonBudget       Reason = "budget_reached"
	ReasonExhausted    Reason = "frontier_exhausted"
	ReasonDegraded     Reason = "degraded"
	ReasonFatal        Reason = "fatal"
	ReasonNoIdentities Reason = "no_identities"
	ReasonInterrupted  Reason = "interrupted"
)

// Failed reports whether the run ended with an error.
func (r Reason) Failed() bool {
	return r == ReasonFatal || r == ReasonNoIdentities
}

// Summary describes a finished run.
type Summary struct {
	RunID      string
	Reason     Reason
	Err        error
	Cycles     int
	Completed  int
	Incomplete int
	Skipped    int
	Stored     int
	Sessions   int
	// Quarantined counts ledger entries written during the run, by kind.
	Quarantined map[string]int
	Failures    map[harvest.Category]int
	Unresolved  []harvest.Unresolved
	StartedAt   time.Time
	FinishedAt  time.Time
}

// Duration is the wall time of the run.
func (s Summary) Duration() time.Duration {
	return s.FinishedAt.Sub(s.StartedAt)
}

// State is a point-in-time view of a running harvest.
type State struct {
	RunID          string                   `json:"run_id"`
	Phase          string                   `json:"phase"`
	Cycle          int                      `json:"cycle"`
	Cursor         harvest.SeedCursor       `json:"seed_cursor"`
	SeedExhausted  bool                     `json:"seed_exhausted"`
	Completed      int                      `json:"completed"`
	Skipped        int                      `json:"skipped"`
	Stored         int                      `json:"stored"`
	FrontierDepth  int                      `json:"frontier_depth"`
	InFlight       int                      `json:"in_flight"`
	ActiveSessions int                      `json:"active_sessions"`
	Sessions       int                      `json:"sessions"`
	Failures       map[harvest.Category]int `json:"failures"`
	StartedAt      time.Time                `json:"started_at"`
}

// Run phases reported in State.
const (
	PhaseIdle     = "idle"
	PhaseRunning  = "running"
	PhaseCooldown = "cooldown"
	PhaseFinished = "finished"
)

// stopError ends every worker of the cycle.
type stopError struct {
	reason Reason
	err    error
}

func (e *stopError) Error() string {
	if e.err == nil {
		return string(e.reason)
	}
	return fmt.Sprintf("%s: %v", e.reason, e.err)
}

func (e *stopError) Unwrap() error {
	return e.err
}

func asStop(err error) (*stopError, bool) {
	var se *stopError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}
