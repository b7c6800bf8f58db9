package jobs

import (
	"context"
	"time"
)

type JobType string

const (
	JobRecurrent JobType = "recurrent"
	JobOnce      JobType = "once"
)

type ExecutionType string

const (
	// ExecImmediate runs the callback synchronously right after the claim.
	ExecImmediate ExecutionType = "immediate"
	// ExecNormal defers execution to the serialized queue drainer.
	ExecNormal ExecutionType = "normal"
)

type State string

const (
	StateScheduled State = "scheduled"
	StateQueued    State = "queued"
	StateExecuting State = "executing"
	StateExecuted  State = "executed"
	StateFailed    State = "failed"
)

// claimable reports whether a fire may claim a job in this state.
// queued/executing are in-flight and make the fire a silent no-op.
func (s State) claimable() bool {
	switch s {
	case StateScheduled, StateExecuted, StateFailed:
		return true
	default:
		return false
	}
}

// Job is a persisted job definition plus its current lifecycle state.
type Job struct {
	Name          string
	Type          JobType
	CronExpr      string
	RunAt         time.Time
	TimeZone      string // IANA zone; empty means the scheduler default
	FunctionID    string
	Args          map[string]any
	ExecutionType ExecutionType
	CatchUp       bool
	State         State
	// ExpectedTime is the trigger instant recorded at claim time so the
	// drainer can forward it to the callback for normal-mode jobs.
	ExpectedTime time.Time
	LastRun      time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Options configures CreateJob. Exactly one of CronExpr and RunAt must be set.
type Options struct {
	CronExpr  string
	RunAt     time.Time
	TimeZone  string
	Args      map[string]any
	Execution ExecutionType // default: ExecNormal
	CatchUp   bool
}

// Invocation is what a registered callback receives: the job's args merged
// with the trigger's scheduled instant and the wall-clock execution instant.
type Invocation struct {
	Job          string
	Args         map[string]any
	ExpectedTime time.Time
	ExecutedTime time.Time
}

// Callback is an executable registered under a function id.
// It must settle; the scheduler enforces no timeout of its own.
type Callback func(ctx context.Context, inv Invocation) error

// Run records one execution attempt (successful or failed).
type Run struct {
	ID           string
	JobName      string
	ExpectedTime time.Time
	ExecutedTime time.Time
	Duration     time.Duration
	Error        string
}

// JobEvent is emitted on the event bus for job lifecycle transitions.
type JobEvent struct {
	Name       string    `json:"name"`
	FunctionID string    `json:"function_id"`
	State      State     `json:"state"`
	Expected   time.Time `json:"expected"`
	Error      string    `json:"error,omitempty"`
}
