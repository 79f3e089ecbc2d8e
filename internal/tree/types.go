package tree

import (
	"encoding/json"
	"time"
)

// RunState is the scheduler-reported state of a run
type RunState string

const (
	StateQueued    RunState = "queued"
	StateScheduled RunState = "scheduled"
	StateRunning   RunState = "running"
	StateSuccess   RunState = "success"
	StateFailed    RunState = "failed"
)

// Active reports whether the run can still change without user action
func (s RunState) Active() bool {
	return s == StateQueued || s == StateScheduled || s == StateRunning
}

// DagRun is one run as reported by the tree endpoint
type DagRun struct {
	DagID                  string     `json:"dag_id"`
	RunID                  string     `json:"run_id"`
	State                  RunState   `json:"state"`
	RunType                string     `json:"run_type"`
	ExecutionDate          *time.Time `json:"execution_date"`
	StartDate              *time.Time `json:"start_date"`
	EndDate                *time.Time `json:"end_date"`
	DataIntervalStart      *time.Time `json:"data_interval_start"`
	DataIntervalEnd        *time.Time `json:"data_interval_end"`
	LastSchedulingDecision *time.Time `json:"last_scheduling_decision"`
	Duration               *float64   `json:"duration"`
}

// Data is the payload of the tree dataset
type Data struct {
	DagRuns []DagRun        `json:"dag_runs"`
	Groups  json.RawMessage `json:"groups,omitempty"`
}

// Run looks up a run by id
func (d *Data) Run(runID string) (DagRun, bool) {
	if d == nil {
		return DagRun{}, false
	}
	for _, run := range d.DagRuns {
		if run.RunID == runID {
			return run, true
		}
	}
	return DagRun{}, false
}

// Settled reports whether no run is queued, scheduled or running. A nil
// payload is not settled.
func (d *Data) Settled() bool {
	if d == nil {
		return false
	}
	for _, run := range d.DagRuns {
		if run.State.Active() {
			return false
		}
	}
	return true
}
