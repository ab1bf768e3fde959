package execution

import (
	"encoding/json"
	"fmt"
	"time"
)

// OutcomeStatus tags a TaskOutcome.
type OutcomeStatus int

const (
	StatusSuccess OutcomeStatus = iota
	StatusFailure
	StatusTimedOut
)

func (s OutcomeStatus) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusFailure:
		return "failure"
	case StatusTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the status by name.
func (s OutcomeStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a status name.
func (s *OutcomeStatus) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	switch name {
	case "success":
		*s = StatusSuccess
	case "failure":
		*s = StatusFailure
	case "timed_out":
		*s = StatusTimedOut
	default:
		return fmt.Errorf("unknown outcome status %q", name)
	}
	return nil
}

// TaskOutcome is the terminal result of one task:
// Success(result, elapsed), Failure(kind, elapsed) or TimedOut(elapsed).
type TaskOutcome struct {
	TaskID    string        `json:"task_id"`
	Index     int           `json:"index"`
	Status    OutcomeStatus `json:"status"`
	Result    string        `json:"result,omitempty"`
	ErrorKind string        `json:"error_kind,omitempty"`
	Error     string        `json:"error,omitempty"`
	Elapsed   time.Duration `json:"elapsed"`
	// Started is false for tasks that never left the pool queue.
	Started bool `json:"started"`
}

// OverallStatus summarizes a run.
type OverallStatus string

const (
	RunComplete       OverallStatus = "complete"
	RunPartialSuccess OverallStatus = "partial_success"
	RunFailed         OverallStatus = "failed"
)

// RunSpec identifies the run being dispatched.
type RunSpec struct {
	RunID      string
	SkillID    string
	WorkflowID string
	Mode       string
}

// RunResult holds outcomes in submission order.
type RunResult struct {
	RunID             string        `json:"run_id"`
	SkillID           string        `json:"skill_id"`
	WorkflowID        string        `json:"workflow_id"`
	Mode              string        `json:"mode"`
	Outcomes          []TaskOutcome `json:"outcomes"`
	Status            OverallStatus `json:"status"`
	RequiredSuccesses int           `json:"required_successes"`
	StartedAt         time.Time     `json:"started_at"`
	Duration          time.Duration `json:"duration"`
}

// Successes counts Success outcomes.
func (r *RunResult) Successes() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Status == StatusSuccess {
			n++
		}
	}
	return n
}

// Incomplete returns the outcomes that did not succeed, in submission order.
func (r *RunResult) Incomplete() []TaskOutcome {
	var out []TaskOutcome
	for _, o := range r.Outcomes {
		if o.Status != StatusSuccess {
			out = append(out, o)
		}
	}
	return out
}

// ComputeStatus applies the overall status rule.
func ComputeStatus(successes, total, required int) OverallStatus {
	switch {
	case successes < required:
		return RunFailed
	case successes == total:
		return RunComplete
	default:
		return RunPartialSuccess
	}
}
