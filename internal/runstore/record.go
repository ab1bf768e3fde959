// Package runstore keeps finished run reports in redis for fast lookup.
package runstore

import (
	"errors"
	"time"

	"github.com/fpr1m3/pai-orchestrator/internal/execution"
	"github.com/fpr1m3/pai-orchestrator/internal/synthesis"
)

// ErrNotFound is returned when no record exists for a run id.
var ErrNotFound = errors.New("run not found")

// Record is the persisted view of one finished run.
type Record struct {
	RunID      string                  `json:"run_id"`
	SkillID    string                  `json:"skill_id"`
	WorkflowID string                  `json:"workflow_id"`
	Mode       string                  `json:"mode"`
	Status     execution.OverallStatus `json:"status"`
	UserID     string                  `json:"user_id,omitempty"`
	Input      string                  `json:"input,omitempty"`
	StartedAt  time.Time               `json:"started_at"`
	DurationMS int64                   `json:"duration_ms"`
	Report     *synthesis.Report       `json:"report"`
	Markdown   string                  `json:"markdown"`
}

// NewRecord builds a Record from a run result and its report.
func NewRecord(result *execution.RunResult, report *synthesis.Report, markdown, input, userID string) *Record {
	return &Record{
		RunID:      result.RunID,
		SkillID:    result.SkillID,
		WorkflowID: result.WorkflowID,
		Mode:       result.Mode,
		Status:     result.Status,
		UserID:     userID,
		Input:      input,
		StartedAt:  result.StartedAt,
		DurationMS: result.Duration.Milliseconds(),
		Report:     report,
		Markdown:   markdown,
	}
}
