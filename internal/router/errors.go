package router

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fpr1m3/pai-orchestrator/internal/skills"
)

var (
	// ErrNoMatch means no workflow trigger scored at or above the minimum.
	ErrNoMatch = errors.New("no workflow matches the request")
	// ErrUnknownMode means the requested mode is not declared by the workflow.
	ErrUnknownMode = errors.New("unknown mode")
	// ErrUnknownWorkflow means a direct skill/workflow lookup failed.
	ErrUnknownWorkflow = errors.New("unknown workflow")
	// ErrTaskCount means the task builder did not produce worker_count tasks.
	ErrTaskCount = errors.New("task builder produced the wrong number of tasks")
)

// AmbiguousIntentError carries the candidates that scored within the
// ambiguity margin of the best match, best first.
type AmbiguousIntentError struct {
	Text       string
	Candidates []skills.Match
}

func (e *AmbiguousIntentError) Error() string {
	keys := make([]string, len(e.Candidates))
	for i, c := range e.Candidates {
		keys[i] = fmt.Sprintf("%s (%.2f)", c.Workflow.Key(), c.Score)
	}
	return "ambiguous intent: " + strings.Join(keys, ", ")
}

// PolicyDeniedError is returned when the execution policy rejects a run.
type PolicyDeniedError struct {
	Workflow string
	Mode     string
	Reason   string
}

func (e *PolicyDeniedError) Error() string {
	return fmt.Sprintf("run of %s in mode %s denied by policy: %s", e.Workflow, e.Mode, e.Reason)
}
