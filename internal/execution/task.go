// Package execution runs a workflow's worker tasks concurrently under a mode
// policy and collects their outcomes into a deterministic RunResult.
package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fpr1m3/pai-orchestrator/internal/skills"
)

// TaskSpec is one unit of dispatchable work.
type TaskSpec struct {
	TaskID   string            `json:"task_id"`
	Index    int               `json:"index"`
	Payload  string            `json:"payload"`
	Metadata map[string]string `json:"metadata,omitempty"`
	// Deadline is stamped by the Dispatcher when the task starts.
	Deadline time.Time `json:"deadline,omitempty"`
}

// Executor performs a single task. Implementations must return promptly once
// ctx is cancelled and must not mutate state outside their own result.
type Executor interface {
	Execute(ctx context.Context, task TaskSpec) (string, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, task TaskSpec) (string, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, task TaskSpec) (string, error) {
	return f(ctx, task)
}

// TaskBuilder fans raw user input out into exactly workerCount TaskSpecs.
type TaskBuilder interface {
	Build(ctx context.Context, workflow *skills.WorkflowDescriptor, input string, workerCount int) ([]TaskSpec, error)
}

// TaskError lets an executor name the kind of failure it hit.
type TaskError struct {
	Kind string
	Err  error
}

func (e *TaskError) Error() string {
	if e.Err == nil {
		return e.Kind
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *TaskError) Unwrap() error { return e.Err }

// NewTaskError wraps err with a failure kind.
func NewTaskError(kind string, err error) error {
	return &TaskError{Kind: kind, Err: err}
}

// Failure kinds assigned by the dispatcher itself.
const (
	KindError     = "error"
	KindCancelled = "cancelled"
	KindPanic     = "panic"
)

// FailureKind classifies an executor error.
func FailureKind(err error) string {
	var te *TaskError
	if errors.As(err, &te) && te.Kind != "" {
		return te.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindError
}
