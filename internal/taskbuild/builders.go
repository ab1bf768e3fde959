// Package taskbuild fans a workflow's input out into worker tasks.
package taskbuild

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/fpr1m3/pai-orchestrator/internal/execution"
	"github.com/fpr1m3/pai-orchestrator/internal/skills"
)

// Metadata keys set on every task.
const (
	MetaSkillID     = "skill_id"
	MetaWorkflowID  = "workflow_id"
	MetaWorker      = "worker"
	MetaWorkerCount = "worker_count"
	MetaAngle       = "angle"
)

// Replicate hands every worker the same payload.
type Replicate struct{}

// Build implements execution.TaskBuilder.
func (Replicate) Build(_ context.Context, wf *skills.WorkflowDescriptor, input string, workerCount int) ([]execution.TaskSpec, error) {
	if workerCount <= 0 {
		return nil, fmt.Errorf("worker count must be positive, got %d", workerCount)
	}
	tasks := make([]execution.TaskSpec, workerCount)
	for i := range tasks {
		tasks[i] = newTask(wf, i, workerCount, input)
	}
	return tasks, nil
}

// Angles appends one declared angle per worker, assigned round-robin.
// Workflows without angles are replicated.
type Angles struct{}

// Build implements execution.TaskBuilder.
func (Angles) Build(ctx context.Context, wf *skills.WorkflowDescriptor, input string, workerCount int) ([]execution.TaskSpec, error) {
	if len(wf.Angles) == 0 {
		return Replicate{}.Build(ctx, wf, input, workerCount)
	}
	if workerCount <= 0 {
		return nil, fmt.Errorf("worker count must be positive, got %d", workerCount)
	}
	tasks := make([]execution.TaskSpec, workerCount)
	for i := range tasks {
		angle := strings.TrimSpace(wf.Angles[i%len(wf.Angles)])
		payload := strings.TrimSpace(input) + "\n\nFocus: " + angle
		tasks[i] = newTask(wf, i, workerCount, payload)
		tasks[i].Metadata[MetaAngle] = angle
	}
	return tasks, nil
}

func newTask(wf *skills.WorkflowDescriptor, i, n int, payload string) execution.TaskSpec {
	return execution.TaskSpec{
		TaskID:  fmt.Sprintf("%s#%d", wf.Key(), i+1),
		Index:   i,
		Payload: payload,
		Metadata: map[string]string{
			MetaSkillID:     wf.SkillID,
			MetaWorkflowID:  wf.ID,
			MetaWorker:      strconv.Itoa(i + 1),
			MetaWorkerCount: strconv.Itoa(n),
		},
	}
}

// ByName returns the builder registered under name: "replicate" or "angles".
func ByName(name string) (execution.TaskBuilder, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "angles":
		return Angles{}, nil
	case "replicate":
		return Replicate{}, nil
	default:
		return nil, fmt.Errorf("unknown task builder %q", name)
	}
}
