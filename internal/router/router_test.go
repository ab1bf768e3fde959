package router

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fpr1m3/pai-orchestrator/internal/execution"
	"github.com/fpr1m3/pai-orchestrator/internal/policy"
	"github.com/fpr1m3/pai-orchestrator/internal/skills"
)

func researchSkill() *skills.SkillDescriptor {
	return &skills.SkillDescriptor{
		ID:       "research",
		Triggers: []string{"do research"},
		Workflows: []*skills.WorkflowDescriptor{{
			ID:          "conduct",
			DefaultMode: "quick",
			Modes: map[string]skills.ModePolicy{
				"quick": {WorkerCount: 3, PerWorkerTimeout: time.Second, OverallTimeout: time.Second, RequiredSuccesses: 2},
				"deep":  {WorkerCount: 5, PerWorkerTimeout: time.Second, OverallTimeout: 2 * time.Second},
			},
		}},
	}
}

func writingSkill(trigger string) *skills.SkillDescriptor {
	return &skills.SkillDescriptor{
		ID:       "writing",
		Triggers: []string{trigger},
		Workflows: []*skills.WorkflowDescriptor{{
			ID:    "draft",
			Modes: map[string]skills.ModePolicy{"quick": {WorkerCount: 1, PerWorkerTimeout: time.Second}},
		}},
	}
}

func newRegistry(t *testing.T, defs ...*skills.SkillDescriptor) *skills.Registry {
	t.Helper()
	reg := skills.NewRegistry(skills.WithScorer(skills.ContainmentScorer{}))
	for _, d := range defs {
		require.NoError(t, reg.Register(d))
	}
	return reg
}

// stubDispatcher records its input and succeeds every task except failIndex.
type stubDispatcher struct {
	run       execution.RunSpec
	tasks     []execution.TaskSpec
	policy    skills.ModePolicy
	failIndex int
}

func (s *stubDispatcher) RunAll(_ context.Context, run execution.RunSpec, tasks []execution.TaskSpec, p skills.ModePolicy) (*execution.RunResult, error) {
	s.run, s.tasks, s.policy = run, tasks, p
	res := &execution.RunResult{RunID: run.RunID, SkillID: run.SkillID, WorkflowID: run.WorkflowID, Mode: run.Mode,
		RequiredSuccesses: p.RequiredSuccesses}
	for i, task := range tasks {
		o := execution.TaskOutcome{TaskID: task.TaskID, Index: i, Status: execution.StatusSuccess, Result: "finding " + task.TaskID, Started: true}
		if i == s.failIndex {
			o = execution.TaskOutcome{TaskID: task.TaskID, Index: i, Status: execution.StatusTimedOut, Started: true}
		}
		res.Outcomes = append(res.Outcomes, o)
	}
	res.Status = execution.ComputeStatus(res.Successes(), len(tasks), p.RequiredSuccesses)
	return res, nil
}

type fixedBuilder struct{ n int }

func (b fixedBuilder) Build(_ context.Context, wf *skills.WorkflowDescriptor, input string, _ int) ([]execution.TaskSpec, error) {
	tasks := make([]execution.TaskSpec, b.n)
	for i := range tasks {
		tasks[i] = execution.TaskSpec{TaskID: wf.Key() + string(rune('a'+i)), Index: i, Payload: input}
	}
	return tasks, nil
}

func TestResolve(t *testing.T) {
	reg := newRegistry(t, researchSkill(), writingSkill("write essay"))
	r := New(reg, &stubDispatcher{failIndex: -1}, Thresholds{MinScore: 0.5, AmbiguityMargin: 0.1}, zaptest.NewLogger(t))

	wf, err := r.Resolve("please do research on Go")
	require.NoError(t, err)
	assert.Equal(t, "research/conduct", wf.Key())

	_, err = r.Resolve("bake a cake")
	assert.ErrorIs(t, err, ErrNoMatch)
}

func TestResolve_Ambiguous(t *testing.T) {
	// Both triggers are contained in the text and score 1.0.
	reg := newRegistry(t, researchSkill(), writingSkill("research"))
	r := New(reg, &stubDispatcher{failIndex: -1}, Thresholds{MinScore: 0.5, AmbiguityMargin: 0.1}, nil)

	_, err := r.Resolve("do research")
	var amb *AmbiguousIntentError
	require.True(t, errors.As(err, &amb), "expected AmbiguousIntentError, got %v", err)
	require.Len(t, amb.Candidates, 2)
	assert.Equal(t, "research", amb.Candidates[0].Skill.ID, "registration order breaks the tie")
	assert.Equal(t, "writing", amb.Candidates[1].Skill.ID)
	assert.Contains(t, amb.Error(), "writing/draft")
}

func TestResolve_ZeroMarginNeverAmbiguous(t *testing.T) {
	reg := newRegistry(t, researchSkill(), writingSkill("research"))
	r := New(reg, &stubDispatcher{failIndex: -1}, Thresholds{MinScore: 0.5}, nil)

	wf, err := r.Resolve("do research")
	require.NoError(t, err)
	assert.Equal(t, "research", wf.SkillID)
}

func TestSetThresholds(t *testing.T) {
	reg := newRegistry(t, researchSkill())
	r := New(reg, &stubDispatcher{failIndex: -1}, Thresholds{MinScore: 0.5, AmbiguityMargin: 0.1}, nil)

	r.SetThresholds(Thresholds{MinScore: 0.8, AmbiguityMargin: 0.2})
	assert.Equal(t, Thresholds{MinScore: 0.8, AmbiguityMargin: 0.2}, r.Thresholds())
	assert.Equal(t, 0.8, reg.MinScore())
}

func TestExecute_ModeSelection(t *testing.T) {
	reg := newRegistry(t, researchSkill())
	disp := &stubDispatcher{failIndex: -1}
	r := New(reg, disp, Thresholds{MinScore: 0.5}, nil)
	wf, _ := reg.Workflow("research/conduct")

	res, err := r.Execute(context.Background(), wf, "topic", "")
	require.NoError(t, err)
	assert.Equal(t, "quick", res.Mode)
	assert.Len(t, disp.tasks, 3)
	assert.Equal(t, 2, disp.policy.RequiredSuccesses)
	assert.NotEmpty(t, disp.run.RunID)

	_, err = r.Execute(context.Background(), wf, "topic", "deep")
	require.NoError(t, err)
	assert.Len(t, disp.tasks, 5)
	assert.Equal(t, 5, disp.policy.RequiredSuccesses)

	_, err = r.Execute(context.Background(), wf, "topic", "turbo")
	assert.ErrorIs(t, err, ErrUnknownMode)
	assert.Contains(t, err.Error(), "deep, quick")
}

func TestExecute_TaskCountMismatch(t *testing.T) {
	reg := newRegistry(t, researchSkill())
	r := New(reg, &stubDispatcher{failIndex: -1}, Thresholds{MinScore: 0.5}, nil, WithTaskBuilder(fixedBuilder{n: 2}))
	wf, _ := reg.Workflow("research")

	_, err := r.Execute(context.Background(), wf, "topic", "quick")
	assert.ErrorIs(t, err, ErrTaskCount)
}

func TestExecute_PolicyDenied(t *testing.T) {
	engine, err := policy.NewOPAEngineFromModules(
		&policy.Config{Enabled: true, Mode: policy.ModeEnforce},
		map[string]string{"route": `package pai.route

default decision := {"allow": true}

decision := {"allow": false, "reason": "deep mode is disabled"} {
    input.mode == "deep"
}
`},
		nil,
	)
	require.NoError(t, err)

	reg := newRegistry(t, researchSkill())
	r := New(reg, &stubDispatcher{failIndex: -1}, Thresholds{MinScore: 0.5}, nil, WithPolicy(engine))
	wf, _ := reg.Workflow("research")

	_, err = r.Execute(context.Background(), wf, "topic", "deep")
	var denied *PolicyDeniedError
	require.True(t, errors.As(err, &denied), "expected PolicyDeniedError, got %v", err)
	assert.Equal(t, "deep mode is disabled", denied.Reason)

	_, err = r.Execute(context.Background(), wf, "topic", "quick")
	assert.NoError(t, err)
}

func TestHandle_PartialSuccessReport(t *testing.T) {
	reg := newRegistry(t, researchSkill())
	r := New(reg, &stubDispatcher{failIndex: 1}, Thresholds{MinScore: 0.5}, nil)

	out, err := r.Handle(context.Background(), Request{Text: "do research on Go", RunID: "run-42"})
	require.NoError(t, err)

	assert.Equal(t, "research/conduct", out.Workflow.Key())
	require.NotNil(t, out.Match)
	assert.Equal(t, "run-42", out.Result.RunID)
	assert.Equal(t, execution.RunPartialSuccess, out.Result.Status)
	require.Len(t, out.Report.Missing, 1)
	assert.Equal(t, "Source 2", out.Report.Missing[0].Label)
	assert.True(t, strings.Contains(out.Markdown, "Source 2"))
}

func TestHandle_DirectWorkflow(t *testing.T) {
	reg := newRegistry(t, researchSkill())
	disp := &stubDispatcher{failIndex: -1}
	r := New(reg, disp, Thresholds{MinScore: 0.5}, nil)

	out, err := r.Handle(context.Background(), Request{SkillID: "research", WorkflowID: "conduct", Input: "raw input"})
	require.NoError(t, err)
	assert.Nil(t, out.Match)
	assert.Equal(t, "raw input", disp.tasks[0].Payload)

	_, err = r.Handle(context.Background(), Request{SkillID: "research", WorkflowID: "missing"})
	assert.ErrorIs(t, err, ErrUnknownWorkflow)

	_, err = r.Handle(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrNoMatch)
}

func TestHandle_EndToEndWithDispatcher(t *testing.T) {
	reg := newRegistry(t, researchSkill())
	exec := execution.ExecutorFunc(func(ctx context.Context, task execution.TaskSpec) (string, error) {
		return "analysis of " + task.Payload, nil
	})
	d := execution.NewDispatcher(exec, zaptest.NewLogger(t))
	r := New(reg, d, Thresholds{MinScore: 0.5, AmbiguityMargin: 0.05}, zaptest.NewLogger(t))

	out, err := r.Handle(context.Background(), Request{Text: "do research", Input: "Go scheduler"})
	require.NoError(t, err)
	assert.Equal(t, execution.RunComplete, out.Result.Status)
	assert.Len(t, out.Report.Sections, 3)
	assert.Empty(t, out.Report.Missing)
	assert.Contains(t, out.Report.Combined, "analysis of Go scheduler")
}
