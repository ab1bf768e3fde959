// Package router resolves a request to a workflow and drives dispatch and synthesis.
package router

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fpr1m3/pai-orchestrator/internal/execution"
	"github.com/fpr1m3/pai-orchestrator/internal/metrics"
	"github.com/fpr1m3/pai-orchestrator/internal/policy"
	"github.com/fpr1m3/pai-orchestrator/internal/skills"
	"github.com/fpr1m3/pai-orchestrator/internal/synthesis"
	"github.com/fpr1m3/pai-orchestrator/internal/taskbuild"
)

// Dispatcher runs a task set under a mode policy.
type Dispatcher interface {
	RunAll(ctx context.Context, run execution.RunSpec, tasks []execution.TaskSpec, policy skills.ModePolicy) (*execution.RunResult, error)
}

// Thresholds are the routing knobs that can change at runtime.
type Thresholds struct {
	MinScore        float64 `mapstructure:"min_score" json:"min_score"`
	AmbiguityMargin float64 `mapstructure:"ambiguity_margin" json:"ambiguity_margin"`
}

// Request is one end-to-end routing request. Either Text or SkillID must be set.
type Request struct {
	Text       string `json:"text,omitempty"`
	SkillID    string `json:"skill_id,omitempty"`
	WorkflowID string `json:"workflow_id,omitempty"`
	// Input is handed to the task builder; it defaults to Text.
	Input  string `json:"input,omitempty"`
	Mode   string `json:"mode,omitempty"`
	RunID  string `json:"run_id,omitempty"`
	UserID string `json:"user_id,omitempty"`
}

// Outcome is the result of Handle.
type Outcome struct {
	Workflow *skills.WorkflowDescriptor
	Match    *skills.Match
	Result   *execution.RunResult
	Report   *synthesis.Report
	Markdown string
}

// Option configures a Router.
type Option func(*Router)

// WithTaskBuilder replaces the default angles builder.
func WithTaskBuilder(b execution.TaskBuilder) Option {
	return func(r *Router) {
		if b != nil {
			r.builder = b
		}
	}
}

// WithSynthesizer replaces the default synthesizer.
func WithSynthesizer(s *synthesis.Synthesizer) Option {
	return func(r *Router) {
		if s != nil {
			r.synth = s
		}
	}
}

// WithPolicy gates every run through engine.
func WithPolicy(engine policy.Engine) Option {
	return func(r *Router) { r.policy = engine }
}

// Router is the top-level entry point.
type Router struct {
	registry   *skills.Registry
	dispatcher Dispatcher
	builder    execution.TaskBuilder
	synth      *synthesis.Synthesizer
	policy     policy.Engine
	margin     atomic.Uint64 // math.Float64bits
	logger     *zap.Logger
}

// New creates a Router. The thresholds are applied to the registry as well.
func New(registry *skills.Registry, dispatcher Dispatcher, thresholds Thresholds, logger *zap.Logger, opts ...Option) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Router{
		registry:   registry,
		dispatcher: dispatcher,
		builder:    taskbuild.Angles{},
		synth:      synthesis.NewSynthesizer(logger),
		logger:     logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.SetThresholds(thresholds)
	return r
}

// SetThresholds swaps the routing thresholds. Safe for concurrent use.
func (r *Router) SetThresholds(t Thresholds) {
	r.registry.SetMinScore(t.MinScore)
	margin := t.AmbiguityMargin
	if margin < 0 {
		margin = 0
	}
	r.margin.Store(math.Float64bits(margin))
	r.logger.Info("Routing thresholds updated",
		zap.Float64("min_score", t.MinScore),
		zap.Float64("ambiguity_margin", margin),
	)
}

// Thresholds returns the active thresholds.
func (r *Router) Thresholds() Thresholds {
	return Thresholds{
		MinScore:        r.registry.MinScore(),
		AmbiguityMargin: math.Float64frombits(r.margin.Load()),
	}
}

// Registry exposes the underlying registry for listing.
func (r *Router) Registry() *skills.Registry { return r.registry }

// Resolve maps text to a single workflow.
func (r *Router) Resolve(text string) (*skills.WorkflowDescriptor, error) {
	m, err := r.resolveMatch(text)
	if err != nil {
		return nil, err
	}
	return m.Workflow, nil
}

func (r *Router) resolveMatch(text string) (*skills.Match, error) {
	matches := r.registry.FindByIntent(text)
	if len(matches) == 0 {
		metrics.IntentResolutions.WithLabelValues("no_match").Inc()
		r.logger.Debug("No workflow matched", zap.String("text", text))
		return nil, ErrNoMatch
	}

	top := matches[0]
	margin := math.Float64frombits(r.margin.Load())
	if len(matches) > 1 && top.Score-matches[1].Score < margin {
		var candidates []skills.Match
		for _, m := range matches {
			if top.Score-m.Score < margin {
				candidates = append(candidates, m)
			}
		}
		metrics.IntentResolutions.WithLabelValues("ambiguous").Inc()
		r.logger.Info("Ambiguous intent",
			zap.String("text", text),
			zap.Int("candidates", len(candidates)),
			zap.Float64("top_score", top.Score),
		)
		return nil, &AmbiguousIntentError{Text: text, Candidates: candidates}
	}

	metrics.IntentResolutions.WithLabelValues("matched").Inc()
	r.logger.Debug("Resolved intent",
		zap.String("workflow", top.Workflow.Key()),
		zap.Float64("score", top.Score),
		zap.String("trigger", top.Trigger),
	)
	return &top, nil
}

// Execute runs wf against input in the named mode; an empty mode selects the
// workflow default.
func (r *Router) Execute(ctx context.Context, wf *skills.WorkflowDescriptor, input, mode string) (*execution.RunResult, error) {
	return r.execute(ctx, wf, input, mode, "", "")
}

func (r *Router) execute(ctx context.Context, wf *skills.WorkflowDescriptor, input, mode, runID, userID string) (*execution.RunResult, error) {
	modeName, modePolicy, ok := wf.Mode(mode)
	if !ok {
		return nil, fmt.Errorf("%w %q for %s (available: %s)",
			ErrUnknownMode, modeName, wf.Key(), strings.Join(wf.ModeNames(), ", "))
	}
	modePolicy = modePolicy.Normalize()

	if r.policy != nil {
		decision, err := r.policy.Evaluate(ctx, &policy.RunInput{
			SkillID:     wf.SkillID,
			WorkflowID:  wf.ID,
			Mode:        modeName,
			WorkerCount: modePolicy.WorkerCount,
			Input:       input,
			UserID:      userID,
			Timestamp:   time.Now(),
		})
		if err != nil {
			r.logger.Warn("Policy evaluation error", zap.Error(err))
		}
		if decision != nil && !decision.Allow {
			return nil, &PolicyDeniedError{Workflow: wf.Key(), Mode: modeName, Reason: decision.Reason}
		}
	}

	tasks, err := r.builder.Build(ctx, wf, input, modePolicy.WorkerCount)
	if err != nil {
		return nil, fmt.Errorf("failed to build tasks for %s: %w", wf.Key(), err)
	}
	if len(tasks) != modePolicy.WorkerCount {
		return nil, fmt.Errorf("%w: %s mode %s wants %d, got %d",
			ErrTaskCount, wf.Key(), modeName, modePolicy.WorkerCount, len(tasks))
	}

	if runID == "" {
		runID = uuid.New().String()
	}
	return r.dispatcher.RunAll(ctx, execution.RunSpec{
		RunID:      runID,
		SkillID:    wf.SkillID,
		WorkflowID: wf.ID,
		Mode:       modeName,
	}, tasks, modePolicy)
}

// Synthesize combines result with the workflow's combination policy.
func (r *Router) Synthesize(wf *skills.WorkflowDescriptor, result *execution.RunResult) *synthesis.Report {
	return r.synth.CombineWith(result, wf.Combine)
}

// Handle resolves, executes and synthesizes one request.
func (r *Router) Handle(ctx context.Context, req Request) (*Outcome, error) {
	out := &Outcome{}

	switch {
	case req.SkillID != "":
		key := req.SkillID
		if req.WorkflowID != "" {
			key += "/" + req.WorkflowID
		}
		wf, ok := r.registry.Workflow(key)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownWorkflow, key)
		}
		out.Workflow = wf
	case strings.TrimSpace(req.Text) != "":
		m, err := r.resolveMatch(req.Text)
		if err != nil {
			return nil, err
		}
		out.Match = m
		out.Workflow = m.Workflow
	default:
		return nil, ErrNoMatch
	}

	input := req.Input
	if input == "" {
		input = req.Text
	}

	result, err := r.execute(ctx, out.Workflow, input, req.Mode, req.RunID, req.UserID)
	if err != nil {
		return nil, err
	}
	out.Result = result
	out.Report = r.Synthesize(out.Workflow, result)
	out.Markdown = synthesis.Render(out.Report)
	return out, nil
}
