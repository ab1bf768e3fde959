// Package pipeline assembles the skill registry, executor, dispatcher and
// router from configuration. The service binary and paictl share it.
package pipeline

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fpr1m3/pai-orchestrator/internal/circuitbreaker"
	"github.com/fpr1m3/pai-orchestrator/internal/config"
	"github.com/fpr1m3/pai-orchestrator/internal/execution"
	"github.com/fpr1m3/pai-orchestrator/internal/executors"
	"github.com/fpr1m3/pai-orchestrator/internal/policy"
	"github.com/fpr1m3/pai-orchestrator/internal/router"
	"github.com/fpr1m3/pai-orchestrator/internal/skills"
	"github.com/fpr1m3/pai-orchestrator/internal/taskbuild"
)

// ErrNoSkills is returned when none of the skill directories held a skill.
var ErrNoSkills = errors.New("no skills loaded")

// Options carries the optional collaborators.
type Options struct {
	// ExecutorKind overrides executor.kind when set.
	ExecutorKind string
	Events       execution.EventSink
	Policy       policy.Engine
	// Executor replaces the configured executor entirely.
	Executor execution.Executor
}

// Pipeline is the assembled request path.
type Pipeline struct {
	Registry   *skills.Registry
	Dispatcher *execution.Dispatcher
	Router     *router.Router
	// Breaker is nil when executor.breaker_enabled is false.
	Breaker *circuitbreaker.CircuitBreaker
	// SkillDirs are the directories that were scanned.
	SkillDirs []string
}

// Build loads skills and wires the pipeline. A registry left empty is an
// error: nothing could ever be routed.
func Build(cfg *config.Config, logger *zap.Logger, opts Options) (*Pipeline, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	reg := skills.NewRegistry(
		skills.WithScorer(skills.ScorerByName(cfg.Routing.Scorer)),
		skills.WithMinScore(cfg.Routing.MinScore),
		skills.WithLogger(logger),
	)
	dirs := skills.ResolveSkillDirs(cfg.Skills.Dirs)
	n, err := reg.LoadDirectories(dirs)
	if err != nil {
		return nil, fmt.Errorf("failed to load skills: %w", err)
	}
	if n == 0 {
		return nil, fmt.Errorf("%w from %v", ErrNoSkills, dirs)
	}

	exec := opts.Executor
	if exec == nil {
		kind := cfg.Executor.Kind
		if opts.ExecutorKind != "" {
			kind = opts.ExecutorKind
		}
		exec, err = executors.New(kind, cfg.Executor.Anthropic, cfg.Executor.Command, reg, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create executor: %w", err)
		}
	}

	p := &Pipeline{Registry: reg, SkillDirs: dirs}
	if cfg.Executor.BreakerEnabled {
		p.Breaker = circuitbreaker.NewCircuitBreaker("executor", cfg.Executor.Breaker.WithDefaults(), logger)
		exec = executors.WithBreaker(exec, p.Breaker)
	}

	dispatchOpts := []execution.Option{
		execution.WithPoolSize(cfg.Dispatch.MaxPoolSize),
		execution.WithCancelGrace(cfg.Dispatch.CancelGrace),
	}
	if opts.Events != nil {
		dispatchOpts = append(dispatchOpts, execution.WithEventSink(opts.Events))
	}
	p.Dispatcher = execution.NewDispatcher(exec, logger, dispatchOpts...)

	builder, err := taskbuild.ByName(cfg.Routing.Builder)
	if err != nil {
		return nil, err
	}
	routerOpts := []router.Option{router.WithTaskBuilder(builder)}
	if opts.Policy != nil {
		routerOpts = append(routerOpts, router.WithPolicy(opts.Policy))
	}
	p.Router = router.New(reg, p.Dispatcher, cfg.Routing.Thresholds(), logger, routerOpts...)

	logger.Info("Pipeline ready",
		zap.Int("skills", n),
		zap.Strings("skill_dirs", dirs),
		zap.Int("max_pool_size", cfg.Dispatch.MaxPoolSize),
		zap.Bool("breaker", p.Breaker != nil),
	)
	return p, nil
}
