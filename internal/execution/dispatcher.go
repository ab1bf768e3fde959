package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/fpr1m3/pai-orchestrator/internal/metrics"
	"github.com/fpr1m3/pai-orchestrator/internal/skills"
	"github.com/fpr1m3/pai-orchestrator/internal/tracing"
)

var (
	// ErrNoTasks is returned when RunAll receives an empty task list.
	ErrNoTasks = errors.New("no tasks to dispatch")
	// ErrDuplicateTask is returned when two tasks share a TaskID.
	ErrDuplicateTask = errors.New("duplicate task id")
)

// DefaultCancelGrace bounds how long RunAll waits for executors to
// acknowledge cancellation.
const DefaultCancelGrace = 2 * time.Second

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithPoolSize bounds the number of tasks executing at once across all runs.
// Tasks beyond capacity queue in FIFO order. Zero means unbounded.
func WithPoolSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.poolSize = int64(n)
			d.pool = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithCancelGrace sets the grace period granted to executors after cancellation.
func WithCancelGrace(grace time.Duration) Option {
	return func(d *Dispatcher) {
		if grace >= 0 {
			d.grace = grace
		}
	}
}

// WithEventSink routes run events to sink.
func WithEventSink(sink EventSink) Option {
	return func(d *Dispatcher) {
		if sink != nil {
			d.sink = sink
		}
	}
}

// Dispatcher runs task sets concurrently and gathers their outcomes.
type Dispatcher struct {
	executor Executor
	logger   *zap.Logger
	pool     *semaphore.Weighted
	poolSize int64
	grace    time.Duration
	sink     EventSink
}

// NewDispatcher creates a Dispatcher for executor.
func NewDispatcher(executor Executor, logger *zap.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		executor: executor,
		logger:   logger,
		grace:    DefaultCancelGrace,
		sink:     nopSink{},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// PoolSize reports the configured pool capacity, 0 when unbounded.
func (d *Dispatcher) PoolSize() int { return int(d.poolSize) }

// runState holds one slot per task, indexed by submission order.
type runState struct {
	mu       sync.Mutex
	runID    string
	outcomes []TaskOutcome
	settled  []bool
	started  []time.Time
}

// settle writes an outcome into slot i unless it is already settled.
func (s *runState) settle(i int, o TaskOutcome) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.settled[i] {
		return false
	}
	o.TaskID = s.outcomes[i].TaskID
	o.Index = s.outcomes[i].Index
	o.Started = !s.started[i].IsZero()
	s.outcomes[i] = o
	s.settled[i] = true
	return true
}

// markStarted records the start time; false means the slot was settled first.
func (s *runState) markStarted(i int, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.settled[i] {
		return false
	}
	s.started[i] = at
	return true
}

// sweep settles every outstanding slot at the same instant and returns the
// indices it touched.
func (s *runState) sweep(now time.Time, status OutcomeStatus, kind, msg string) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var swept []int
	for i := range s.outcomes {
		if s.settled[i] {
			continue
		}
		var elapsed time.Duration
		if !s.started[i].IsZero() {
			elapsed = now.Sub(s.started[i])
		}
		s.outcomes[i].Status = status
		s.outcomes[i].ErrorKind = kind
		s.outcomes[i].Error = msg
		s.outcomes[i].Elapsed = elapsed
		s.outcomes[i].Started = !s.started[i].IsZero()
		s.settled[i] = true
		swept = append(swept, i)
	}
	return swept
}

func (s *runState) snapshot() []TaskOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskOutcome, len(s.outcomes))
	copy(out, s.outcomes)
	return out
}

type execResult struct {
	result string
	err    error
}

// RunAll executes tasks under policy and returns their outcomes in submission
// order. An error is returned only for invalid input; task failures and
// timeouts are reported in the RunResult.
func (d *Dispatcher) RunAll(ctx context.Context, run RunSpec, tasks []TaskSpec, policy skills.ModePolicy) (*RunResult, error) {
	if len(tasks) == 0 {
		return nil, ErrNoTasks
	}
	policy = policy.Normalize()
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if policy.RequiredSuccesses > len(tasks) {
		return nil, fmt.Errorf("%w: required_successes %d exceeds %d tasks",
			skills.ErrInvalidPolicy, policy.RequiredSuccesses, len(tasks))
	}
	seen := make(map[string]struct{}, len(tasks))
	for _, t := range tasks {
		if _, dup := seen[t.TaskID]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateTask, t.TaskID)
		}
		seen[t.TaskID] = struct{}{}
	}
	if run.RunID == "" {
		run.RunID = uuid.New().String()
	}
	workflowKey := run.SkillID + "/" + run.WorkflowID

	ctx, span := tracing.StartRunSpan(ctx, run.RunID, workflowKey, run.Mode, len(tasks))
	defer span.End()

	logger := d.logger.With(
		zap.String("run_id", run.RunID),
		zap.String("workflow", workflowKey),
		zap.String("mode", run.Mode),
	)
	logger.Info("Dispatching run",
		zap.Int("tasks", len(tasks)),
		zap.Int("required_successes", policy.RequiredSuccesses),
		zap.Duration("per_worker_timeout", policy.PerWorkerTimeout),
		zap.Duration("overall_timeout", policy.OverallTimeout),
	)
	metrics.RunsStarted.WithLabelValues(workflowKey, run.Mode).Inc()

	st := &runState{
		runID:    run.RunID,
		outcomes: make([]TaskOutcome, len(tasks)),
		settled:  make([]bool, len(tasks)),
		started:  make([]time.Time, len(tasks)),
	}
	for i, t := range tasks {
		st.outcomes[i] = TaskOutcome{TaskID: t.TaskID, Index: i}
	}

	startedAt := time.Now()
	d.publish(Event{Type: EventRunStarted, RunID: run.RunID, Message: workflowKey,
		Payload: map[string]interface{}{"tasks": len(tasks), "mode": run.Mode}})

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	var wg sync.WaitGroup
	wg.Add(len(tasks))
	go d.feed(runCtx, ctx, st, tasks, policy, logger, &wg)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(policy.OverallTimeout)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		swept := st.sweep(time.Now(), StatusTimedOut, "", "overall timeout exceeded")
		logger.Warn("Overall timeout reached; cancelling outstanding tasks", zap.Int("outstanding", len(swept)))
		d.publishSwept(st, swept)
		cancelRun()
		d.awaitGrace(done, logger)
	case <-ctx.Done():
		swept := st.sweep(time.Now(), StatusFailure, KindCancelled, ctx.Err().Error())
		logger.Warn("Run cancelled by caller", zap.Int("outstanding", len(swept)))
		d.publishSwept(st, swept)
		cancelRun()
		d.awaitGrace(done, logger)
	}

	// Any slot still open here belongs to a goroutine that exited on
	// cancellation without settling.
	if swept := st.sweep(time.Now(), StatusFailure, KindCancelled, "cancelled before completion"); len(swept) > 0 {
		d.publishSwept(st, swept)
	}

	result := &RunResult{
		RunID:             run.RunID,
		SkillID:           run.SkillID,
		WorkflowID:        run.WorkflowID,
		Mode:              run.Mode,
		Outcomes:          st.snapshot(),
		RequiredSuccesses: policy.RequiredSuccesses,
		StartedAt:         startedAt,
		Duration:          time.Since(startedAt),
	}
	result.Status = ComputeStatus(result.Successes(), len(tasks), policy.RequiredSuccesses)

	for _, o := range result.Outcomes {
		metrics.TaskOutcomes.WithLabelValues(workflowKey, o.Status.String()).Inc()
		if o.Started {
			metrics.TaskDuration.WithLabelValues(workflowKey, o.Status.String()).Observe(o.Elapsed.Seconds())
		}
	}
	metrics.RunsCompleted.WithLabelValues(workflowKey, run.Mode, string(result.Status)).Inc()
	metrics.RunDuration.WithLabelValues(workflowKey, run.Mode).Observe(result.Duration.Seconds())

	span.SetAttributes(
		attribute.String("pai.status", string(result.Status)),
		attribute.Int("pai.successes", result.Successes()),
	)
	d.publish(Event{Type: EventRunCompleted, RunID: run.RunID, Status: string(result.Status),
		Payload: map[string]interface{}{"successes": result.Successes(), "tasks": len(tasks)}})
	logger.Info("Run finished",
		zap.String("status", string(result.Status)),
		zap.Int("successes", result.Successes()),
		zap.Int("tasks", len(tasks)),
		zap.Duration("duration", result.Duration),
	)
	return result, nil
}

// feed admits tasks to the pool in submission order. Each admitted task runs
// on its own goroutine and releases its permit when done.
func (d *Dispatcher) feed(runCtx, callerCtx context.Context, st *runState, tasks []TaskSpec,
	policy skills.ModePolicy, logger *zap.Logger, wg *sync.WaitGroup) {
	for i := range tasks {
		queuedAt := time.Now()
		if d.pool != nil {
			if err := d.pool.Acquire(runCtx, 1); err != nil {
				for j := i; j < len(tasks); j++ {
					d.cancelQueued(st, j)
					wg.Done()
				}
				return
			}
		}
		metrics.TaskQueueWait.Observe(time.Since(queuedAt).Seconds())
		go d.runTask(runCtx, callerCtx, st, i, tasks[i], policy, logger, wg)
	}
}

func (d *Dispatcher) cancelQueued(st *runState, i int) {
	if st.settle(i, TaskOutcome{Status: StatusFailure, ErrorKind: KindCancelled, Error: "cancelled while queued"}) {
		d.publishSettled(st, i)
	}
}

func (d *Dispatcher) runTask(runCtx, callerCtx context.Context, st *runState, i int, task TaskSpec,
	policy skills.ModePolicy, logger *zap.Logger, wg *sync.WaitGroup) {
	defer wg.Done()
	if d.pool != nil {
		defer d.pool.Release(1)
	}
	if runCtx.Err() != nil {
		d.cancelQueued(st, i)
		return
	}

	start := time.Now()
	if !st.markStarted(i, start) {
		return
	}
	task.Index = i
	task.Deadline = start.Add(policy.PerWorkerTimeout)

	taskCtx, cancel := context.WithDeadline(runCtx, task.Deadline)
	defer cancel()
	taskCtx, span := tracing.StartTaskSpan(taskCtx, task.TaskID, i)
	defer span.End()

	metrics.ActiveTasks.Inc()
	defer metrics.ActiveTasks.Dec()
	d.publish(Event{Type: EventTaskStarted, RunID: st.runID, TaskID: task.TaskID, Index: i})

	resCh := make(chan execResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resCh <- execResult{err: NewTaskError(KindPanic, fmt.Errorf("%v", r))}
			}
		}()
		res, err := d.executor.Execute(taskCtx, task)
		resCh <- execResult{result: res, err: err}
	}()

	select {
	case res := <-resCh:
		d.settleResult(st, i, task, start, res, taskCtx, runCtx, logger)
	case <-taskCtx.Done():
		elapsed := time.Since(start)
		var o TaskOutcome
		if runCtx.Err() == nil {
			o = TaskOutcome{Status: StatusTimedOut, Error: "per-worker timeout exceeded", Elapsed: elapsed}
		} else {
			o = TaskOutcome{Status: StatusFailure, ErrorKind: KindCancelled, Error: callerErr(callerCtx), Elapsed: elapsed}
		}
		if st.settle(i, o) {
			if o.Status == StatusTimedOut {
				logger.Warn("Task timed out", zap.String("task_id", task.TaskID), zap.Duration("elapsed", elapsed))
			}
			d.publishSettled(st, i)
		}
		// Hold the pool permit until the executor acknowledges or grace runs out.
		grace := time.NewTimer(d.grace)
		defer grace.Stop()
		select {
		case res := <-resCh:
			d.ignoreLate(task, res, logger)
		case <-grace.C:
			logger.Warn("Executor did not acknowledge cancellation within grace period",
				zap.String("task_id", task.TaskID), zap.Duration("grace", d.grace))
		}
	}
}

func (d *Dispatcher) settleResult(st *runState, i int, task TaskSpec, start time.Time, res execResult,
	taskCtx, runCtx context.Context, logger *zap.Logger) {
	elapsed := time.Since(start)
	var o TaskOutcome
	switch {
	case res.err == nil:
		o = TaskOutcome{Status: StatusSuccess, Result: res.result, Elapsed: elapsed}
	case errors.Is(taskCtx.Err(), context.DeadlineExceeded) && runCtx.Err() == nil:
		o = TaskOutcome{Status: StatusTimedOut, Error: res.err.Error(), Elapsed: elapsed}
	default:
		o = TaskOutcome{Status: StatusFailure, ErrorKind: FailureKind(res.err), Error: res.err.Error(), Elapsed: elapsed}
	}
	if !st.settle(i, o) {
		d.ignoreLate(task, res, logger)
		return
	}
	if o.Status != StatusSuccess {
		logger.Warn("Task did not succeed",
			zap.String("task_id", task.TaskID),
			zap.String("status", o.Status.String()),
			zap.String("kind", o.ErrorKind),
			zap.Error(res.err),
		)
	} else {
		logger.Debug("Task succeeded", zap.String("task_id", task.TaskID), zap.Duration("elapsed", elapsed))
	}
	d.publishSettled(st, i)
}

func (d *Dispatcher) ignoreLate(task TaskSpec, res execResult, logger *zap.Logger) {
	metrics.LateResultsIgnored.Inc()
	logger.Debug("Ignoring late executor result",
		zap.String("task_id", task.TaskID),
		zap.Bool("had_error", res.err != nil),
	)
}

func (d *Dispatcher) awaitGrace(done <-chan struct{}, logger *zap.Logger) {
	grace := time.NewTimer(d.grace)
	defer grace.Stop()
	select {
	case <-done:
	case <-grace.C:
		logger.Warn("Returning before all executors acknowledged cancellation", zap.Duration("grace", d.grace))
	}
}

func (d *Dispatcher) publishSwept(st *runState, swept []int) {
	for _, i := range swept {
		d.publishSettled(st, i)
	}
}

func (d *Dispatcher) publishSettled(st *runState, i int) {
	st.mu.Lock()
	o := st.outcomes[i]
	st.mu.Unlock()
	d.publish(Event{
		Type:    EventTaskSettled,
		RunID:   st.runID,
		TaskID:  o.TaskID,
		Index:   i,
		Status:  o.Status.String(),
		Message: o.ErrorKind,
		Payload: map[string]interface{}{"elapsed_ms": o.Elapsed.Milliseconds()},
	})
}

func (d *Dispatcher) publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	d.sink.Publish(evt)
}

func callerErr(ctx context.Context) string {
	if err := ctx.Err(); err != nil {
		return err.Error()
	}
	return "cancelled"
}
