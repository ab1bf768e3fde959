package executors

import (
	"context"
	"errors"

	"github.com/fpr1m3/pai-orchestrator/internal/circuitbreaker"
	"github.com/fpr1m3/pai-orchestrator/internal/execution"
)

// KindCircuitOpen marks a task rejected by an open breaker.
const KindCircuitOpen = "circuit_open"

type breakerExecutor struct {
	next execution.Executor
	cb   *circuitbreaker.CircuitBreaker
}

// WithBreaker guards next with cb. Rejected calls fail with kind circuit_open
// without reaching next.
func WithBreaker(next execution.Executor, cb *circuitbreaker.CircuitBreaker) execution.Executor {
	return &breakerExecutor{next: next, cb: cb}
}

func (b *breakerExecutor) Execute(ctx context.Context, task execution.TaskSpec) (string, error) {
	var result string
	err := b.cb.Execute(ctx, func() error {
		var err error
		result, err = b.next.Execute(ctx, task)
		return err
	})
	if errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
		return "", execution.NewTaskError(KindCircuitOpen, err)
	}
	return result, err
}
