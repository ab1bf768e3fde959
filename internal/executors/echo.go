package executors

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fpr1m3/pai-orchestrator/internal/execution"
	"github.com/fpr1m3/pai-orchestrator/internal/skills"
)

// Executor kinds accepted by New.
const (
	KindEcho      = "echo"
	KindAnthropic = "anthropic"
	KindCommand   = "command"
)

// EchoExecutor returns the payload it was given. It backs local dry runs
// and lets the pipeline be exercised without credentials.
type EchoExecutor struct{}

func (EchoExecutor) Execute(ctx context.Context, task execution.TaskSpec) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", task.TaskID, strings.TrimSpace(task.Payload))
	return b.String(), nil
}

// New builds the executor named by kind.
func New(kind string, anthropicCfg AnthropicConfig, commandCfg CommandConfig, src SkillSource, logger *zap.Logger) (execution.Executor, error) {
	switch kind {
	case "", KindEcho:
		return EchoExecutor{}, nil
	case KindAnthropic:
		return NewAnthropicExecutor(anthropicCfg, src, logger)
	case KindCommand:
		return NewCommandExecutor(commandCfg, logger)
	default:
		return nil, fmt.Errorf("unknown executor kind %q", kind)
	}
}

var _ SkillSource = (*skills.Registry)(nil)
