package executors

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fpr1m3/pai-orchestrator/internal/execution"
)

// KindExitStatus marks a command that exited non-zero.
const KindExitStatus = "exit_status"

// CommandConfig configures the shell executor.
type CommandConfig struct {
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`
	Dir     string   `mapstructure:"dir"`
	// KillDelay bounds how long a cancelled process may keep its pipes open.
	KillDelay time.Duration `mapstructure:"kill_delay"`
}

// CommandExecutor runs a local command per task with the payload on stdin
// and returns its stdout.
type CommandExecutor struct {
	cfg    CommandConfig
	logger *zap.Logger
}

// NewCommandExecutor validates cfg.
func NewCommandExecutor(cfg CommandConfig, logger *zap.Logger) (*CommandExecutor, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, errors.New("command executor requires a command")
	}
	if cfg.KillDelay <= 0 {
		cfg.KillDelay = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CommandExecutor{cfg: cfg, logger: logger}, nil
}

// Execute implements execution.Executor.
func (e *CommandExecutor) Execute(ctx context.Context, task execution.TaskSpec) (string, error) {
	cmd := exec.CommandContext(ctx, e.cfg.Command, e.cfg.Args...)
	cmd.Dir = e.cfg.Dir
	cmd.WaitDelay = e.cfg.KillDelay
	cmd.Stdin = strings.NewReader(task.Payload)
	cmd.Env = append(os.Environ(),
		"PAI_TASK_ID="+task.TaskID,
		fmt.Sprintf("PAI_TASK_INDEX=%d", task.Index),
	)
	for k, v := range task.Metadata {
		cmd.Env = append(cmd.Env, "PAI_"+strings.ToUpper(k)+"="+v)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			e.logger.Debug("Command exited non-zero",
				zap.String("task_id", task.TaskID),
				zap.Int("exit_code", exitErr.ExitCode()),
				zap.String("stderr", truncate(stderr.String(), 512)),
			)
			return "", execution.NewTaskError(KindExitStatus,
				fmt.Errorf("exit code %d: %s", exitErr.ExitCode(), truncate(strings.TrimSpace(stderr.String()), 512)))
		}
		return "", err
	}
	return strings.TrimSpace(stdout.String()), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
