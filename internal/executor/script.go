package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/kumo-org/kumo/internal/core"
	"github.com/kumo-org/kumo/internal/execution"
	"github.com/kumo-org/kumo/internal/logger"
	"github.com/kumo-org/kumo/internal/logger/tag"
)

func init() {
	RegisterAtomic(core.TypeScript, newScript)
}

// scriptWaitDelay bounds how long Wait blocks on lingering pipe readers
// after the process group is killed.
const scriptWaitDelay = 5 * time.Second

// scriptConfig is the config shape for script executors.
type scriptConfig struct {
	Command string            `mapstructure:"command"`
	Args    []string          `mapstructure:"args"`
	Dir     string            `mapstructure:"dir"`
	Env     map[string]string `mapstructure:"env"`
}

// scriptExecutor runs one local command per invocation. Input reaches the
// command through {{input}} placeholders in the arguments, or through stdin
// when no argument consumes it. Stdout becomes the output.
type scriptExecutor struct {
	cfg    *core.ExecutorConfig
	script scriptConfig
}

func newScript(cfg *core.ExecutorConfig, _ *Factory) (Executor, error) {
	var sc scriptConfig
	if err := decodeModeConfig(cfg.Config, &sc); err != nil {
		return nil, core.NewValidationError("config", cfg.Config, err)
	}
	if sc.Command == "" {
		return nil, core.NewValidationError("config.command", nil, errors.New("command is required"))
	}
	return &scriptExecutor{cfg: cfg, script: sc}, nil
}

func (e *scriptExecutor) Execute(ctx context.Context, ec *execution.Context, input any) (*core.Result, error) {
	if err := ec.CheckCancelled(); err != nil {
		return nil, err
	}

	inputText := stringify(input)
	vars := ec.Vars()

	args := make([]string, 0, len(e.script.Args))
	consumesInput := false
	for _, arg := range e.script.Args {
		if inputPattern.MatchString(arg) {
			consumesInput = true
		}
		args = append(args, interpolate(arg, inputText, vars, false))
	}

	runCtx := ctx
	timeout := e.cfg.Constraints.Timeout()
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, e.script.Command, args...)
	cmd.Dir = e.script.Dir
	cmd.Env = os.Environ()
	for k, v := range e.script.Env {
		cmd.Env = append(cmd.Env, k+"="+interpolate(v, inputText, vars, false))
	}
	setupProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = scriptWaitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if !consumesInput && inputText != "" {
		cmd.Stdin = strings.NewReader(inputText)
	}

	err := cmd.Run()
	if err != nil {
		if ec.Token().IsCancelled() {
			return nil, core.NewCancellationError(ec.Token().Reason())
		}
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return core.Failed(nil, core.ErrorDetail{
				Code:    core.CodeExecution,
				Message: fmt.Sprintf("command timed out after %s", timeout),
				Context: map[string]any{"command": e.script.Command},
			}), nil
		}

		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			logger.Warn(ctx, "Command exited with failure",
				tag.Node(e.cfg.ID),
				tag.Error(err),
			)
			return core.Failed(strings.TrimRight(stdout.String(), "\n"), core.ErrorDetail{
				Code:    core.CodeExecution,
				Message: fmt.Sprintf("command exited with code %d", exitErr.ExitCode()),
				Context: map[string]any{
					"exitCode": exitErr.ExitCode(),
					"stderr":   stderr.String(),
				},
			}), nil
		}
		return core.Failed(nil, core.ErrorDetail{
			Code:    core.CodeExecution,
			Message: fmt.Sprintf("run command: %v", err),
			Context: map[string]any{"command": e.script.Command},
		}), nil
	}

	return core.Succeeded(strings.TrimRight(stdout.String(), "\n")), nil
}
