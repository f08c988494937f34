//go:build !windows

package executor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kumo-org/kumo/internal/core"
)

func scriptCfg(id, command string, args ...string) *core.ExecutorConfig {
	return atomicCfg(id, core.TypeScript, map[string]any{
		"command": command,
		"args":    args,
	})
}

func TestScript_Execute(t *testing.T) {
	t.Parallel()

	t.Run("StdoutBecomesOutput", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)

		cfg := scriptCfg("say", "echo", "hello")
		result, err := env.build(t, cfg).Execute(context.Background(), env.root, nil)
		require.NoError(t, err)

		assert.Equal(t, core.StatusSuccess, result.Status)
		assert.Equal(t, "hello", result.Output)
	})

	t.Run("ArgsInterpolateInput", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)

		cfg := scriptCfg("greet", "echo", "{{input}}", "end")
		result, err := env.build(t, cfg).Execute(context.Background(), env.root, "wf")
		require.NoError(t, err)

		assert.Equal(t, "wf end", result.Output)
	})

	t.Run("StdinReceivesInputWhenNoArgConsumesIt", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)

		cfg := scriptCfg("pipe", "cat")
		result, err := env.build(t, cfg).Execute(context.Background(), env.root, "piped text")
		require.NoError(t, err)

		assert.Equal(t, "piped text", result.Output)
	})

	t.Run("ConsumedInputSkipsStdin", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)

		// cat sees an empty stdin because {{input}} was claimed by an arg.
		cfg := scriptCfg("mixed", "sh", "-c", "printf 'arg:{{input}}'; cat")
		result, err := env.build(t, cfg).Execute(context.Background(), env.root, "x")
		require.NoError(t, err)

		assert.Equal(t, "arg:x", result.Output)
	})

	t.Run("EnvVarsInterpolate", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		env.root.Vars().Set("name", "Ada")

		cfg := atomicCfg("hail", core.TypeScript, map[string]any{
			"command": "sh",
			"args":    []string{"-c", `echo "$GREETING"`},
			"env":     map[string]string{"GREETING": "hi {{var.name}}"},
		})
		result, err := env.build(t, cfg).Execute(context.Background(), env.root, nil)
		require.NoError(t, err)

		assert.Equal(t, "hi Ada", result.Output)
	})

	t.Run("DirSetsWorkingDirectory", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)

		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "marker.txt"), []byte("from-dir"), 0o600))

		cfg := atomicCfg("local", core.TypeScript, map[string]any{
			"command": "cat",
			"args":    []string{"marker.txt"},
			"dir":     dir,
		})
		result, err := env.build(t, cfg).Execute(context.Background(), env.root, nil)
		require.NoError(t, err)

		assert.Equal(t, "from-dir", result.Output)
	})
}

func TestScript_Failures(t *testing.T) {
	t.Parallel()

	t.Run("NonZeroExitBecomesFailedResult", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)

		cfg := scriptCfg("crash", "sh", "-c", "echo partial; echo oops >&2; exit 3")
		result, err := env.build(t, cfg).Execute(context.Background(), env.root, nil)
		require.NoError(t, err)

		assert.Equal(t, core.StatusFailed, result.Status)
		assert.Equal(t, "partial", result.Output)

		detail := result.FirstError()
		assert.Equal(t, core.CodeExecution, detail.Code)
		assert.Equal(t, "command exited with code 3", detail.Message)
		assert.Equal(t, 3, detail.Context["exitCode"])
		assert.Equal(t, "oops\n", detail.Context["stderr"])
	})

	t.Run("MissingBinaryFails", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)

		cfg := scriptCfg("ghost", "no-such-binary-anywhere")
		result, err := env.build(t, cfg).Execute(context.Background(), env.root, nil)
		require.NoError(t, err)

		assert.Equal(t, core.StatusFailed, result.Status)
		assert.Contains(t, result.FirstError().Message, "run command")
		assert.Equal(t, "no-such-binary-anywhere", result.FirstError().Context["command"])
	})

	t.Run("TimeoutKillsProcess", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)

		cfg := scriptCfg("stuck", "sleep", "5")
		cfg.Constraints.TimeoutMs = 50

		start := time.Now()
		result, err := env.build(t, cfg).Execute(context.Background(), env.root, nil)
		require.NoError(t, err)

		assert.Less(t, time.Since(start), 3*time.Second)
		assert.Equal(t, core.StatusFailed, result.Status)
		assert.Equal(t, "command timed out after 50ms", result.FirstError().Message)
		assert.Equal(t, "sleep", result.FirstError().Context["command"])
	})
}

func TestScript_Build(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	_, err := env.factory.Create(atomicCfg("node", core.TypeScript, map[string]any{}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "command is required")
}

func TestScript_Cancellation(t *testing.T) {
	t.Parallel()

	t.Run("PreCancelledTokenShortCircuits", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)

		exec := env.build(t, scriptCfg("halt", "echo", "never"))
		env.root.Token().Cancel("operator stop")

		result, err := exec.Execute(context.Background(), env.root, nil)
		require.Error(t, err)
		assert.True(t, core.IsCancellation(err))
		assert.Nil(t, result)
	})

	t.Run("CancelMidRunKillsCommand", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		timer := time.AfterFunc(30*time.Millisecond, func() {
			env.root.Token().Cancel("mid-run stop")
			cancel()
		})
		defer timer.Stop()

		start := time.Now()
		_, err := env.build(t, scriptCfg("long", "sleep", "5")).Execute(ctx, env.root, nil)
		require.Error(t, err)

		assert.True(t, core.IsCancellation(err))
		assert.Less(t, time.Since(start), 3*time.Second)
	})
}
