package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/kumo-org/kumo/internal/build"
	"github.com/kumo-org/kumo/internal/core"
	"github.com/kumo-org/kumo/internal/loader"
	"github.com/kumo-org/kumo/internal/logger"
	"github.com/kumo-org/kumo/internal/logger/tag"
	"github.com/kumo-org/kumo/internal/metrics"
	"github.com/kumo-org/kumo/internal/runtime"
)

// Output formats for the run command.
const (
	formatText = "text"
	formatJSON = "json"
)

// Run creates and returns a cobra command that executes a workflow
// definition.
func Run() *cobra.Command {
	return NewCommand(
		&cobra.Command{
			Use:   "run [flags] <definition file>",
			Short: "Execute a workflow definition",
			Long: `Execute the executor tree described by a workflow definition file.

The definition is validated, the root executor runs to completion, and the
final result is printed. Lifecycle events stream to stdout while the run is
active unless --quiet is set.

Example:
  kumo run pipeline.yaml --var name=Ada --timeout 5m

The command exits non-zero when the execution finishes failed or cancelled.
`,
			Args: cobra.ExactArgs(1),
		}, runFlags, runRun,
	)
}

// Command line flags for the run command
var runFlags = []commandLineFlag{
	inputFlag, varFlag, executionIDFlag, timeoutFlag,
	quietFlag, formatFlag, metricsAddrFlag, dotenvFlag,
}

// runRun handles the execution of the run command
func runRun(ctx *Context, args []string) error {
	if err := loadEnvFiles(ctx); err != nil {
		return err
	}

	cfg, err := loader.Load(args[0])
	if err != nil {
		return err
	}

	opts, err := parseRunOptions(ctx)
	if err != nil {
		return err
	}

	rt := runtime.New()

	// The live feed renders every bus event; --quiet drops it while keeping
	// the final summary.
	if !ctx.Quiet {
		feed := newEventFeed(ctx.Command.OutOrStdout(), opts.format)
		defer rt.OnEvent(core.EventWildcard, feed.render)()
	}

	if opts.metricsAddr != "" {
		stop := serveMetrics(ctx, opts.metricsAddr, rt)
		defer stop()
	}

	// SIGINT/SIGTERM cancel the run instead of killing the process, so the
	// summary still prints with the cancelled status.
	listenSignals(ctx, &runCanceller{rt: rt})

	logger.Info(ctx, "Executing definition",
		tag.File(args[0]),
		tag.Target(cfg.ID),
		tag.Type(string(cfg.Type)),
	)

	var execOpts []runtime.ExecOption
	if opts.executionID != "" {
		execOpts = append(execOpts, runtime.WithExecutionID(opts.executionID))
	}
	if len(opts.vars) > 0 {
		execOpts = append(execOpts, runtime.WithVariables(opts.vars))
	}
	if opts.timeout > 0 {
		execOpts = append(execOpts, runtime.WithTimeout(opts.timeout))
	}

	started := time.Now()
	result, err := rt.Execute(ctx, cfg, opts.input, execOpts...)
	if err != nil {
		return fmt.Errorf("execute %s: %w", args[0], err)
	}

	printSummary(ctx.Command.OutOrStdout(), result, time.Since(started), opts.format)

	if !result.Status.IsSuccess() {
		return fmt.Errorf("execution %s", result.Status)
	}
	return nil
}

// runOptions holds the parsed run command flags.
type runOptions struct {
	input       any
	vars        map[string]any
	executionID string
	timeout     time.Duration
	format      string
	metricsAddr string
}

// parseRunOptions extracts and validates the run command flags.
func parseRunOptions(ctx *Context) (runOptions, error) {
	var opts runOptions

	rawInput, err := ctx.StringParam("input")
	if err != nil {
		return opts, err
	}
	opts.input = parseInput(rawInput)

	pairs, err := ctx.Command.Flags().GetStringArray("var")
	if err != nil {
		return opts, fmt.Errorf("failed to get var flags: %w", err)
	}
	opts.vars, err = parseVariables(pairs)
	if err != nil {
		return opts, err
	}

	if opts.executionID, err = ctx.StringParam("execution-id"); err != nil {
		return opts, err
	}

	rawTimeout, err := ctx.StringParam("timeout")
	if err != nil {
		return opts, err
	}
	if rawTimeout != "" {
		d, err := time.ParseDuration(rawTimeout)
		if err != nil {
			return opts, fmt.Errorf("invalid --timeout %q: %w", rawTimeout, err)
		}
		opts.timeout = d
	}

	if opts.format, err = ctx.StringParam("format"); err != nil {
		return opts, err
	}
	if opts.format != formatText && opts.format != formatJSON {
		return opts, fmt.Errorf("invalid --format %q: must be %q or %q", opts.format, formatText, formatJSON)
	}

	if opts.metricsAddr, err = ctx.StringParam("metrics-addr"); err != nil {
		return opts, err
	}

	return opts, nil
}

// parseInput decodes the --input value. JSON documents become structured
// values; anything else passes through as a string.
func parseInput(raw string) any {
	if raw == "" {
		return nil
	}
	var decoded any
	if err := json.Unmarshal([]byte(raw), &decoded); err == nil {
		return decoded
	}
	return raw
}

// parseVariables turns repeated key=value flags into the seed variable map.
func parseVariables(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	vars := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --var %q: expected key=value", pair)
		}
		vars[key] = value
	}
	return vars, nil
}

// loadEnvFiles overloads the process environment from each --dotenv file in
// order, so later files win.
func loadEnvFiles(ctx *Context) error {
	files, err := ctx.Command.Flags().GetStringArray("dotenv")
	if err != nil {
		return fmt.Errorf("failed to get dotenv flags: %w", err)
	}
	for _, file := range files {
		if err := godotenv.Overload(file); err != nil {
			return fmt.Errorf("load dotenv %s: %w", file, err)
		}
	}
	return nil
}

// serveMetrics exposes the runtime's prometheus collector on addr for the
// duration of the run. The returned function stops the server and detaches
// the collector.
func serveMetrics(ctx *Context, addr string, rt *runtime.Runtime) func() {
	collector := metrics.NewCollector(build.Version, rt.Bus())
	registry := metrics.NewRegistry(collector)

	srv := &http.Server{
		Addr:    addr,
		Handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(ctx, "Metrics server stopped", tag.Error(err))
		}
	}()
	logger.Info(ctx, "Serving metrics", tag.URL(addr))

	return func() {
		_ = srv.Close()
		collector.Close()
	}
}

// runCanceller cancels every active execution when a signal arrives.
type runCanceller struct {
	rt *runtime.Runtime
}

func (c *runCanceller) Signal(ctx context.Context, sig os.Signal) {
	reason := fmt.Sprintf("received signal %s", sig)
	n := c.rt.CancelAll(reason)
	logger.Warn(ctx, "Cancelling active executions", tag.Signal(sig.String()), tag.Count(n))
}

// printSummary writes the final result after the run finishes. Text mode
// prints a status line with the elapsed time; json mode prints the full
// result document.
func printSummary(w io.Writer, result *core.Result, elapsed time.Duration, format string) {
	if format == formatJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(result)
		return
	}

	status := result.Status.String()
	fmt.Fprintf(w, "\n%s execution %s in %s\n",
		statusColorize(statusSymbol(status), status), status, elapsed.Round(time.Millisecond))

	if result.Output != nil {
		fmt.Fprintf(w, "output: %s\n", formatOutput(result.Output))
	}
	if !result.Status.IsSuccess() {
		if detail := result.FirstError(); detail.Message != "" {
			fmt.Fprintf(w, "error: %s (%s)\n", detail.Message, detail.Code)
		}
	}
}

// formatOutput renders an output value for the text summary. Strings pass
// through; structured values render as compact JSON.
func formatOutput(output any) string {
	if s, ok := output.(string); ok {
		return s
	}
	data, err := json.Marshal(output)
	if err != nil {
		return fmt.Sprintf("%v", output)
	}
	return string(data)
}
