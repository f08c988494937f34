package cmd

import (
	"errors"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kumo-org/kumo/internal/core"
	"github.com/kumo-org/kumo/internal/loader"
)

// Validate creates and returns a cobra command that checks a workflow
// definition without executing it.
func Validate() *cobra.Command {
	return NewCommand(
		&cobra.Command{
			Use:   "validate [flags] <definition file>",
			Short: "Validate a workflow definition",
			Long: `Parse a workflow definition file and check the executor tree against the
structural rules: required fields, known types and modes, unique child ids,
and router targets that resolve.

All problems are reported at once rather than stopping at the first.
`,
			Args: cobra.ExactArgs(1),
		}, validateFlags, runValidate,
	)
}

// Command line flags for the validate command
var validateFlags = []commandLineFlag{quietFlag}

// runValidate handles the execution of the validate command
func runValidate(ctx *Context, args []string) error {
	cfg, err := loader.Load(args[0])
	if err != nil {
		var list core.ErrorList
		if errors.As(err, &list) {
			out := ctx.Command.OutOrStdout()
			for _, item := range list {
				fmt.Fprintf(out, "%s %v\n", color.RedString(symbolFailed), item)
			}
			return fmt.Errorf("%s: %d validation problem(s)", args[0], len(list))
		}
		return err
	}

	if !ctx.Quiet {
		fmt.Fprintf(ctx.Command.OutOrStdout(), "%s %s is valid (%d executors)\n",
			color.GreenString(symbolSucceeded), args[0], countExecutors(cfg))
	}
	return nil
}

// countExecutors counts every node in the configuration tree, root included.
func countExecutors(cfg *core.ExecutorConfig) int {
	n := 1
	for _, child := range cfg.Children {
		n += countExecutors(child)
	}
	return n
}
