package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kumo-org/kumo/internal/logger"
	"github.com/kumo-org/kumo/internal/logger/tag"
)

// Context holds what a command handler needs: the cobra command, the parsed
// common flags, and a context carrying the configured logger.
type Context struct {
	context.Context

	Command *cobra.Command
	Quiet   bool
}

// NewContext binds the command's flags into viper and installs the logger
// derived from configuration and the quiet flag.
func NewContext(cmd *cobra.Command, flags []commandLineFlag) (*Context, error) {
	ctx := cmd.Context()

	bindFlags(cmd, flags...)

	quiet := false
	if cmd.Flags().Lookup("quiet") != nil {
		q, err := cmd.Flags().GetBool("quiet")
		if err != nil {
			return nil, fmt.Errorf("failed to get quiet flag: %w", err)
		}
		quiet = q
	}

	var opts []logger.Option
	if viper.GetBool("debug") || os.Getenv("DEBUG") != "" {
		opts = append(opts, logger.WithDebug())
	}
	if quiet {
		opts = append(opts, logger.WithQuiet())
	}
	if format := viper.GetString("log-format"); format != "" {
		opts = append(opts, logger.WithFormat(format))
	}
	ctx = logger.WithLogger(ctx, logger.NewLogger(opts...))

	return &Context{Context: ctx, Command: cmd, Quiet: quiet}, nil
}

// StringParam reads a string flag by name.
func (c *Context) StringParam(name string) (string, error) {
	val, err := c.Command.Flags().GetString(name)
	if err != nil {
		return "", fmt.Errorf("failed to get flag %s: %w", name, err)
	}
	return val, nil
}

// NewCommand wires a cobra command to its handler. Flags are registered at
// construction; the handler context is built per invocation; handler errors
// surface as the command's error so main exits non-zero.
func NewCommand(cmd *cobra.Command, flags []commandLineFlag, runFunc func(ctx *Context, args []string) error) *cobra.Command {
	initFlags(cmd, flags...)

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		ctx, err := NewContext(cmd, flags)
		if err != nil {
			return fmt.Errorf("initialization: %w", err)
		}
		if err := runFunc(ctx, args); err != nil {
			logger.Error(ctx.Context, "Command failed", tag.Error(err))
			return err
		}
		return nil
	}

	return cmd
}

// signalListener is an interface for types that can receive OS signals.
type signalListener interface {
	Signal(ctx context.Context, sig os.Signal)
}

// signalChan is a buffered channel to receive OS signals.
var signalChan = make(chan os.Signal, 100)

// listenSignals subscribes to SIGINT and SIGTERM and forwards them to the
// listener. Context cancellation is forwarded as os.Interrupt.
func listenSignals(ctx context.Context, listener signalListener) {
	go func() {
		signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

		select {
		case <-ctx.Done():
			listener.Signal(ctx, os.Interrupt)
		case sig := <-signalChan:
			listener.Signal(ctx, sig)
		}
	}()
}
