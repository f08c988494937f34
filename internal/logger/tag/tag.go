// Package tag provides standardized tag functions for structured logging.
//
// Use these functions instead of raw strings so log keys stay consistent
// across the codebase.
package tag

import (
	"log/slog"
	"time"
)

// Error creates a tag for error objects.
func Error(err any) slog.Attr {
	return slog.Any("err", err)
}

// ExecID creates a tag for execution ids.
func ExecID(id string) slog.Attr {
	return slog.String("execution-id", id)
}

// Node creates a tag for node (executor) ids.
func Node(id string) slog.Attr {
	return slog.String("node", id)
}

// Type creates a tag for executor types.
func Type(t string) slog.Attr {
	return slog.String("type", t)
}

// Mode creates a tag for orchestrator modes.
func Mode(m string) slog.Attr {
	return slog.String("mode", m)
}

// Status creates a tag for result or node status values.
func Status(status string) slog.Attr {
	return slog.String("status", status)
}

// Event creates a tag for event types.
func Event(t string) slog.Attr {
	return slog.String("event", t)
}

// Target creates a tag for route targets.
func Target(id string) slog.Attr {
	return slog.String("target", id)
}

// Condition creates a tag for router rule conditions.
func Condition(c string) slog.Attr {
	return slog.String("condition", c)
}

// Expression creates a tag for exit-condition expressions.
func Expression(e string) slog.Attr {
	return slog.String("expression", e)
}

// Iteration creates a tag for loop iteration counters.
func Iteration(n int) slog.Attr {
	return slog.Int("iteration", n)
}

// Attempt creates a tag for retry attempt numbers.
func Attempt(n int) slog.Attr {
	return slog.Int("attempt", n)
}

// Tool creates a tag for tool names.
func Tool(name string) slog.Attr {
	return slog.String("tool", name)
}

// Driver creates a tag for model driver names.
func Driver(name string) slog.Attr {
	return slog.String("driver", name)
}

// URL creates a tag for request URLs.
func URL(u string) slog.Attr {
	return slog.String("url", u)
}

// StatusCode creates a tag for HTTP status codes.
func StatusCode(code int) slog.Attr {
	return slog.Int("status-code", code)
}

// Duration creates a tag for elapsed durations.
func Duration(d time.Duration) slog.Attr {
	return slog.Duration("duration", d)
}

// Timeout creates a tag for timeout duration values.
func Timeout(d time.Duration) slog.Attr {
	return slog.Duration("timeout", d)
}

// Count creates a tag for generic counts.
func Count(n int) slog.Attr {
	return slog.Int("count", n)
}

// File creates a tag for file paths.
func File(path string) slog.Attr {
	return slog.String("file", path)
}

// Signal creates a tag for signal names.
func Signal(sig string) slog.Attr {
	return slog.String("signal", sig)
}
