package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/fatih/color"

	"github.com/kumo-org/kumo/internal/core"
)

// Status symbols using Unicode characters for visual clarity.
const (
	symbolRunning   = "●"
	symbolSucceeded = "✓"
	symbolFailed    = "✗"
	symbolCancelled = "⚠"
	symbolPartial   = "◐"
	symbolTool      = "⚙"
)

// eventFeed renders bus events as they arrive. In text mode it prints one
// colored line per lifecycle event and writes streaming deltas raw; in json
// mode every event becomes one JSON line.
type eventFeed struct {
	mu       sync.Mutex
	w        io.Writer
	enc      *json.Encoder
	jsonMode bool

	// midStream tracks whether the last write was a raw delta, so the next
	// line-oriented event starts on its own line.
	midStream bool
}

func newEventFeed(w io.Writer, format string) *eventFeed {
	feed := &eventFeed{w: w, jsonMode: format == formatJSON}
	if feed.jsonMode {
		feed.enc = json.NewEncoder(w)
	}
	return feed
}

func (f *eventFeed) render(ev core.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.jsonMode {
		_ = f.enc.Encode(ev)
		return
	}

	switch ev.Type {
	case core.EventExecutionStart:
		f.line("%s execution started  id=%s", color.New(color.FgHiGreen).Sprint(symbolRunning), ev.ExecutionID)

	case core.EventNodeStart:
		label := fmt.Sprintf("%v", ev.Payload["executorId"])
		if mode, ok := ev.Payload["mode"]; ok {
			label += fmt.Sprintf(" (%v/%v)", ev.Payload["executorType"], mode)
		} else {
			label += fmt.Sprintf(" (%v)", ev.Payload["executorType"])
		}
		f.line("%s %s started", color.New(color.FgHiGreen).Sprint(symbolRunning), label)

	case core.EventNodeComplete:
		status := payloadString(ev, "status")
		f.line("%s %v finished  status=%s",
			statusColorize(statusSymbol(status), status), ev.Payload["executorId"], status)

	case core.EventNodeError:
		f.line("%s %v failed  %v",
			color.RedString(symbolFailed), ev.Payload["executorId"], ev.Payload["error"])

	case core.EventStreamThinking:
		f.delta(color.New(color.Faint).Sprint(payloadString(ev, "delta")))

	case core.EventStreamContent:
		f.delta(payloadString(ev, "delta"))

	case core.EventStreamToolCall:
		status := payloadString(ev, "status")
		switch status {
		case core.ToolCallFailed:
			f.line("%s tool %v %s  %v", color.RedString(symbolTool), ev.Payload["toolName"], status, ev.Payload["error"])
		default:
			f.line("%s tool %v %s", color.CyanString(symbolTool), ev.Payload["toolName"], status)
		}

	case core.EventExecutionComplete:
		status := payloadString(ev, "status")
		f.line("%s execution finished  status=%s",
			statusColorize(statusSymbol(status), status), status)

	case core.EventExecutionError:
		f.line("%s execution failed  %v", color.RedString(symbolFailed), ev.Payload["error"])

	case core.EventExecutionCancel:
		f.line("%s execution cancelled  %v", color.YellowString(symbolCancelled), ev.Payload["reason"])
	}
}

func (f *eventFeed) line(format string, args ...any) {
	if f.midStream {
		fmt.Fprintln(f.w)
		f.midStream = false
	}
	fmt.Fprintf(f.w, format+"\n", args...)
}

func (f *eventFeed) delta(s string) {
	if s == "" {
		return
	}
	fmt.Fprint(f.w, s)
	f.midStream = true
}

func payloadString(ev core.Event, key string) string {
	if s, ok := ev.Payload[key].(string); ok {
		return s
	}
	return ""
}

// statusSymbol returns the appropriate Unicode symbol for a status token.
func statusSymbol(status string) string {
	switch status {
	case "success":
		return symbolSucceeded
	case "partial":
		return symbolPartial
	case "failed":
		return symbolFailed
	case "cancelled":
		return symbolCancelled
	default:
		return symbolRunning
	}
}

// statusColorize applies color formatting to a string based on a status
// token. Color is disabled automatically on non-terminal writers.
func statusColorize(s, status string) string {
	switch status {
	case "success":
		return color.GreenString(s)
	case "partial":
		return color.New(color.FgYellow).Sprint(s)
	case "failed":
		return color.RedString(s)
	case "cancelled":
		return color.YellowString(s)
	default:
		return s
	}
}
