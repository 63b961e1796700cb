// Package memory provides the session memory window: the bounded slice of
// conversation history handed to the reasoning service on each call. Trimming
// is deterministic so repeated calls over the same session produce the same
// context.
package memory

import (
	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/logging"
)

// Options configures a Window.
type Options struct {
	// MaxMessages bounds the number of messages in the window. Zero or
	// negative means unlimited.
	MaxMessages int
	// Logger defaults to NoOp.
	Logger logging.Logger
}

// Window selects the portion of a session's history that fits the configured
// budget. Immutable after construction and safe for concurrent use.
type Window struct {
	maxMessages int
	logger      logging.Logger
}

// DefaultMaxMessages is the window size used when none is configured.
const DefaultMaxMessages = 20

// NewWindow constructs a Window with optional overrides.
func NewWindow(optFns ...func(o *Options)) *Window {
	opts := Options{
		MaxMessages: DefaultMaxMessages,
		Logger:      logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Window{maxMessages: opts.MaxMessages, logger: opts.Logger}
}

// Select returns the trimmed view of messages, newest history preserved.
//
// Trimming rules, applied only when the window overflows:
//   - system messages are always kept
//   - the most recent user message is always kept
//   - otherwise the oldest messages are dropped first
//   - a tool-result message is dropped together with the assistant message
//     that requested it, so the reasoning service never sees an orphaned
//     tool output
func (w *Window) Select(messages []core.Message) []core.Message {
	if w.maxMessages <= 0 || len(messages) <= w.maxMessages {
		return messages
	}

	lastUser := -1
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == core.RoleUser {
			lastUser = i
			break
		}
	}

	keep := make([]bool, len(messages))
	kept := 0

	for i, m := range messages {
		if m.Role == core.RoleSystem || i == lastUser {
			keep[i] = true
			kept++
		}
	}

	// Fill remaining budget from the newest end.
	for i := len(messages) - 1; i >= 0 && kept < w.maxMessages; i-- {
		if keep[i] {
			continue
		}
		keep[i] = true
		kept++
	}

	// Tool results whose requesting assistant message was dropped go too.
	dropped := dropOrphanedToolResults(messages, keep)

	out := make([]core.Message, 0, kept-dropped)
	for i, m := range messages {
		if keep[i] {
			out = append(out, m)
		}
	}

	w.logger.Debug("memory.window.trimmed",
		"total", len(messages),
		"kept", len(out),
		"max", w.maxMessages,
	)

	return out
}

// dropOrphanedToolResults unmarks kept tool messages whose parent assistant
// message (the one carrying the matching invocation id) is not kept. Returns
// the number of messages unmarked.
func dropOrphanedToolResults(messages []core.Message, keep []bool) int {
	keptCalls := make(map[string]bool)
	for i, m := range messages {
		if !keep[i] || m.Role != core.RoleAssistant {
			continue
		}
		for _, inv := range m.Invocations {
			keptCalls[inv.ID] = true
		}
	}

	dropped := 0
	for i, m := range messages {
		if !keep[i] || m.Role != core.RoleTool {
			continue
		}
		orphaned := false
		for _, inv := range m.Invocations {
			if !keptCalls[inv.ID] {
				orphaned = true
				break
			}
		}
		if orphaned {
			keep[i] = false
			dropped++
		}
	}
	return dropped
}
