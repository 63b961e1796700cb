// Package testutil provides shared builders and spies for package tests.
package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/tool"
)

// UserMessage builds a user message bound to a session.
func UserMessage(sessionID, text string) core.Message {
	return core.NewMessage(sessionID, core.RoleUser, text)
}

// SessionWith builds a session preloaded with messages.
func SessionWith(id string, msgs ...core.Message) *core.Session {
	sess := core.NewSession(id)
	for _, m := range msgs {
		sess.AppendMessage(m)
	}
	return sess
}

// SpyTool records every execution attempt and replays a scripted sequence of
// errors before succeeding with Result. It verifies both that validation
// gates execution and that retries reach the tool the expected number of
// times.
type SpyTool struct {
	ToolName     string
	Params       map[string]any
	Result       any
	FailuresLeft int

	mu    sync.Mutex
	calls []map[string]any
}

// NewSpyTool builds a spy with an open object schema unless Params overrides it.
func NewSpyTool(name string, result any) *SpyTool {
	return &SpyTool{
		ToolName: name,
		Params: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Result: result,
	}
}

// Name implements tool.Tool.
func (s *SpyTool) Name() string { return s.ToolName }

// Description implements tool.Tool.
func (s *SpyTool) Description() string { return "test spy tool" }

// Parameters implements tool.Tool.
func (s *SpyTool) Parameters() map[string]any { return s.Params }

// Call implements tool.Tool, recording the attempt.
func (s *SpyTool) Call(_ context.Context, args map[string]any) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, args)
	if s.FailuresLeft > 0 {
		s.FailuresLeft--
		return nil, tool.NewError(s.ToolName, "transient failure", tool.CodeExecution)
	}
	return s.Result, nil
}

// Calls returns a snapshot of recorded execution attempts.
func (s *SpyTool) Calls() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]map[string]any, len(s.calls))
	copy(out, s.calls)
	return out
}

// NoSleep is a retry sleep override that returns immediately, keeping retry
// tests fast while preserving attempt counting.
func NoSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }
