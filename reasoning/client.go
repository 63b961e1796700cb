package reasoning

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/retry"
)

// ToolCall represents a tool invocation request surfaced by a provider.
// Unified across vendors so downstream logic does not need per-provider branching.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments,omitempty"` // JSON string of arguments
}

// ToolDefinition declaratively exposes a callable tool to the reasoning service.
// Parameters is a JSON Schema object (draft agnostic, minimal subset expected).
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Request captures the normalized input produced by the orchestration layer.
type Request struct {
	Instructions string           `json:"instructions"`
	Messages     []core.Message   `json:"messages"`
	Tools        []ToolDefinition `json:"tools,omitempty"`
	// OutputSchema, when set, asks the service for a single JSON object
	// conforming to the schema instead of free text.
	OutputSchema map[string]any `json:"output_schema,omitempty"`
	Stream       bool           `json:"stream,omitempty"`
}

// TokenUsage captures token usage statistics for a response.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is a (partial or final) chunk emitted by the reasoning service.
// Partial responses carry incremental Text only; the final response carries
// the full text, any tool calls and the structured object if requested.
type Response struct {
	Partial      bool            `json:"partial"`
	Text         string          `json:"text,omitempty"`
	Structured   json.RawMessage `json:"structured,omitempty"`
	ToolCalls    []ToolCall      `json:"tool_calls,omitempty"`
	FinishReason string          `json:"finish_reason,omitempty"`
	Usage        *TokenUsage     `json:"usage,omitempty"`
}

// Info contains metadata about a client implementation.
type Info struct {
	Name          string `json:"name"`
	Provider      string `json:"provider"`
	SupportsTools bool   `json:"supports_tools"`
}

// Client is the minimal interface required to drive generation. Generate
// returns a response channel (partials followed by exactly one final
// response) and an error channel (at most one terminal error); both close
// when the call finishes. Implementations own retries for transient
// transport concerns below the Error taxonomy; orchestration-level retries
// are applied by the retry package.
type Client interface {
	Generate(ctx context.Context, req Request) (<-chan Response, <-chan error)

	// Info returns information about the client implementation.
	Info() Info
}

// Complete drains a Generate call and returns the final response. It is the
// synchronous convenience used by classification and pipeline stages.
func Complete(ctx context.Context, c Client, req Request) (*Response, error) {
	req.Stream = false
	respCh, errCh := c.Generate(ctx, req)

	var final *Response
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case resp, ok := <-respCh:
			if !ok {
				if final == nil {
					return nil, &Error{Kind: KindService, Message: "no response produced"}
				}
				return final, nil
			}
			if !resp.Partial {
				r := resp
				final = &r
			}
		case err, ok := <-errCh:
			if ok && err != nil {
				return nil, err
			}
		}
	}
}

// ErrorKind discriminates transient reasoning-service failure modes.
type ErrorKind string

const (
	// KindTimeout marks deadline-exceeded provider failures.
	KindTimeout ErrorKind = "timeout"
	// KindRateLimit marks provider throttling.
	KindRateLimit ErrorKind = "rate-limit"
	// KindService marks any other reasoning-service failure.
	KindService ErrorKind = "service"
)

// Error is a classified reasoning-service failure. It implements
// retry.Classified so the central policy table can plan retries.
type Error struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("reasoning %s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("reasoning %s: %s", e.Kind, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is / errors.As.
func (e *Error) Unwrap() error { return e.Cause }

// RetryClass implements retry.Classified.
func (e *Error) RetryClass() retry.Class {
	switch e.Kind {
	case KindTimeout:
		return retry.ClassTimeout
	case KindRateLimit:
		return retry.ClassRateLimit
	default:
		return retry.ClassReasoning
	}
}
