package core

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies the author class of a message.
type Role string

const (
	// RoleSystem marks instruction messages that are never trimmed from context.
	RoleSystem Role = "system"
	// RoleUser marks end-user input.
	RoleUser Role = "user"
	// RoleAssistant marks sub-agent output, including tool call requests.
	RoleAssistant Role = "assistant"
	// RoleTool marks tool execution results fed back as observations.
	RoleTool Role = "tool"
)

// InvocationStatus tracks the lifecycle of a single tool invocation.
// Transitions are pending -> success or pending -> error, never backward.
type InvocationStatus string

const (
	// InvocationPending means the tool call was issued but has not returned.
	InvocationPending InvocationStatus = "pending"
	// InvocationSuccess means the tool returned a result payload.
	InvocationSuccess InvocationStatus = "success"
	// InvocationError means the tool returned an error descriptor.
	InvocationError InvocationStatus = "error"
)

// ToolInvocation records one tool call decided by a sub-agent: the request,
// the outcome and how long execution took. It is created pending when the
// agent decides to call and finalized exactly once when the tool returns.
type ToolInvocation struct {
	ID       string           `json:"id"`
	Tool     string           `json:"tool"`
	Args     map[string]any   `json:"args,omitempty"`
	Result   any              `json:"result,omitempty"`
	Error    string           `json:"error,omitempty"`
	Status   InvocationStatus `json:"status"`
	Duration time.Duration    `json:"duration"`
}

// Finalize stamps the terminal status exactly once. Calling Finalize on an
// already terminal invocation is a no-op.
func (ti *ToolInvocation) Finalize(result any, err error, dur time.Duration) {
	if ti.Status != InvocationPending {
		return
	}
	ti.Duration = dur
	if err != nil {
		ti.Status = InvocationError
		ti.Error = err.Error()
		return
	}
	ti.Status = InvocationSuccess
	ti.Result = result
}

// Message is one immutable entry in a session's ordered history. Content is
// either plain text or a structured payload; assistant messages additionally
// carry the tool invocations they triggered.
type Message struct {
	ID          string           `json:"id"`
	SessionID   string           `json:"session_id"`
	Role        Role             `json:"role"`
	Text        string           `json:"text,omitempty"`
	Payload     map[string]any   `json:"payload,omitempty"`
	Invocations []ToolInvocation `json:"invocations,omitempty"`
	Timestamp   time.Time        `json:"timestamp"`
}

// NewMessage creates a message bound to a session with a fresh id and UTC timestamp.
func NewMessage(sessionID string, role Role, text string) Message {
	return Message{
		ID:        NewID(),
		SessionID: sessionID,
		Role:      role,
		Text:      text,
		Timestamp: time.Now().UTC(),
	}
}

// NewToolMessage records a finished tool invocation as an observation message.
func NewToolMessage(sessionID string, inv ToolInvocation) Message {
	m := NewMessage(sessionID, RoleTool, "")
	m.Invocations = []ToolInvocation{inv}
	if inv.Error != "" {
		m.Text = inv.Error
	}
	return m
}

// HasToolOutput reports whether the message carries at least one finalized
// tool invocation. The supervisor uses this for routing loop prevention.
func (m Message) HasToolOutput() bool {
	for _, inv := range m.Invocations {
		if inv.Status != InvocationPending {
			return true
		}
	}
	return false
}

// NewID generates a new unique identifier for messages, turns and envelopes.
func NewID() string { return uuid.NewString() }
