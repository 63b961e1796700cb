// Package stream implements the streaming multiplexer that merges events from
// concurrently executing components (router, sub-agents, pipeline stages)
// into one ordered, bounded event stream per turn. Backpressure is blocking:
// a slow consumer slows producers down, events are never dropped.
package stream

import (
	"time"

	"github.com/hupe1980/agentrelay/core"
)

// EventType discriminates turn stream events.
type EventType string

const (
	// EventToken carries an incremental text chunk from the reasoning service.
	EventToken EventType = "token"
	// EventToolCallStarted announces that a tool invocation began.
	EventToolCallStarted EventType = "tool-call-started"
	// EventToolCallResult carries a finished tool invocation.
	EventToolCallResult EventType = "tool-call-result"
	// EventRoutingDecision announces the router's destination choice.
	EventRoutingDecision EventType = "routing-decision"
	// EventStageComplete announces a finished pipeline stage.
	EventStageComplete EventType = "stage-complete"
	// EventTurnComplete is the success terminal event. Exactly one terminal
	// event is emitted per turn, always last.
	EventTurnComplete EventType = "turn-complete"
	// EventError is the failure terminal event.
	EventError EventType = "error"
)

// Event is one element of a turn's ordered output stream.
type Event struct {
	ID        string    `json:"id"`
	TurnID    string    `json:"turn_id"`
	Type      EventType `json:"type"`
	Source    string    `json:"source,omitempty"` // emitting component (agent or stage name)
	Text      string    `json:"text,omitempty"`   // token text or final answer
	Payload   any       `json:"payload,omitempty"`
	Err       string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewEvent stamps a new event with id and timestamp.
func NewEvent(turnID string, eventType EventType) Event {
	return Event{
		ID:        core.NewID(),
		TurnID:    turnID,
		Type:      eventType,
		Timestamp: time.Now().UTC(),
	}
}

// Terminal reports whether the event ends its turn stream.
func (e Event) Terminal() bool {
	return e.Type == EventTurnComplete || e.Type == EventError
}
