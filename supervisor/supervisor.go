// Package supervisor implements turn routing: a small state machine that
// classifies the active message against a closed set of sub-agent
// destinations (plus the FINISH sentinel) using the reasoning service, with
// loop prevention, a hard hop cap and a low-confidence fallback.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hupe1980/agentrelay/a2a"
	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/logging"
	"github.com/hupe1980/agentrelay/reasoning"
	"github.com/hupe1980/agentrelay/retry"
)

// Finish is the routing sentinel meaning the turn is complete and no further
// sub-agent should run.
const Finish = "FINISH"

// Phase is the routing state machine phase.
type Phase string

const (
	// PhasePending means the turn has not started routing yet.
	PhasePending Phase = "PENDING"
	// PhaseRouting means a classification is in progress.
	PhaseRouting Phase = "ROUTING"
	// PhaseExecuting means control was handed to a sub-agent.
	PhaseExecuting Phase = "EXECUTING"
	// PhaseFinished means the turn completed via FINISH.
	PhaseFinished Phase = "FINISHED"
	// PhaseExhausted means the hop cap forced termination.
	PhaseExhausted Phase = "EXHAUSTED"
)

// Decision is one routing outcome recorded in the turn's history.
type Decision struct {
	Destination string  `json:"destination"`
	Confidence  float64 `json:"confidence"`
	// Fallback is set when low confidence substituted the fallback agent.
	Fallback bool `json:"fallback,omitempty"`
	// Forced is set when loop prevention or the hop cap forced FINISH.
	Forced bool   `json:"forced,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// RoutingState tracks one in-flight turn. Owned exclusively by the router
// goroutine driving the turn; discarded when the turn ends.
type RoutingState struct {
	TurnID       string
	Phase        Phase
	CurrentAgent string
	// Hops counts routing decisions. Strictly increasing within a turn.
	Hops    int
	History []Decision
}

// NewRoutingState starts a fresh state for a turn.
func NewRoutingState(turnID string) *RoutingState {
	return &RoutingState{TurnID: turnID, Phase: PhasePending}
}

// Terminal reports whether the turn has ended.
func (s *RoutingState) Terminal() bool {
	return s.Phase == PhaseFinished || s.Phase == PhaseExhausted
}

// Exhausted reports whether the hop cap forced termination.
func (s *RoutingState) Exhausted() bool { return s.Phase == PhaseExhausted }

func (s *RoutingState) lastDecision() (Decision, bool) {
	if len(s.History) == 0 {
		return Decision{}, false
	}
	return s.History[len(s.History)-1], true
}

// ClassificationError marks a classifier reply outside the closed destination
// set. It is a validation failure: the malformed decision is surfaced, never
// routed and never retried.
type ClassificationError struct {
	Value string
}

// Error implements the error interface.
func (e *ClassificationError) Error() string {
	return fmt.Sprintf("supervisor: unrecognized routing destination %q", e.Value)
}

// RetryClass implements retry.Classified.
func (e *ClassificationError) RetryClass() retry.Class { return retry.ClassValidation }

// DefaultHopCap bounds routing decisions per turn.
const DefaultHopCap = 25

// DefaultConfidenceThreshold is the confidence below which the fallback
// destination is preferred over the classifier's literal answer.
const DefaultConfidenceThreshold = 0.5

// Options configures a Router.
type Options struct {
	// HopCap is the hard ceiling on routing decisions per turn.
	HopCap int
	// ConfidenceThreshold routes to Fallback when the classifier is less sure.
	ConfidenceThreshold float64
	// Fallback receives low-confidence turns. Defaults to the first
	// registered destination.
	Fallback string
	// Instructions overrides the classifier prompt preamble.
	Instructions string
	// Retry executes the classification call. Defaults to a fresh policy.
	Retry *retry.Policy
	// Logger defaults to NoOp.
	Logger logging.Logger
}

// Router decides, per turn, which sub-agent (or FINISH) receives control.
// Immutable after construction and safe for concurrent use; per-turn state
// lives in RoutingState.
type Router struct {
	client       reasoning.Client
	bus          *a2a.Bus
	destinations []string
	fallback     string
	instructions string
	hopCap       int
	threshold    float64
	retry        *retry.Policy
	logger       logging.Logger
}

// NewRouter constructs a Router over a closed destination set. The set must
// not be empty; FINISH is always accepted in addition to it.
func NewRouter(client reasoning.Client, bus *a2a.Bus, destinations []string, optFns ...func(o *Options)) (*Router, error) {
	if len(destinations) == 0 {
		return nil, fmt.Errorf("supervisor: at least one destination required")
	}

	opts := Options{
		HopCap:              DefaultHopCap,
		ConfidenceThreshold: DefaultConfidenceThreshold,
		Fallback:            destinations[0],
		Logger:              logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Retry == nil {
		opts.Retry = retry.NewPolicy(func(o *retry.Options) { o.Logger = opts.Logger })
	}
	if !contains(destinations, opts.Fallback) {
		return nil, fmt.Errorf("supervisor: fallback %q is not a registered destination", opts.Fallback)
	}

	return &Router{
		client:       client,
		bus:          bus,
		destinations: destinations,
		fallback:     opts.Fallback,
		instructions: opts.Instructions,
		hopCap:       opts.HopCap,
		threshold:    opts.ConfidenceThreshold,
		retry:        opts.Retry,
		logger:       opts.Logger,
	}, nil
}

// classification is the structured output contract of the routing call.
type classification struct {
	Destination string  `json:"destination"`
	Confidence  float64 `json:"confidence"`
}

// Route makes the next routing decision for the turn. newToolOutput reports
// whether the previous sub-agent run produced tool output, which is what
// legitimizes routing to the same destination twice in a row.
//
// On return the state phase is EXECUTING (CurrentAgent set), FINISHED or
// EXHAUSTED. Classification failures leave the state in ROUTING and surface
// the error.
func (r *Router) Route(ctx context.Context, state *RoutingState, messages []core.Message, newToolOutput bool) (Decision, error) {
	state.Phase = PhaseRouting
	state.Hops++

	if state.Hops > r.hopCap {
		decision := Decision{Destination: Finish, Forced: true, Reason: "routing exhausted: hop cap reached"}
		state.History = append(state.History, decision)
		state.Phase = PhaseExhausted
		r.logger.Warn("supervisor.exhausted", "turn_id", state.TurnID, "hops", state.Hops, "cap", r.hopCap)
		return decision, nil
	}

	cls, err := r.classify(ctx, state, messages)
	if err != nil {
		return Decision{}, err
	}

	decision := Decision{Destination: cls.Destination, Confidence: cls.Confidence}

	if decision.Destination != Finish && cls.Confidence < r.threshold {
		decision.Destination = r.fallback
		decision.Fallback = true
		decision.Reason = fmt.Sprintf("confidence %.2f below threshold %.2f", cls.Confidence, r.threshold)
	}

	// Same destination twice in a row without new tool output is ping-pong.
	if prev, ok := state.lastDecision(); ok && decision.Destination != Finish &&
		prev.Destination == decision.Destination && !newToolOutput {
		decision = Decision{Destination: Finish, Forced: true, Reason: fmt.Sprintf("loop prevention: %s chosen twice without new tool output", prev.Destination)}
	}

	state.History = append(state.History, decision)

	if decision.Destination == Finish {
		state.Phase = PhaseFinished
	} else {
		state.Phase = PhaseExecuting
		state.CurrentAgent = decision.Destination
	}

	r.logger.Debug("supervisor.route",
		"turn_id", state.TurnID,
		"hop", state.Hops,
		"destination", decision.Destination,
		"confidence", decision.Confidence,
		"fallback", decision.Fallback,
		"forced", decision.Forced,
	)

	return decision, nil
}

// classify asks the reasoning service for exactly one known destination or
// FINISH, as a structured object. The call travels through the envelope bus
// and the central retry policy.
func (r *Router) classify(ctx context.Context, state *RoutingState, messages []core.Message) (*classification, error) {
	req := reasoning.Request{
		Instructions: r.buildInstructions(),
		Messages:     messages,
		OutputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"destination": map[string]any{
					"type": "string",
					"enum": r.allowedValues(),
				},
				"confidence": map[string]any{"type": "number"},
			},
			"required": []string{"destination", "confidence"},
		},
	}

	var cls *classification
	_, err := r.bus.Send(ctx, "supervisor", r.client.Info().Provider, "classify-turn", nil, func(ctx context.Context) (any, error) {
		retryErr := r.retry.Do(ctx, "supervisor.classify", func(ctx context.Context) error {
			resp, err := reasoning.Complete(ctx, r.client, req)
			if err != nil {
				return err
			}
			parsed, err := parseClassification(resp)
			if err != nil {
				return err
			}
			if parsed.Destination != Finish && !contains(r.destinations, parsed.Destination) {
				return &ClassificationError{Value: parsed.Destination}
			}
			cls = parsed
			return nil
		})
		return cls, retryErr
	})
	if err != nil {
		return nil, err
	}

	return cls, nil
}

func parseClassification(resp *reasoning.Response) (*classification, error) {
	raw := resp.Structured
	if raw == nil {
		raw = json.RawMessage(resp.Text)
	}
	var cls classification
	if err := json.Unmarshal(raw, &cls); err != nil {
		return nil, &ClassificationError{Value: string(raw)}
	}
	return &cls, nil
}

func (r *Router) buildInstructions() string {
	if r.instructions != "" {
		return r.instructions
	}
	return fmt.Sprintf(
		"You are a supervisor routing a conversation turn. Pick exactly one destination from %v to handle the next step, or %s if the turn is complete. Report your confidence between 0 and 1.",
		r.destinations, Finish,
	)
}

func (r *Router) allowedValues() []any {
	values := make([]any, 0, len(r.destinations)+1)
	for _, d := range r.destinations {
		values = append(values, d)
	}
	return append(values, Finish)
}

func contains(values []string, v string) bool {
	for _, value := range values {
		if value == v {
			return true
		}
	}
	return false
}
