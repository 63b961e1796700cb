// Package agentrelay provides a high-level façade over the orchestration core
// (supervisor routing, sub-agent tool loops, streaming, sessions) and the
// document-generation pipeline. Most applications interact with this package
// by:
//  1. Creating an AgentRelay via New() around a reasoning client
//  2. Registering one or more sub-agents with their tool registries
//  3. Submitting turns asynchronously (SubmitMessage) or synchronously
//     (SubmitMessageSync), or submitting pipeline tasks (SubmitTask)
//
// The façade delegates turn orchestration to engine.Engine and document
// generation to pipeline.Pipeline while keeping setup concise. All defaults
// are safe for local development and testing; production deployments
// typically supply durable store implementations and a structured logger.
package agentrelay

import (
	"context"

	"github.com/hupe1980/agentrelay/agent"
	"github.com/hupe1980/agentrelay/engine"
	"github.com/hupe1980/agentrelay/pipeline"
	"github.com/hupe1980/agentrelay/reasoning"
	"github.com/hupe1980/agentrelay/stream"
)

// Options configures the AgentRelay instance.
type Options struct {
	// Engine customizes turn orchestration (stores, window, router, buffers).
	Engine []func(o *engine.Options)
	// Pipeline customizes the document pipeline (threshold, rounds, stores).
	Pipeline []func(o *pipeline.Options)
}

// AgentRelay is the high-level façade aggregating the engine and the pipeline.
type AgentRelay struct {
	engine   *engine.Engine
	pipeline *pipeline.Pipeline
}

// New creates a new AgentRelay around a reasoning client. Any unset service
// is initialized with an in-memory implementation.
func New(client reasoning.Client, optFns ...func(o *Options)) *AgentRelay {
	opts := Options{}
	for _, fn := range optFns {
		fn(&opts)
	}

	eng := engine.New(client, opts.Engine...)
	pipe := pipeline.New(client, eng.Bus(), opts.Pipeline...)

	return &AgentRelay{engine: eng, pipeline: pipe}
}

// Engine exposes the underlying engine for advanced wiring.
func (r *AgentRelay) Engine() *engine.Engine { return r.engine }

// Pipeline exposes the underlying document pipeline.
func (r *AgentRelay) Pipeline() *pipeline.Pipeline { return r.pipeline }

// RegisterAgent adds a routing destination. Must happen before the first turn.
func (r *AgentRelay) RegisterAgent(a *agent.SubAgent) error {
	return r.engine.RegisterAgent(a)
}

// SubmitMessage starts a turn and returns its live event stream. An empty
// session id creates a new session.
func (r *AgentRelay) SubmitMessage(ctx context.Context, sessionID, text string) (*engine.Turn, error) {
	return r.engine.SubmitMessage(ctx, sessionID, text)
}

// SubmitMessageSync runs a turn to completion and returns the final result.
func (r *AgentRelay) SubmitMessageSync(ctx context.Context, sessionID, text string) (*engine.Result, error) {
	return r.engine.SubmitMessageSync(ctx, sessionID, text)
}

// CancelTurn aborts an in-flight turn by id.
func (r *AgentRelay) CancelTurn(turnID, reason string) error {
	return r.engine.CancelTurn(turnID, reason)
}

// SubmitTask starts a document-generation task and returns its id.
func (r *AgentRelay) SubmitTask(ctx context.Context, subject, docType string) (string, error) {
	return r.pipeline.Submit(ctx, subject, docType)
}

// GetTask returns a snapshot of a pipeline task.
func (r *AgentRelay) GetTask(taskID string) (*pipeline.Task, error) {
	return r.pipeline.Get(taskID)
}

// StreamTask returns the live event stream of a running task.
func (r *AgentRelay) StreamTask(taskID string) (<-chan stream.Event, error) {
	return r.pipeline.Stream(taskID)
}

// ReviseTask re-opens a terminal task for another revision round with
// external feedback.
func (r *AgentRelay) ReviseTask(ctx context.Context, taskID, feedback string) error {
	return r.pipeline.Revise(ctx, taskID, feedback)
}
