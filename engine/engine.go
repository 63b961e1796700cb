// Package engine wires the orchestration core together: it owns the session
// store, the envelope bus, the streaming multiplexer and the supervisor, and
// drives one turn at a time per session under an exclusive turn lock.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hupe1980/agentrelay/a2a"
	"github.com/hupe1980/agentrelay/agent"
	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/logging"
	"github.com/hupe1980/agentrelay/memory"
	"github.com/hupe1980/agentrelay/reasoning"
	"github.com/hupe1980/agentrelay/session"
	"github.com/hupe1980/agentrelay/stream"
	"github.com/hupe1980/agentrelay/supervisor"
)

// ErrTurnInProgress rejects a message for a session whose previous turn has
// not finished. Turns are strictly serialized per session; concurrent
// submissions are rejected rather than queued.
var ErrTurnInProgress = errors.New("engine: turn in progress for session")

// Options configures an Engine.
type Options struct {
	// Sessions persists conversation history. Defaults to in-memory.
	Sessions core.SessionStore
	// Recorder receives every completed envelope. Nil disables recording.
	Recorder a2a.Recorder
	// Window bounds the context handed to the supervisor.
	Window *memory.Window
	// Router customizes supervisor construction (hop cap, threshold,
	// fallback, instructions).
	Router []func(o *supervisor.Options)
	// Mux buffer size per turn.
	BufferSize int
	// Logger defaults to NoOp.
	Logger logging.Logger
}

// Turn is a handle on one in-flight turn: its ids and its ordered event
// stream. The stream ends with exactly one terminal event.
type Turn struct {
	TurnID    string
	SessionID string
	Events    <-chan stream.Event
}

// Result is the drained outcome of a synchronous turn.
type Result struct {
	TurnID    string
	SessionID string
	Text      string
	// Exhausted marks a routing-exhausted outcome: the hop cap ended the
	// turn. Partial progress may still be present in Text.
	Exhausted bool
	// Degraded marks a partial sub-agent completion.
	Degraded bool
}

// Engine orchestrates turns across sessions. Register agents before the first
// submission; registration after that returns an error to keep the
// supervisor's destination set stable.
type Engine struct {
	client   reasoning.Client
	bus      *a2a.Bus
	mux      *stream.Mux
	sessions core.SessionStore
	window   *memory.Window
	logger   logging.Logger

	routerOpts []func(o *supervisor.Options)

	mu     sync.Mutex
	agents map[string]*agent.SubAgent
	order  []string
	router *supervisor.Router

	locks sync.Map // sessionID -> *sync.Mutex
}

// New constructs an Engine around a reasoning client.
func New(client reasoning.Client, optFns ...func(o *Options)) *Engine {
	opts := Options{
		BufferSize: stream.DefaultBufferSize,
		Logger:     logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Sessions == nil {
		opts.Sessions = session.NewInMemoryStore()
	}
	if opts.Window == nil {
		opts.Window = memory.NewWindow()
	}

	bus := a2a.NewBus(func(o *a2a.Options) {
		o.Recorder = opts.Recorder
		o.Logger = opts.Logger
	})
	mux := stream.NewMux(func(o *stream.Options) {
		o.BufferSize = opts.BufferSize
		o.Logger = opts.Logger
	})

	return &Engine{
		client:     client,
		bus:        bus,
		mux:        mux,
		sessions:   opts.Sessions,
		window:     opts.Window,
		logger:     opts.Logger,
		routerOpts: opts.Router,
		agents:     make(map[string]*agent.SubAgent),
	}
}

// Bus exposes the shared envelope bus so collaborators (pipeline, custom
// components) ride the same instrumentation.
func (e *Engine) Bus() *a2a.Bus { return e.bus }

// Sessions exposes the session store.
func (e *Engine) Sessions() core.SessionStore { return e.sessions }

// RegisterAgent adds a routing destination. Must happen before the first
// submitted turn.
func (e *Engine) RegisterAgent(a *agent.SubAgent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.router != nil {
		return fmt.Errorf("engine: cannot register %q after turns have started", a.Name())
	}
	if _, exists := e.agents[a.Name()]; exists {
		return fmt.Errorf("engine: agent %q already registered", a.Name())
	}
	e.agents[a.Name()] = a
	e.order = append(e.order, a.Name())
	return nil
}

// SubmitMessage starts a turn. An empty session id creates a new session.
// The user message is appended before routing begins; the returned Turn's
// event stream carries everything the turn produces.
func (e *Engine) SubmitMessage(ctx context.Context, sessionID, text string) (*Turn, error) {
	router, err := e.ensureRouter()
	if err != nil {
		return nil, err
	}

	sess, err := e.resolveSession(sessionID)
	if err != nil {
		return nil, err
	}

	lock := e.lockFor(sess.ID)
	if !lock.TryLock() {
		return nil, fmt.Errorf("%w: %s", ErrTurnInProgress, sess.ID)
	}

	turnID := core.NewID()
	st, err := e.mux.Open(turnID)
	if err != nil {
		lock.Unlock()
		return nil, err
	}

	sess.AppendMessage(core.NewMessage(sess.ID, core.RoleUser, text))

	// Client disconnect propagates into the turn as a cancellation.
	turnCtx := a2a.WithCorrelation(st.Context(), turnID)
	go func() {
		select {
		case <-ctx.Done():
			st.Cancel("client disconnected")
		case <-turnCtx.Done():
		}
	}()

	go func() {
		defer lock.Unlock()
		e.runTurn(turnCtx, router, turnID, sess, st)
	}()

	return &Turn{TurnID: turnID, SessionID: sess.ID, Events: st.Events()}, nil
}

// SubmitMessageSync runs a turn to completion and returns the final text.
func (e *Engine) SubmitMessageSync(ctx context.Context, sessionID, text string) (*Result, error) {
	turn, err := e.SubmitMessage(ctx, sessionID, text)
	if err != nil {
		return nil, err
	}

	result := &Result{TurnID: turn.TurnID, SessionID: turn.SessionID}
	for ev := range turn.Events {
		switch ev.Type {
		case stream.EventTurnComplete:
			result.Text = ev.Text
			if outcome, ok := ev.Payload.(map[string]any); ok {
				result.Exhausted, _ = outcome["exhausted"].(bool)
				result.Degraded, _ = outcome["degraded"].(bool)
			}
		case stream.EventError:
			return nil, errors.New(ev.Err)
		}
	}
	return result, nil
}

// CancelTurn aborts an in-flight turn by id. The active sub-agent observes
// cancellation at its next iteration boundary and the turn lock is released.
func (e *Engine) CancelTurn(turnID, reason string) error {
	return e.mux.Cancel(turnID, reason)
}

// runTurn drives the route → execute loop until FINISH, exhaustion or error.
func (e *Engine) runTurn(ctx context.Context, router *supervisor.Router, turnID string, sess *core.Session, st *stream.TurnStream) {
	state := supervisor.NewRoutingState(turnID)

	var lastResult *agent.Result
	newToolOutput := true // the fresh user message counts as new input

	for {
		decision, err := router.Route(ctx, state, e.window.Select(sess.GetMessages()), newToolOutput)
		if err != nil {
			e.logger.Error("engine.routing_failed", "turn_id", turnID, "session_id", sess.ID, "error", err.Error())
			st.Fail(err)
			return
		}

		ev := stream.NewEvent(turnID, stream.EventRoutingDecision)
		ev.Source = "supervisor"
		ev.Payload = decision
		if err := st.Publish(ctx, ev); err != nil {
			return
		}

		if state.Terminal() {
			e.completeTurn(turnID, sess, st, state, lastResult)
			return
		}

		ag := e.agentFor(decision.Destination)
		if ag == nil {
			st.Fail(&supervisor.ClassificationError{Value: decision.Destination})
			return
		}
		sess.SetCurrentAgent(decision.Destination)

		result, err := ag.Run(ctx, sess, st)
		if err != nil {
			// Cancellation or a fatal executor error: discard results.
			e.logger.Warn("engine.agent_aborted", "turn_id", turnID, "agent", decision.Destination, "error", err.Error())
			st.Fail(err)
			return
		}

		lastResult = result
		newToolOutput = len(result.Invocations) > 0

		if result.Degraded {
			state.Phase = supervisor.PhaseFinished
			e.completeTurn(turnID, sess, st, state, result)
			return
		}
	}
}

func (e *Engine) completeTurn(turnID string, sess *core.Session, st *stream.TurnStream, state *supervisor.RoutingState, lastResult *agent.Result) {
	ev := stream.NewEvent(turnID, stream.EventTurnComplete)
	ev.Source = "supervisor"
	outcome := map[string]any{"hops": state.Hops}
	if lastResult != nil {
		ev.Text = lastResult.Content
		if lastResult.Degraded {
			outcome["degraded"] = true
			outcome["reason"] = lastResult.Reason
		}
	}
	if state.Exhausted() {
		outcome["exhausted"] = true
		outcome["reason"] = "routing exhausted: hop cap reached"
	}
	ev.Payload = outcome
	st.Complete(ev)

	e.logger.Info("engine.turn_complete",
		"turn_id", turnID,
		"session_id", sess.ID,
		"hops", state.Hops,
		"exhausted", state.Exhausted(),
	)
}

// ensureRouter builds the supervisor over the registered destination set on
// first use.
func (e *Engine) ensureRouter() (*supervisor.Router, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.router != nil {
		return e.router, nil
	}
	if len(e.order) == 0 {
		return nil, fmt.Errorf("engine: no agents registered")
	}

	// Engine logger first so explicit router options can still override it.
	opts := append([]func(o *supervisor.Options){
		func(o *supervisor.Options) { o.Logger = e.logger },
	}, e.routerOpts...)
	router, err := supervisor.NewRouter(e.client, e.bus, e.order, opts...)
	if err != nil {
		return nil, err
	}
	e.router = router
	return router, nil
}

func (e *Engine) agentFor(name string) *agent.SubAgent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.agents[name]
}

func (e *Engine) resolveSession(sessionID string) (*core.Session, error) {
	if sessionID == "" {
		return e.sessions.Create(core.NewID())
	}
	return e.sessions.Get(sessionID)
}

func (e *Engine) lockFor(sessionID string) *sync.Mutex {
	v, _ := e.locks.LoadOrStore(sessionID, &sync.Mutex{})
	return v.(*sync.Mutex)
}
