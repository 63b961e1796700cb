// Package agent implements the sub-agent executor: a specialized worker bound
// to a tool subset that runs the bounded think-act-observe loop against the
// reasoning service. The executor is the only component that appends tool
// activity to session history.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hupe1980/agentrelay/a2a"
	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/internal/util"
	"github.com/hupe1980/agentrelay/logging"
	"github.com/hupe1980/agentrelay/memory"
	"github.com/hupe1980/agentrelay/reasoning"
	"github.com/hupe1980/agentrelay/retry"
	"github.com/hupe1980/agentrelay/stream"
	"github.com/hupe1980/agentrelay/tool"
)

// DefaultMaxIterations bounds the think-act-observe loop.
const DefaultMaxIterations = 8

// Result carries a sub-agent run's final content plus the ordered list of
// tool invocations performed.
type Result struct {
	Content     string                `json:"content"`
	Invocations []core.ToolInvocation `json:"invocations,omitempty"`
	// Degraded marks a partial completion: the iteration cap was reached or
	// the reasoning service stayed down through its retry budget.
	Degraded bool   `json:"degraded,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Options configures a SubAgent.
type Options struct {
	// Instructions is the system prompt template, rendered against
	// {{.agent}}, {{.session}} and {{.tools}}.
	Instructions string
	// MaxIterations caps the tool loop.
	MaxIterations int
	// Retry executes reasoning and tool calls. Defaults to a fresh policy.
	Retry *retry.Policy
	// Window bounds the context sent to the reasoning service.
	Window *memory.Window
	// Logger defaults to NoOp.
	Logger logging.Logger
}

// SubAgent is a named worker with its own tool registry and instructions.
// Immutable after construction and safe for concurrent use across sessions.
type SubAgent struct {
	name          string
	description   string
	client        reasoning.Client
	tools         *tool.Registry
	bus           *a2a.Bus
	instructions  string
	maxIterations int
	retry         *retry.Policy
	window        *memory.Window
	logger        logging.Logger
}

// New constructs a SubAgent. Description is surfaced to the supervisor's
// routing prompt; instructions steer the agent itself.
func New(name, description string, client reasoning.Client, tools *tool.Registry, bus *a2a.Bus, optFns ...func(o *Options)) *SubAgent {
	opts := Options{
		MaxIterations: DefaultMaxIterations,
		Window:        memory.NewWindow(),
		Logger:        logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Retry == nil {
		opts.Retry = retry.NewPolicy(func(o *retry.Options) { o.Logger = opts.Logger })
	}
	if tools == nil {
		tools = tool.NewRegistry()
	}

	return &SubAgent{
		name:          name,
		description:   description,
		client:        client,
		tools:         tools,
		bus:           bus,
		instructions:  opts.Instructions,
		maxIterations: opts.MaxIterations,
		retry:         opts.Retry,
		window:        opts.Window,
		logger:        opts.Logger,
	}
}

// Name returns the agent's routing destination name.
func (a *SubAgent) Name() string { return a.name }

// Description returns the short capability summary shown to the supervisor.
func (a *SubAgent) Description() string { return a.description }

// Run executes the bounded tool loop for one routing hop. Tool calls and
// their results are appended to the session as messages; the turn stream (may
// be nil) receives live token and tool events. Cancellation is honored at
// every iteration boundary: in-flight calls complete but no new calls are
// issued.
func (a *SubAgent) Run(ctx context.Context, sess *core.Session, st *stream.TurnStream) (*Result, error) {
	result := &Result{}

	for iteration := 0; iteration < a.maxIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		resp, err := a.think(ctx, sess, st)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			// Retry budget spent: exit with a user-visible partial outcome.
			result.Degraded = true
			result.Reason = fmt.Sprintf("reasoning service unavailable: %v", err)
			result.Content = "I could not complete this request because the reasoning service is unavailable. Partial progress may be reflected above."
			a.logger.Error("agent.reasoning_exhausted", "agent", a.name, "session_id", sess.ID, "error", err.Error())
			return result, nil
		}

		if len(resp.ToolCalls) == 0 {
			result.Content = resp.Text
			sess.AppendMessage(core.NewMessage(sess.ID, core.RoleAssistant, resp.Text))
			return result, nil
		}

		// One tool per iteration; extra requested calls are dropped.
		call := resp.ToolCalls[0]
		if len(resp.ToolCalls) > 1 {
			a.logger.Warn("agent.extra_tool_calls_dropped", "agent", a.name, "requested", len(resp.ToolCalls))
		}

		inv := a.act(ctx, sess, call, st)
		result.Invocations = append(result.Invocations, inv)
	}

	result.Degraded = true
	result.Reason = fmt.Sprintf("iteration cap %d reached without a final answer", a.maxIterations)
	result.Content = "I was unable to fully complete this request within the allotted steps. The tool results gathered so far are recorded in the conversation."
	sess.AppendMessage(core.NewMessage(sess.ID, core.RoleAssistant, result.Content))
	a.logger.Warn("agent.iteration_cap", "agent", a.name, "session_id", sess.ID, "cap", a.maxIterations)

	return result, nil
}

// think asks the reasoning service for the next step: a direct answer or a
// tool call. Tokens stream live; the call is enveloped and retried per the
// reasoning-service plan.
func (a *SubAgent) think(ctx context.Context, sess *core.Session, st *stream.TurnStream) (*reasoning.Response, error) {
	instructions, err := a.renderInstructions(sess)
	if err != nil {
		return nil, err
	}

	req := reasoning.Request{
		Instructions: instructions,
		Messages:     a.window.Select(sess.GetMessages()),
		Tools:        a.tools.Definitions(),
		Stream:       st != nil,
	}

	var final *reasoning.Response
	_, err = a.bus.Send(ctx, a.name, a.client.Info().Provider, "generate", nil, func(ctx context.Context) (any, error) {
		retryErr := a.retry.Do(ctx, "agent.generate", func(ctx context.Context) error {
			resp, err := a.generate(ctx, req, st)
			if err != nil {
				return err
			}
			final = resp
			return nil
		})
		return final, retryErr
	})
	if err != nil {
		return nil, err
	}
	return final, nil
}

// generate drains one Generate call, forwarding partial tokens to the stream.
func (a *SubAgent) generate(ctx context.Context, req reasoning.Request, st *stream.TurnStream) (*reasoning.Response, error) {
	respCh, errCh := a.client.Generate(ctx, req)

	var final *reasoning.Response
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case resp, ok := <-respCh:
			if !ok {
				if final == nil {
					return nil, &reasoning.Error{Kind: reasoning.KindService, Message: "no response produced"}
				}
				return final, nil
			}
			if resp.Partial {
				a.publishToken(ctx, st, resp.Text)
				continue
			}
			r := resp
			final = &r
		case err, ok := <-errCh:
			if ok && err != nil {
				return nil, err
			}
		}
	}
}

// act runs one tool call: validate, execute through the envelope bus with
// retry, record the invocation in session history and on the stream. Failures
// become observations, never loop-level errors.
func (a *SubAgent) act(ctx context.Context, sess *core.Session, call reasoning.ToolCall, st *stream.TurnStream) core.ToolInvocation {
	inv := core.ToolInvocation{
		ID:     call.ID,
		Tool:   call.Name,
		Status: core.InvocationPending,
	}
	if inv.ID == "" {
		inv.ID = core.NewID()
	}

	a.publishEvent(ctx, st, stream.EventToolCallStarted, map[string]any{"tool": call.Name, "invocation_id": inv.ID})

	args, t, err := a.prepare(call)
	if err == nil {
		inv.Args = args
		sess.AppendMessage(assistantToolMessage(sess.ID, inv))
		start := time.Now()
		var out any
		_, execErr := a.bus.Send(ctx, a.name, call.Name, "invoke-tool", args, func(ctx context.Context) (any, error) {
			retryErr := a.retry.Do(ctx, "agent.tool", func(ctx context.Context) error {
				res, callErr := safeCall(ctx, t, args)
				if callErr != nil {
					return callErr
				}
				out = res
				return nil
			})
			return out, retryErr
		})
		inv.Finalize(out, execErr, time.Since(start))
	} else {
		// Validation failed: the tool is never invoked; the error becomes
		// the observation.
		inv.Args = args
		sess.AppendMessage(assistantToolMessage(sess.ID, inv))
		inv.Finalize(nil, err, 0)
	}

	sess.AppendMessage(core.NewToolMessage(sess.ID, inv))
	a.publishEvent(ctx, st, stream.EventToolCallResult, inv)

	if inv.Status == core.InvocationError {
		a.logger.Warn("agent.tool_failed", "agent", a.name, "tool", call.Name, "error", inv.Error)
	} else {
		a.logger.Debug("agent.tool_succeeded", "agent", a.name, "tool", call.Name, "duration_ms", inv.Duration.Milliseconds())
	}

	return inv
}

// prepare parses and validates a tool call before execution. Any failure here
// means the underlying tool must not run.
func (a *SubAgent) prepare(call reasoning.ToolCall) (map[string]any, tool.Tool, error) {
	args := map[string]any{}
	if call.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			return nil, nil, tool.NewError(call.Name, fmt.Sprintf("malformed arguments: %v", err), tool.CodeValidation)
		}
	}

	t, ok := a.tools.Get(call.Name)
	if !ok {
		return args, nil, tool.NewError(call.Name, "unknown tool", tool.CodeValidation)
	}

	if err := util.ValidateArguments(args, t.Parameters()); err != nil {
		return args, nil, tool.NewError(call.Name, fmt.Sprintf("argument validation failed: %v", err), tool.CodeValidation)
	}

	return args, t, nil
}

// safeCall executes a tool, converting panics into execution errors so one
// misbehaving tool cannot take down the turn.
func safeCall(ctx context.Context, t tool.Tool, args map[string]any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = tool.NewError(t.Name(), fmt.Sprintf("tool panicked: %v", r), tool.CodeExecution)
		}
	}()
	return t.Call(ctx, args)
}

func (a *SubAgent) renderInstructions(sess *core.Session) (string, error) {
	if a.instructions == "" {
		return fmt.Sprintf("You are %s. %s Use the available tools when they help; otherwise answer directly.", a.name, a.description), nil
	}
	return util.RenderInstructions(a.instructions, map[string]any{
		"agent":   a.name,
		"session": sess.ID,
		"tools":   a.tools.Names(),
	})
}

func (a *SubAgent) publishToken(ctx context.Context, st *stream.TurnStream, text string) {
	if st == nil || text == "" {
		return
	}
	ev := stream.NewEvent(st.TurnID(), stream.EventToken)
	ev.Source = a.name
	ev.Text = text
	if err := st.Publish(ctx, ev); err != nil {
		a.logger.Debug("agent.publish_dropped", "agent", a.name, "error", err.Error())
	}
}

func (a *SubAgent) publishEvent(ctx context.Context, st *stream.TurnStream, eventType stream.EventType, payload any) {
	if st == nil {
		return
	}
	ev := stream.NewEvent(st.TurnID(), eventType)
	ev.Source = a.name
	ev.Payload = payload
	if err := st.Publish(ctx, ev); err != nil {
		a.logger.Debug("agent.publish_dropped", "agent", a.name, "error", err.Error())
	}
}

func assistantToolMessage(sessionID string, inv core.ToolInvocation) core.Message {
	m := core.NewMessage(sessionID, core.RoleAssistant, "")
	m.Invocations = []core.ToolInvocation{inv}
	return m
}
