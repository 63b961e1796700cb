// Package a2a implements the agent-to-agent envelope bus: an in-process
// message-passing utility that wraps every inter-component call in a
// structured envelope carrying correlation id and timing metrics. The bus
// has no business logic; its sole contract is uniform instrumentation and
// addressing, which is what makes execution traceable end-to-end.
package a2a

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/logging"
)

// Status is the lifecycle state of an envelope. Transitions are
// pending -> success or pending -> error, never backward.
type Status string

const (
	// StatusPending means the wrapped call has not completed.
	StatusPending Status = "pending"
	// StatusSuccess means the wrapped call returned a payload.
	StatusSuccess Status = "success"
	// StatusError means the wrapped call returned an error.
	StatusError Status = "error"
)

// Metrics captures per-envelope observability data.
type Metrics struct {
	Latency  time.Duration `json:"latency"`
	SubCalls int           `json:"sub_calls"`
}

// Envelope is the structured record of one request/response pair between two
// named participants. It is immutable after completion.
type Envelope struct {
	ID            string    `json:"id"`
	CorrelationID string    `json:"correlation_id"`
	Sender        string    `json:"sender"`
	Receiver      string    `json:"receiver"`
	Intent        string    `json:"intent"`
	Input         any       `json:"input,omitempty"`
	Output        any       `json:"output,omitempty"`
	Err           string    `json:"error,omitempty"`
	Status        Status    `json:"status"`
	Metrics       Metrics   `json:"metrics"`
	Started       time.Time `json:"started"`
	Completed     time.Time `json:"completed"`
}

// Recorder receives completed envelopes. Implementations are expected to be
// append-only sinks (audit log, persistence collaborator). A nil Recorder
// disables recording.
type Recorder interface {
	Record(env Envelope)
}

type ctxKey int

const (
	correlationKey ctxKey = iota
	subCallKey
)

// WithCorrelation returns a context carrying the given correlation id,
// tying all envelopes produced under it to one logical turn or run.
func WithCorrelation(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, correlationKey, correlationID)
}

// CorrelationFrom extracts the correlation id from the context, or "" if absent.
func CorrelationFrom(ctx context.Context) string {
	if v, ok := ctx.Value(correlationKey).(string); ok {
		return v
	}
	return ""
}

// subCallCounter counts nested envelopes issued under a parent Send. Nested
// Sends may run concurrently (SendAsync fan-out under one context), so the
// count is atomic.
type subCallCounter struct{ n atomic.Int64 }

// Options configures a Bus.
type Options struct {
	// Recorder receives every completed envelope. Nil disables recording.
	Recorder Recorder
	// Logger defaults to NoOp.
	Logger logging.Logger
}

// Bus stamps, times and records envelopes around inter-component calls.
// It is immutable after construction and safe for concurrent use.
type Bus struct {
	recorder Recorder
	logger   logging.Logger
}

// NewBus constructs a Bus with optional overrides.
func NewBus(optFns ...func(o *Options)) *Bus {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Bus{recorder: opts.Recorder, logger: opts.Logger}
}

// Handle tracks an asynchronous envelope started with SendAsync.
type Handle struct {
	done <-chan struct{}
	env  *Envelope
	err  error
}

// Wait blocks until the wrapped call completes or ctx is cancelled, then
// returns the finished envelope.
func (h *Handle) Wait(ctx context.Context) (*Envelope, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.done:
		return h.env, h.err
	}
}

// Send wraps fn in a new envelope: stamps a fresh id, reuses the caller's
// correlation id (minting one if absent, which marks the start of a new
// logical turn or run), records start/end timestamps and guarantees exactly
// one terminal status write. The wrapped fn receives a context whose nested
// Sends count toward this envelope's SubCalls metric.
func (b *Bus) Send(ctx context.Context, sender, receiver, intent string, input any, fn func(ctx context.Context) (any, error)) (*Envelope, error) {
	correlationID := CorrelationFrom(ctx)
	if correlationID == "" {
		correlationID = core.NewID()
		ctx = WithCorrelation(ctx, correlationID)
	}

	if parent, ok := ctx.Value(subCallKey).(*subCallCounter); ok {
		parent.n.Add(1)
	}

	env := &Envelope{
		ID:            core.NewID(),
		CorrelationID: correlationID,
		Sender:        sender,
		Receiver:      receiver,
		Intent:        intent,
		Input:         input,
		Status:        StatusPending,
		Started:       time.Now().UTC(),
	}

	counter := &subCallCounter{}
	out, err := fn(context.WithValue(ctx, subCallKey, counter))

	env.Completed = time.Now().UTC()
	env.Metrics = Metrics{Latency: env.Completed.Sub(env.Started), SubCalls: int(counter.n.Load())}
	if err != nil {
		env.Status = StatusError
		env.Err = err.Error()
	} else {
		env.Status = StatusSuccess
		env.Output = out
	}

	b.logger.Debug("a2a.send",
		"envelope_id", env.ID,
		"correlation_id", env.CorrelationID,
		"sender", sender,
		"receiver", receiver,
		"intent", intent,
		"status", string(env.Status),
		"latency_ms", env.Metrics.Latency.Milliseconds(),
		"sub_calls", env.Metrics.SubCalls,
	)

	if b.recorder != nil {
		b.recorder.Record(*env)
	}

	return env, err
}

// SendAsync starts the wrapped call in its own goroutine and returns a Handle
// for the streaming path. The envelope carries the same guarantees as Send.
func (b *Bus) SendAsync(ctx context.Context, sender, receiver, intent string, input any, fn func(ctx context.Context) (any, error)) *Handle {
	done := make(chan struct{})
	h := &Handle{done: done}
	go func() {
		defer close(done)
		h.env, h.err = b.Send(ctx, sender, receiver, intent, input, fn)
	}()
	return h
}
