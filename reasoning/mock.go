package reasoning

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/hupe1980/agentrelay/core"
)

// MockClient is a lightweight in-memory Client useful for tests & examples.
// Responses can be keyed by the last message text (AddResponse) or scripted
// as an ordered queue (Enqueue) for multi-step loops. Scripted responses win
// over keyed ones.
type MockClient struct {
	info      Info
	mu        sync.Mutex
	responses map[string]Response
	queue     []queued
}

type queued struct {
	resp Response
	err  error
}

// NewMockClient constructs a MockClient with basic tool support enabled.
func NewMockClient(name, provider string) *MockClient {
	return &MockClient{
		info: Info{
			Name:          name,
			Provider:      provider,
			SupportsTools: true,
		},
		responses: make(map[string]Response),
	}
}

// AddResponse registers a deterministic canned text completion for an input.
func (m *MockClient) AddResponse(input, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[input] = Response{Text: text, FinishReason: "stop"}
}

// Enqueue appends a scripted final response consumed in FIFO order.
func (m *MockClient) Enqueue(resp Response) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, queued{resp: resp})
}

// EnqueueError appends a scripted terminal error consumed in FIFO order.
func (m *MockClient) EnqueueError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, queued{err: err})
}

// EnqueueToolCall is a convenience for scripting a tool call decision.
func (m *MockClient) EnqueueToolCall(name string, args map[string]any) {
	raw, _ := json.Marshal(args)
	m.Enqueue(Response{
		ToolCalls:    []ToolCall{{ID: core.NewID(), Name: name, Arguments: string(raw)}},
		FinishReason: "tool_calls",
	})
}

// EnqueueStructured is a convenience for scripting a structured-output reply.
func (m *MockClient) EnqueueStructured(obj any) {
	raw, _ := json.Marshal(obj)
	m.Enqueue(Response{Structured: raw, FinishReason: "stop"})
}

func (m *MockClient) next(input string) (Response, error, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) > 0 {
		q := m.queue[0]
		m.queue = m.queue[1:]
		return q.resp, q.err, true
	}
	if resp, ok := m.responses[input]; ok {
		return resp, nil, true
	}
	return Response{}, nil, false
}

// Generate implements Client; emits optional streaming rune chunks then the
// final scripted response.
func (m *MockClient) Generate(ctx context.Context, req Request) (<-chan Response, <-chan error) {
	respCh := make(chan Response, 16)
	errCh := make(chan error, 1)

	go func() {
		defer close(respCh)
		defer close(errCh)

		var inputText string
		if len(req.Messages) > 0 {
			inputText = req.Messages[len(req.Messages)-1].Text
		}

		final, err, ok := m.next(inputText)
		if err != nil {
			errCh <- err
			return
		}
		if !ok {
			final = Response{Text: fmt.Sprintf("Mock response to: %s", inputText), FinishReason: "stop"}
		}

		if req.Stream && final.Text != "" && len(final.ToolCalls) == 0 {
			for _, r := range final.Text {
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				case respCh <- Response{Partial: true, Text: string(r)}:
				}
			}
		}

		select {
		case <-ctx.Done():
			errCh <- ctx.Err()
		case respCh <- final:
		}
	}()

	return respCh, errCh
}

// Info implements the Client interface.
func (m *MockClient) Info() Info { return m.info }
