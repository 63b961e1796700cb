// Package openai implements reasoning.Client using the OpenAI Chat
// Completions API (including streaming, tool calling and JSON-schema
// structured output). It adapts AgentRelay's normalized Request/Response
// structures into the SDK's message format and back.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/openai/openai-go"

	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/reasoning"
)

// aggCall aggregates partial tool call streaming deltas (id, name, arguments)
// allowing reconstruction of complete tool calls when the finish reason is
// emitted. Internal helper (unexported).
type aggCall struct{ id, name, args string }

// Options configure the OpenAI client adapter. Fields mirror a subset of
// Chat Completion parameters intentionally kept minimal; extend via
// functional options without breaking callers.
type Options struct {
	Model               string
	Temperature         float64
	MaxCompletionTokens int64
}

// Client wraps the OpenAI Chat Completions API behind the generic
// reasoning.Client interface.
type Client struct {
	client *openai.Client
	opts   Options
}

// NewClient creates a new OpenAI client using the official SDK defaults.
func NewClient(optFns ...func(o *Options)) *Client {
	c := openai.NewClient()
	return NewClientFromSDK(&c, optFns...)
}

// NewClientFromSDK creates a new adapter from an existing SDK client.
func NewClientFromSDK(client *openai.Client, optFns ...func(o *Options)) *Client {
	opts := Options{
		Model:               openai.ChatModelGPT4oMini,
		Temperature:         0.7,
		MaxCompletionTokens: 4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Client{client: client, opts: opts}
}

// Generate implements unified streaming / non-streaming generation.
func (c *Client) Generate(ctx context.Context, req reasoning.Request) (<-chan reasoning.Response, <-chan error) {
	out := make(chan reasoning.Response, 32)
	errCh := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errCh)
		params := c.buildParams(req, buildMessages(req))
		if req.Stream {
			c.handleStreaming(ctx, params, out, errCh)
			return
		}
		c.handleNonStreaming(ctx, req, params, out, errCh)
	}()
	return out, errCh
}

// buildMessages converts normalized messages into OpenAI chat messages while
// attaching tool results immediately after their originating assistant calls.
func buildMessages(req reasoning.Request) []openai.ChatCompletionMessageParamUnion {
	var messages []openai.ChatCompletionMessageParamUnion
	if req.Instructions != "" {
		messages = append(messages, openai.SystemMessage(req.Instructions))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case core.RoleSystem:
			messages = append(messages, openai.SystemMessage(m.Text))
		case core.RoleUser:
			messages = append(messages, openai.UserMessage(m.Text))
		case core.RoleAssistant:
			if len(m.Invocations) == 0 {
				messages = append(messages, openai.AssistantMessage(m.Text))
				continue
			}
			messages = append(messages, openai.ChatCompletionMessageParamUnion{OfAssistant: &openai.ChatCompletionAssistantMessageParam{
				Role:      "assistant",
				ToolCalls: assistantToolCalls(m.Invocations),
			}})
		case core.RoleTool:
			for _, inv := range m.Invocations {
				messages = append(messages, openai.ToolMessage(invocationResultText(inv), inv.ID))
			}
		default:
			if m.Text != "" {
				messages = append(messages, openai.UserMessage(m.Text))
			}
		}
	}
	return messages
}

func assistantToolCalls(invs []core.ToolInvocation) []openai.ChatCompletionMessageToolCallParam {
	calls := make([]openai.ChatCompletionMessageToolCallParam, 0, len(invs))
	for _, inv := range invs {
		raw, _ := json.Marshal(inv.Args)
		calls = append(calls, openai.ChatCompletionMessageToolCallParam{
			ID:   inv.ID,
			Type: "function",
			Function: openai.ChatCompletionMessageToolCallFunctionParam{
				Name:      inv.Tool,
				Arguments: string(raw),
			},
		})
	}
	return calls
}

func invocationResultText(inv core.ToolInvocation) string {
	if inv.Error != "" {
		return fmt.Sprintf("error: %s", inv.Error)
	}
	if s, ok := inv.Result.(string); ok {
		return s
	}
	raw, err := json.Marshal(inv.Result)
	if err != nil {
		return fmt.Sprintf("%v", inv.Result)
	}
	return string(raw)
}

// buildParams assembles the OpenAI request parameters including tool
// definitions and the optional structured-output response format.
func (c *Client) buildParams(
	req reasoning.Request,
	messages []openai.ChatCompletionMessageParamUnion,
) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Messages:            messages,
		Model:               c.opts.Model,
		Temperature:         openai.Float(c.opts.Temperature),
		MaxCompletionTokens: openai.Int(c.opts.MaxCompletionTokens),
	}
	if len(req.Tools) > 0 {
		tools := make([]openai.ChatCompletionToolParam, len(req.Tools))
		for i, tdef := range req.Tools {
			tools[i] = openai.ChatCompletionToolParam{
				Type: "function",
				Function: openai.FunctionDefinitionParam{
					Name:        tdef.Name,
					Description: openai.String(tdef.Description),
					Parameters:  tdef.Parameters,
				},
			}
		}
		params.Tools = tools
	}
	if req.OutputSchema != nil {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   "structured_output",
					Schema: req.OutputSchema,
				},
			},
		}
	}
	return params
}

// handleStreaming processes streaming responses and forwards partial / final chunks.
func (c *Client) handleStreaming(
	ctx context.Context,
	params openai.ChatCompletionNewParams,
	out chan<- reasoning.Response,
	errCh chan<- error,
) {
	stream := c.client.Chat.Completions.NewStreaming(ctx, params)
	var textBuilder strings.Builder
	toolAgg := map[int64]*aggCall{}
	for stream.Next() {
		ck := stream.Current()
		for _, ch := range ck.Choices {
			if ch.Delta.Content != "" {
				textBuilder.WriteString(ch.Delta.Content)
				out <- reasoning.Response{Partial: true, Text: ch.Delta.Content}
			}
			for _, tc := range ch.Delta.ToolCalls {
				ac, ok := toolAgg[tc.Index]
				if !ok {
					ac = &aggCall{}
					toolAgg[tc.Index] = ac
				}
				if tc.ID != "" {
					ac.id = tc.ID
				}
				if tc.Function.Name != "" {
					ac.name = tc.Function.Name
				}
				if tc.Function.Arguments != "" {
					ac.args += tc.Function.Arguments
				}
			}
			if ch.FinishReason != "" {
				out <- finalChunk(ch.FinishReason, textBuilder.String(), toolAgg)
			}
		}
	}
	if err := stream.Err(); err != nil {
		errCh <- classifyError(err)
	}
}

func finalChunk(finishReason, text string, toolAgg map[int64]*aggCall) reasoning.Response {
	resp := reasoning.Response{Text: text, FinishReason: finishReason}
	for _, ac := range toolAgg {
		resp.ToolCalls = append(resp.ToolCalls, reasoning.ToolCall{ID: ac.id, Name: ac.name, Arguments: ac.args})
	}
	return resp
}

// handleNonStreaming processes a normal (non-streaming) completion.
func (c *Client) handleNonStreaming(
	ctx context.Context,
	req reasoning.Request,
	params openai.ChatCompletionNewParams,
	out chan<- reasoning.Response,
	errCh chan<- error,
) {
	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		errCh <- classifyError(err)
		return
	}
	if len(resp.Choices) == 0 {
		errCh <- &reasoning.Error{Kind: reasoning.KindService, Message: "no choices returned"}
		return
	}
	ch0 := resp.Choices[0]
	final := reasoning.Response{
		Text:         ch0.Message.Content,
		FinishReason: ch0.FinishReason,
		Usage: &reasoning.TokenUsage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}
	for _, tc := range ch0.Message.ToolCalls {
		final.ToolCalls = append(final.ToolCalls, reasoning.ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments})
	}
	if req.OutputSchema != nil && ch0.Message.Content != "" {
		final.Structured = json.RawMessage(ch0.Message.Content)
	}
	out <- final
}

// classifyError maps SDK errors onto the reasoning error taxonomy so the
// central retry policy can plan recovery.
func classifyError(err error) error {
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		switch apierr.StatusCode {
		case http.StatusTooManyRequests:
			return &reasoning.Error{Kind: reasoning.KindRateLimit, Message: "openai rate limited", Cause: err}
		case http.StatusRequestTimeout, http.StatusGatewayTimeout:
			return &reasoning.Error{Kind: reasoning.KindTimeout, Message: "openai timeout", Cause: err}
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &reasoning.Error{Kind: reasoning.KindTimeout, Message: "openai timeout", Cause: err}
	}
	return &reasoning.Error{Kind: reasoning.KindService, Message: "openai api error", Cause: err}
}

// Info returns metadata describing this OpenAI client implementation.
func (c *Client) Info() reasoning.Info {
	return reasoning.Info{
		Name:          c.opts.Model,
		Provider:      "openai",
		SupportsTools: true,
	}
}
