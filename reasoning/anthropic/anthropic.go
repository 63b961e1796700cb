// Package anthropic provides a reasoning.Client backed by the Anthropic
// Claude Messages API.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"

	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/reasoning"
)

// Options configures the Anthropic client adapter (model id, temperature,
// max tokens, API key).
type Options struct {
	Model       anthropic.Model
	Temperature float64
	MaxTokens   int64
	APIKey      string
}

// Client wraps the Anthropic Messages API behind the generic
// reasoning.Client interface.
type Client struct {
	client *anthropic.Client
	opts   Options
}

// NewClient creates a new Anthropic client using the official SDK.
func NewClient(optFns ...func(o *Options)) *Client {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	client := anthropic.NewClient(clientOpts...)

	return &Client{client: &client, opts: opts}
}

// NewClientFromSDK creates a new adapter from an existing SDK client.
func NewClientFromSDK(client *anthropic.Client, optFns ...func(o *Options)) *Client {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Client{client: client, opts: opts}
}

func defaultOptions() Options {
	return Options{
		Model:       anthropic.ModelClaude3_5Sonnet20241022,
		Temperature: 0.7,
		MaxTokens:   4096,
	}
}

// Generate implements reasoning.Client.
//
// TODO: wire anthropic streaming events; until then a Stream request degrades
// to one final response, which the multiplexer forwards as a single chunk.
func (c *Client) Generate(ctx context.Context, req reasoning.Request) (<-chan reasoning.Response, <-chan error) {
	out := make(chan reasoning.Response, 32)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		params := anthropic.MessageNewParams{
			Model:       c.opts.Model,
			Messages:    buildMessages(req.Messages),
			MaxTokens:   c.opts.MaxTokens,
			Temperature: anthropic.Float(c.opts.Temperature),
		}

		if system := systemBlocks(req); len(system) > 0 {
			params.System = system
		}
		if len(req.Tools) > 0 {
			params.Tools = buildTools(req.Tools)
		}

		resp, err := c.client.Messages.New(ctx, params)
		if err != nil {
			errCh <- classifyError(err)
			return
		}

		final := reasoning.Response{FinishReason: "stop"}
		if resp.StopReason != "" {
			final.FinishReason = string(resp.StopReason)
		}
		if resp.Usage.InputTokens > 0 || resp.Usage.OutputTokens > 0 {
			final.Usage = &reasoning.TokenUsage{
				PromptTokens:     int(resp.Usage.InputTokens),
				CompletionTokens: int(resp.Usage.OutputTokens),
				TotalTokens:      int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
			}
		}

		for _, block := range resp.Content {
			switch block.Type {
			case "text":
				final.Text += block.AsText().Text
			case "tool_use":
				toolBlock := block.AsToolUse()
				args := ""
				if toolBlock.Input != nil {
					if raw, err := json.Marshal(toolBlock.Input); err == nil {
						args = string(raw)
					}
				}
				final.ToolCalls = append(final.ToolCalls, reasoning.ToolCall{
					ID:        toolBlock.ID,
					Name:      toolBlock.Name,
					Arguments: args,
				})
			}
		}

		if req.OutputSchema != nil && final.Text != "" {
			final.Structured = json.RawMessage(final.Text)
		}

		select {
		case <-ctx.Done():
			errCh <- ctx.Err()
		case out <- final:
		}
	}()

	return out, errCh
}

// systemBlocks assembles the system prompt from the request instructions and
// any system-role messages. When a structured output schema is requested it is
// appended as an instruction, since the Messages API has no native response
// format parameter.
func systemBlocks(req reasoning.Request) []anthropic.TextBlockParam {
	var blocks []anthropic.TextBlockParam
	if req.Instructions != "" {
		blocks = append(blocks, anthropic.TextBlockParam{Text: req.Instructions})
	}
	for _, m := range req.Messages {
		if m.Role == core.RoleSystem && m.Text != "" {
			blocks = append(blocks, anthropic.TextBlockParam{Text: m.Text})
		}
	}
	if req.OutputSchema != nil {
		raw, err := json.Marshal(req.OutputSchema)
		if err == nil {
			blocks = append(blocks, anthropic.TextBlockParam{
				Text: fmt.Sprintf("Respond with a single JSON object conforming to this JSON schema, and nothing else:\n%s", raw),
			})
		}
	}
	return blocks
}

// buildMessages converts normalized messages to Anthropic message params.
// System messages are handled separately; tool results are embedded as
// tool_result blocks in the user turn that follows the assistant's tool use.
func buildMessages(messages []core.Message) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	for _, m := range messages {
		switch m.Role {
		case core.RoleSystem:
			continue
		case core.RoleUser:
			if m.Text != "" {
				out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Text)))
			}
		case core.RoleAssistant:
			var content []anthropic.ContentBlockParamUnion
			if m.Text != "" {
				content = append(content, anthropic.NewTextBlock(m.Text))
			}
			for _, inv := range m.Invocations {
				content = append(content, anthropic.NewToolUseBlock(inv.ID, inv.Args, inv.Tool))
			}
			if len(content) > 0 {
				out = append(out, anthropic.NewAssistantMessage(content...))
			}
		case core.RoleTool:
			var content []anthropic.ContentBlockParamUnion
			for _, inv := range m.Invocations {
				content = append(content, anthropic.NewToolResultBlock(inv.ID, invocationResultText(inv), inv.Error != ""))
			}
			if len(content) > 0 {
				out = append(out, anthropic.NewUserMessage(content...))
			}
		default:
			if m.Text != "" {
				out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Text)))
			}
		}
	}
	return out
}

func invocationResultText(inv core.ToolInvocation) string {
	if inv.Error != "" {
		return inv.Error
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

// buildTools converts tool definitions to the Anthropic tool format.
func buildTools(tools []reasoning.ToolDefinition) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, len(tools))
	for i, t := range tools {
		inputSchema := anthropic.ToolInputSchemaParam{
			Type: constant.Object("object"),
		}
		if t.Parameters != nil {
			if properties, ok := t.Parameters["properties"]; ok {
				inputSchema.Properties = properties
			}
			switch required := t.Parameters["required"].(type) {
			case []string:
				inputSchema.Required = required
			case []any:
				for _, r := range required {
					if s, ok := r.(string); ok {
						inputSchema.Required = append(inputSchema.Required, s)
					}
				}
			}
		}
		out[i] = anthropic.ToolUnionParamOfTool(inputSchema, t.Name)
	}
	return out
}

// classifyError maps SDK errors onto the reasoning error taxonomy.
func classifyError(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		switch apierr.StatusCode {
		case http.StatusTooManyRequests:
			return &reasoning.Error{Kind: reasoning.KindRateLimit, Message: "anthropic rate limited", Cause: err}
		case http.StatusRequestTimeout, http.StatusGatewayTimeout:
			return &reasoning.Error{Kind: reasoning.KindTimeout, Message: "anthropic timeout", Cause: err}
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &reasoning.Error{Kind: reasoning.KindTimeout, Message: "anthropic timeout", Cause: err}
	}
	return &reasoning.Error{Kind: reasoning.KindService, Message: "anthropic api error", Cause: err}
}

// Info returns metadata describing this Anthropic client implementation.
func (c *Client) Info() reasoning.Info {
	return reasoning.Info{
		Name:          string(c.opts.Model),
		Provider:      "anthropic",
		SupportsTools: true,
	}
}
