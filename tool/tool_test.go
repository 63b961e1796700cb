package tool

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentrelay/retry"
)

func sumTool() *FunctionTool {
	return NewFunctionTool(
		"calculate_sum",
		"Calculate the sum of two numbers",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"a": map[string]any{"type": "number"},
				"b": map[string]any{"type": "number"},
			},
			"required": []string{"a", "b"},
		},
		func(ctx context.Context, args map[string]any) (any, error) {
			return args["a"].(float64) + args["b"].(float64), nil
		},
	)
}

func TestFunctionToolCall(t *testing.T) {
	result, err := sumTool().Call(context.Background(), map[string]any{"a": 2.0, "b": 3.5})
	require.NoError(t, err)
	assert.Equal(t, 5.5, result)
}

func TestFunctionToolValidationShortCircuits(t *testing.T) {
	invoked := false
	tl := NewFunctionTool("strict", "requires x",
		map[string]any{
			"type":       "object",
			"properties": map[string]any{"x": map[string]any{"type": "string"}},
			"required":   []string{"x"},
		},
		func(ctx context.Context, args map[string]any) (any, error) {
			invoked = true
			return nil, nil
		},
	)

	_, err := tl.Call(context.Background(), map[string]any{})
	require.Error(t, err)
	assert.False(t, invoked, "function must not run on validation failure")

	var toolErr *Error
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, CodeValidation, toolErr.Code)
	assert.Equal(t, retry.ClassValidation, toolErr.RetryClass())
}

func TestFunctionToolWrongTypeRejected(t *testing.T) {
	_, err := sumTool().Call(context.Background(), map[string]any{"a": "two", "b": 3.0})
	var toolErr *Error
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, CodeValidation, toolErr.Code)
}

func TestFunctionToolExecutionErrorWrapped(t *testing.T) {
	tl := NewFunctionTool("failing", "always fails",
		map[string]any{"type": "object", "properties": map[string]any{}},
		func(ctx context.Context, args map[string]any) (any, error) {
			return nil, errors.New("backend unavailable")
		},
	)

	_, err := tl.Call(context.Background(), map[string]any{})
	var toolErr *Error
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, CodeExecution, toolErr.Code)
	assert.Equal(t, retry.ClassToolExecution, toolErr.RetryClass())
}

func TestFunctionToolPassesThroughToolError(t *testing.T) {
	custom := NewError("custom", "rate limited downstream", "DOWNSTREAM_THROTTLED")
	tl := NewFunctionTool("custom", "returns custom code",
		map[string]any{"type": "object", "properties": map[string]any{}},
		func(ctx context.Context, args map[string]any) (any, error) {
			return nil, custom
		},
	)

	_, err := tl.Call(context.Background(), map[string]any{})
	var toolErr *Error
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, "DOWNSTREAM_THROTTLED", toolErr.Code)
}

func TestNewFunctionToolFromStruct(t *testing.T) {
	type SumArgs struct {
		A float64 `json:"a" description:"First addend"`
		B float64 `json:"b" description:"Second addend"`
		C *string `json:"c,omitempty"`
	}

	tl := NewFunctionToolFromStruct("sum", "adds numbers", SumArgs{},
		func(ctx context.Context, args map[string]any) (any, error) {
			return args["a"].(float64) + args["b"].(float64), nil
		},
	)

	schema := tl.Parameters()
	props, ok := schema["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "a")
	assert.Contains(t, props, "b")
	assert.ElementsMatch(t, []string{"a", "b"}, schema["required"])

	result, err := tl.Call(context.Background(), map[string]any{"a": 1.0, "b": 2.0})
	require.NoError(t, err)
	assert.Equal(t, 3.0, result)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(sumTool())

	_, ok := r.Get("calculate_sum")
	assert.True(t, ok)
	_, ok = r.Get("missing")
	assert.False(t, ok)

	assert.Error(t, r.Register(sumTool()), "duplicate names rejected")
	assert.Equal(t, []string{"calculate_sum"}, r.Names())
	assert.Equal(t, 1, r.Len())

	defs := r.Definitions()
	require.Len(t, defs, 1)
	assert.Equal(t, "calculate_sum", defs[0].Name)
	assert.NotNil(t, defs[0].Parameters)
}

func TestErrorString(t *testing.T) {
	err := NewError("calc", "boom", CodeExecution)
	assert.Contains(t, err.Error(), "EXECUTION_ERROR")
	assert.Contains(t, err.Error(), "calc")

	uncoded := &Error{Tool: "calc", Message: "boom"}
	assert.Equal(t, "tool error in calc: boom", uncoded.Error())
}

func TestErrorRetryClassTimeout(t *testing.T) {
	err := NewError("slow", "deadline", CodeTimeout)
	assert.Equal(t, retry.ClassTimeout, err.RetryClass())
}
