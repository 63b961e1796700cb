package util

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemaFromStruct(t *testing.T) {
	type Args struct {
		Name     string   `json:"name" description:"Who to greet"`
		Count    int      `json:"count"`
		Loud     bool     `json:"loud,omitempty"`
		Tags     []string `json:"tags,omitempty"`
		Optional *string  `json:"optional"`
		Ignored  string   `json:"-"`
		hidden   string
	}

	schema := SchemaFromStruct(Args{})
	assert.Equal(t, "object", schema["type"])

	props := schema["properties"].(map[string]any)
	assert.Equal(t, "string", props["name"].(map[string]any)["type"])
	assert.Equal(t, "Who to greet", props["name"].(map[string]any)["description"])
	assert.Equal(t, "integer", props["count"].(map[string]any)["type"])
	assert.Equal(t, "boolean", props["loud"].(map[string]any)["type"])
	assert.Equal(t, "array", props["tags"].(map[string]any)["type"])
	assert.NotContains(t, props, "-")
	assert.NotContains(t, props, "Ignored")
	assert.NotContains(t, props, "hidden")

	// omitempty and pointer fields are optional.
	assert.ElementsMatch(t, []string{"name", "count"}, schema["required"])
}

func TestSchemaFromStructNonStruct(t *testing.T) {
	schema := SchemaFromStruct("not a struct")
	assert.Equal(t, "object", schema["type"])
	assert.Empty(t, schema["properties"])
}

func TestValidateArguments(t *testing.T) {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"expression": map[string]any{"type": "string"},
			"precision":  map[string]any{"type": "integer"},
			"mode":       map[string]any{"type": "string", "enum": []any{"fast", "exact"}},
		},
		"required": []string{"expression"},
	}

	tests := []struct {
		name    string
		args    map[string]any
		wantErr bool
	}{
		{"valid", map[string]any{"expression": "15% of 230"}, false},
		{"missing required", map[string]any{"precision": 2}, true},
		{"wrong type", map[string]any{"expression": 42}, true},
		{"integer as float64", map[string]any{"expression": "x", "precision": float64(3)}, false},
		{"fractional for integer", map[string]any{"expression": "x", "precision": 3.5}, true},
		{"enum ok", map[string]any{"expression": "x", "mode": "fast"}, false},
		{"enum violation", map[string]any{"expression": "x", "mode": "sloppy"}, true},
		{"extra fields tolerated", map[string]any{"expression": "x", "extra": true}, false},
		{"nil value accepted", map[string]any{"expression": nil}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateArguments(tt.args, schema)
			if tt.wantErr {
				var vErr *ValidationError
				require.ErrorAs(t, err, &vErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateArgumentsJSONRoundTrippedSchema(t *testing.T) {
	// Schemas decoded from JSON carry []any required lists and must still
	// validate.
	raw := `{"type":"object","properties":{"a":{"type":"number"}},"required":["a"]}`
	var schema map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &schema))

	assert.Error(t, ValidateArguments(map[string]any{}, schema))
	assert.NoError(t, ValidateArguments(map[string]any{"a": 1.5}, schema))
}

func TestRenderInstructions(t *testing.T) {
	out, err := RenderInstructions("You are {{.agent}} with tools {{join \", \" .tools}}.", map[string]any{
		"agent": "calculator",
		"tools": []any{"sum", "percent"},
	})
	require.NoError(t, err)
	assert.Equal(t, "You are calculator with tools sum, percent.", out)
}

func TestRenderInstructionsFastPath(t *testing.T) {
	out, err := RenderInstructions("plain text", nil)
	require.NoError(t, err)
	assert.Equal(t, "plain text", out)
}

func TestRenderInstructionsBadTemplate(t *testing.T) {
	_, err := RenderInstructions("{{.unclosed", nil)
	assert.Error(t, err)
}
