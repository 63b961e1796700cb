// Package reasoning defines the thin capability the orchestration core
// depends on: given instructions, conversation context and an optional
// structured-output schema, produce text, a typed object or tool call
// requests, optionally as a token stream. Provider adapters live in the
// openai and anthropic subpackages; MockClient serves tests and examples.
package reasoning
