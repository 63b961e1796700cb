package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/reasoning"
)

// ComplianceReport is the compliance-check stage's structured verdict.
type ComplianceReport struct {
	Score    float64  `json:"score"`
	Findings []string `json:"findings,omitempty"`
	Summary  string   `json:"summary,omitempty"`
}

// Evaluator scores a draft against the task's requirements. The default
// implementation asks the reasoning service; tests substitute scripted
// evaluators.
type Evaluator interface {
	Evaluate(ctx context.Context, task *Task, draft string) (*ComplianceReport, error)
}

// ReasoningEvaluator scores drafts through the reasoning service with a
// structured-output contract.
type ReasoningEvaluator struct {
	client reasoning.Client
}

// NewReasoningEvaluator constructs the default Evaluator.
func NewReasoningEvaluator(client reasoning.Client) *ReasoningEvaluator {
	return &ReasoningEvaluator{client: client}
}

// Evaluate implements Evaluator.
func (e *ReasoningEvaluator) Evaluate(ctx context.Context, task *Task, draft string) (*ComplianceReport, error) {
	req := reasoning.Request{
		Instructions: "You are a compliance reviewer. Score the draft between 0 and 1 against the stated subject and document type, and list concrete findings for anything that must change.",
		Messages: []core.Message{
			userMessage(fmt.Sprintf("Subject: %s\nDocument type: %s\n\nDraft:\n%s", task.Subject, task.Type, draft)),
		},
		OutputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"score":    map[string]any{"type": "number"},
				"findings": map[string]any{"type": "array"},
				"summary":  map[string]any{"type": "string"},
			},
			"required": []string{"score"},
		},
	}

	resp, err := reasoning.Complete(ctx, e.client, req)
	if err != nil {
		return nil, err
	}

	raw := resp.Structured
	if raw == nil {
		raw = json.RawMessage(resp.Text)
	}
	var report ComplianceReport
	if err := json.Unmarshal(raw, &report); err != nil {
		return nil, fmt.Errorf("pipeline: malformed compliance verdict: %w", err)
	}
	return &report, nil
}

// Stage prompts. Content stays deliberately generic; callers tune via
// Options.StagePrompts.
func researchPrompt(task *Task) reasoning.Request {
	return stageRequest(
		"You are a research assistant. Collect the key facts, figures and references needed to write the requested document. Return a concise, numbered reference list.",
		fmt.Sprintf("Subject: %s\nDocument type: %s", task.Subject, task.Type),
	)
}

func analysisPrompt(task *Task, references string) reasoning.Request {
	return stageRequest(
		"You are an analyst. Distill the reference material into the arguments, structure and key points the document should make.",
		fmt.Sprintf("Subject: %s\nDocument type: %s\n\nReferences:\n%s", task.Subject, task.Type, references),
	)
}

func draftPrompt(task *Task, analysis string, feedback []string) reasoning.Request {
	input := fmt.Sprintf("Subject: %s\nDocument type: %s\n\nAnalysis:\n%s", task.Subject, task.Type, analysis)
	if len(feedback) > 0 {
		input += fmt.Sprintf("\n\nRevise the previous draft. Address every finding:\n- %s", strings.Join(feedback, "\n- "))
	}
	return stageRequest(
		"You are a professional writer. Produce the full document text, ready for review.",
		input,
	)
}

func stageRequest(instructions, input string) reasoning.Request {
	return reasoning.Request{
		Instructions: instructions,
		Messages:     []core.Message{userMessage(input)},
	}
}

func userMessage(text string) core.Message {
	return core.Message{ID: core.NewID(), Role: core.RoleUser, Text: text}
}
