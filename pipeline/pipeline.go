// Package pipeline implements the document-generation variant: a fixed
// research → analysis → draft → compliance-check sequence with a score-gated,
// bounded revision loop. Each stage runs as an enveloped call so per-stage
// latency and failure are independently observable; stage outputs persist as
// artifacts keyed by task id.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hupe1980/agentrelay/a2a"
	"github.com/hupe1980/agentrelay/artifact"
	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/logging"
	"github.com/hupe1980/agentrelay/reasoning"
	"github.com/hupe1980/agentrelay/retry"
	"github.com/hupe1980/agentrelay/stream"
)

// Defaults for the revision loop.
const (
	DefaultThreshold = 0.8
	DefaultMaxRounds = 3
)

// Options configures a Pipeline.
type Options struct {
	// Threshold is the compliance score that accepts a draft.
	Threshold float64
	// MaxRounds caps draft → compliance-check rounds (initial draft
	// included). Exhaustion fails the task with the last draft attached.
	MaxRounds int
	// Store persists task snapshots. Defaults to in-memory.
	Store Store
	// Artifacts persists stage outputs keyed by task id. Defaults to
	// in-memory.
	Artifacts core.ArtifactStore
	// Evaluator scores drafts. Defaults to the reasoning-backed evaluator.
	Evaluator Evaluator
	// Retry executes stage calls. Defaults to a fresh policy.
	Retry *retry.Policy
	// Mux carries per-task event streams. Defaults to a private mux.
	Mux *stream.Mux
	// Logger defaults to NoOp.
	Logger logging.Logger
}

// Pipeline runs document-generation tasks. Safe for concurrent use; each task
// runs in its own goroutine and mutates only its own Task.
type Pipeline struct {
	client    reasoning.Client
	bus       *a2a.Bus
	threshold float64
	maxRounds int
	store     Store
	artifacts core.ArtifactStore
	evaluator Evaluator
	retry     *retry.Policy
	mux       *stream.Mux
	logger    logging.Logger
}

// New constructs a Pipeline with optional overrides.
func New(client reasoning.Client, bus *a2a.Bus, optFns ...func(o *Options)) *Pipeline {
	opts := Options{
		Threshold: DefaultThreshold,
		MaxRounds: DefaultMaxRounds,
		Logger:    logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Store == nil {
		opts.Store = NewInMemoryStore()
	}
	if opts.Artifacts == nil {
		opts.Artifacts = artifact.NewInMemoryStore()
	}
	if opts.Evaluator == nil {
		opts.Evaluator = NewReasoningEvaluator(client)
	}
	if opts.Retry == nil {
		opts.Retry = retry.NewPolicy(func(o *retry.Options) { o.Logger = opts.Logger })
	}
	if opts.Mux == nil {
		opts.Mux = stream.NewMux(func(o *stream.Options) { o.Logger = opts.Logger })
	}

	return &Pipeline{
		client:    client,
		bus:       bus,
		threshold: opts.Threshold,
		maxRounds: opts.MaxRounds,
		store:     opts.Store,
		artifacts: opts.Artifacts,
		evaluator: opts.Evaluator,
		retry:     opts.Retry,
		mux:       opts.Mux,
		logger:    opts.Logger,
	}
}

// Submit accepts a new task and starts it asynchronously. The returned task
// id addresses Get, Stream, Cancel and Revise.
func (p *Pipeline) Submit(ctx context.Context, subject, docType string) (string, error) {
	if subject == "" {
		return "", fmt.Errorf("pipeline: subject must not be empty")
	}

	task := newTask(subject, docType)
	if err := p.store.Save(task); err != nil {
		return "", err
	}

	st, err := p.mux.Open(task.ID)
	if err != nil {
		return "", err
	}

	// One correlation id spans every envelope of the run.
	runCtx := a2a.WithCorrelation(st.Context(), core.NewID())

	go p.run(runCtx, task, st)

	return task.ID, nil
}

// Get returns a snapshot of the task, including the contents of its stage
// artifacts. Failed tasks carry their last draft and compliance report this
// way in addition to the terminal event payload.
func (p *Pipeline) Get(taskID string) (*Task, error) {
	task, err := p.store.Get(taskID)
	if err != nil {
		return nil, err
	}

	ids, err := p.artifacts.List(taskID)
	if err != nil {
		p.logger.Error("pipeline.artifact_list_failed", "task_id", taskID, "error", err.Error())
		return task, nil
	}
	if len(ids) > 0 {
		task.Artifacts = make(map[string]string, len(ids))
		for _, id := range ids {
			data, err := p.artifacts.Get(taskID, id)
			if err != nil {
				continue
			}
			task.Artifacts[id] = string(data)
		}
	}

	return task, nil
}

// Artifacts exposes the artifact store holding stage outputs keyed by task id.
func (p *Pipeline) Artifacts() core.ArtifactStore { return p.artifacts }

// Stream returns the live event stream of a running task.
func (p *Pipeline) Stream(taskID string) (<-chan stream.Event, error) {
	st, ok := p.mux.Get(taskID)
	if !ok {
		return nil, fmt.Errorf("pipeline: no live stream for task %q", taskID)
	}
	return st.Events(), nil
}

// Cancel aborts a running task at the next stage boundary.
func (p *Pipeline) Cancel(taskID, reason string) error {
	return p.mux.Cancel(taskID, reason)
}

// Revise re-opens a completed or failed task for another revision round,
// feeding the external feedback into the draft stage alongside the last
// compliance findings.
func (p *Pipeline) Revise(ctx context.Context, taskID, feedback string) error {
	task, err := p.store.Get(taskID)
	if err != nil {
		return err
	}
	if !task.Status.Terminal() {
		return fmt.Errorf("pipeline: task %q is still %s; only terminal tasks can be revised", taskID, task.Status)
	}

	analysis, err := p.artifacts.Get(task.ID, ArtifactAnalysis)
	if err != nil {
		return fmt.Errorf("pipeline: task %q has no analysis artifact to revise from: %w", taskID, err)
	}

	st, err := p.mux.Open(task.ID)
	if err != nil {
		return err
	}

	task.Status = StatusRevision
	task.Round++
	if err := p.store.Save(task); err != nil {
		st.Fail(err)
		return err
	}

	runCtx := a2a.WithCorrelation(st.Context(), core.NewID())

	go func() {
		findings := []string{feedback}
		if report, err := p.lastReport(task.ID); err == nil {
			findings = append(findings, report.Findings...)
		}
		p.reviseLoop(runCtx, task, st, string(analysis), findings, 0)
	}()

	return nil
}

// run drives a fresh task through all four stages plus the revision loop.
func (p *Pipeline) run(ctx context.Context, task *Task, st *stream.TurnStream) {
	task.Status = StatusRunning
	p.save(task)

	references, err := p.runStage(ctx, task, st, StageResearch, researchPrompt(task))
	if err != nil {
		p.fail(task, st, err)
		return
	}
	p.saveArtifact(task, ArtifactReferences, references)

	analysis, err := p.runStage(ctx, task, st, StageAnalysis, analysisPrompt(task, references))
	if err != nil {
		p.fail(task, st, err)
		return
	}
	p.saveArtifact(task, ArtifactAnalysis, analysis)

	p.reviseLoop(ctx, task, st, analysis, nil, 0)
}

// reviseLoop runs draft → compliance-check until the threshold is met or the
// round budget is spent. roundsUsed counts checks already performed in this
// loop (zero for a fresh run).
func (p *Pipeline) reviseLoop(ctx context.Context, task *Task, st *stream.TurnStream, analysis string, findings []string, roundsUsed int) {
	for {
		draft, err := p.runStage(ctx, task, st, StageDraft, draftPrompt(task, analysis, findings))
		if err != nil {
			p.fail(task, st, err)
			return
		}
		p.saveArtifact(task, ArtifactDraft, draft)

		report, err := p.check(ctx, task, st, draft)
		if err != nil {
			p.fail(task, st, err)
			return
		}
		roundsUsed++

		task.Score = report.Score
		p.save(task)

		if report.Score >= p.threshold {
			p.complete(task, st, draft)
			return
		}

		if roundsUsed >= p.maxRounds {
			p.fail(task, st, fmt.Errorf("pipeline: revision cap %d reached with score %.2f below threshold %.2f", p.maxRounds, report.Score, p.threshold))
			return
		}

		task.Status = StatusRevision
		task.Round++
		p.save(task)
		p.logger.Info("pipeline.revision", "task_id", task.ID, "round", task.Round, "score", report.Score)

		findings = report.Findings
		if len(findings) == 0 && report.Summary != "" {
			findings = []string{report.Summary}
		}
	}
}

// runStage executes one reasoning-backed stage as an enveloped, retried call.
func (p *Pipeline) runStage(ctx context.Context, task *Task, st *stream.TurnStream, stage Stage, req reasoning.Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	task.Stage = stage
	if task.Status != StatusRevision {
		task.Status = StatusRunning
	}
	p.save(task)

	var text string
	_, err := p.bus.Send(ctx, "pipeline", string(stage), "run-stage", task.Subject, func(ctx context.Context) (any, error) {
		retryErr := p.retry.Do(ctx, "pipeline."+string(stage), func(ctx context.Context) error {
			resp, err := reasoning.Complete(ctx, p.client, req)
			if err != nil {
				return err
			}
			text = resp.Text
			return nil
		})
		return text, retryErr
	})
	if err != nil {
		return "", err
	}

	p.publishStage(ctx, task, st, stage, text)
	return text, nil
}

// check runs the compliance-check stage through the evaluator.
func (p *Pipeline) check(ctx context.Context, task *Task, st *stream.TurnStream, draft string) (*ComplianceReport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	task.Stage = StageCompliance
	p.save(task)

	var report *ComplianceReport
	_, err := p.bus.Send(ctx, "pipeline", string(StageCompliance), "run-stage", nil, func(ctx context.Context) (any, error) {
		retryErr := p.retry.Do(ctx, "pipeline.compliance", func(ctx context.Context) error {
			r, err := p.evaluator.Evaluate(ctx, task, draft)
			if err != nil {
				return err
			}
			report = r
			return nil
		})
		return report, retryErr
	})
	if err != nil {
		return nil, err
	}

	p.saveReport(task, report)
	p.publishStage(ctx, task, st, StageCompliance, fmt.Sprintf("score %.2f", report.Score))

	return report, nil
}

func (p *Pipeline) complete(task *Task, st *stream.TurnStream, draft string) {
	task.Status = StatusCompleted
	task.Stage = ""
	p.save(task)
	p.logger.Info("pipeline.completed", "task_id", task.ID, "rounds", task.Round, "score", task.Score)

	ev := stream.NewEvent(task.ID, stream.EventTurnComplete)
	ev.Source = "pipeline"
	ev.Text = draft
	st.Complete(ev)
}

// fail marks the task failed while keeping the last draft and compliance
// report reachable through the artifact store (fail closed, best effort
// preserved).
func (p *Pipeline) fail(task *Task, st *stream.TurnStream, cause error) {
	task.Status = StatusFailed
	task.Err = cause.Error()
	p.save(task)
	p.logger.Error("pipeline.failed", "task_id", task.ID, "rounds", task.Round, "error", cause.Error())

	ev := stream.NewEvent(task.ID, stream.EventError)
	ev.Source = "pipeline"
	ev.Err = cause.Error()
	if draft, err := p.artifacts.Get(task.ID, ArtifactDraft); err == nil {
		payload := map[string]any{"draft": string(draft)}
		if report, err := p.artifacts.Get(task.ID, ArtifactComplianceReport); err == nil {
			payload["compliance_report"] = string(report)
		}
		ev.Payload = payload
	}
	st.Complete(ev)
}

func (p *Pipeline) publishStage(ctx context.Context, task *Task, st *stream.TurnStream, stage Stage, summary string) {
	ev := stream.NewEvent(task.ID, stream.EventStageComplete)
	ev.Source = string(stage)
	ev.Text = summary
	ev.Payload = map[string]any{"round": task.Round}
	if err := st.Publish(ctx, ev); err != nil {
		p.logger.Debug("pipeline.publish_dropped", "task_id", task.ID, "stage", string(stage))
	}
}

func (p *Pipeline) save(task *Task) {
	if err := p.store.Save(task); err != nil {
		p.logger.Error("pipeline.save_failed", "task_id", task.ID, "error", err.Error())
	}
}

func (p *Pipeline) saveArtifact(task *Task, id, content string) {
	if err := p.artifacts.Save(task.ID, id, []byte(content)); err != nil {
		p.logger.Error("pipeline.artifact_save_failed", "task_id", task.ID, "artifact", id, "error", err.Error())
	}
}

func (p *Pipeline) saveReport(task *Task, report *ComplianceReport) {
	raw, err := json.Marshal(report)
	if err != nil {
		p.logger.Error("pipeline.report_encode_failed", "task_id", task.ID, "error", err.Error())
		return
	}
	p.saveArtifact(task, ArtifactComplianceReport, string(raw))
}

func (p *Pipeline) lastReport(taskID string) (*ComplianceReport, error) {
	raw, err := p.artifacts.Get(taskID, ArtifactComplianceReport)
	if err != nil {
		return nil, err
	}
	var report ComplianceReport
	if err := json.Unmarshal(raw, &report); err != nil {
		return nil, err
	}
	return &report, nil
}
