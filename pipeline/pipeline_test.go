package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentrelay/a2a"
	"github.com/hupe1980/agentrelay/artifact"
	"github.com/hupe1980/agentrelay/internal/testutil"
	"github.com/hupe1980/agentrelay/reasoning"
	"github.com/hupe1980/agentrelay/retry"
	"github.com/hupe1980/agentrelay/stream"
)

// scriptedEvaluator returns pre-seeded compliance reports in order, then a
// passing report once the script is exhausted.
type scriptedEvaluator struct {
	mu      sync.Mutex
	reports []ComplianceReport
}

func (e *scriptedEvaluator) Evaluate(ctx context.Context, task *Task, draft string) (*ComplianceReport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.reports) == 0 {
		return &ComplianceReport{Score: 1.0}, nil
	}
	r := e.reports[0]
	e.reports = e.reports[1:]
	return &r, nil
}

// gatedClient holds the first stage call until the test has attached to the
// task's event stream, so streams cannot finish before the test observes them.
type gatedClient struct {
	reasoning.Client
	mu   sync.Mutex
	gate chan struct{}
}

func newGatedClient(inner reasoning.Client) *gatedClient {
	return &gatedClient{Client: inner}
}

// block installs a fresh gate; Generate calls stall until release.
func (g *gatedClient) block() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.gate = make(chan struct{})
}

func (g *gatedClient) release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.gate != nil {
		close(g.gate)
		g.gate = nil
	}
}

func (g *gatedClient) Generate(ctx context.Context, req reasoning.Request) (<-chan reasoning.Response, <-chan error) {
	g.mu.Lock()
	gate := g.gate
	g.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return g.Client.Generate(ctx, req)
}

func newTestPipeline(t *testing.T, client reasoning.Client, evaluator Evaluator, optFns ...func(o *Options)) (*Pipeline, *artifact.InMemoryStore) {
	t.Helper()
	artifacts := artifact.NewInMemoryStore()
	opts := append([]func(o *Options){
		func(o *Options) {
			o.Evaluator = evaluator
			o.Artifacts = artifacts
			o.Retry = retry.NewPolicy(func(ro *retry.Options) { ro.Sleep = testutil.NoSleep })
		},
	}, optFns...)
	return New(client, a2a.NewBus(), opts...), artifacts
}

// collect reads the event channel until it closes and returns all events.
func collect(t *testing.T, events <-chan stream.Event) []stream.Event {
	t.Helper()
	var out []stream.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("timed out waiting for pipeline events")
		}
	}
}

// waitTerminal polls the store until the task reaches a terminal status.
func waitTerminal(t *testing.T, p *Pipeline, taskID string) *Task {
	t.Helper()
	var task *Task
	require.Eventually(t, func() bool {
		got, err := p.Get(taskID)
		if err != nil {
			return false
		}
		task = got
		return task.Status.Terminal()
	}, 5*time.Second, 5*time.Millisecond)
	return task
}

func TestPipelineCompletesOnFirstRound(t *testing.T) {
	client := newGatedClient(reasoning.NewMockClient("mock", "mock"))
	evaluator := &scriptedEvaluator{reports: []ComplianceReport{{Score: 0.9}}}
	p, artifacts := newTestPipeline(t, client, evaluator)

	client.block()
	taskID, err := p.Submit(context.Background(), "quarterly report", "report")
	require.NoError(t, err)

	events, err := p.Stream(taskID)
	require.NoError(t, err)
	client.release()

	all := collect(t, events)
	require.NotEmpty(t, all)
	last := all[len(all)-1]
	assert.Equal(t, stream.EventTurnComplete, last.Type)
	assert.NotEmpty(t, last.Text, "terminal event carries the accepted draft")

	task := waitTerminal(t, p, taskID)
	assert.Equal(t, StatusCompleted, task.Status)
	assert.Equal(t, 0, task.Round)
	assert.InDelta(t, 0.9, task.Score, 1e-9)

	for _, id := range []string{ArtifactReferences, ArtifactAnalysis, ArtifactDraft, ArtifactComplianceReport} {
		_, err := artifacts.Get(taskID, id)
		assert.NoError(t, err, "artifact %s", id)
		assert.NotEmpty(t, task.Artifacts[id], "snapshot artifact %s", id)
	}

	// Stage events arrive in pipeline order.
	var stages []string
	for _, ev := range all {
		if ev.Type == stream.EventStageComplete {
			stages = append(stages, ev.Source)
		}
	}
	assert.Equal(t, []string{"research", "analysis", "draft", "compliance-check"}, stages)
}

func TestPipelineRevisesOnceThenCompletes(t *testing.T) {
	client := newGatedClient(reasoning.NewMockClient("mock", "mock"))
	evaluator := &scriptedEvaluator{reports: []ComplianceReport{
		{Score: 0.6, Findings: []string{"missing executive summary"}},
		{Score: 0.85},
	}}
	p, _ := newTestPipeline(t, client, evaluator)

	taskID, err := p.Submit(context.Background(), "incident postmortem", "report")
	require.NoError(t, err)

	task := waitTerminal(t, p, taskID)
	assert.Equal(t, StatusCompleted, task.Status)
	assert.Equal(t, 1, task.Round, "exactly one revision round recorded")
	assert.InDelta(t, 0.85, task.Score, 1e-9)
}

func TestPipelineFailsClosedAtRoundCap(t *testing.T) {
	client := newGatedClient(reasoning.NewMockClient("mock", "mock"))
	evaluator := &scriptedEvaluator{reports: []ComplianceReport{
		{Score: 0.5, Findings: []string{"f1"}},
		{Score: 0.55, Findings: []string{"f2"}},
		{Score: 0.6, Findings: []string{"f3"}},
	}}
	p, artifacts := newTestPipeline(t, client, evaluator)

	client.block()
	taskID, err := p.Submit(context.Background(), "hopeless document", "report")
	require.NoError(t, err)

	events, err := p.Stream(taskID)
	require.NoError(t, err)
	client.release()

	all := collect(t, events)
	require.NotEmpty(t, all)
	last := all[len(all)-1]
	assert.Equal(t, stream.EventError, last.Type)
	assert.Contains(t, last.Err, "revision cap")

	task := waitTerminal(t, p, taskID)
	assert.Equal(t, StatusFailed, task.Status)
	assert.Equal(t, 2, task.Round)
	assert.InDelta(t, 0.6, task.Score, 1e-9)

	// Fail closed, best effort preserved: last draft and compliance report
	// are both retrievable.
	draft, err := artifacts.Get(taskID, ArtifactDraft)
	require.NoError(t, err)
	assert.NotEmpty(t, draft)
	report, err := artifacts.Get(taskID, ArtifactComplianceReport)
	require.NoError(t, err)
	assert.NotEmpty(t, report)

	// The task snapshot itself carries them, so Get callers do not need the
	// live stream or the store.
	require.NotNil(t, task.Artifacts)
	assert.Equal(t, string(draft), task.Artifacts[ArtifactDraft])
	assert.Equal(t, string(report), task.Artifacts[ArtifactComplianceReport])

	// The terminal event carries both as payload.
	payload, ok := last.Payload.(map[string]any)
	require.True(t, ok)
	assert.NotEmpty(t, payload["draft"])
	assert.NotEmpty(t, payload["compliance_report"])
}

func TestPipelineStageFailureFailsTask(t *testing.T) {
	mock := reasoning.NewMockClient("mock", "mock")
	// The reasoning-service plan allows 2 retries: three errors exhaust it
	// during the research stage.
	for i := 0; i < 3; i++ {
		mock.EnqueueError(&reasoning.Error{Kind: reasoning.KindService, Message: "down"})
	}
	p, _ := newTestPipeline(t, mock, &scriptedEvaluator{})

	taskID, err := p.Submit(context.Background(), "subject", "report")
	require.NoError(t, err)

	task := waitTerminal(t, p, taskID)
	assert.Equal(t, StatusFailed, task.Status)
	assert.Equal(t, StageResearch, task.Stage)
	assert.Contains(t, task.Err, "down")
}

func TestPipelineCorrelationSpansRun(t *testing.T) {
	recorder := &envelopeRecorder{}
	mock := reasoning.NewMockClient("mock", "mock")
	bus := a2a.NewBus(func(o *a2a.Options) { o.Recorder = recorder })

	p := New(mock, bus, func(o *Options) {
		o.Evaluator = &scriptedEvaluator{reports: []ComplianceReport{{Score: 0.95}}}
		o.Retry = retry.NewPolicy(func(ro *retry.Options) { ro.Sleep = testutil.NoSleep })
	})

	taskID, err := p.Submit(context.Background(), "subject", "report")
	require.NoError(t, err)
	waitTerminal(t, p, taskID)

	envs := recorder.all()
	require.Len(t, envs, 4) // research, analysis, draft, compliance-check
	correlation := envs[0].CorrelationID
	require.NotEmpty(t, correlation)
	for _, env := range envs {
		assert.Equal(t, correlation, env.CorrelationID)
		assert.Equal(t, a2a.StatusSuccess, env.Status)
	}
}

func TestReviseReopensTerminalTask(t *testing.T) {
	client := newGatedClient(reasoning.NewMockClient("mock", "mock"))
	evaluator := &scriptedEvaluator{reports: []ComplianceReport{{Score: 0.9}, {Score: 0.95}}}
	p, _ := newTestPipeline(t, client, evaluator)

	taskID, err := p.Submit(context.Background(), "subject", "report")
	require.NoError(t, err)

	task := waitTerminal(t, p, taskID)
	require.Equal(t, StatusCompleted, task.Status)

	client.block()
	require.NoError(t, p.Revise(context.Background(), taskID, "tighten the introduction"))

	events, err := p.Stream(taskID)
	require.NoError(t, err)
	client.release()

	all := collect(t, events)
	require.NotEmpty(t, all)
	assert.Equal(t, stream.EventTurnComplete, all[len(all)-1].Type)

	task = waitTerminal(t, p, taskID)
	assert.Equal(t, StatusCompleted, task.Status)
	assert.Equal(t, 1, task.Round)
	assert.InDelta(t, 0.95, task.Score, 1e-9)
}

func TestReviseRejectsRunningTask(t *testing.T) {
	mock := reasoning.NewMockClient("mock", "mock")
	p, _ := newTestPipeline(t, mock, &scriptedEvaluator{})

	task := newTask("subject", "report")
	task.Status = StatusRunning
	require.NoError(t, p.store.Save(task))

	err := p.Revise(context.Background(), task.ID, "feedback")
	assert.Error(t, err)
}

func TestSubmitRejectsEmptySubject(t *testing.T) {
	mock := reasoning.NewMockClient("mock", "mock")
	p, _ := newTestPipeline(t, mock, &scriptedEvaluator{})

	_, err := p.Submit(context.Background(), "", "report")
	assert.Error(t, err)
}

func TestInMemoryStoreSnapshots(t *testing.T) {
	store := NewInMemoryStore()
	task := newTask("subject", "report")
	require.NoError(t, store.Save(task))

	got, err := store.Get(task.ID)
	require.NoError(t, err)
	got.Status = StatusFailed // mutating the snapshot must not affect the store

	again, err := store.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, again.Status)

	_, err = store.Get("missing")
	assert.Error(t, err)
}

type envelopeRecorder struct {
	mu   sync.Mutex
	envs []a2a.Envelope
}

func (r *envelopeRecorder) Record(env a2a.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = append(r.envs, env)
}

func (r *envelopeRecorder) all() []a2a.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]a2a.Envelope, len(r.envs))
	copy(out, r.envs)
	return out
}
