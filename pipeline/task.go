package pipeline

import (
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/agentrelay/core"
)

// Status is the task lifecycle state.
type Status string

const (
	// StatusPending means the task was accepted but has not started.
	StatusPending Status = "pending"
	// StatusRunning means a stage is executing.
	StatusRunning Status = "running"
	// StatusRevision means the draft is being reworked after a failing check.
	StatusRevision Status = "revision"
	// StatusCompleted means the compliance threshold was met.
	StatusCompleted Status = "completed"
	// StatusFailed means the round cap was exhausted or a stage failed
	// beyond recovery. Failed tasks still carry the last draft and
	// compliance report.
	StatusFailed Status = "failed"
)

// Terminal reports whether the status ends the task.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

// Stage names the pipeline stages in execution order.
type Stage string

const (
	StageResearch   Stage = "research"
	StageAnalysis   Stage = "analysis"
	StageDraft      Stage = "draft"
	StageCompliance Stage = "compliance-check"
)

// Artifact ids under which stage outputs are stored, keyed by task id.
const (
	ArtifactReferences       = "references"
	ArtifactAnalysis         = "analysis"
	ArtifactDraft            = "draft"
	ArtifactComplianceReport = "compliance_report"
)

// Task is one document-generation run. Snapshots returned by the store are
// copies; mutation happens only inside the pipeline's run goroutine.
type Task struct {
	ID      string `json:"id"`
	Subject string `json:"subject"`
	Type    string `json:"type"`
	Status  Status `json:"status"`
	Stage   Stage  `json:"stage,omitempty"`
	// Round counts completed revision rounds (draft reworks), not the
	// initial draft.
	Round int `json:"round"`
	// Score is the most recent compliance score.
	Score   float64   `json:"score"`
	Err     string    `json:"error,omitempty"`
	Created time.Time `json:"created"`
	Updated time.Time `json:"updated"`

	// Artifacts maps stage artifact ids to their stored content. Populated
	// on snapshot reads from the artifact store; failed tasks keep the last
	// draft and compliance report here.
	Artifacts map[string]string `json:"artifacts,omitempty"`
}

// Store persists task snapshots. Implementations must be safe for concurrent
// use.
type Store interface {
	Save(t *Task) error
	Get(id string) (*Task, error)
}

// InMemoryStore is the default Store, suitable for tests and single-process
// deployments.
type InMemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]Task
}

// NewInMemoryStore creates an empty task store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{tasks: make(map[string]Task)}
}

// Save stores a snapshot of the task.
func (s *InMemoryStore) Save(t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = *t
	return nil
}

// Get returns a copy of the task, or an error if it does not exist.
func (s *InMemoryStore) Get(id string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("pipeline: task %q not found", id)
	}
	return &t, nil
}

func newTask(subject, docType string) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:      core.NewID(),
		Subject: subject,
		Type:    docType,
		Status:  StatusPending,
		Created: now,
		Updated: now,
	}
}
