package storage

import (
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/ignatij/triageflow/pkg/models"
	"github.com/pkg/errors"
)

type runTable map[string]models.Run

type memoryOp func(runs runTable) error

// memoryStore implements Store in process memory. Writes made through Begin are
// staged and applied atomically on Commit.
type memoryStore struct {
	mu   sync.RWMutex
	runs runTable
	seq  map[string]int // insertion order, breaks ties between equal start times
	next int
}

func NewMemoryStore() Store {
	return &memoryStore{runs: make(runTable), seq: make(map[string]int)}
}

func (m *memoryStore) Begin() (Store, error) {
	return &memoryTx{store: m}, nil
}

func (m *memoryStore) Commit() error {
	return errors.New("cannot commit: not a transaction")
}

func (m *memoryStore) Rollback() error {
	return errors.New("cannot rollback: not a transaction")
}

func (m *memoryStore) Close() error {
	return nil
}

func (m *memoryStore) apply(ops []memoryOp) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	staged := maps.Clone(m.runs)
	for _, op := range ops {
		if err := op(staged); err != nil {
			return err
		}
	}
	for id := range staged {
		if _, ok := m.seq[id]; !ok {
			m.next++
			m.seq[id] = m.next
		}
	}
	m.runs = staged
	return nil
}

func (m *memoryStore) SaveRun(r models.Run) error {
	return m.apply([]memoryOp{saveRunOp(r)})
}

func (m *memoryStore) UpdateRunStatus(id string, status models.RunStatus, finishedAt *time.Time) error {
	return m.apply([]memoryOp{updateRunStatusOp(id, status, finishedAt)})
}

func (m *memoryStore) SaveTaskResult(runID string, r models.TaskResult) error {
	return m.apply([]memoryOp{saveTaskResultOp(runID, r)})
}

func (m *memoryStore) SaveViolation(runID string, v models.SecurityViolation) error {
	return m.apply([]memoryOp{saveViolationOp(runID, v)})
}

func (m *memoryStore) SaveThreatEvent(runID string, e models.ThreatEvent) error {
	return m.apply([]memoryOp{saveThreatEventOp(runID, e)})
}

func (m *memoryStore) GetRun(id string) (models.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[id]
	if !ok {
		return models.Run{}, errors.Wrapf(ErrNotFound, "run %s", id)
	}
	r.Tasks = slices.Clone(r.Tasks)
	r.Violations = slices.Clone(r.Violations)
	r.Threats = slices.Clone(r.Threats)
	return r, nil
}

func (m *memoryStore) ListRuns() ([]models.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	runs := make([]models.Run, 0, len(m.runs))
	for _, r := range m.runs {
		r.Tasks, r.Violations, r.Threats = nil, nil, nil
		runs = append(runs, r)
	}
	sort.Slice(runs, func(i, j int) bool {
		if !runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].StartedAt.After(runs[j].StartedAt)
		}
		return m.seq[runs[i].ID] > m.seq[runs[j].ID]
	})
	return runs, nil
}

// memoryTx stages writes until Commit.
type memoryTx struct {
	store *memoryStore
	ops   []memoryOp
	done  bool
}

func (t *memoryTx) stage(op memoryOp) error {
	if t.done {
		return errors.New("transaction already finished")
	}
	t.ops = append(t.ops, op)
	return nil
}

func (t *memoryTx) Begin() (Store, error) {
	return nil, errors.New("nested transactions are not supported")
}

func (t *memoryTx) Commit() error {
	if t.done {
		return errors.New("already committed")
	}
	t.done = true
	return t.store.apply(t.ops)
}

func (t *memoryTx) Rollback() error {
	if t.done {
		return errors.New("cannot rollback finished transaction")
	}
	t.done = true
	t.ops = nil
	return nil
}

func (t *memoryTx) Close() error {
	return nil
}

func (t *memoryTx) SaveRun(r models.Run) error {
	return t.stage(saveRunOp(r))
}

func (t *memoryTx) UpdateRunStatus(id string, status models.RunStatus, finishedAt *time.Time) error {
	return t.stage(updateRunStatusOp(id, status, finishedAt))
}

func (t *memoryTx) SaveTaskResult(runID string, r models.TaskResult) error {
	return t.stage(saveTaskResultOp(runID, r))
}

func (t *memoryTx) SaveViolation(runID string, v models.SecurityViolation) error {
	return t.stage(saveViolationOp(runID, v))
}

func (t *memoryTx) SaveThreatEvent(runID string, e models.ThreatEvent) error {
	return t.stage(saveThreatEventOp(runID, e))
}

func (t *memoryTx) GetRun(id string) (models.Run, error) {
	return t.store.GetRun(id)
}

func (t *memoryTx) ListRuns() ([]models.Run, error) {
	return t.store.ListRuns()
}

func saveRunOp(r models.Run) memoryOp {
	return func(runs runTable) error {
		if r.ID == "" {
			return errors.New("run id must not be empty")
		}
		if _, exists := runs[r.ID]; exists {
			return errors.Errorf("run %s already exists", r.ID)
		}
		r.Tasks, r.Violations, r.Threats = nil, nil, nil
		runs[r.ID] = r
		return nil
	}
}

func updateRunStatusOp(id string, status models.RunStatus, finishedAt *time.Time) memoryOp {
	return func(runs runTable) error {
		r, ok := runs[id]
		if !ok {
			return errors.Wrapf(ErrNotFound, "run %s", id)
		}
		r.Status = status
		r.FinishedAt = finishedAt
		runs[id] = r
		return nil
	}
}

func saveTaskResultOp(runID string, res models.TaskResult) memoryOp {
	return func(runs runTable) error {
		r, ok := runs[runID]
		if !ok {
			return errors.Wrapf(ErrNotFound, "run %s", runID)
		}
		for _, existing := range r.Tasks {
			if existing.TaskID == res.TaskID {
				return errors.Errorf("result for task %s already exists in run %s", res.TaskID, runID)
			}
		}
		r.Tasks = append(slices.Clip(r.Tasks), res)
		runs[runID] = r
		return nil
	}
}

func saveViolationOp(runID string, v models.SecurityViolation) memoryOp {
	return func(runs runTable) error {
		r, ok := runs[runID]
		if !ok {
			return errors.Wrapf(ErrNotFound, "run %s", runID)
		}
		r.Violations = append(slices.Clip(r.Violations), v)
		runs[runID] = r
		return nil
	}
}

func saveThreatEventOp(runID string, e models.ThreatEvent) memoryOp {
	return func(runs runTable) error {
		r, ok := runs[runID]
		if !ok {
			return errors.Wrapf(ErrNotFound, "run %s", runID)
		}
		r.Threats = append(slices.Clip(r.Threats), e)
		runs[runID] = r
		return nil
	}
}
