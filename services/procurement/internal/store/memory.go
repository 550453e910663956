package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/Tar-ive/imaginecup2026-sub001/pkg/domain"
	"github.com/Tar-ive/imaginecup2026-sub001/services/procurement/internal/checkpoint"
	"github.com/Tar-ive/imaginecup2026-sub001/services/procurement/internal/mandate"
	"github.com/Tar-ive/imaginecup2026-sub001/services/procurement/internal/negotiation"
	"github.com/Tar-ive/imaginecup2026-sub001/services/procurement/internal/workflow"
)

// Memory is an in-process store implementing every domain store
// interface. It backs tests and DATABASE_URL-less deployments. Records
// are deep-copied on the way in and out so callers never share state
// with the store.
type Memory struct {
	mu          sync.RWMutex
	sessions    map[string]*negotiation.Session
	rounds      map[string][]*negotiation.Round
	checkpoints map[string]*checkpoint.Checkpoint
	mandates    map[string]*mandate.Mandate
	runs        map[string]*workflow.Run
	runOrder    []string
	audits      map[string][]*workflow.AuditEntry
}

func NewMemory() *Memory {
	return &Memory{
		sessions:    make(map[string]*negotiation.Session),
		rounds:      make(map[string][]*negotiation.Round),
		checkpoints: make(map[string]*checkpoint.Checkpoint),
		mandates:    make(map[string]*mandate.Mandate),
		runs:        make(map[string]*workflow.Run),
		audits:      make(map[string][]*workflow.AuditEntry),
	}
}

func clone[T any](src *T) *T {
	b, err := json.Marshal(src)
	if err != nil {
		panic(err)
	}
	dst := new(T)
	if err := json.Unmarshal(b, dst); err != nil {
		panic(err)
	}
	return dst
}

// --- negotiation.Store ---

func (m *Memory) CreateSession(ctx context.Context, s *negotiation.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = clone(s)
	return nil
}

func (m *Memory) GetSession(ctx context.Context, id string) (*negotiation.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, &domain.NotFoundError{Entity: "session", ID: id}
	}
	return clone(s), nil
}

func (m *Memory) UpdateSession(ctx context.Context, s *negotiation.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; !ok {
		return &domain.NotFoundError{Entity: "session", ID: s.ID}
	}
	m.sessions[s.ID] = clone(s)
	return nil
}

func (m *Memory) CreateRound(ctx context.Context, r *negotiation.Round) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rounds[r.SessionID] = append(m.rounds[r.SessionID], clone(r))
	return nil
}

func (m *Memory) UpdateRound(ctx context.Context, r *negotiation.Round) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.rounds[r.SessionID] {
		if existing.ID == r.ID {
			m.rounds[r.SessionID][i] = clone(r)
			return nil
		}
	}
	return &domain.NotFoundError{Entity: "round", ID: r.ID}
}

func (m *Memory) ListRounds(ctx context.Context, sessionID string) ([]*negotiation.Round, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rounds := make([]*negotiation.Round, 0, len(m.rounds[sessionID]))
	for _, r := range m.rounds[sessionID] {
		rounds = append(rounds, clone(r))
	}
	return rounds, nil
}

// --- checkpoint.Store ---

func (m *Memory) CreateCheckpoint(ctx context.Context, cp *checkpoint.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.checkpoints {
		if existing.RunID == cp.RunID && existing.Resolution == checkpoint.ResolutionPending {
			return &domain.InvalidStateError{Entity: "checkpoint", ID: existing.ID, Status: string(existing.Resolution), Op: "create"}
		}
	}
	m.checkpoints[cp.ID] = clone(cp)
	return nil
}

func (m *Memory) GetCheckpoint(ctx context.Context, id string) (*checkpoint.Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp, ok := m.checkpoints[id]
	if !ok {
		return nil, &domain.NotFoundError{Entity: "checkpoint", ID: id}
	}
	return clone(cp), nil
}

func (m *Memory) ResolveCheckpoint(ctx context.Context, id string, resolution checkpoint.Resolution, reviewer, note string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.checkpoints[id]
	if !ok {
		return false, &domain.NotFoundError{Entity: "checkpoint", ID: id}
	}
	if cp.Resolution != checkpoint.ResolutionPending {
		return false, nil
	}
	cp.Resolution = resolution
	cp.Reviewer = reviewer
	cp.Note = note
	resolvedAt := at
	cp.ResolvedAt = &resolvedAt
	return true, nil
}

func (m *Memory) OpenCheckpointForRun(ctx context.Context, runID string) (*checkpoint.Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, cp := range m.checkpoints {
		if cp.RunID == runID && cp.Resolution == checkpoint.ResolutionPending {
			return clone(cp), nil
		}
	}
	return nil, &domain.NotFoundError{Entity: "pending checkpoint for run", ID: runID}
}

func (m *Memory) ListPendingCheckpoints(ctx context.Context) ([]*checkpoint.Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var pending []*checkpoint.Checkpoint
	for _, cp := range m.checkpoints {
		if cp.Resolution == checkpoint.ResolutionPending {
			pending = append(pending, clone(cp))
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].CreatedAt.Before(pending[j].CreatedAt) })
	return pending, nil
}

// --- mandate.Store ---

func (m *Memory) CreateMandate(ctx context.Context, md *mandate.Mandate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mandates[md.ID] = clone(md)
	return nil
}

func (m *Memory) GetMandate(ctx context.Context, id string) (*mandate.Mandate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	md, ok := m.mandates[id]
	if !ok {
		return nil, &domain.NotFoundError{Entity: "mandate", ID: id}
	}
	return clone(md), nil
}

func (m *Memory) UpdateMandate(ctx context.Context, md *mandate.Mandate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.mandates[md.ID]; !ok {
		return &domain.NotFoundError{Entity: "mandate", ID: md.ID}
	}
	m.mandates[md.ID] = clone(md)
	return nil
}

func (m *Memory) CompareAndSetMandateStatus(ctx context.Context, id string, from []mandate.Status, to mandate.Status) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	md, ok := m.mandates[id]
	if !ok {
		return false, &domain.NotFoundError{Entity: "mandate", ID: id}
	}
	for _, f := range from {
		if md.Status == f {
			md.Status = to
			return true, nil
		}
	}
	return false, nil
}

// --- workflow.Store ---

func (m *Memory) CreateRun(ctx context.Context, r *workflow.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[r.ID] = clone(r)
	m.runOrder = append(m.runOrder, r.ID)
	return nil
}

func (m *Memory) GetRun(ctx context.Context, id string) (*workflow.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, &domain.NotFoundError{Entity: "run", ID: id}
	}
	return clone(r), nil
}

func (m *Memory) UpdateRun(ctx context.Context, r *workflow.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[r.ID]; !ok {
		return &domain.NotFoundError{Entity: "run", ID: r.ID}
	}
	m.runs[r.ID] = clone(r)
	return nil
}

func (m *Memory) ListRuns(ctx context.Context, limit int) ([]*workflow.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	runs := make([]*workflow.Run, 0, len(m.runOrder))
	for i := len(m.runOrder) - 1; i >= 0; i-- {
		runs = append(runs, clone(m.runs[m.runOrder[i]]))
		if limit > 0 && len(runs) == limit {
			break
		}
	}
	return runs, nil
}

func (m *Memory) AppendAudit(ctx context.Context, e *workflow.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audits[e.RunID] = append(m.audits[e.RunID], clone(e))
	return nil
}

func (m *Memory) ListAudit(ctx context.Context, runID string) ([]*workflow.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := make([]*workflow.AuditEntry, 0, len(m.audits[runID]))
	for _, e := range m.audits[runID] {
		entries = append(entries, clone(e))
	}
	return entries, nil
}
