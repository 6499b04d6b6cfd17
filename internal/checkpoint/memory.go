package checkpoint

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/strandlabs/strand/pkg/models"
)

// MemoryStore is an in-memory Store for dev and tests. Lineages are slices
// ordered by step.
type MemoryStore struct {
	mu       sync.RWMutex
	lineages map[string][]*models.Checkpoint
}

// NewMemoryStore creates an empty in-memory checkpoint store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{lineages: map[string][]*models.Checkpoint{}}
}

func (m *MemoryStore) Save(ctx context.Context, threadID string, state *models.AgentState) (*models.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lineage := m.lineages[threadID]
	cp := &models.Checkpoint{
		ID:        uuid.NewString(),
		ThreadID:  threadID,
		Step:      1,
		State:     state.Clone(),
		CreatedAt: time.Now(),
	}
	if n := len(lineage); n > 0 {
		cp.Step = lineage[n-1].Step + 1
		cp.ParentID = lineage[n-1].ID
	}
	m.lineages[threadID] = append(lineage, cp)

	out := *cp
	out.State = cp.State.Clone()
	return &out, nil
}

func (m *MemoryStore) Latest(ctx context.Context, threadID string) (*models.Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	lineage := m.lineages[threadID]
	if len(lineage) == 0 {
		return nil, ErrNotFound
	}
	last := lineage[len(lineage)-1]
	out := *last
	out.State = last.State.Clone()
	return &out, nil
}

func (m *MemoryStore) Get(ctx context.Context, threadID, id string) (*models.Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, cp := range m.lineages[threadID] {
		if cp.ID == id {
			out := *cp
			out.State = cp.State.Clone()
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) History(ctx context.Context, threadID string, limit int) ([]*models.Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	lineage := m.lineages[threadID]

	out := make([]*models.Checkpoint, 0, len(lineage))
	for i := len(lineage) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		cp := *lineage[i]
		cp.State = lineage[i].State.Clone()
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) DeleteThread(ctx context.Context, threadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.lineages, threadID)
	return nil
}

func (m *MemoryStore) DeleteExpired(ctx context.Context, cutoff time.Time, keepPerThread int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for threadID, lineage := range m.lineages {
		protectedFrom := len(lineage) - keepPerThread
		if protectedFrom < 0 {
			protectedFrom = 0
		}
		var kept []*models.Checkpoint
		for i, cp := range lineage {
			if i >= protectedFrom || !cp.CreatedAt.Before(cutoff) {
				kept = append(kept, cp)
			} else {
				removed++
			}
		}
		if len(kept) == 0 {
			delete(m.lineages, threadID)
		} else {
			m.lineages[threadID] = kept
		}
	}
	return removed, nil
}

func (m *MemoryStore) Backend() string { return "memory" }

var _ Store = (*MemoryStore)(nil)
