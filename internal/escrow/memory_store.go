package escrow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mversen/custodia/internal/pagination"
)

// MemoryStore is an in-memory escrow store for demo/development mode.
// Update enforces the same revision CAS the Postgres store does, so the
// state machine's concurrency behavior is identical in both modes.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (m *MemoryStore) Create(ctx context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *rec
	m.records[rec.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.records[rec.ID]
	if !ok {
		return ErrNotFound
	}
	if existing.Revision != rec.Revision {
		return ErrConcurrentModification
	}

	cp := *rec
	cp.Revision++
	m.records[rec.ID] = &cp
	rec.Revision = cp.Revision
	return nil
}

func (m *MemoryStore) ListByParty(ctx context.Context, partyID string, cursor *pagination.Cursor, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var all []*Record
	for _, r := range m.records {
		if r.PayerID != partyID && r.PayeeID != partyID {
			continue
		}
		cp := *r
		all = append(all, &cp)
	}
	// Newest first, ID as tiebreaker to keep cursor order stable
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID > all[j].ID
	})

	var result []*Record
	for _, r := range all {
		if cursor != nil {
			if r.CreatedAt.After(cursor.CreatedAt) {
				continue
			}
			if r.CreatedAt.Equal(cursor.CreatedAt) && r.ID >= cursor.ID {
				continue
			}
		}
		result = append(result, r)
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) ListReleasable(ctx context.Context, before time.Time, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Record
	for _, r := range m.records {
		if r.State == StateHeld && r.OpenDisputeID == "" && r.PendingOp == "" && r.AutoReleaseAt.Before(before) {
			cp := *r
			result = append(result, &cp)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) ListPendingSettlement(ctx context.Context, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Record
	for _, r := range m.records {
		if r.PendingOp != "" {
			cp := *r
			result = append(result, &cp)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

var _ Store = (*MemoryStore)(nil)
