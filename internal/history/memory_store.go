package history

import (
	"context"
	"sync"
	"time"
)

// MemoryLog is an in-memory history log for demo/development mode.
type MemoryLog struct {
	mu      sync.RWMutex
	entries []*Entry
	nextID  int64
}

// NewMemoryLog creates a new in-memory history log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{nextID: 1}
}

func (m *MemoryLog) Append(ctx context.Context, entry *Entry) error {
	if entry.EscrowID == "" {
		return ErrMissingEscrowID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *entry
	cp.ID = m.nextID
	m.nextID++
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	if entry.Metadata != nil {
		cp.Metadata = make(map[string]string, len(entry.Metadata))
		for k, v := range entry.Metadata {
			cp.Metadata[k] = v
		}
	}
	m.entries = append(m.entries, &cp)

	entry.ID = cp.ID
	entry.CreatedAt = cp.CreatedAt
	return nil
}

func (m *MemoryLog) ListByEscrow(ctx context.Context, escrowID string, limit int) ([]*Entry, error) {
	return m.list(func(e *Entry) bool { return e.EscrowID == escrowID }, limit)
}

func (m *MemoryLog) ListByDispute(ctx context.Context, disputeID string, limit int) ([]*Entry, error) {
	return m.list(func(e *Entry) bool { return e.DisputeID == disputeID }, limit)
}

func (m *MemoryLog) list(match func(*Entry) bool, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	for _, e := range m.entries {
		if !match(e) {
			continue
		}
		cp := *e
		result = append(result, &cp)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

var _ Log = (*MemoryLog)(nil)
