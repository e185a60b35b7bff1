package dispute

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory dispute store for demo/development mode, with
// the same revision CAS semantics as the Postgres store.
type MemoryStore struct {
	mu        sync.RWMutex
	cases     map[string]*Case
	proposals map[string]*Proposal
}

// NewMemoryStore creates a new in-memory dispute store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		cases:     make(map[string]*Case),
		proposals: make(map[string]*Proposal),
	}
}

func copyCase(c *Case) *Case {
	cp := *c
	if c.Attachments != nil {
		cp.Attachments = append([]Attachment(nil), c.Attachments...)
	}
	return &cp
}

func (m *MemoryStore) Create(ctx context.Context, c *Case) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cases[c.ID] = copyCase(c)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Case, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.cases[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyCase(c), nil
}

func (m *MemoryStore) Update(ctx context.Context, c *Case) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.cases[c.ID]
	if !ok {
		return ErrNotFound
	}
	if existing.Revision != c.Revision {
		return ErrConcurrentModification
	}

	cp := copyCase(c)
	cp.Revision++
	m.cases[c.ID] = cp
	c.Revision = cp.Revision
	return nil
}

func (m *MemoryStore) ListByEscrow(ctx context.Context, escrowID string, limit int) ([]*Case, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Case
	for _, c := range m.cases {
		if c.EscrowID == escrowID {
			result = append(result, copyCase(c))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].OpenedAt.Before(result[j].OpenedAt) })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListByState(ctx context.Context, state State, limit int) ([]*Case, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Case
	for _, c := range m.cases {
		if c.State == state {
			result = append(result, copyCase(c))
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) CreateProposal(ctx context.Context, p *Proposal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *p
	m.proposals[p.ID] = &cp
	return nil
}

func (m *MemoryStore) GetProposal(ctx context.Context, id string) (*Proposal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.proposals[id]
	if !ok {
		return nil, ErrProposalNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) UpdateProposal(ctx context.Context, p *Proposal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.proposals[p.ID]
	if !ok {
		return ErrProposalNotFound
	}
	if existing.Revision != p.Revision {
		return ErrConcurrentModification
	}

	cp := *p
	cp.Revision++
	m.proposals[p.ID] = &cp
	p.Revision = cp.Revision
	return nil
}

func (m *MemoryStore) ListProposals(ctx context.Context, disputeID string) ([]*Proposal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Proposal
	for _, p := range m.proposals {
		if p.DisputeID == disputeID {
			cp := *p
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

var _ Store = (*MemoryStore)(nil)
