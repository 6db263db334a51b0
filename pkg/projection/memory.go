package projection

import (
	"context"
	"sync"
)

// MemoryStore is the in-memory read-model backend, used in tests and
// single-process deployments.
type MemoryStore struct {
	mu        sync.RWMutex
	summaries map[string]*IdentitySummary
	adjacency map[string]*Adjacency
	worklist  map[string]*WorklistItem
	records   map[string]*Record
	recordIDs []string
	applied   map[string]map[string]bool
	cursor    string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		summaries: make(map[string]*IdentitySummary),
		adjacency: make(map[string]*Adjacency),
		worklist:  make(map[string]*WorklistItem),
		records:   make(map[string]*Record),
		applied:   make(map[string]map[string]bool),
	}
}

func (s *MemoryStore) GetSummary(_ context.Context, identityID string) (*IdentitySummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summary, ok := s.summaries[identityID]
	if !ok {
		return nil, ErrSummaryNotFound
	}

	clone := *summary

	return &clone, nil
}

func (s *MemoryStore) PutSummary(_ context.Context, summary *IdentitySummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *summary
	s.summaries[summary.IdentityID] = &clone

	return nil
}

func (s *MemoryStore) SummariesByType(_ context.Context, identityType string) ([]*IdentitySummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*IdentitySummary, 0)

	for _, summary := range s.summaries {
		if string(summary.Type) == identityType {
			clone := *summary
			out = append(out, &clone)
		}
	}

	return out, nil
}

func (s *MemoryStore) SummaryByClaim(_ context.Context, claimType, value string) (*IdentitySummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, summary := range s.summaries {
		for ct, v := range summary.Claims {
			if string(ct) == claimType && v == value {
				clone := *summary

				return &clone, nil
			}
		}
	}

	return nil, ErrSummaryNotFound
}

func (s *MemoryStore) GetAdjacency(_ context.Context, identityID string) (*Adjacency, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	adjacency, ok := s.adjacency[identityID]
	if !ok {
		return nil, ErrAdjacencyNotFound
	}

	return cloneAdjacency(adjacency), nil
}

func (s *MemoryStore) PutAdjacency(_ context.Context, adjacency *Adjacency) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.adjacency[adjacency.IdentityID] = cloneAdjacency(adjacency)

	return nil
}

func (s *MemoryStore) Worklist(_ context.Context) ([]*WorklistItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*WorklistItem, 0, len(s.worklist))

	for _, item := range s.worklist {
		clone := *item
		out = append(out, &clone)
	}

	return out, nil
}

func (s *MemoryStore) PutWorklistItem(_ context.Context, item *WorklistItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *item
	s.worklist[item.WorkflowID] = &clone

	return nil
}

func (s *MemoryStore) RemoveWorklistItem(_ context.Context, workflowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.worklist, workflowID)

	return nil
}

func (s *MemoryStore) GetRecord(_ context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[id]
	if !ok {
		return nil, ErrRecordNotFound
	}

	clone := *record

	return &clone, nil
}

func (s *MemoryStore) PutRecord(_ context.Context, record *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[record.ID]; !ok {
		s.recordIDs = append(s.recordIDs, record.ID)
	}

	clone := *record
	s.records[record.ID] = &clone

	return nil
}

func (s *MemoryStore) Records(_ context.Context) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Record, 0, len(s.recordIDs))

	for _, id := range s.recordIDs {
		clone := *s.records[id]
		out = append(out, &clone)
	}

	return out, nil
}

func (s *MemoryStore) Applied(_ context.Context, entityID, eventID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.applied[entityID][eventID], nil
}

func (s *MemoryStore) MarkApplied(_ context.Context, entityID, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.applied[entityID] == nil {
		s.applied[entityID] = make(map[string]bool)
	}

	s.applied[entityID][eventID] = true

	return nil
}

func (s *MemoryStore) Cursor(_ context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.cursor, nil
}

func (s *MemoryStore) SetCursor(_ context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cursor = eventID

	return nil
}

func cloneAdjacency(a *Adjacency) *Adjacency {
	clone := &Adjacency{IdentityID: a.IdentityID}
	clone.Outgoing = append([]EdgeRef(nil), a.Outgoing...)
	clone.Incoming = append([]EdgeRef(nil), a.Incoming...)

	return clone
}
