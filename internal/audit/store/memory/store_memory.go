package memory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"

	"nfaudit/internal/audit"
	"nfaudit/internal/audit/store"
	"nfaudit/pkg/platform/sentinel"
)

var _ store.Store = (*InMemoryStore)(nil)

// InMemoryStore keeps results in a map. Intended for local runs and tests.
type InMemoryStore struct {
	mu      sync.RWMutex
	results map[uuid.UUID]audit.Result
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{results: make(map[uuid.UUID]audit.Result)}
}

func (s *InMemoryStore) Save(_ context.Context, res audit.Result) error {
	id := res.AuditID()
	if id == uuid.Nil {
		return errors.New("save audit result: missing audit id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.results[id]; ok {
		return fmt.Errorf("audit %s: %w", id, sentinel.ErrConflict)
	}
	s.results[id] = res
	return nil
}

func (s *InMemoryStore) FindByID(_ context.Context, id uuid.UUID) (*audit.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res, ok := s.results[id]
	if !ok {
		return nil, fmt.Errorf("audit %s: %w", id, sentinel.ErrNotFound)
	}
	return &res, nil
}

func (s *InMemoryStore) FindByInvoiceKey(_ context.Context, key string) ([]audit.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []audit.Result{}
	for _, res := range s.results {
		if res.InvoiceKey() == key {
			out = append(out, res)
		}
	}
	slices.SortFunc(out, func(a, b audit.Result) int {
		return a.DecidedAt().Compare(b.DecidedAt())
	})
	return out, nil
}

// Clear drops every stored result.
func (s *InMemoryStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = make(map[uuid.UUID]audit.Result)
}
