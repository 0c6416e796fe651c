// Package memstore is the in-memory KVStore adapter — selected when
// DATABASE=memory (§6.1). Single process only, matching the Non-goal of
// cross-region replication.
package memstore

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/agentflow/runtime/internal/store"
)

// Store is a mutex-guarded map-of-maps KVStore.
type Store struct {
	mu   sync.RWMutex
	data map[string]map[string]json.RawMessage
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{data: make(map[string]map[string]json.RawMessage)}
}

var _ store.KVStore = (*Store)(nil)

func (s *Store) Get(_ context.Context, collection, id string) (json.RawMessage, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	coll, ok := s.data[collection]
	if !ok {
		return nil, false, nil
	}
	doc, ok := coll[id]
	if !ok {
		return nil, false, nil
	}
	out := make(json.RawMessage, len(doc))
	copy(out, doc)
	return out, true, nil
}

func (s *Store) List(_ context.Context, collection string) (map[string]json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]json.RawMessage)
	for id, doc := range s.data[collection] {
		cp := make(json.RawMessage, len(doc))
		copy(cp, doc)
		out[id] = cp
	}
	return out, nil
}

func (s *Store) Apply(_ context.Context, muts []store.Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range muts {
		coll, ok := s.data[m.Collection]
		if !ok {
			coll = make(map[string]json.RawMessage)
			s.data[m.Collection] = coll
		}
		if m.Data == nil {
			delete(coll, m.ID)
			continue
		}
		cp := make(json.RawMessage, len(m.Data))
		copy(cp, m.Data)
		coll[m.ID] = cp
	}
	return nil
}

func (s *Store) Close() error { return nil }
