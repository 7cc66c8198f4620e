// Package memory is an in-process artifact store.
package memory

import (
	"context"
	"sync"

	"github.com/amirkhaki/interleave/pkg/store"
)

// Store keeps artifacts in memory. It is safe for concurrent use.
type Store struct {
	mu    sync.RWMutex
	items map[string][]byte
	order []string
}

// New returns an empty store.
func New() *Store {
	return &Store{items: make(map[string][]byte)}
}

// Save stores an encoded copy of a, so later changes to a are not seen.
func (s *Store) Save(_ context.Context, a *store.Artifact) error {
	data, err := store.Marshal(a)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[a.ID]; !ok {
		s.order = append(s.order, a.ID)
	}
	s.items[a.ID] = data
	return nil
}

func (s *Store) Load(_ context.Context, id string) (*store.Artifact, error) {
	s.mu.RLock()
	data, ok := s.items[id]
	s.mu.RUnlock()
	if !ok {
		return nil, store.ErrNotFound
	}
	return store.Unmarshal(data)
}

func (s *Store) List(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...), nil
}

func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok {
		return nil
	}
	delete(s.items, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

func (s *Store) Close() error { return nil }
