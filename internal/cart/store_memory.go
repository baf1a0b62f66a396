package cart

import (
	"context"
	"sync"
)

type MemStore struct {
	mu sync.RWMutex
	m  map[string]Cart
}

func NewMemStore() *MemStore {
	return &MemStore{m: map[string]Cart{}}
}

func (s *MemStore) Ping(context.Context) error  { return nil }
func (s *MemStore) Close(context.Context) error { return nil }

func (s *MemStore) Get(_ context.Context, cartID string) (Cart, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.m[cartID]
	if !ok {
		return Cart{}, false, nil
	}
	return c.clone(), true, nil
}

func (s *MemStore) Update(_ context.Context, cartID string, fn Mutation) (Cart, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, exists := s.m[cartID]
	if exists {
		c = c.clone()
	} else {
		c = New(cartID)
	}

	if err := apply(&c, exists, fn); err != nil {
		return Cart{}, err
	}
	c.Version++

	s.m[cartID] = c
	return c.clone(), nil
}

func (s *MemStore) Take(_ context.Context, cartID string) (Cart, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.m[cartID]
	if !ok {
		return Cart{}, false, nil
	}
	delete(s.m, cartID)
	return c, true, nil
}
