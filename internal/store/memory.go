package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/atmx/edge-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and dry runs. Not suitable for production (no persistence).
type MemoryStore struct {
	mu    sync.RWMutex
	state *model.PortfolioState
	index map[string]int // position ID → slice index

	// FailNext makes the next SaveMutation return this error once.
	FailNext error
}

// NewMemoryStore creates a new, empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{index: make(map[string]int)}
}

func (s *MemoryStore) LoadPortfolio(_ context.Context) (*model.PortfolioState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.state == nil {
		return nil, ErrNotFound
	}
	return cloneState(s.state), nil
}

func (s *MemoryStore) SaveMutation(_ context.Context, m Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.FailNext; err != nil {
		s.FailNext = nil
		return err
	}

	var current uint64
	if s.state != nil {
		current = s.state.Version
	}
	if m.Version != current+1 {
		return fmt.Errorf("%w: have %d, got %d", ErrVersionConflict, current, m.Version)
	}

	if s.state == nil {
		s.state = &model.PortfolioState{}
	}
	s.state.Version = m.Version
	s.state.Bankroll = m.Bankroll
	s.state.Halted = append([]string(nil), m.Halted...)

	if m.Position != nil {
		if i, ok := s.index[m.Position.ID]; ok {
			s.state.Positions[i] = *m.Position
		} else {
			s.index[m.Position.ID] = len(s.state.Positions)
			s.state.Positions = append(s.state.Positions, *m.Position)
		}
	}
	return nil
}

// cloneState copies a state so callers cannot mutate the store's view.
func cloneState(st *model.PortfolioState) *model.PortfolioState {
	c := *st
	c.Positions = append([]model.Position(nil), st.Positions...)
	c.Halted = append([]string(nil), st.Halted...)
	return &c
}
