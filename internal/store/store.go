// Package store defines the persistence interface for the portfolio ledger.
// Implementations include SQLite (local default), PostgreSQL, a Redis
// read-through cache over either, and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atmx/edge-engine/internal/model"
)

var (
	// ErrNotFound is returned by LoadPortfolio when nothing has been persisted.
	ErrNotFound = errors.New("store: portfolio not found")

	// ErrVersionConflict is returned when a mutation does not follow the
	// persisted version, meaning another writer got there first.
	ErrVersionConflict = errors.New("store: version conflict")
)

// Mutation is one atomic ledger change. Version must be exactly one greater
// than the persisted version (a fresh store counts as version 0).
type Mutation struct {
	Version  uint64
	Bankroll decimal.Decimal
	Halted   []string

	// Position is inserted or updated by ID. Nil for bankroll/halt-only
	// changes such as initialisation or an operator resume.
	Position *model.Position
}

// Store is the persistence interface used by the ledger. SaveMutation must
// apply all of a mutation or none of it.
type Store interface {
	// LoadPortfolio returns the full persisted state, including terminal
	// positions. Returns ErrNotFound on a fresh store.
	LoadPortfolio(ctx context.Context) (*model.PortfolioState, error)

	// SaveMutation persists one mutation atomically.
	SaveMutation(ctx context.Context, m Mutation) error
}
