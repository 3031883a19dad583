package strategy

import (
	"context"
	"errors"
	"fmt"

	"github.com/atmx/edge-engine/internal/model"
)

// ErrNoStrategy is returned for a category with no registered source.
var ErrNoStrategy = errors.New("strategy: no signal source for category")

// Source produces one market's signal set.
type Source interface {
	Signals(ctx context.Context, q model.MarketQuote) (model.SignalSet, error)
}

// Router dispatches to the signal source registered for the quote category.
type Router map[model.Category]Source

// Signals implements the engine's SignalSource.
func (r Router) Signals(ctx context.Context, q model.MarketQuote) (model.SignalSet, error) {
	src, ok := r[q.Category]
	if !ok || src == nil {
		return model.SignalSet{}, fmt.Errorf("%w: %q", ErrNoStrategy, q.Category)
	}
	return src.Signals(ctx, q)
}
