// Package settlement delivers market resolutions to the portfolio ledger.
package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/atmx/edge-engine/internal/ledger"
	"github.com/atmx/edge-engine/internal/metrics"
	"github.com/atmx/edge-engine/internal/model"
)

// Event is one market resolution.
type Event struct {
	MarketID   string     `json:"market_id"`
	Outcome    model.Side `json:"outcome"`
	ResolvedAt time.Time  `json:"resolved_at"`
}

// Decode parses a JSON event payload.
func Decode(payload []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return Event{}, fmt.Errorf("settlement: decode event: %w", err)
	}
	if ev.MarketID == "" {
		return Event{}, errors.New("settlement: event without market_id")
	}
	return ev, nil
}

// Source streams resolutions until ctx is cancelled. The returned channel
// is closed when the source stops.
type Source interface {
	Subscribe(ctx context.Context) (<-chan Event, error)
}

// Settler applies a resolution to the open position of a market.
type Settler interface {
	SettleMarket(ctx context.Context, marketID string, resolved model.Side) (model.Position, error)
}

// Dispatcher forwards events from a Source into a Settler.
type Dispatcher struct {
	settler Settler
	logger  *slog.Logger
}

// NewDispatcher returns a dispatcher settling into s.
func NewDispatcher(s Settler, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{settler: s, logger: logger}
}

// Apply settles one event. A resolution for a market the ledger never held
// is not an error; the zero Position is returned. A resolution for a market
// that is already settled returns ledger.ErrAlreadySettled.
func (d *Dispatcher) Apply(ctx context.Context, ev Event) (model.Position, error) {
	pos, err := d.settler.SettleMarket(ctx, ev.MarketID, ev.Outcome)
	switch {
	case err == nil:
		metrics.SettlementsTotal.WithLabelValues(string(pos.Status)).Inc()
		d.logger.Info("market settled",
			"market_id", ev.MarketID,
			"outcome", ev.Outcome,
			"position_id", pos.ID,
			"status", pos.Status,
			"pnl", pos.RealizedPnL.Decimal.StringFixed(2),
		)
		return pos, nil
	case errors.Is(err, ledger.ErrNoOpenPosition):
		metrics.SettlementsTotal.WithLabelValues("no_position").Inc()
		d.logger.Debug("resolution for market without position", "market_id", ev.MarketID)
		return model.Position{}, nil
	case errors.Is(err, ledger.ErrInvalidOutcome):
		metrics.SettlementsTotal.WithLabelValues("rejected").Inc()
		return model.Position{}, err
	default:
		metrics.SettlementsTotal.WithLabelValues("error").Inc()
		if errors.Is(err, ledger.ErrInvariantViolation) {
			metrics.InvariantViolations.Inc()
		}
		return model.Position{}, err
	}
}

// Run subscribes to src and applies every event until ctx is cancelled or
// the source closes. Failed settlements are logged and do not stop the loop.
func (d *Dispatcher) Run(ctx context.Context, src Source) error {
	events, err := src.Subscribe(ctx)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if _, err := d.Apply(ctx, ev); err != nil {
				d.logger.Error("settlement failed", "market_id", ev.MarketID, "outcome", ev.Outcome, "error", err)
			}
		}
	}
}

// ChanSource adapts a plain channel. Subscribe may be called once.
type ChanSource chan Event

// Subscribe implements Source.
func (c ChanSource) Subscribe(context.Context) (<-chan Event, error) {
	return c, nil
}
