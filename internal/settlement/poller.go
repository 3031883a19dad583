package settlement

import (
	"context"
	"log/slog"
	"time"

	"github.com/atmx/edge-engine/internal/feed"
	"github.com/atmx/edge-engine/internal/model"
)

// resolvedPrice is how close to 0 or 1 a closed market's YES price must be
// to count as resolved.
const resolvedPrice = 0.99

// MarketFetcher reads one market from the exchange.
type MarketFetcher interface {
	Market(ctx context.Context, id string) (feed.GammaMarket, error)
}

// Poller checks the markets with open positions for resolution.
type Poller struct {
	markets  MarketFetcher
	open     func() []string
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewPoller polls the markets returned by open every interval.
func NewPoller(markets MarketFetcher, open func() []string, interval time.Duration, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{markets: markets, open: open, interval: interval, logger: logger, now: time.Now}
}

// Check returns an event for every listed market that has resolved.
func (p *Poller) Check(ctx context.Context) []Event {
	var out []Event
	for _, id := range p.open() {
		m, err := p.markets.Market(ctx, id)
		if err != nil {
			p.logger.Warn("resolution check failed", "market_id", id, "error", err)
			continue
		}
		side, ok := Resolution(m)
		if !ok {
			continue
		}
		out = append(out, Event{MarketID: id, Outcome: side, ResolvedAt: p.now().UTC()})
	}
	return out
}

// Subscribe implements Source.
func (p *Poller) Subscribe(ctx context.Context) (<-chan Event, error) {
	out := make(chan Event, 16)
	go func() {
		defer close(out)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			for _, ev := range p.Check(ctx) {
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Resolution reads the winning side of a closed market from its final
// prices. Markets still trading, or closed without a decisive price, are
// unresolved.
func Resolution(m feed.GammaMarket) (model.Side, bool) {
	if !m.Closed {
		return "", false
	}
	yes, err := m.YesPrice()
	if err != nil {
		return "", false
	}
	switch {
	case yes >= resolvedPrice:
		return model.SideYes, true
	case yes <= 1-resolvedPrice:
		return model.SideNo, true
	}
	return "", false
}
