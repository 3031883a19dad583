// Package strategy adapts the feeds to the engine's ports: a market catalog
// that lists and quotes parsed markets, and one signal source per strategy.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/atmx/edge-engine/internal/contract"
	"github.com/atmx/edge-engine/internal/edge"
	"github.com/atmx/edge-engine/internal/feed"
	"github.com/atmx/edge-engine/internal/model"
)

// ErrUnknownMarket is returned by Quote for markets never listed.
var ErrUnknownMarket = errors.New("strategy: market not in catalog")

// Directory is the market discovery API.
type Directory interface {
	Markets(ctx context.Context, query string, limit int) ([]feed.GammaMarket, error)
	Market(ctx context.Context, id string) (feed.GammaMarket, error)
}

// CatalogConfig selects which markets are listed.
type CatalogConfig struct {
	Queries map[model.Category][]string // slug searches per enabled category
	Limit   int                         // per query, default 50
	Windows map[model.Category]edge.Window
}

// DefaultQueries are the discovery searches for each strategy.
func DefaultQueries() map[model.Category][]string {
	return map[model.Category][]string{
		model.CategoryPrice:   {"btc", "bitcoin"},
		model.CategoryWeather: {"weather", "temperature", "rain", "snow", "heat", "cold"},
	}
}

type entry struct {
	market feed.GammaMarket
	terms  contract.Terms
}

// Catalog lists parseable markets and quotes them. It implements the
// scanner's MarketLister and the engine's QuoteSource.
type Catalog struct {
	dir    Directory
	cfg    CatalogConfig
	logger *slog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	entries map[string]entry
}

// NewCatalog returns a catalog over dir.
func NewCatalog(dir Directory, cfg CatalogConfig, logger *slog.Logger) *Catalog {
	if cfg.Limit <= 0 {
		cfg.Limit = 50
	}
	if cfg.Queries == nil {
		cfg.Queries = DefaultQueries()
	}
	if cfg.Windows == nil {
		cfg.Windows = edge.DefaultWindows()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{dir: dir, cfg: cfg, logger: logger, now: time.Now, entries: make(map[string]entry)}
}

// Markets runs every query and returns the IDs of parseable markets of an
// enabled category that resolve within the category window. A failed query
// is logged and skipped; the call fails only when every query failed.
func (c *Catalog) Markets(ctx context.Context) ([]string, error) {
	now := c.now().UTC()
	found := make(map[string]entry)
	var failures, queries int

	for _, cat := range []model.Category{model.CategoryPrice, model.CategoryWeather} {
		for _, q := range c.cfg.Queries[cat] {
			queries++
			ms, err := c.dir.Markets(ctx, q, c.cfg.Limit)
			if err != nil {
				failures++
				c.logger.Warn("market query failed", "query", q, "error", err)
				continue
			}
			for _, m := range ms {
				if _, seen := found[m.ID]; seen {
					continue
				}
				terms, err := contract.Parse(m.Question, m.Description, now)
				if err != nil {
					c.logger.Debug("unparseable market", "market_id", m.ID, "question", m.Question, "error", err)
					continue
				}
				if _, enabled := c.cfg.Queries[terms.Category]; !enabled {
					continue
				}
				if !c.inWindow(terms.Category, m.EndDate, now) {
					continue
				}
				found[m.ID] = entry{market: m, terms: terms}
			}
		}
	}
	if queries > 0 && failures == queries {
		return nil, fmt.Errorf("strategy: all %d market queries failed", queries)
	}

	c.mu.Lock()
	c.entries = found
	c.mu.Unlock()

	ids := make([]string, 0, len(found))
	for id := range found {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

func (c *Catalog) inWindow(cat model.Category, end, now time.Time) bool {
	if end.IsZero() || !end.After(now) {
		return false
	}
	w, ok := c.cfg.Windows[cat]
	return !ok || w.Max == 0 || end.Sub(now) <= w.Max
}

// Quote refetches the market for a fresh price and returns it with the
// terms parsed at listing time.
func (c *Catalog) Quote(ctx context.Context, marketID string) (model.MarketQuote, error) {
	c.mu.RLock()
	e, ok := c.entries[marketID]
	c.mu.RUnlock()
	if !ok {
		return model.MarketQuote{}, fmt.Errorf("%w: %s", ErrUnknownMarket, marketID)
	}

	m, err := c.dir.Market(ctx, marketID)
	if err != nil {
		return model.MarketQuote{}, err
	}
	if m.Closed {
		return model.MarketQuote{}, fmt.Errorf("strategy: market %s closed", marketID)
	}
	price, err := m.YesPrice()
	if err != nil {
		return model.MarketQuote{}, err
	}
	deadline := m.EndDate
	if deadline.IsZero() {
		deadline = e.market.EndDate
	}

	q := model.MarketQuote{
		MarketID:   marketID,
		Question:   e.market.Question,
		Outcome:    string(model.SideYes),
		Price:      price,
		Deadline:   deadline,
		ObservedAt: c.now().UTC(),
	}
	e.terms.Apply(&q)
	return q, nil
}

// Terms returns the parsed terms of a listed market.
func (c *Catalog) Terms(marketID string) (contract.Terms, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[marketID]
	return e.terms, ok
}
