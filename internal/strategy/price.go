package strategy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/atmx/edge-engine/internal/model"
	"github.com/atmx/edge-engine/internal/signal"
)

// SpotData is the spot exchange feed.
type SpotData interface {
	Price(ctx context.Context) (float64, error)
	Candles(ctx context.Context, interval string, limit int) ([]model.Candle, error)
	Trades(ctx context.Context, limit int) ([]model.Trade, error)
}

// PriceConfig controls how much history the price strategy pulls.
type PriceConfig struct {
	Interval    string
	CandleLimit int
	TradeLimit  int
	CacheTTL    time.Duration // one fetch serves every market in a cycle
	Params      signal.IndicatorParams
}

// DefaultPriceConfig reads 100 one-minute candles and 100 trades.
func DefaultPriceConfig() PriceConfig {
	return PriceConfig{
		Interval:    "1m",
		CandleLimit: 100,
		TradeLimit:  100,
		CacheTTL:    10 * time.Second,
		Params:      signal.DefaultIndicatorParams(),
	}
}

// PriceSignals builds signal sets for price-threshold markets. All markets
// share the same underlying, so indicators are computed once per CacheTTL.
type PriceSignals struct {
	spot SpotData
	cfg  PriceConfig
	now  func() time.Time

	mu      sync.Mutex
	cached  signal.PriceIndicators
	fetched time.Time
}

// NewPriceSignals returns a price signal source over spot.
func NewPriceSignals(spot SpotData, cfg PriceConfig) *PriceSignals {
	if cfg.Interval == "" {
		cfg.Interval = "1m"
	}
	if cfg.CandleLimit <= 0 {
		cfg.CandleLimit = 100
	}
	if cfg.TradeLimit <= 0 {
		cfg.TradeLimit = 100
	}
	return &PriceSignals{spot: spot, cfg: cfg, now: time.Now}
}

// Signals implements the engine's SignalSource.
func (p *PriceSignals) Signals(ctx context.Context, q model.MarketQuote) (model.SignalSet, error) {
	if q.Category != model.CategoryPrice {
		return model.SignalSet{}, fmt.Errorf("strategy: price signals for %s market %s", q.Category, q.MarketID)
	}
	pi, err := p.indicators(ctx)
	if err != nil {
		return model.SignalSet{}, err
	}
	return model.SignalSet{
		MarketID: q.MarketID,
		Strategy: model.CategoryPrice,
		Readings: pi.Readings(p.cfg.Params),
		Inputs:   model.BaseInputs{Spot: pi.Spot, Volatility: pi.Volatility},
	}, nil
}

func (p *PriceSignals) indicators(ctx context.Context) (signal.PriceIndicators, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	if !p.fetched.IsZero() && now.Sub(p.fetched) < p.cfg.CacheTTL {
		return p.cached, nil
	}

	candles, err := p.spot.Candles(ctx, p.cfg.Interval, p.cfg.CandleLimit)
	if err != nil {
		return signal.PriceIndicators{}, fmt.Errorf("strategy: candles: %w", err)
	}
	trades, err := p.spot.Trades(ctx, p.cfg.TradeLimit)
	if err != nil {
		return signal.PriceIndicators{}, fmt.Errorf("strategy: trades: %w", err)
	}
	spot, err := p.spot.Price(ctx)
	if err != nil {
		return signal.PriceIndicators{}, fmt.Errorf("strategy: spot: %w", err)
	}
	if len(candles) < 2 {
		return signal.PriceIndicators{}, fmt.Errorf("strategy: %d candles, need at least 2", len(candles))
	}

	p.cached = signal.ComputePriceIndicators(candles, trades, spot, p.cfg.Params)
	p.fetched = now
	return p.cached, nil
}
