// Package backtest replays 1-minute candles through the price strategy.
//
// Each window of Window minutes becomes three synthetic threshold markets
// (spot −0.1%, spot, spot +0.1%) priced by a seeded noisy market around 0.5.
// The markets run through the real engine, sizer, risk guard and ledger and
// settle at the window close.
package backtest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/edge-engine/internal/edge"
	"github.com/atmx/edge-engine/internal/engine"
	"github.com/atmx/edge-engine/internal/estimate"
	"github.com/atmx/edge-engine/internal/kelly"
	"github.com/atmx/edge-engine/internal/ledger"
	"github.com/atmx/edge-engine/internal/model"
	"github.com/atmx/edge-engine/internal/risk"
	"github.com/atmx/edge-engine/internal/signal"
	"github.com/atmx/edge-engine/internal/store"
)

// ErrNotEnoughData is returned when the candles cannot cover one lookback
// plus one window.
var ErrNotEnoughData = errors.New("backtest: not enough candles")

// Config controls a replay.
type Config struct {
	InitialBankroll decimal.Decimal
	MinEdge         float64
	KellyMultiplier float64
	Clamp           estimate.Clamp
	Limits          risk.Limits
	Params          signal.IndicatorParams
	Weights         map[string]signal.Weight

	Window      time.Duration // market lifetime, a multiple of one minute
	Lookback    int           // candles fed to the indicators
	Offsets     []float64     // target offsets from spot
	MarketNoise float64       // std-dev of the simulated market price
	Seed        uint64
}

// DefaultConfig is a 15-minute replay with the default risk limits.
func DefaultConfig() Config {
	return Config{
		InitialBankroll: decimal.NewFromInt(1000),
		MinEdge:         0.03,
		KellyMultiplier: kelly.DefaultMultiplier,
		Clamp:           estimate.DefaultClamp,
		Limits:          risk.DefaultLimits(),
		Params:          signal.DefaultIndicatorParams(),
		Weights:         signal.DefaultPriceWeights(),
		Window:          15 * time.Minute,
		Lookback:        50,
		Offsets:         []float64{-0.001, 0, 0.001},
		MarketNoise:     0.05,
		Seed:            1,
	}
}

// Trade is one settled backtest position.
type Trade struct {
	MarketID    string           `json:"market_id"`
	OpenedAt    time.Time        `json:"opened_at"`
	Spot        float64          `json:"spot"`
	Target      float64          `json:"target"`
	Comparison  model.Comparison `json:"comparison"`
	Side        model.Side       `json:"side"`
	Probability float64          `json:"probability"` // estimated P(YES)
	MarketPrice float64          `json:"market_price"`
	Edge        float64          `json:"edge"`
	Kelly       float64          `json:"kelly"`
	Fraction    float64          `json:"fraction"` // committed stake / bankroll
	Stake       decimal.Decimal  `json:"stake"`
	Won         bool             `json:"won"`
	PnL         decimal.Decimal  `json:"pnl"`
	Bankroll    decimal.Decimal  `json:"bankroll"`
}

// Report summarises a replay.
type Report struct {
	Windows         int             `json:"windows"`
	Trades          []Trade         `json:"trades"`
	Wins            int             `json:"wins"`
	Losses          int             `json:"losses"`
	WinRate         float64         `json:"win_rate"`
	TotalPnL        decimal.Decimal `json:"total_pnl"`
	InitialBankroll decimal.Decimal `json:"initial_bankroll"`
	FinalBankroll   decimal.Decimal `json:"final_bankroll"`
	ReturnPct       float64         `json:"return_pct"`
	AvgEdge         float64         `json:"avg_edge"`
	AvgKelly        float64         `json:"avg_kelly"`
	MaxDrawdown     float64         `json:"max_drawdown"`
}

// replay serves the synthetic markets of the current window to the engine.
type replay struct {
	quotes  map[string]model.MarketQuote
	signals map[string]model.SignalSet
}

func (r *replay) Quote(_ context.Context, id string) (model.MarketQuote, error) {
	q, ok := r.quotes[id]
	if !ok {
		return model.MarketQuote{}, fmt.Errorf("backtest: unknown market %s", id)
	}
	return q, nil
}

func (r *replay) Signals(_ context.Context, q model.MarketQuote) (model.SignalSet, error) {
	s, ok := r.signals[q.MarketID]
	if !ok {
		return model.SignalSet{}, fmt.Errorf("backtest: no signals for %s", q.MarketID)
	}
	return s, nil
}

type pending struct {
	rec   model.DecisionRecord
	quote model.MarketQuote
	spot  float64
}

// Run replays candles (oldest first, one per minute) and returns the report.
func Run(ctx context.Context, candles []model.Candle, cfg Config, logger *slog.Logger) (*Report, error) {
	if logger == nil {
		logger = slog.Default()
	}
	window := int(cfg.Window / time.Minute)
	if window < 1 {
		return nil, fmt.Errorf("backtest: window %s shorter than one minute", cfg.Window)
	}
	if cfg.Lookback < 2 {
		return nil, fmt.Errorf("backtest: lookback %d, need at least 2", cfg.Lookback)
	}
	if len(candles) <= cfg.Lookback+window {
		return nil, fmt.Errorf("%w: have %d, need more than %d", ErrNotEnoughData, len(candles), cfg.Lookback+window)
	}

	var clock time.Time
	now := func() time.Time { return clock }

	guard, err := risk.NewGuard(cfg.Limits)
	if err != nil {
		return nil, err
	}
	l, err := ledger.Open(ctx, store.NewMemoryStore(), guard, cfg.InitialBankroll,
		ledger.WithClock(now), ledger.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	agg, err := signal.NewAggregator(cfg.Weights)
	if err != nil {
		return nil, err
	}
	est, err := estimate.NewPriceThreshold(agg, cfg.Clamp)
	if err != nil {
		return nil, err
	}
	calc, err := edge.NewCalculator(cfg.MinEdge, map[model.Category]edge.Window{
		model.CategoryPrice: {Min: time.Minute, Max: cfg.Window},
	})
	if err != nil {
		return nil, err
	}
	sizer, err := kelly.NewSizer(cfg.KellyMultiplier)
	if err != nil {
		return nil, err
	}

	src := &replay{}
	eng, err := engine.New(engine.Deps{
		Quotes:    src,
		Signals:   src,
		Estimator: est,
		Edge:      calc,
		Sizer:     sizer,
		Guard:     guard,
		Ledger:    l,
		Logger:    logger,
		Now:       now,
	})
	if err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed))
	report := &Report{InitialBankroll: cfg.InitialBankroll, TotalPnL: decimal.Zero}
	peak := cfg.InitialBankroll

	for i := cfg.Lookback; i+window < len(candles); i += window {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		report.Windows++

		spot := candles[i].Close
		clock = candles[i].OpenTime.Add(time.Minute)
		deadline := clock.Add(cfg.Window)
		end := candles[i+window].Close

		pi := signal.ComputePriceIndicators(candles[i-cfg.Lookback:i+1], nil, spot, cfg.Params)
		readings := pi.Readings(cfg.Params)

		src.quotes = make(map[string]model.MarketQuote, len(cfg.Offsets))
		src.signals = make(map[string]model.SignalSet, len(cfg.Offsets))
		ids := make([]string, 0, len(cfg.Offsets))
		for k, off := range cfg.Offsets {
			id := fmt.Sprintf("bt-%d-%d", i, k)
			cmp := model.Above
			if off < 0 {
				cmp = model.Below
			}
			price := math.Max(0.1, math.Min(0.9, 0.5+rng.NormFloat64()*cfg.MarketNoise))
			src.quotes[id] = model.MarketQuote{
				MarketID:   id,
				Question:   fmt.Sprintf("BTC %s %.2f", cmp, spot*(1+off)),
				Outcome:    string(model.SideYes),
				Price:      price,
				Deadline:   deadline,
				ObservedAt: clock,
				Category:   model.CategoryPrice,
				Metric:     model.MetricPrice,
				Threshold:  spot * (1 + off),
				Comparison: cmp,
			}
			src.signals[id] = model.SignalSet{
				MarketID: id,
				Strategy: model.CategoryPrice,
				Readings: readings,
				Inputs:   model.BaseInputs{Spot: pi.Spot, Volatility: pi.Volatility},
			}
			ids = append(ids, id)
		}

		var open []pending
		for _, id := range ids {
			rec, err := eng.Evaluate(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("backtest: evaluate %s: %w", id, err)
			}
			if rec.Action == model.ActionOpen {
				open = append(open, pending{rec: rec, quote: src.quotes[id], spot: spot})
			}
		}

		clock = deadline
		for _, p := range open {
			outcome := resolve(p.quote, end)
			pos, err := l.SettleMarket(ctx, p.quote.MarketID, outcome)
			if err != nil {
				return nil, fmt.Errorf("backtest: settle %s: %w", p.quote.MarketID, err)
			}
			bankroll := l.Snapshot().Bankroll
			t := Trade{
				MarketID:    p.quote.MarketID,
				OpenedAt:    pos.OpenedAt,
				Spot:        p.spot,
				Target:      p.quote.Threshold,
				Comparison:  p.quote.Comparison,
				Side:        pos.Side,
				Probability: p.rec.Assessment.Estimated,
				MarketPrice: p.quote.Price,
				Edge:        p.rec.Assessment.Edge,
				Kelly:       p.rec.Sizing.RawFraction,
				Fraction:    p.rec.Sizing.ClampedFraction,
				Stake:       pos.Stake,
				Won:         pos.Status == model.StatusResolvedWin,
				PnL:         pos.RealizedPnL.Decimal,
				Bankroll:    bankroll,
			}
			report.Trades = append(report.Trades, t)
			if t.Won {
				report.Wins++
			} else {
				report.Losses++
			}
			report.TotalPnL = report.TotalPnL.Add(t.PnL)

			if bankroll.GreaterThan(peak) {
				peak = bankroll
			}
			if peak.IsPositive() {
				dd := peak.Sub(bankroll).Div(peak).InexactFloat64()
				report.MaxDrawdown = math.Max(report.MaxDrawdown, dd)
			}
		}

		if !l.Snapshot().Bankroll.IsPositive() {
			logger.Warn("bankroll exhausted, stopping replay", "window", report.Windows)
			break
		}
	}

	report.finish(l.Snapshot().Bankroll)
	return report, nil
}

// resolve decides the YES leg from the window's closing price.
func resolve(q model.MarketQuote, end float64) model.Side {
	hit := end > q.Threshold
	if q.Comparison == model.Below {
		hit = end < q.Threshold
	}
	if hit {
		return model.SideYes
	}
	return model.SideNo
}

func (r *Report) finish(final decimal.Decimal) {
	r.FinalBankroll = final
	if n := r.Wins + r.Losses; n > 0 {
		r.WinRate = float64(r.Wins) / float64(n)
	}
	if r.InitialBankroll.IsPositive() {
		r.ReturnPct = final.Sub(r.InitialBankroll).Div(r.InitialBankroll).InexactFloat64() * 100
	}
	if len(r.Trades) == 0 {
		return
	}
	var edgeSum, kellySum float64
	for _, t := range r.Trades {
		edgeSum += t.Edge
		kellySum += t.Kelly
	}
	r.AvgEdge = edgeSum / float64(len(r.Trades))
	r.AvgKelly = kellySum / float64(len(r.Trades))
}
