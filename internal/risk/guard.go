// Package risk enforces bankroll-relative position limits on Kelly-sized bets.
//
// A stake is clamped three ways before it can be committed: by the single-bet
// cap, by the headroom left under the portfolio exposure cap, and by the
// headroom under the optional per-category cap. Whatever survives must still
// clear the minimum stake. The same limits are re-checked by the ledger for a
// concrete stake at commit time.
package risk

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/edge-engine/internal/model"
)

var (
	// ErrInvalidLimits is returned by Validate for out-of-range caps.
	ErrInvalidLimits = errors.New("risk: invalid limits")

	// ErrNegativeBankroll is returned when the bankroll has gone below zero.
	ErrNegativeBankroll = errors.New("risk: bankroll is negative")

	// ErrNonPositiveStake is returned for zero or negative stakes.
	ErrNonPositiveStake = errors.New("risk: stake must be positive")

	// ErrSingleBetExceeded is returned when a stake exceeds the single-bet cap.
	ErrSingleBetExceeded = errors.New("risk: single-bet limit exceeded")

	// ErrExposureExceeded is returned when total open stake would exceed the
	// portfolio exposure cap.
	ErrExposureExceeded = errors.New("risk: exposure limit exceeded")

	// ErrCategoryExceeded is returned when open stake within one category
	// would exceed that category's cap.
	ErrCategoryExceeded = errors.New("risk: category exposure limit exceeded")

	// ErrMaxPositions is returned when the open-position count is at its cap.
	ErrMaxPositions = errors.New("risk: max open positions reached")

	// ErrDuplicateMarket is returned when the market already has an OPEN
	// position.
	ErrDuplicateMarket = errors.New("risk: market already has an open position")

	// ErrMarketHalted is returned for markets halted after an invariant
	// violation.
	ErrMarketHalted = errors.New("risk: market halted")
)

// Limits are bankroll-relative caps. Fractions are of the current bankroll.
type Limits struct {
	// MaxSingleBet caps one stake as a fraction of bankroll.
	MaxSingleBet float64

	// MaxExposure caps the sum of OPEN stakes as a fraction of bankroll.
	// Must not exceed 1 so settlement can never drive bankroll negative.
	MaxExposure float64

	// MaxOpenPositions caps the number of concurrent OPEN positions.
	MaxOpenPositions int

	// CategoryCaps optionally caps OPEN stake per category.
	CategoryCaps map[model.Category]float64

	// MinStake is the smallest stake worth placing.
	MinStake decimal.Decimal
}

// DefaultLimits are the conservative production settings.
func DefaultLimits() Limits {
	return Limits{
		MaxSingleBet:     0.05,
		MaxExposure:      0.50,
		MaxOpenPositions: 10,
		MinStake:         decimal.NewFromInt(1),
	}
}

// Validate rejects caps outside (0, 1] and a non-positive position count.
func (l Limits) Validate() error {
	if !(l.MaxSingleBet > 0 && l.MaxSingleBet <= 1) {
		return fmt.Errorf("%w: max single bet %v", ErrInvalidLimits, l.MaxSingleBet)
	}
	if !(l.MaxExposure > 0 && l.MaxExposure <= 1) {
		return fmt.Errorf("%w: max exposure %v", ErrInvalidLimits, l.MaxExposure)
	}
	if l.MaxOpenPositions < 1 {
		return fmt.Errorf("%w: max open positions %d", ErrInvalidLimits, l.MaxOpenPositions)
	}
	for c, v := range l.CategoryCaps {
		if !(v > 0 && v <= 1) {
			return fmt.Errorf("%w: category cap %s=%v", ErrInvalidLimits, c, v)
		}
	}
	if l.MinStake.IsNegative() {
		return fmt.Errorf("%w: min stake %s", ErrInvalidLimits, l.MinStake)
	}
	return nil
}

// Guard applies Limits. It holds no state and is safe for concurrent use.
type Guard struct {
	limits Limits
}

// NewGuard validates limits.
func NewGuard(l Limits) (*Guard, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}
	return &Guard{limits: l}, nil
}

// Limits returns a copy of the configured limits.
func (g *Guard) Limits() Limits { return g.limits }

// capOf returns fraction × bankroll.
func capOf(bankroll decimal.Decimal, fraction float64) decimal.Decimal {
	return bankroll.Mul(decimal.NewFromFloat(fraction))
}

// Apply turns a Kelly-sized decision into a committed-size decision against
// snap, or a vetoed one. A decision already vetoed by the sizer passes through
// with a zero stake.
func (g *Guard) Apply(snap model.Snapshot, d model.SizingDecision) model.SizingDecision {
	d.SnapshotVersion = snap.Version
	d.Stake = decimal.Zero
	d.ClampedFraction = 0
	if d.Vetoed() {
		return d
	}

	veto := func(r model.VetoReason) model.SizingDecision {
		d.Veto = r
		d.Stake = decimal.Zero
		d.ClampedFraction = 0
		return d
	}

	switch {
	case snap.HasOpen(d.MarketID):
		return veto(model.VetoMarketAlreadyOpen)
	case snap.IsHalted(d.MarketID):
		return veto(model.VetoMarketHalted)
	case snap.OpenCount() >= g.limits.MaxOpenPositions:
		return veto(model.VetoMaxPositions)
	}

	// 1. Single-bet cap.
	fraction := d.RawFraction
	if fraction > g.limits.MaxSingleBet {
		fraction = g.limits.MaxSingleBet
	}
	stake := capOf(snap.Bankroll, fraction).Truncate(2)

	// 2. Portfolio exposure headroom.
	headroom := capOf(snap.Bankroll, g.limits.MaxExposure).Sub(snap.Exposure)
	if !headroom.IsPositive() {
		return veto(model.VetoExposureCapExhausted)
	}
	stake = decimal.Min(stake, headroom.Truncate(2))

	// 3. Category headroom.
	if c, ok := g.limits.CategoryCaps[d.Category]; ok {
		catHeadroom := capOf(snap.Bankroll, c).Sub(snap.CategoryExposure(d.Category))
		if !catHeadroom.IsPositive() {
			return veto(model.VetoCategoryCapExhausted)
		}
		stake = decimal.Min(stake, catHeadroom.Truncate(2))
	}

	if !stake.IsPositive() || stake.LessThan(g.limits.MinStake) {
		return veto(model.VetoBelowMinimumStake)
	}

	d.Stake = stake
	d.ClampedFraction = stake.Div(snap.Bankroll).InexactFloat64()
	return d
}

// Check verifies that committing stake for d against snap keeps every
// portfolio invariant. It returns nil when the commit is allowed.
func (g *Guard) Check(snap model.Snapshot, d model.SizingDecision) error {
	if snap.Bankroll.IsNegative() {
		return ErrNegativeBankroll
	}
	if !d.Stake.IsPositive() {
		return fmt.Errorf("%w: %s", ErrNonPositiveStake, d.Stake)
	}
	if snap.HasOpen(d.MarketID) {
		return fmt.Errorf("%w: %s", ErrDuplicateMarket, d.MarketID)
	}
	if snap.IsHalted(d.MarketID) {
		return fmt.Errorf("%w: %s", ErrMarketHalted, d.MarketID)
	}
	if snap.OpenCount()+1 > g.limits.MaxOpenPositions {
		return ErrMaxPositions
	}
	if d.Stake.GreaterThan(capOf(snap.Bankroll, g.limits.MaxSingleBet)) {
		return fmt.Errorf("%w: stake %s", ErrSingleBetExceeded, d.Stake)
	}
	if snap.Exposure.Add(d.Stake).GreaterThan(capOf(snap.Bankroll, g.limits.MaxExposure)) {
		return fmt.Errorf("%w: exposure %s + %s", ErrExposureExceeded, snap.Exposure, d.Stake)
	}
	if c, ok := g.limits.CategoryCaps[d.Category]; ok {
		if snap.CategoryExposure(d.Category).Add(d.Stake).GreaterThan(capOf(snap.Bankroll, c)) {
			return fmt.Errorf("%w: %s", ErrCategoryExceeded, d.Category)
		}
	}
	return nil
}

// CheckPortfolio verifies the portfolio-wide invariants of a snapshot with
// no pending stake.
func (g *Guard) CheckPortfolio(snap model.Snapshot) error {
	if snap.Bankroll.IsNegative() {
		return ErrNegativeBankroll
	}
	if snap.OpenCount() > g.limits.MaxOpenPositions {
		return ErrMaxPositions
	}
	if snap.Exposure.GreaterThan(capOf(snap.Bankroll, g.limits.MaxExposure)) {
		return ErrExposureExceeded
	}
	seen := make(map[string]bool, len(snap.Open))
	for _, p := range snap.Open {
		if seen[p.MarketID] {
			return fmt.Errorf("%w: %s", ErrDuplicateMarket, p.MarketID)
		}
		seen[p.MarketID] = true
	}
	return nil
}
