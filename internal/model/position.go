package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// VetoReason is the enumerated cause of a refused sizing decision.
type VetoReason string

const (
	VetoNone                 VetoReason = ""
	VetoDegenerateOdds       VetoReason = "degenerate-odds"
	VetoNonPositiveKelly     VetoReason = "non-positive-kelly"
	VetoMarketAlreadyOpen    VetoReason = "market-already-open"
	VetoMarketHalted         VetoReason = "market-halted"
	VetoMaxPositions         VetoReason = "max-positions-reached"
	VetoExposureCapExhausted VetoReason = "exposure-cap-exhausted"
	VetoCategoryCapExhausted VetoReason = "category-cap-exhausted"
	VetoBelowMinimumStake    VetoReason = "below-minimum-stake"
)

// SizingDecision is the Kelly sizer + risk guard output for one market.
type SizingDecision struct {
	MarketID        string          `json:"market_id"`
	Category        Category        `json:"category"`
	Side            Side            `json:"side"`
	Price           float64         `json:"price"`       // entry price of the favoured leg
	Probability     float64         `json:"probability"` // win probability of the favoured leg
	RawFraction     float64         `json:"raw_fraction"`
	ClampedFraction float64         `json:"clamped_fraction"`
	Stake           decimal.Decimal `json:"stake"`
	Veto            VetoReason      `json:"veto,omitempty"`
	SnapshotVersion uint64          `json:"snapshot_version"`
}

// Vetoed reports whether the decision carries a veto.
func (d SizingDecision) Vetoed() bool {
	return d.Veto != VetoNone
}

// PositionStatus is the lifecycle state of a position.
type PositionStatus string

const (
	StatusOpen         PositionStatus = "OPEN"
	StatusResolvedWin  PositionStatus = "RESOLVED_WIN"
	StatusResolvedLoss PositionStatus = "RESOLVED_LOSS"
	StatusClosedEarly  PositionStatus = "CLOSED_EARLY"
)

// Terminal reports whether no further transition is allowed.
func (s PositionStatus) Terminal() bool {
	return s == StatusResolvedWin || s == StatusResolvedLoss || s == StatusClosedEarly
}

// Position is a committed stake on one side of one market. Stake is fixed
// at open; only Status, RealizedPnL and ClosedAt change afterwards.
type Position struct {
	ID          string              `json:"id"`
	MarketID    string              `json:"market_id"`
	Category    Category            `json:"category"`
	Side        Side                `json:"side"`
	EntryPrice  decimal.Decimal     `json:"entry_price"`
	Stake       decimal.Decimal     `json:"stake"`
	OpenedAt    time.Time           `json:"opened_at"`
	Status      PositionStatus      `json:"status"`
	RealizedPnL decimal.NullDecimal `json:"realized_pnl"`
	ClosedAt    *time.Time          `json:"closed_at,omitempty"`
}

// PortfolioState is the persisted shape of the ledger: bankroll plus every
// position ever opened (terminal ones kept for audit).
type PortfolioState struct {
	Version   uint64          `json:"version"`
	Bankroll  decimal.Decimal `json:"bankroll"`
	Positions []Position      `json:"positions"`
	Halted    []string        `json:"halted,omitempty"`
}

// Snapshot is an immutable read view of the portfolio used for sizing.
type Snapshot struct {
	Version            uint64                       `json:"version"`
	Bankroll           decimal.Decimal              `json:"bankroll"`
	Exposure           decimal.Decimal              `json:"exposure"`
	ExposureByCategory map[Category]decimal.Decimal `json:"exposure_by_category"`
	Open               []Position                   `json:"open"`
	Halted             []string                     `json:"halted,omitempty"`
}

// OpenCount is the number of OPEN positions.
func (s Snapshot) OpenCount() int {
	return len(s.Open)
}

// HasOpen reports whether marketID has an OPEN position.
func (s Snapshot) HasOpen(marketID string) bool {
	for _, p := range s.Open {
		if p.MarketID == marketID {
			return true
		}
	}
	return false
}

// IsHalted reports whether trading is halted for marketID.
func (s Snapshot) IsHalted(marketID string) bool {
	for _, id := range s.Halted {
		if id == marketID {
			return true
		}
	}
	return false
}

// CategoryExposure returns committed stake in one category.
func (s Snapshot) CategoryExposure(c Category) decimal.Decimal {
	return s.ExposureByCategory[c]
}

// Settlement is the external resolution of a market.
type Settlement struct {
	MarketID string `json:"market_id"`
	Resolved Side   `json:"resolved"`
}
