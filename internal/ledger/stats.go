package ledger

import (
	"github.com/shopspring/decimal"

	"github.com/atmx/edge-engine/internal/model"
)

// Stats summarises portfolio performance.
type Stats struct {
	Version         uint64          `json:"version"`
	Bankroll        decimal.Decimal `json:"bankroll"`
	InitialBankroll decimal.Decimal `json:"initial_bankroll"`
	OpenPositions   int             `json:"open_positions"`
	Exposure        decimal.Decimal `json:"exposure"`
	ClosedTrades    int             `json:"closed_trades"`
	Wins            int             `json:"wins"`
	Losses          int             `json:"losses"`
	WinRate         float64         `json:"win_rate"`
	RealizedPnL     decimal.Decimal `json:"realized_pnl"`
	Halted          []string        `json:"halted,omitempty"`
}

// Stats computes the summary under the ledger lock. A closed-early position
// counts as a win when its realised PnL is positive.
func (l *Ledger) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := Stats{
		Version:         l.version,
		Bankroll:        l.bankroll,
		InitialBankroll: l.initial,
		Exposure:        decimal.Zero,
		RealizedPnL:     decimal.Zero,
		Halted:          l.haltedListLocked(),
	}
	for _, p := range l.positions {
		switch p.Status {
		case model.StatusOpen:
			s.OpenPositions++
			s.Exposure = s.Exposure.Add(p.Stake)
			continue
		case model.StatusResolvedWin:
			s.Wins++
		case model.StatusResolvedLoss:
			s.Losses++
		case model.StatusClosedEarly:
			if p.RealizedPnL.Decimal.IsPositive() {
				s.Wins++
			} else {
				s.Losses++
			}
		}
		s.ClosedTrades++
		if p.RealizedPnL.Valid {
			s.RealizedPnL = s.RealizedPnL.Add(p.RealizedPnL.Decimal)
		}
	}
	if s.ClosedTrades > 0 {
		s.WinRate = float64(s.Wins) / float64(s.ClosedTrades)
	}
	return s
}
