// Package kelly computes the fractional Kelly bet size for a binary contract.
//
// For a contract bought at price p that pays 1 on win, the net odds are
// b = 1/p - 1 and the full-Kelly fraction is (prob·b - (1-prob)) / b. The
// multiplier k scales that down to reduce variance.
package kelly

import (
	"errors"
	"fmt"
	"math"

	"github.com/atmx/edge-engine/internal/model"
)

// ErrInvalidMultiplier is returned for k outside (0, 1].
var ErrInvalidMultiplier = errors.New("kelly: multiplier must be in (0, 1]")

// DefaultMultiplier is half-Kelly.
const DefaultMultiplier = 0.5

// Sizer is stateless and safe for concurrent use.
type Sizer struct {
	k float64
}

// NewSizer validates the multiplier.
func NewSizer(k float64) (*Sizer, error) {
	if !(k > 0 && k <= 1) {
		return nil, fmt.Errorf("%w: got %v", ErrInvalidMultiplier, k)
	}
	return &Sizer{k: k}, nil
}

// Fraction returns k·f* for win probability prob at price. It returns a veto
// when the odds are degenerate or the fraction is not positive.
func (s *Sizer) Fraction(prob, price float64) (float64, model.VetoReason) {
	b := 1/price - 1
	if math.IsNaN(b) || math.IsInf(b, 0) || b <= 0 {
		return 0, model.VetoDegenerateOdds
	}
	q := 1 - prob
	f := s.k * (prob*b - q) / b
	if math.IsNaN(f) || f <= 0 {
		return f, model.VetoNonPositiveKelly
	}
	return f, model.VetoNone
}

// Size builds the unclamped sizing decision for an assessment. Stake and
// ClampedFraction are left for the risk guard.
func (s *Sizer) Size(q model.MarketQuote, a model.EdgeAssessment) model.SizingDecision {
	f, veto := s.Fraction(a.SideProbability, a.SidePrice)
	return model.SizingDecision{
		MarketID:    q.MarketID,
		Category:    q.Category,
		Side:        a.Side,
		Price:       a.SidePrice,
		Probability: a.SideProbability,
		RawFraction: f,
		Veto:        veto,
	}
}
