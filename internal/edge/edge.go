// Package edge compares an estimated probability with the market-implied one
// and decides whether the gap is worth sizing.
package edge

import (
	"errors"
	"fmt"
	"time"

	"github.com/atmx/edge-engine/internal/model"
)

// ErrInvalidConfig is returned for thresholds or windows that cannot be used.
var ErrInvalidConfig = errors.New("edge: invalid configuration")

// Window is the allowed time-to-resolution for one category.
type Window struct {
	Min time.Duration `yaml:"min" json:"min"`
	Max time.Duration `yaml:"max" json:"max"`
}

// Contains reports whether d lies inside [Min, Max]. A zero Max is unbounded.
func (w Window) Contains(d time.Duration) bool {
	if d < w.Min {
		return false
	}
	return w.Max == 0 || d <= w.Max
}

// DefaultWindows are the horizons each strategy is designed for: short
// windows for price action, a few days for weather forecasts.
func DefaultWindows() map[model.Category]Window {
	return map[model.Category]Window{
		model.CategoryPrice:   {Min: time.Minute, Max: time.Hour},
		model.CategoryWeather: {Min: 6 * time.Hour, Max: 72 * time.Hour},
	}
}

// Calculator is stateless and safe for concurrent use.
type Calculator struct {
	minEdge float64
	windows map[model.Category]Window
}

// NewCalculator validates minEdge in [0, 1) and every window.
func NewCalculator(minEdge float64, windows map[model.Category]Window) (*Calculator, error) {
	if minEdge < 0 || minEdge >= 1 {
		return nil, fmt.Errorf("%w: min edge %v", ErrInvalidConfig, minEdge)
	}
	for c, w := range windows {
		if w.Min < 0 || (w.Max != 0 && w.Max < w.Min) {
			return nil, fmt.Errorf("%w: window for %s [%s, %s]", ErrInvalidConfig, c, w.Min, w.Max)
		}
	}
	return &Calculator{minEdge: minEdge, windows: windows}, nil
}

// MinEdge returns the configured threshold.
func (c *Calculator) MinEdge() float64 { return c.minEdge }

// Assess picks the favoured side and checks threshold and horizon.
//
// YES is favoured when estimated >= market; otherwise NO, priced at
// 1 - market with win probability 1 - estimated. Edge keeps the YES-leg
// sign so callers can tell the sides apart.
func (c *Calculator) Assess(q model.MarketQuote, estimated float64) model.EdgeAssessment {
	a := model.EdgeAssessment{
		Estimated: estimated,
		Market:    q.Price,
		Edge:      estimated - q.Price,
		Horizon:   q.TimeToResolution(),
	}
	if a.Edge >= 0 {
		a.Side = model.SideYes
		a.SideProbability = estimated
		a.SidePrice = q.Price
	} else {
		a.Side = model.SideNo
		a.SideProbability = 1 - estimated
		a.SidePrice = 1 - q.Price
	}

	if w, ok := c.windows[q.Category]; ok {
		switch {
		case a.Horizon < w.Min:
			a.Reason = model.NoBetTooSoon
			return a
		case w.Max != 0 && a.Horizon > w.Max:
			a.Reason = model.NoBetTooFar
			return a
		}
	}
	if a.Magnitude() < c.minEdge {
		a.Reason = model.NoBetEdgeBelowThreshold
		return a
	}
	a.Actionable = true
	return a
}
