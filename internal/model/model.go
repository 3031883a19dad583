// Package model defines the core domain types shared across the edge engine.
// Currency values use shopspring/decimal; never float64 for money.
// Probabilities and prices are float64 in (0,1).
package model

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Category selects the strategy and probability model for a market.
type Category string

const (
	CategoryPrice   Category = "price-threshold"
	CategoryWeather Category = "weather-threshold"
)

// Valid reports whether c is one of the supported categories.
func (c Category) Valid() bool {
	return c == CategoryPrice || c == CategoryWeather
}

// Side is one leg of a binary market.
type Side string

const (
	SideYes Side = "YES"
	SideNo  Side = "NO"
)

// Opposite returns the other leg.
func (s Side) Opposite() Side {
	if s == SideYes {
		return SideNo
	}
	return SideYes
}

// Valid reports whether s is YES or NO.
func (s Side) Valid() bool {
	return s == SideYes || s == SideNo
}

// Comparison is the direction of a threshold market ("above $97,500").
type Comparison string

const (
	Above Comparison = "above"
	Below Comparison = "below"
)

// Metric is the underlying quantity a market resolves on.
type Metric string

const (
	MetricPrice         Metric = "price"
	MetricTemperature   Metric = "temperature"
	MetricPrecipitation Metric = "precipitation"
	MetricSnowfall      Metric = "snowfall"
)

// ErrInvalidQuote is returned when a quote cannot be used for sizing.
var ErrInvalidQuote = errors.New("model: invalid market quote")

// MarketQuote is an immutable snapshot of one binary market as seen by the
// exchange collaborator, enriched with the parsed question terms.
type MarketQuote struct {
	MarketID   string     `json:"market_id"`
	Question   string     `json:"question"`
	Outcome    string     `json:"outcome"` // label of the priced leg, "YES"
	Price      float64    `json:"price"`   // YES-leg implied probability, (0,1)
	Deadline   time.Time  `json:"deadline"`
	ObservedAt time.Time  `json:"observed_at"`
	Category   Category   `json:"category"`
	Metric     Metric     `json:"metric"`
	Threshold  float64    `json:"threshold"` // USD for price, °C / mm / cm for weather
	Comparison Comparison `json:"comparison"`
	Location   string     `json:"location,omitempty"`
}

// Validate rejects quotes that must never reach the estimator.
func (q MarketQuote) Validate() error {
	if q.MarketID == "" {
		return fmt.Errorf("%w: empty market id", ErrInvalidQuote)
	}
	if math.IsNaN(q.Price) || q.Price <= 0 || q.Price >= 1 {
		return fmt.Errorf("%w: price %v outside (0,1) for %s", ErrInvalidQuote, q.Price, q.MarketID)
	}
	if !q.Category.Valid() {
		return fmt.Errorf("%w: unknown category %q for %s", ErrInvalidQuote, q.Category, q.MarketID)
	}
	if q.Comparison != Above && q.Comparison != Below {
		return fmt.Errorf("%w: unknown comparison %q for %s", ErrInvalidQuote, q.Comparison, q.MarketID)
	}
	if q.Deadline.IsZero() || q.ObservedAt.IsZero() {
		return fmt.Errorf("%w: missing deadline or observation time for %s", ErrInvalidQuote, q.MarketID)
	}
	return nil
}

// TimeToResolution is the remaining horizon at observation time.
func (q MarketQuote) TimeToResolution() time.Duration {
	return q.Deadline.Sub(q.ObservedAt)
}

// BaseInputs are the parametric inputs for the base-case probability model.
// Price markets fill Spot and Volatility; weather markets fill the Forecast
// fields.
type BaseInputs struct {
	Spot       float64 `json:"spot,omitempty"`
	Volatility float64 `json:"volatility,omitempty"` // std-dev of 1-minute log returns

	Forecast            float64 `json:"forecast,omitempty"`             // same unit as the quote threshold
	ForecastSigma       float64 `json:"forecast_sigma,omitempty"`       // 0 → use ForecastProbability
	ForecastProbability float64 `json:"forecast_probability,omitempty"` // P(YES) published by the forecast
}

// SignalSet holds one scan cycle's indicator readings for one market.
// Treat as immutable once built.
type SignalSet struct {
	MarketID string             `json:"market_id"`
	Strategy Category           `json:"strategy"`
	Readings map[string]float64 `json:"readings"`
	Inputs   BaseInputs         `json:"inputs"`
}

// Reading returns the named reading, or 0 when missing.
func (s SignalSet) Reading(name string) float64 {
	return s.Readings[name]
}

// Contribution is one indicator's share of the probability adjustment.
type Contribution struct {
	Indicator   string  `json:"indicator"`
	Reading     float64 `json:"reading"`
	Transformed float64 `json:"transformed"`
	Weight      float64 `json:"weight"`
	Value       float64 `json:"value"`
}

// ProbabilityEstimate is the estimator's calibrated P(YES).
type ProbabilityEstimate struct {
	Probability   float64        `json:"probability"`
	Base          float64        `json:"base"`
	Adjustment    float64        `json:"adjustment"`
	Contributions []Contribution `json:"contributions"`
}

// NoBetReason explains why an assessment is not actionable.
type NoBetReason string

const (
	NoBetEdgeBelowThreshold NoBetReason = "edge-below-threshold"
	NoBetTooSoon            NoBetReason = "too-soon-to-settle"
	NoBetTooFar             NoBetReason = "too-far-out"
)

// EdgeAssessment compares the estimate with the market on the favoured side.
type EdgeAssessment struct {
	Estimated       float64       `json:"estimated"`
	Market          float64       `json:"market"`
	Edge            float64       `json:"edge"` // Estimated - Market; sign selects the side
	Side            Side          `json:"side"`
	SideProbability float64       `json:"side_probability"`
	SidePrice       float64       `json:"side_price"`
	Horizon         time.Duration `json:"horizon"`
	Actionable      bool          `json:"actionable"`
	Reason          NoBetReason   `json:"reason,omitempty"`
}

// Magnitude is |Edge|.
func (a EdgeAssessment) Magnitude() float64 {
	return math.Abs(a.Edge)
}
