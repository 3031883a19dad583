// Package signal combines normalized indicator readings into a single
// probability adjustment, and computes those readings from market data.
package signal

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/atmx/edge-engine/internal/model"
)

// Transform bounds a raw reading to [-1, 1] before weighting.
type Transform string

const (
	TransformClamp Transform = "clamp"
	TransformTanh  Transform = "tanh"
)

// ErrInvalidWeight is returned for weights that cannot be applied.
var ErrInvalidWeight = errors.New("signal: invalid indicator weight")

// Weight configures one indicator's contribution.
type Weight struct {
	Weight    float64   `yaml:"weight" json:"weight"`
	Transform Transform `yaml:"transform" json:"transform"`
	Scale     float64   `yaml:"scale" json:"scale"`
}

// apply maps a raw reading into [-1, 1].
func (w Weight) apply(x float64) float64 {
	v := w.Scale * x
	switch w.Transform {
	case TransformTanh:
		return math.Tanh(v)
	default:
		return math.Max(-1, math.Min(1, v))
	}
}

// Aggregator is a pure weighted sum over bounded indicator readings.
// It is safe for concurrent use once constructed.
type Aggregator struct {
	weights map[string]Weight
	names   []string
}

// NewAggregator validates weights and fixes the contribution order.
// A zero Scale defaults to 1 and an empty Transform to clamp.
func NewAggregator(weights map[string]Weight) (*Aggregator, error) {
	a := &Aggregator{weights: make(map[string]Weight, len(weights))}
	for name, w := range weights {
		if name == "" {
			return nil, fmt.Errorf("%w: empty indicator name", ErrInvalidWeight)
		}
		if math.IsNaN(w.Weight) || math.IsInf(w.Weight, 0) {
			return nil, fmt.Errorf("%w: %s weight %v", ErrInvalidWeight, name, w.Weight)
		}
		if w.Scale == 0 {
			w.Scale = 1
		}
		if w.Scale < 0 || math.IsNaN(w.Scale) || math.IsInf(w.Scale, 0) {
			return nil, fmt.Errorf("%w: %s scale %v", ErrInvalidWeight, name, w.Scale)
		}
		switch w.Transform {
		case "":
			w.Transform = TransformClamp
		case TransformClamp, TransformTanh:
		default:
			return nil, fmt.Errorf("%w: %s transform %q", ErrInvalidWeight, name, w.Transform)
		}
		a.weights[name] = w
		a.names = append(a.names, name)
	}
	sort.Strings(a.names)
	return a, nil
}

// Aggregate returns the summed adjustment and the per-indicator breakdown in
// indicator-name order. Missing, NaN and infinite readings contribute zero.
func (a *Aggregator) Aggregate(s model.SignalSet) (float64, []model.Contribution) {
	var total float64
	contributions := make([]model.Contribution, 0, len(a.names))
	for _, name := range a.names {
		w := a.weights[name]
		reading, ok := s.Readings[name]
		if !ok || math.IsNaN(reading) || math.IsInf(reading, 0) {
			reading = 0
		}
		transformed := w.apply(reading)
		value := w.Weight * transformed
		total += value
		contributions = append(contributions, model.Contribution{
			Indicator:   name,
			Reading:     reading,
			Transformed: transformed,
			Weight:      w.Weight,
			Value:       value,
		})
	}
	return total, contributions
}

// MaxAdjustment is the largest absolute adjustment the weights can produce.
func (a *Aggregator) MaxAdjustment() float64 {
	var m float64
	for _, w := range a.weights {
		m += math.Abs(w.Weight)
	}
	return m
}
