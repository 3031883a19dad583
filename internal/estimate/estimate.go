// Package estimate turns a market quote and its signal set into a calibrated
// probability that the YES leg resolves true.
package estimate

import (
	"errors"
	"fmt"
	"math"

	"github.com/atmx/edge-engine/internal/model"
	"github.com/atmx/edge-engine/internal/signal"
)

var (
	// ErrInsufficientInputs is returned when the base model lacks a usable
	// spot, volatility or forecast.
	ErrInsufficientInputs = errors.New("estimate: insufficient inputs")

	// ErrInvalidClamp is returned for a clamp interval outside 0 < lo < hi < 1.
	ErrInvalidClamp = errors.New("estimate: invalid clamp interval")

	// ErrNoEstimator is returned when no estimator is registered for a category.
	ErrNoEstimator = errors.New("estimate: no estimator for category")
)

// Estimator produces P(YES) for one market.
type Estimator interface {
	Estimate(q model.MarketQuote, s model.SignalSet) (model.ProbabilityEstimate, error)
}

// Clamp is the closed interval every estimate is forced into.
type Clamp struct {
	Lo float64 `yaml:"lo" json:"lo"`
	Hi float64 `yaml:"hi" json:"hi"`
}

// DefaultClamp keeps estimates away from certainty.
var DefaultClamp = Clamp{Lo: 0.01, Hi: 0.99}

// Validate checks 0 < Lo < Hi < 1.
func (c Clamp) Validate() error {
	if !(c.Lo > 0 && c.Lo < c.Hi && c.Hi < 1) {
		return fmt.Errorf("%w: [%v, %v]", ErrInvalidClamp, c.Lo, c.Hi)
	}
	return nil
}

// Apply clamps p. NaN maps to the midpoint.
func (c Clamp) Apply(p float64) float64 {
	if math.IsNaN(p) {
		return (c.Lo + c.Hi) / 2
	}
	return math.Max(c.Lo, math.Min(c.Hi, p))
}

// NormalCDF is the standard normal cumulative distribution function.
func NormalCDF(z float64) float64 {
	return 0.5 * math.Erfc(-z/math.Sqrt2)
}

// finish combines base and adjustment into the clamped estimate.
func finish(c Clamp, base, adj float64, contribs []model.Contribution) model.ProbabilityEstimate {
	return model.ProbabilityEstimate{
		Probability:   c.Apply(base + adj),
		Base:          base,
		Adjustment:    adj,
		Contributions: contribs,
	}
}

// PriceThreshold estimates "will the asset be above/below X at the deadline"
// from a driftless normal move scaled by per-minute volatility.
type PriceThreshold struct {
	agg   *signal.Aggregator
	clamp Clamp
}

// NewPriceThreshold validates the clamp and binds the aggregator.
func NewPriceThreshold(agg *signal.Aggregator, clamp Clamp) (*PriceThreshold, error) {
	if err := clamp.Validate(); err != nil {
		return nil, err
	}
	return &PriceThreshold{agg: agg, clamp: clamp}, nil
}

// minExpectedMove floors the horizon-scaled volatility.
const minExpectedMove = 1e-4

// Estimate implements Estimator.
func (e *PriceThreshold) Estimate(q model.MarketQuote, s model.SignalSet) (model.ProbabilityEstimate, error) {
	spot, vol := s.Inputs.Spot, s.Inputs.Volatility
	if !(spot > 0) || math.IsInf(spot, 0) || math.IsNaN(vol) || vol < 0 || !(q.Threshold > 0) {
		return model.ProbabilityEstimate{}, fmt.Errorf("%w: spot=%v vol=%v threshold=%v for %s",
			ErrInsufficientInputs, spot, vol, q.Threshold, q.MarketID)
	}

	minutes := q.TimeToResolution().Minutes()
	if minutes < 0 {
		minutes = 0
	}
	expected := vol * math.Sqrt(minutes)
	if expected < minExpectedMove {
		expected = minExpectedMove
	}

	distance := (q.Threshold - spot) / spot
	base := 1 - NormalCDF(distance/expected)

	adj, contribs := e.agg.Aggregate(s)
	if q.Comparison == model.Below {
		base = 1 - base
		adj = -adj
	}
	return finish(e.clamp, base, adj, contribs), nil
}

// WeatherThreshold estimates "will the metric be above/below X on the day"
// from a forecast value with an error sigma, or from a published forecast
// probability when no sigma is available.
type WeatherThreshold struct {
	agg   *signal.Aggregator
	clamp Clamp
}

// NewWeatherThreshold validates the clamp and binds the aggregator.
func NewWeatherThreshold(agg *signal.Aggregator, clamp Clamp) (*WeatherThreshold, error) {
	if err := clamp.Validate(); err != nil {
		return nil, err
	}
	return &WeatherThreshold{agg: agg, clamp: clamp}, nil
}

// Estimate implements Estimator.
func (e *WeatherThreshold) Estimate(q model.MarketQuote, s model.SignalSet) (model.ProbabilityEstimate, error) {
	in := s.Inputs
	var base float64
	switch {
	case in.ForecastSigma > 0 && !math.IsNaN(in.Forecast) && !math.IsInf(in.Forecast, 0):
		base = NormalCDF((in.Forecast - q.Threshold) / in.ForecastSigma)
		if q.Comparison == model.Below {
			base = 1 - base
		}
	case in.ForecastSigma == 0 && in.ForecastProbability >= 0 && in.ForecastProbability <= 1:
		// Published probabilities are already expressed toward YES.
		base = in.ForecastProbability
	default:
		return model.ProbabilityEstimate{}, fmt.Errorf("%w: forecast=%v sigma=%v prob=%v for %s",
			ErrInsufficientInputs, in.Forecast, in.ForecastSigma, in.ForecastProbability, q.MarketID)
	}

	adj, contribs := e.agg.Aggregate(s)
	return finish(e.clamp, base, adj, contribs), nil
}

// Registry selects an estimator by market category.
type Registry struct {
	byCategory map[model.Category]Estimator
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byCategory: make(map[model.Category]Estimator)}
}

// Register binds an estimator to a category, replacing any previous one.
func (r *Registry) Register(c model.Category, e Estimator) {
	r.byCategory[c] = e
}

// Estimate dispatches on q.Category.
func (r *Registry) Estimate(q model.MarketQuote, s model.SignalSet) (model.ProbabilityEstimate, error) {
	e, ok := r.byCategory[q.Category]
	if !ok {
		return model.ProbabilityEstimate{}, fmt.Errorf("%w: %s", ErrNoEstimator, q.Category)
	}
	return e.Estimate(q, s)
}

// NewDefaultRegistry wires the price and weather estimators with their own
// indicator weights and a shared clamp.
func NewDefaultRegistry(priceWeights, weatherWeights map[string]signal.Weight, clamp Clamp) (*Registry, error) {
	priceAgg, err := signal.NewAggregator(priceWeights)
	if err != nil {
		return nil, fmt.Errorf("price weights: %w", err)
	}
	weatherAgg, err := signal.NewAggregator(weatherWeights)
	if err != nil {
		return nil, fmt.Errorf("weather weights: %w", err)
	}
	price, err := NewPriceThreshold(priceAgg, clamp)
	if err != nil {
		return nil, err
	}
	weather, err := NewWeatherThreshold(weatherAgg, clamp)
	if err != nil {
		return nil, err
	}

	r := NewRegistry()
	r.Register(model.CategoryPrice, price)
	r.Register(model.CategoryWeather, weather)
	return r, nil
}
