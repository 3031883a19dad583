package strategy

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/atmx/edge-engine/internal/contract"
	"github.com/atmx/edge-engine/internal/model"
	"github.com/atmx/edge-engine/internal/signal"
)

// ForecastData is the weather forecast feed.
type ForecastData interface {
	Forecast(ctx context.Context, location string, lat, lon float64, day, now time.Time) (model.Forecast, error)
}

// TermsLookup returns the parsed terms of a listed market.
type TermsLookup interface {
	Terms(marketID string) (contract.Terms, bool)
}

// WeatherConfig holds the forecast error model.
type WeatherConfig struct {
	TempSigmaC       float64 // forecast error on the target day
	TempSigmaPerDay  float64 // added per day of lead time
	AmountSigmaFrac  float64 // precipitation/snow sigma as a fraction of the threshold
	PrecipSigmaMinMM float64
	SnowSigmaMinCM   float64
	MaxProbWeight    float64 // occurrence = w*max + (1-w)*mean of hourly probabilities
}

// DefaultWeatherConfig returns a 2°C day-ahead error growing 0.5°C per day.
func DefaultWeatherConfig() WeatherConfig {
	return WeatherConfig{
		TempSigmaC:       2.0,
		TempSigmaPerDay:  0.5,
		AmountSigmaFrac:  0.5,
		PrecipSigmaMinMM: 1.0,
		SnowSigmaMinCM:   1.0,
		MaxProbWeight:    0.7,
	}
}

// WeatherSignals builds signal sets for weather-threshold markets.
type WeatherSignals struct {
	forecasts ForecastData
	terms     TermsLookup
	cfg       WeatherConfig
}

// NewWeatherSignals returns a weather signal source. terms may be nil, in
// which case the quote's question is re-parsed for the target day.
func NewWeatherSignals(forecasts ForecastData, terms TermsLookup, cfg WeatherConfig) *WeatherSignals {
	return &WeatherSignals{forecasts: forecasts, terms: terms, cfg: cfg}
}

// Signals implements the engine's SignalSource.
func (w *WeatherSignals) Signals(ctx context.Context, q model.MarketQuote) (model.SignalSet, error) {
	if q.Category != model.CategoryWeather {
		return model.SignalSet{}, fmt.Errorf("strategy: weather signals for %s market %s", q.Category, q.MarketID)
	}
	city, day, err := w.target(q)
	if err != nil {
		return model.SignalSet{}, err
	}
	f, err := w.forecasts.Forecast(ctx, city.Name, city.Lat, city.Lon, day, q.ObservedAt)
	if err != nil {
		return model.SignalSet{}, fmt.Errorf("strategy: forecast for %s: %w", city.Name, err)
	}

	in, margin := w.Inputs(q, f, day)
	return model.SignalSet{
		MarketID: q.MarketID,
		Strategy: model.CategoryWeather,
		Readings: map[string]float64{signal.IndicatorForecastMargin: margin},
		Inputs:   in,
	}, nil
}

func (w *WeatherSignals) target(q model.MarketQuote) (contract.City, time.Time, error) {
	var t contract.Terms
	ok := false
	if w.terms != nil {
		t, ok = w.terms.Terms(q.MarketID)
	}
	if !ok {
		var err error
		if t, err = contract.Parse(q.Question, "", q.ObservedAt); err != nil {
			return contract.City{}, time.Time{}, err
		}
	}
	if t.Location != nil {
		return *t.Location, t.Date, nil
	}
	city, ok := contract.LookupCity(q.Location)
	if !ok {
		return contract.City{}, time.Time{}, fmt.Errorf("%w: %q", contract.ErrUnknownLocation, q.Location)
	}
	return city, t.Date, nil
}

// Inputs maps a forecast onto the estimator inputs and a forecast-margin
// reading, signed toward YES. Temperature and amount thresholds get a normal
// error model; "any rain" and "any snow" use a direct probability.
func (w *WeatherSignals) Inputs(q model.MarketQuote, f model.Forecast, day time.Time) (model.BaseInputs, float64) {
	var in model.BaseInputs
	switch q.Metric {
	case model.MetricTemperature:
		in.Forecast = f.TempMaxC
		if q.Comparison == model.Below {
			in.Forecast = f.TempMinC
		}
		in.ForecastSigma = w.cfg.TempSigmaC + w.cfg.TempSigmaPerDay*leadDays(q.ObservedAt, day)
	case model.MetricPrecipitation:
		if q.Threshold <= 0 {
			in.ForecastProbability = w.occurrence(f)
			break
		}
		in.Forecast = f.PrecipitationMM
		in.ForecastSigma = math.Max(w.cfg.PrecipSigmaMinMM, w.cfg.AmountSigmaFrac*q.Threshold)
	case model.MetricSnowfall:
		if q.Threshold <= 0 {
			in.ForecastProbability = snowOccurrence(f.SnowfallCM)
			break
		}
		in.Forecast = f.SnowfallCM
		in.ForecastSigma = math.Max(w.cfg.SnowSigmaMinCM, w.cfg.AmountSigmaFrac*q.Threshold)
	}

	if in.ForecastSigma == 0 {
		if q.Comparison == model.Below {
			in.ForecastProbability = 1 - in.ForecastProbability
		}
		return in, 2 * (in.ForecastProbability - 0.5)
	}
	margin := (in.Forecast - q.Threshold) / in.ForecastSigma
	if q.Comparison == model.Below {
		margin = -margin
	}
	return in, margin
}

func (w *WeatherSignals) occurrence(f model.Forecast) float64 {
	p := w.cfg.MaxProbWeight*f.PrecipitationMaxProb + (1-w.cfg.MaxProbWeight)*f.PrecipitationAvgProb
	return math.Min(math.Max(p/100, 0), 1)
}

// snowOccurrence scales forecast accumulation into a probability of any
// measurable snow.
func snowOccurrence(cm float64) float64 {
	if cm <= 0.5 {
		return 0.10
	}
	return math.Min(math.Max(cm/5, 0.10), 0.90)
}

func leadDays(now, day time.Time) float64 {
	if day.IsZero() {
		return 1
	}
	d := day.Sub(now).Hours() / 24
	return math.Max(d, 0)
}
