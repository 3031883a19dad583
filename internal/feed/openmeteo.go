package feed

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/atmx/edge-engine/internal/model"
)

// DefaultOpenMeteoURL is the free forecast API; no key is needed.
const DefaultOpenMeteoURL = "https://api.open-meteo.com/v1"

// defaultWindow is used when the market names no day.
const defaultWindow = 48 * time.Hour

// OpenMeteo fetches hourly forecasts and folds them into daily figures.
type OpenMeteo struct {
	c    *client
	days int
}

// NewOpenMeteo returns a client requesting forecastDays of hourly data
// (default 3).
func NewOpenMeteo(baseURL string, forecastDays int, o Options) *OpenMeteo {
	if baseURL == "" {
		baseURL = DefaultOpenMeteoURL
	}
	if forecastDays <= 0 {
		forecastDays = 3
	}
	return &OpenMeteo{c: newClient("open-meteo", baseURL, o), days: forecastDays}
}

type hourlyResponse struct {
	Hourly struct {
		Time          []string   `json:"time"`
		Temperature   []*float64 `json:"temperature_2m"`
		PrecipProb    []*float64 `json:"precipitation_probability"`
		Precipitation []*float64 `json:"precipitation"`
		Snowfall      []*float64 `json:"snowfall"`
	} `json:"hourly"`
}

// Forecast returns the forecast for day at (lat, lon), labelled location. A
// zero day covers the 48 hours after now.
func (m *OpenMeteo) Forecast(ctx context.Context, location string, lat, lon float64, day, now time.Time) (model.Forecast, error) {
	var resp hourlyResponse
	params := map[string]string{
		"latitude":      strconv.FormatFloat(lat, 'f', 4, 64),
		"longitude":     strconv.FormatFloat(lon, 'f', 4, 64),
		"hourly":        "temperature_2m,precipitation_probability,precipitation,snowfall",
		"forecast_days": strconv.Itoa(m.days),
		"timezone":      "UTC",
	}
	if err := m.c.get(ctx, "/forecast", params, &resp); err != nil {
		return model.Forecast{}, err
	}

	from, to := now.UTC(), now.UTC().Add(defaultWindow)
	if !day.IsZero() {
		from = time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
		to = from.Add(24 * time.Hour)
	}
	return aggregate(location, from, to, resp)
}

// aggregate folds hourly values in [from, to) into one Forecast. Missing
// hours (nulls) are ignored.
func aggregate(location string, from, to time.Time, r hourlyResponse) (model.Forecast, error) {
	f := model.Forecast{
		Location: location,
		Date:     from,
		TempMaxC: math.Inf(-1),
		TempMinC: math.Inf(1),
	}
	h := r.Hourly
	var temps, probs int
	var probSum float64
	for i, ts := range h.Time {
		t, err := time.Parse("2006-01-02T15:04", ts)
		if err != nil {
			return model.Forecast{}, fmt.Errorf("%w: open-meteo time %q", ErrUpstream, ts)
		}
		if t.Before(from) || !t.Before(to) {
			continue
		}
		if v := at(h.Temperature, i); v != nil {
			f.TempMaxC = math.Max(f.TempMaxC, *v)
			f.TempMinC = math.Min(f.TempMinC, *v)
			temps++
		}
		if v := at(h.PrecipProb, i); v != nil {
			f.PrecipitationMaxProb = math.Max(f.PrecipitationMaxProb, *v)
			probSum += *v
			probs++
		}
		if v := at(h.Precipitation, i); v != nil {
			f.PrecipitationMM += *v
		}
		if v := at(h.Snowfall, i); v != nil {
			f.SnowfallCM += *v
		}
	}
	if temps == 0 {
		return model.Forecast{}, fmt.Errorf("%w: open-meteo has no hours in [%s, %s)", ErrUpstream,
			from.Format(time.RFC3339), to.Format(time.RFC3339))
	}
	if probs > 0 {
		f.PrecipitationAvgProb = probSum / float64(probs)
	}
	return f, nil
}

func at(vals []*float64, i int) *float64 {
	if i < len(vals) {
		return vals[i]
	}
	return nil
}
