// Package contract parses free-text market questions into typed contract
// terms: underlying, metric, threshold, comparison, location and date.
// Units are normalised to USD, °C, mm and cm.
package contract

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/atmx/edge-engine/internal/model"
)

var (
	ErrUnparseable     = errors.New("contract: unparseable market question")
	ErrUnknownLocation = errors.New("contract: unknown location")
	ErrUnsupported     = errors.New("contract: unsupported market type")
)

// Terms are the parsed contract terms of one market question.
type Terms struct {
	Category   model.Category   `json:"category"`
	Metric     model.Metric     `json:"metric"`
	Threshold  float64          `json:"threshold"` // USD, °C, mm or cm
	Comparison model.Comparison `json:"comparison"`
	Location   *City            `json:"location,omitempty"`
	Date       time.Time        `json:"date,omitempty"` // zero when the question names no day
}

// Apply copies the terms onto a quote.
func (t Terms) Apply(q *model.MarketQuote) {
	q.Category = t.Category
	q.Metric = t.Metric
	q.Threshold = t.Threshold
	q.Comparison = t.Comparison
	if t.Location != nil {
		q.Location = t.Location.Name
	}
}

// minBTCPrice rejects numbers in a BTC question that cannot be a BTC price
// (times, dates, percentages).
const minBTCPrice = 1000

var (
	btcRegex      = regexp.MustCompile(`(?i)\b(btc|bitcoin)\b`)
	dollarRegex   = regexp.MustCompile(`\$\s*([\d,]+(?:\.\d+)?)\s*(k)?`)
	numberRegex   = regexp.MustCompile(`([\d,]+(?:\.\d+)?)`)
	fahrenRegex   = regexp.MustCompile(`(-?\d+(?:\.\d+)?)\s*°?\s*f\b`)
	celsiusRegex  = regexp.MustCompile(`(-?\d+(?:\.\d+)?)\s*°\s*c\b|(-?\d+(?:\.\d+)?)\s*(?:degrees\s+)?celsius`)
	degreesRegex  = regexp.MustCompile(`(-?\d+(?:\.\d+)?)\s*degrees`)
	mmRegex       = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*(?:mm|millimet(?:er|re)s?)\b`)
	cmRegex       = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*(?:cm|centimet(?:er|re)s?)\b`)
	inchRegex     = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*(?:-|\s)?(?:inch(?:es)?|in\.|")`)
	monthDayRegex = regexp.MustCompile(`\b(jan(?:uary)?|feb(?:ruary)?|mar(?:ch)?|apr(?:il)?|may|june?|july?|aug(?:ust)?|sep(?:t(?:ember)?)?|oct(?:ober)?|nov(?:ember)?|dec(?:ember)?)\.?\s+(\d{1,2})(?:st|nd|rd|th)?\b`)
)

var months = map[string]time.Month{
	"jan": time.January, "feb": time.February, "mar": time.March, "apr": time.April,
	"may": time.May, "jun": time.June, "jul": time.July, "aug": time.August,
	"sep": time.September, "oct": time.October, "nov": time.November, "dec": time.December,
}

// Parse classifies question (plus optional description) and extracts its
// terms. now anchors relative dates ("today", "tomorrow") and the year of
// month-day dates.
func Parse(question, description string, now time.Time) (Terms, error) {
	text := question + " " + description
	if btcRegex.MatchString(question) {
		threshold, cmp, err := ParseBTC(question)
		if err != nil {
			return Terms{}, err
		}
		return Terms{
			Category:   model.CategoryPrice,
			Metric:     model.MetricPrice,
			Threshold:  threshold,
			Comparison: cmp,
			Date:       ParseDate(question, now),
		}, nil
	}

	metric := Classify(text)
	if metric == "" {
		return Terms{}, fmt.Errorf("%w: %q", ErrUnsupported, question)
	}
	city, ok := FindCity(text)
	if !ok {
		return Terms{}, fmt.Errorf("%w: %q", ErrUnknownLocation, question)
	}

	t := Terms{
		Category:   model.CategoryWeather,
		Metric:     metric,
		Comparison: model.Above,
		Location:   &city,
		Date:       ParseDate(question, now),
	}
	switch metric {
	case model.MetricTemperature:
		c, cmp, err := ParseTemperature(question)
		if err != nil {
			return Terms{}, err
		}
		t.Threshold, t.Comparison = c, cmp
	case model.MetricPrecipitation:
		// No amount means "will it rain at all".
		t.Threshold, _ = ParsePrecipitationMM(question)
		t.Comparison = direction(strings.ToLower(question), model.Above)
	case model.MetricSnowfall:
		t.Threshold, _ = ParseSnowCM(question)
		t.Comparison = direction(strings.ToLower(question), model.Above)
	}
	return t, nil
}

// ParseBTC extracts the target price and direction from a BTC question such
// as "Will BTC be above $97,500 at 12:15 PM ET?".
func ParseBTC(question string) (float64, model.Comparison, error) {
	lower := strings.ToLower(question)
	var cmp model.Comparison
	switch {
	case aboveRegex.MatchString(lower):
		cmp = model.Above
	case belowRegex.MatchString(lower):
		cmp = model.Below
	default:
		return 0, "", fmt.Errorf("%w: no direction in %q", ErrUnparseable, question)
	}

	if m := dollarRegex.FindStringSubmatch(lower); m != nil {
		v, err := parseNumber(m[1])
		if err == nil && m[2] == "k" {
			v *= 1000
		}
		if err == nil && v > minBTCPrice {
			return v, cmp, nil
		}
	}
	for _, m := range numberRegex.FindAllStringSubmatch(lower, -1) {
		if v, err := parseNumber(m[1]); err == nil && v > minBTCPrice {
			return v, cmp, nil
		}
	}
	return 0, "", fmt.Errorf("%w: no BTC price in %q", ErrUnparseable, question)
}

// Classify returns the weather metric a question is about, or "" when it is
// not a supported weather market.
func Classify(text string) model.Metric {
	lower := strings.ToLower(text)
	switch {
	case containsAny(lower, "temperature", "degrees", "°f", "°c", "fahrenheit", "celsius", "hot", "cold", "heat", "freeze"):
		return model.MetricTemperature
	case containsAny(lower, "rain", "precipitation", "rainfall", "shower"):
		return model.MetricPrecipitation
	case containsAny(lower, "snow", "snowfall", "blizzard"):
		return model.MetricSnowfall
	}
	return ""
}

// ParseTemperature returns the threshold in °C and its direction. "hit" and
// "reach" read as above.
func ParseTemperature(question string) (float64, model.Comparison, error) {
	lower := strings.ToLower(question)
	cmp := direction(lower, model.Above)

	if m := celsiusRegex.FindStringSubmatch(lower); m != nil {
		s := m[1]
		if s == "" {
			s = m[2]
		}
		if v, err := strconv.ParseFloat(s, 64); err == nil {
			return v, cmp, nil
		}
	}
	if m := fahrenRegex.FindStringSubmatch(lower); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			return FahrenheitToCelsius(v), cmp, nil
		}
	}
	// Bare "degrees" is Fahrenheit on US exchanges.
	if m := degreesRegex.FindStringSubmatch(lower); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			return FahrenheitToCelsius(v), cmp, nil
		}
	}
	return 0, "", fmt.Errorf("%w: no temperature in %q", ErrUnparseable, question)
}

// ParsePrecipitationMM returns a rainfall amount in mm.
func ParsePrecipitationMM(question string) (float64, bool) {
	lower := strings.ToLower(question)
	if m := mmRegex.FindStringSubmatch(lower); m != nil {
		v, err := strconv.ParseFloat(m[1], 64)
		return v, err == nil
	}
	if m := inchRegex.FindStringSubmatch(lower); m != nil {
		v, err := strconv.ParseFloat(m[1], 64)
		return InchesToMM(v), err == nil
	}
	return 0, false
}

// ParseSnowCM returns a snowfall amount in cm.
func ParseSnowCM(question string) (float64, bool) {
	lower := strings.ToLower(question)
	if m := cmRegex.FindStringSubmatch(lower); m != nil {
		v, err := strconv.ParseFloat(m[1], 64)
		return v, err == nil
	}
	if m := inchRegex.FindStringSubmatch(lower); m != nil {
		v, err := strconv.ParseFloat(m[1], 64)
		return InchesToCM(v), err == nil
	}
	return 0, false
}

// ParseDate finds the day a question refers to, in UTC at midnight. A
// month-day more than half a year in the past rolls into next year. Returns
// the zero time when no day is named.
func ParseDate(question string, now time.Time) time.Time {
	lower := strings.ToLower(question)
	now = now.UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	if m := monthDayRegex.FindStringSubmatch(lower); m != nil {
		day, err := strconv.Atoi(m[2])
		month := months[m[1][:3]]
		if err == nil && day >= 1 && day <= 31 {
			d := time.Date(now.Year(), month, day, 0, 0, 0, 0, time.UTC)
			// time.Date normalises Feb 30 into March; reject it.
			if d.Month() == month {
				if d.Before(today.AddDate(0, -6, 0)) {
					d = d.AddDate(1, 0, 0)
				}
				return d
			}
		}
	}
	switch {
	case strings.Contains(lower, "tomorrow"):
		return today.AddDate(0, 0, 1)
	case strings.Contains(lower, "today"), strings.Contains(lower, "tonight"):
		return today
	}
	return time.Time{}
}

// FahrenheitToCelsius converts °F to °C.
func FahrenheitToCelsius(f float64) float64 { return (f - 32) * 5 / 9 }

// InchesToMM converts inches to millimetres.
func InchesToMM(in float64) float64 { return in * 25.4 }

// InchesToCM converts inches to centimetres.
func InchesToCM(in float64) float64 { return in * 2.54 }

var (
	belowRegex = regexp.MustCompile(`\b(below|under|drops?|less than|lower than|colder than)\b`)
	aboveRegex = regexp.MustCompile(`\b(above|over|exceeds?|hits?|reach(?:es)?|more than|at least|higher than|warmer than)\b`)
)

func direction(lower string, def model.Comparison) model.Comparison {
	switch {
	case belowRegex.MatchString(lower):
		return model.Below
	case aboveRegex.MatchString(lower):
		return model.Above
	}
	return def
}

func containsAny(s string, words ...string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

func parseNumber(s string) (float64, error) {
	return strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
}
