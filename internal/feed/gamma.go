package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultGammaURL is the public market discovery API.
const DefaultGammaURL = "https://gamma-api.polymarket.com"

// ErrNoPrice is returned when a market carries no usable YES price.
var ErrNoPrice = errors.New("feed: market has no YES price")

// GammaMarket is the discovery view of one binary market.
type GammaMarket struct {
	ID            string    `json:"id"`
	Question      string    `json:"question"`
	Description   string    `json:"description"`
	Slug          string    `json:"slug"`
	EndDate       time.Time `json:"end_date"`
	Outcomes      []string  `json:"outcomes"`
	OutcomePrices []float64 `json:"outcome_prices"`
	Active        bool      `json:"active"`
	Closed        bool      `json:"closed"`
}

// YesPrice returns the price of the YES outcome, or of the first outcome
// when none is labelled YES.
func (m GammaMarket) YesPrice() (float64, error) {
	if len(m.OutcomePrices) == 0 {
		return 0, fmt.Errorf("%w: %s", ErrNoPrice, m.ID)
	}
	for i, o := range m.Outcomes {
		if strings.EqualFold(o, "yes") && i < len(m.OutcomePrices) {
			return m.OutcomePrices[i], nil
		}
	}
	return m.OutcomePrices[0], nil
}

// gammaRaw mirrors the wire format. Gamma encodes outcome lists as JSON
// strings inside JSON.
type gammaRaw struct {
	ID            string     `json:"id"`
	Question      string     `json:"question"`
	Description   string     `json:"description"`
	Slug          string     `json:"slug"`
	EndDate       string     `json:"endDate"`
	Outcomes      stringList `json:"outcomes"`
	OutcomePrices stringList `json:"outcomePrices"`
	Active        bool       `json:"active"`
	Closed        bool       `json:"closed"`
}

// stringList accepts ["a","b"] or "[\"a\",\"b\"]".
type stringList []string

func (s *stringList) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var inner string
		if err := json.Unmarshal(b, &inner); err != nil {
			return err
		}
		if inner == "" {
			*s = nil
			return nil
		}
		b = []byte(inner)
	}
	var out []string
	if err := json.Unmarshal(b, &out); err != nil {
		return err
	}
	*s = out
	return nil
}

func (r gammaRaw) market() (GammaMarket, error) {
	m := GammaMarket{
		ID:          r.ID,
		Question:    r.Question,
		Description: r.Description,
		Slug:        r.Slug,
		Outcomes:    r.Outcomes,
		Active:      r.Active,
		Closed:      r.Closed,
	}
	if r.EndDate != "" {
		t, err := time.Parse(time.RFC3339, r.EndDate)
		if err != nil {
			return m, fmt.Errorf("%w: market %s end date %q", ErrUpstream, r.ID, r.EndDate)
		}
		m.EndDate = t.UTC()
	}
	for _, p := range r.OutcomePrices {
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return m, fmt.Errorf("%w: market %s price %q", ErrUpstream, r.ID, p)
		}
		m.OutcomePrices = append(m.OutcomePrices, v)
	}
	return m, nil
}

// Gamma lists and fetches markets.
type Gamma struct {
	c *client
}

// NewGamma returns a Gamma client.
func NewGamma(baseURL string, o Options) *Gamma {
	if baseURL == "" {
		baseURL = DefaultGammaURL
	}
	return &Gamma{c: newClient("gamma", baseURL, o)}
}

// Markets returns active, unclosed markets whose slug contains query.
// Markets that fail to decode are dropped.
func (g *Gamma) Markets(ctx context.Context, query string, limit int) ([]GammaMarket, error) {
	params := map[string]string{
		"limit":  strconv.Itoa(limit),
		"active": "true",
		"closed": "false",
	}
	if query != "" {
		params["slug_contains"] = query
	}
	var raw []gammaRaw
	if err := g.c.get(ctx, "/markets", params, &raw); err != nil {
		return nil, err
	}
	out := make([]GammaMarket, 0, len(raw))
	for _, r := range raw {
		m, err := r.market()
		if err != nil || !m.Active || m.Closed {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// Market fetches one market by ID.
func (g *Gamma) Market(ctx context.Context, id string) (GammaMarket, error) {
	var raw gammaRaw
	if err := g.c.get(ctx, "/markets/"+url.PathEscape(id), nil, &raw); err != nil {
		return GammaMarket{}, err
	}
	return raw.market()
}
