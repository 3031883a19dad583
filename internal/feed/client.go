// Package feed holds the HTTP collaborators: Binance spot data, Open-Meteo
// forecasts and the Gamma market listing. Every client is rate limited and
// retried; callers see one error per failed fetch.
package feed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"
)

// ErrUpstream is returned for non-2xx responses and undecodable bodies.
var ErrUpstream = errors.New("feed: upstream error")

// Options tune a client. Zero values take the defaults.
type Options struct {
	Timeout    time.Duration // default 15s
	Retries    int           // default 3
	RatePerSec float64       // default 5
	Burst      int           // default 5
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = 15 * time.Second
	}
	if o.Retries <= 0 {
		o.Retries = 3
	}
	if o.RatePerSec <= 0 {
		o.RatePerSec = 5
	}
	if o.Burst <= 0 {
		o.Burst = 5
	}
	return o
}

// client is the shared resty wrapper.
type client struct {
	name    string
	http    *resty.Client
	limiter *rate.Limiter
}

func newClient(name, baseURL string, o Options) *client {
	o = o.withDefaults()
	rc := resty.New().
		SetBaseURL(strings.TrimSuffix(baseURL, "/")).
		SetTimeout(o.Timeout).
		SetRetryCount(o.Retries).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "edge-engine/1.0").
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= 500
		})
	return &client{
		name:    name,
		http:    rc,
		limiter: rate.NewLimiter(rate.Limit(o.RatePerSec), o.Burst),
	}
}

// get waits for the limiter and decodes a JSON response into out.
func (c *client) get(ctx context.Context, path string, params map[string]string, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s rate limiter: %w", c.name, err)
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(params).
		SetResult(out).
		Get(path)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", ErrUpstream, c.name, path, err)
	}
	if resp.IsError() {
		body := resp.String()
		if len(body) > 200 {
			body = body[:200]
		}
		return fmt.Errorf("%w: %s %s: status %d: %s", ErrUpstream, c.name, path, resp.StatusCode(), body)
	}
	return nil
}
