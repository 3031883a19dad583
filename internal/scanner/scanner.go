// Package scanner drives scan cycles: list markets, assess them concurrently,
// then size and commit sequentially in a fixed order.
package scanner

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/atmx/edge-engine/internal/engine"
	"github.com/atmx/edge-engine/internal/metrics"
	"github.com/atmx/edge-engine/internal/model"
)

// MarketLister returns the market IDs to evaluate this cycle.
type MarketLister interface {
	Markets(ctx context.Context) ([]string, error)
}

// Evaluator is the part of engine.Engine the scanner drives.
type Evaluator interface {
	Assess(ctx context.Context, marketID string) engine.Assessment
	Finalize(ctx context.Context, a engine.Assessment) (model.DecisionRecord, error)
}

// CycleStats summarises one scan cycle.
type CycleStats struct {
	Started   time.Time     `json:"started"`
	Duration  time.Duration `json:"duration"`
	Markets   int           `json:"markets"`
	Opened    int           `json:"opened"`
	NoBet     int           `json:"no_bet"`
	Vetoed    int           `json:"vetoed"`
	Skipped   int           `json:"skipped"`
	Conflicts int           `json:"conflicts"`
	Errors    int           `json:"errors"`
}

func (s *CycleStats) add(a model.Action) {
	switch a {
	case model.ActionOpen:
		s.Opened++
	case model.ActionNoBet:
		s.NoBet++
	case model.ActionVeto:
		s.Vetoed++
	case model.ActionSkip:
		s.Skipped++
	case model.ActionConflict:
		s.Conflicts++
	case model.ActionError:
		s.Errors++
	}
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithWorkers bounds concurrent assessments. Defaults to 8.
func WithWorkers(n int) Option {
	return func(s *Scanner) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scanner) { s.logger = l }
}

// WithCycleHook is called after every completed cycle.
func WithCycleHook(fn func(CycleStats)) Option {
	return func(s *Scanner) { s.hooks = append(s.hooks, fn) }
}

// Scanner runs scan cycles against an Evaluator.
type Scanner struct {
	lister  MarketLister
	eval    Evaluator
	workers int
	logger  *slog.Logger
	hooks   []func(CycleStats)
}

// New returns a Scanner.
func New(lister MarketLister, eval Evaluator, opts ...Option) *Scanner {
	s := &Scanner{lister: lister, eval: eval, workers: 8, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Order sorts assessments by |edge| descending, then market ID. Markets
// later in the order see the exposure left by earlier commits.
func Order(as []engine.Assessment) {
	slices.SortStableFunc(as, func(a, b engine.Assessment) int {
		if c := cmp.Compare(b.Magnitude(), a.Magnitude()); c != 0 {
			return c
		}
		return cmp.Compare(a.MarketID, b.MarketID)
	})
}

// RunOnce executes one cycle.
func (s *Scanner) RunOnce(ctx context.Context) (CycleStats, error) {
	stats := CycleStats{Started: time.Now().UTC()}

	ids, err := s.lister.Markets(ctx)
	if err != nil {
		return stats, fmt.Errorf("list markets: %w", err)
	}
	ids = dedupe(ids)
	stats.Markets = len(ids)

	assessments := make([]engine.Assessment, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i, id := range ids {
		g.Go(func() error {
			assessments[i] = s.eval.Assess(gctx, id)
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return stats, err
	}

	Order(assessments)
	for _, a := range assessments {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		rec, err := s.eval.Finalize(ctx, a)
		if err != nil {
			s.logger.Error("finalize", "market_id", a.MarketID, "error", err)
		}
		stats.add(rec.Action)
	}

	stats.Duration = time.Since(stats.Started)
	metrics.ScanCycles.Inc()
	s.logger.Info("scan cycle complete",
		"markets", stats.Markets,
		"opened", stats.Opened,
		"no_bet", stats.NoBet,
		"vetoed", stats.Vetoed,
		"skipped", stats.Skipped,
		"conflicts", stats.Conflicts,
		"errors", stats.Errors,
		"duration", stats.Duration.String(),
	)
	for _, fn := range s.hooks {
		fn(stats)
	}
	return stats, nil
}

// Run executes a cycle immediately and then every interval until ctx is
// cancelled. Cycle errors are logged and do not stop the loop.
func (s *Scanner) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("scan cycle failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
