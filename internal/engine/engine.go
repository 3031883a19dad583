// Package engine runs one evaluation of one market: fetch, estimate, assess,
// size, commit, record. It owns no state; the portfolio lives in the ledger.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/edge-engine/internal/edge"
	"github.com/atmx/edge-engine/internal/estimate"
	"github.com/atmx/edge-engine/internal/kelly"
	"github.com/atmx/edge-engine/internal/ledger"
	"github.com/atmx/edge-engine/internal/metrics"
	"github.com/atmx/edge-engine/internal/model"
	"github.com/atmx/edge-engine/internal/recorder"
	"github.com/atmx/edge-engine/internal/risk"
)

// ErrUpstreamUnavailable wraps every collaborator failure. The market is
// skipped for this cycle; nothing is mutated.
var ErrUpstreamUnavailable = errors.New("engine: upstream unavailable")

// MaxCommitAttempts bounds re-sizing after stale-snapshot conflicts.
const MaxCommitAttempts = 3

// QuoteSource fetches the current quote of one market.
type QuoteSource interface {
	Quote(ctx context.Context, marketID string) (model.MarketQuote, error)
}

// SignalSource builds the signal set for a quote.
type SignalSource interface {
	Signals(ctx context.Context, q model.MarketQuote) (model.SignalSet, error)
}

// decisionNamespace scopes the UUIDv5 decision IDs.
var decisionNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://atmx.dev/edge-engine/decisions"))

// Engine wires the core components to their collaborators.
type Engine struct {
	quotes    QuoteSource
	signals   SignalSource
	estimator estimate.Estimator
	calc      *edge.Calculator
	sizer     *kelly.Sizer
	guard     *risk.Guard
	ledger    *ledger.Ledger
	rec       recorder.Recorder
	logger    *slog.Logger
	now       func() time.Time
}

// Deps groups the engine's dependencies.
type Deps struct {
	Quotes    QuoteSource
	Signals   SignalSource
	Estimator estimate.Estimator
	Edge      *edge.Calculator
	Sizer     *kelly.Sizer
	Guard     *risk.Guard
	Ledger    *ledger.Ledger
	Recorder  recorder.Recorder
	Logger    *slog.Logger
	Now       func() time.Time
}

// New validates deps and returns an Engine.
func New(d Deps) (*Engine, error) {
	switch {
	case d.Quotes == nil, d.Signals == nil:
		return nil, errors.New("engine: quote and signal sources are required")
	case d.Estimator == nil, d.Edge == nil, d.Sizer == nil, d.Guard == nil, d.Ledger == nil:
		return nil, errors.New("engine: estimator, edge, sizer, guard and ledger are required")
	}
	e := &Engine{
		quotes:    d.Quotes,
		signals:   d.Signals,
		estimator: d.Estimator,
		calc:      d.Edge,
		sizer:     d.Sizer,
		guard:     d.Guard,
		ledger:    d.Ledger,
		rec:       d.Recorder,
		logger:    d.Logger,
		now:       d.Now,
	}
	if e.rec == nil {
		e.rec = recorder.Multi(nil)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e, nil
}

// Ledger exposes the portfolio for read-only callers.
func (e *Engine) Ledger() *ledger.Ledger { return e.ledger }

// Assessment is the pure half of an evaluation: everything up to the edge,
// computed without touching the portfolio. Err is set when a collaborator
// failed and the market must be skipped.
type Assessment struct {
	MarketID string
	Started  time.Time
	Quote    *model.MarketQuote
	Signals  *model.SignalSet
	Estimate *model.ProbabilityEstimate
	Edge     *model.EdgeAssessment
	Err      error
}

// Magnitude is |edge|, or 0 when the market was not assessed.
func (a Assessment) Magnitude() float64 {
	if a.Edge == nil {
		return 0
	}
	return a.Edge.Magnitude()
}

// Actionable reports whether the assessment should go on to sizing.
func (a Assessment) Actionable() bool {
	return a.Err == nil && a.Edge != nil && a.Edge.Actionable
}

// Assess fetches the quote and signals for marketID and computes the edge.
// Safe to call concurrently for different markets.
func (e *Engine) Assess(ctx context.Context, marketID string) Assessment {
	a := Assessment{MarketID: marketID, Started: e.now()}

	q, err := e.quotes.Quote(ctx, marketID)
	if err != nil {
		a.Err = fmt.Errorf("%w: quote %s: %w", ErrUpstreamUnavailable, marketID, err)
		return a
	}
	if err := q.Validate(); err != nil {
		a.Err = fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
		return a
	}
	a.Quote = &q

	s, err := e.signals.Signals(ctx, q)
	if err != nil {
		a.Err = fmt.Errorf("%w: signals %s: %w", ErrUpstreamUnavailable, marketID, err)
		return a
	}
	a.Signals = &s

	est, err := e.estimator.Estimate(q, s)
	if err != nil {
		a.Err = fmt.Errorf("%w: estimate %s: %w", ErrUpstreamUnavailable, marketID, err)
		return a
	}
	a.Estimate = &est

	ea := e.calc.Assess(q, est.Probability)
	a.Edge = &ea
	metrics.EdgeObserved.WithLabelValues(string(q.Category)).Observe(ea.Magnitude())
	return a
}

// Finalize sizes and commits an assessment and records the outcome. Stale
// snapshots are re-sized up to MaxCommitAttempts times before the record is
// marked CONFLICT. The returned error is non-nil for invariant violations
// and recorder failures; the record is returned either way.
func (e *Engine) Finalize(ctx context.Context, a Assessment) (model.DecisionRecord, error) {
	rec, violation := e.finalize(ctx, a, true)
	err := e.emit(ctx, a, rec)
	return rec, errors.Join(violation, err)
}

// Evaluate is Assess followed by Finalize.
func (e *Engine) Evaluate(ctx context.Context, marketID string) (model.DecisionRecord, error) {
	return e.Finalize(ctx, e.Assess(ctx, marketID))
}

// Decide runs the evaluation against the current snapshot without
// committing or recording. Action OPEN means the decision would be
// committed.
func (e *Engine) Decide(ctx context.Context, marketID string) (model.DecisionRecord, error) {
	return e.finalize(ctx, e.Assess(ctx, marketID), false)
}

func (e *Engine) finalize(ctx context.Context, a Assessment, commit bool) (model.DecisionRecord, error) {
	rec := e.baseRecord(a, e.ledger.Snapshot().Version)

	switch {
	case a.Err != nil:
		rec.Action = model.ActionSkip
		rec.Reason = a.Err.Error()
		return rec, nil
	case !a.Edge.Actionable:
		rec.Action = model.ActionNoBet
		rec.Reason = string(a.Edge.Reason)
		return rec, nil
	}

	for attempt := 1; attempt <= MaxCommitAttempts; attempt++ {
		rec.Attempts = attempt
		snap := e.ledger.Snapshot()
		d := e.guard.Apply(snap, e.sizer.Size(*a.Quote, *a.Edge))
		rec.Sizing = &d

		if d.Vetoed() {
			rec.Action = model.ActionVeto
			rec.Reason = string(d.Veto)
			return rec, nil
		}
		if !commit {
			rec.Action = model.ActionOpen
			return rec, nil
		}

		pos, err := e.ledger.Commit(ctx, d)
		switch {
		case err == nil:
			rec.Action = model.ActionOpen
			rec.PositionID = pos.ID
			return rec, nil
		case errors.Is(err, ledger.ErrStaleSnapshot):
			metrics.CommitConflicts.Inc()
			e.logger.Warn("stale snapshot, re-sizing",
				"market_id", a.MarketID,
				"attempt", attempt,
				"error", err,
			)
			rec.Reason = err.Error()
			continue
		case errors.Is(err, ledger.ErrInvariantViolation):
			metrics.InvariantViolations.Inc()
			e.logger.Error("invariant violation, market halted",
				"market_id", a.MarketID,
				"snapshot_version", d.SnapshotVersion,
				"stake", d.Stake.StringFixed(2),
				"error", err,
			)
			rec.Action = model.ActionError
			rec.Reason = err.Error()
			return rec, err
		default:
			// Persistence failed; nothing was applied.
			e.logger.Error("commit failed", "market_id", a.MarketID, "error", err)
			rec.Action = model.ActionError
			rec.Reason = err.Error()
			return rec, nil
		}
	}

	rec.Action = model.ActionConflict
	return rec, nil
}

func (e *Engine) baseRecord(a Assessment, version uint64) model.DecisionRecord {
	rec := model.DecisionRecord{
		MarketID:   a.MarketID,
		Quote:      a.Quote,
		Signals:    a.Signals,
		Estimate:   a.Estimate,
		Assessment: a.Edge,
	}
	// Records are stamped with the quote time so identical inputs give
	// identical records. Without a quote only the clock is available.
	observed := a.Started
	if a.Quote != nil {
		rec.Category = a.Quote.Category
		observed = a.Quote.ObservedAt
	}
	rec.EvaluatedAt = observed.UTC()
	rec.ID = DecisionID(a.MarketID, observed, version)
	return rec
}

// DecisionID is the deterministic record ID for a market observed at t
// against portfolio version v.
func DecisionID(marketID string, t time.Time, v uint64) string {
	name := fmt.Sprintf("%s|%s|%d", marketID, t.UTC().Format(time.RFC3339Nano), v)
	return uuid.NewSHA1(decisionNamespace, []byte(name)).String()
}

func (e *Engine) emit(ctx context.Context, a Assessment, rec model.DecisionRecord) error {
	category := string(rec.Category)
	if category == "" {
		category = "unknown"
	}
	metrics.DecisionsTotal.WithLabelValues(category, string(rec.Action)).Inc()
	metrics.EvaluationLatency.WithLabelValues(category).Observe(e.now().Sub(a.Started).Seconds())
	if rec.Action == model.ActionVeto && rec.Sizing != nil {
		metrics.VetoesTotal.WithLabelValues(string(rec.Sizing.Veto)).Inc()
	}

	attrs := []any{"market_id", rec.MarketID, "action", rec.Action, "decision_id", rec.ID}
	if rec.Assessment != nil {
		attrs = append(attrs, "edge", rec.Assessment.Edge, "side", rec.Assessment.Side)
	}
	if rec.Sizing != nil && !rec.Sizing.Vetoed() {
		attrs = append(attrs, "stake", rec.Sizing.Stake.StringFixed(2))
	}
	if rec.Reason != "" {
		attrs = append(attrs, "reason", rec.Reason)
	}
	switch rec.Action {
	case model.ActionOpen, model.ActionConflict:
		e.logger.Info("decision", attrs...)
	case model.ActionError:
		e.logger.Error("decision", attrs...)
	default:
		e.logger.Debug("decision", attrs...)
	}

	if err := e.rec.Record(ctx, rec); err != nil {
		e.logger.Error("record decision", "decision_id", rec.ID, "error", err)
		return fmt.Errorf("record %s: %w", rec.ID, err)
	}
	return nil
}
