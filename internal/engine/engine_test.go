package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/edge-engine/internal/edge"
	"github.com/atmx/edge-engine/internal/kelly"
	"github.com/atmx/edge-engine/internal/ledger"
	"github.com/atmx/edge-engine/internal/model"
	"github.com/atmx/edge-engine/internal/recorder"
	"github.com/atmx/edge-engine/internal/risk"
	"github.com/atmx/edge-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var (
	quiet = slog.New(slog.NewTextHandler(io.Discard, nil))
	t0    = time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
)

type quotes map[string]model.MarketQuote

func (q quotes) Quote(_ context.Context, id string) (model.MarketQuote, error) {
	mq, ok := q[id]
	if !ok {
		return model.MarketQuote{}, errors.New("market gone")
	}
	return mq, nil
}

type staticSignals struct{ err error }

func (s staticSignals) Signals(_ context.Context, q model.MarketQuote) (model.SignalSet, error) {
	if s.err != nil {
		return model.SignalSet{}, s.err
	}
	return model.SignalSet{MarketID: q.MarketID, Strategy: q.Category, Readings: map[string]float64{"rsi": 0.4}}, nil
}

// fixedEstimator returns the same probability for every market.
type fixedEstimator float64

func (f fixedEstimator) Estimate(model.MarketQuote, model.SignalSet) (model.ProbabilityEstimate, error) {
	return model.ProbabilityEstimate{Probability: float64(f), Base: float64(f)}, nil
}

func quote(id string, price float64) model.MarketQuote {
	return model.MarketQuote{
		MarketID:   id,
		Question:   "Will BTC be above $97,500 at 12:15?",
		Outcome:    "YES",
		Price:      price,
		Deadline:   t0.Add(15 * time.Minute),
		ObservedAt: t0,
		Category:   model.CategoryPrice,
		Metric:     model.MetricPrice,
		Threshold:  97500,
		Comparison: model.Above,
	}
}

type harness struct {
	eng    *Engine
	ledger *ledger.Ledger
	rec    *recorder.Memory
}

func newHarness(t *testing.T, q quotes, prob float64, mutate func(*risk.Limits)) harness {
	t.Helper()
	limits := risk.DefaultLimits()
	if mutate != nil {
		mutate(&limits)
	}
	guard, err := risk.NewGuard(limits)
	if err != nil {
		t.Fatal(err)
	}
	l, err := ledger.Open(context.Background(), store.NewMemoryStore(), guard, d(1000),
		ledger.WithLogger(quiet),
		ledger.WithClock(func() time.Time { return t0 }),
	)
	if err != nil {
		t.Fatal(err)
	}
	calc, err := edge.NewCalculator(0.03, edge.DefaultWindows())
	if err != nil {
		t.Fatal(err)
	}
	sizer, err := kelly.NewSizer(kelly.DefaultMultiplier)
	if err != nil {
		t.Fatal(err)
	}
	rec := &recorder.Memory{}
	eng, err := New(Deps{
		Quotes:    q,
		Signals:   staticSignals{},
		Estimator: fixedEstimator(prob),
		Edge:      calc,
		Sizer:     sizer,
		Guard:     guard,
		Ledger:    l,
		Recorder:  rec,
		Logger:    quiet,
		Now:       func() time.Time { return t0 },
	})
	if err != nil {
		t.Fatal(err)
	}
	return harness{eng: eng, ledger: l, rec: rec}
}

func TestEvaluate_EndToEndOpen(t *testing.T) {
	h := newHarness(t, quotes{"btc-1": quote("btc-1", 0.45)}, 0.62, nil)

	rec, err := h.eng.Evaluate(context.Background(), "btc-1")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if rec.Action != model.ActionOpen {
		t.Fatalf("expected OPEN, got %s (%s)", rec.Action, rec.Reason)
	}
	if rec.Assessment.Side != model.SideYes {
		t.Errorf("expected YES side, got %s", rec.Assessment.Side)
	}
	if e := rec.Assessment.Edge; e < 0.1699 || e > 0.1701 {
		t.Errorf("expected edge 0.17, got %v", e)
	}
	if !rec.Sizing.Stake.Equal(d(50)) {
		t.Errorf("expected stake 50 (0.05 x 1000), got %s", rec.Sizing.Stake)
	}
	if rec.Sizing.RawFraction <= 0.05 {
		t.Errorf("expected raw kelly above the single-bet cap, got %v", rec.Sizing.RawFraction)
	}
	if rec.PositionID == "" {
		t.Error("expected position id on OPEN record")
	}
	if rec.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", rec.Attempts)
	}

	snap := h.ledger.Snapshot()
	if snap.OpenCount() != 1 || !snap.Exposure.Equal(d(50)) {
		t.Errorf("expected 1 open position with exposure 50, got %d / %s", snap.OpenCount(), snap.Exposure)
	}
	if !snap.Bankroll.Equal(d(1000)) {
		t.Errorf("bankroll must not be debited at commit, got %s", snap.Bankroll)
	}

	recs := h.rec.Records()
	if len(recs) != 1 || recs[0].ID != rec.ID {
		t.Fatalf("expected the decision to be recorded once, got %d", len(recs))
	}
}

func TestEvaluate_DuplicateMarketVetoed(t *testing.T) {
	h := newHarness(t, quotes{"btc-1": quote("btc-1", 0.45)}, 0.62, nil)

	if _, err := h.eng.Evaluate(context.Background(), "btc-1"); err != nil {
		t.Fatal(err)
	}
	rec, err := h.eng.Evaluate(context.Background(), "btc-1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Action != model.ActionVeto || rec.Sizing.Veto != model.VetoMarketAlreadyOpen {
		t.Fatalf("expected VETO market-already-open, got %s %q", rec.Action, rec.Sizing.Veto)
	}
	if n := h.ledger.Snapshot().OpenCount(); n != 1 {
		t.Errorf("expected 1 open position, got %d", n)
	}
}

func TestEvaluate_ExposureHeadroomThenExhausted(t *testing.T) {
	q := quotes{
		"btc-1": quote("btc-1", 0.45),
		"btc-2": quote("btc-2", 0.45),
		"btc-3": quote("btc-3", 0.45),
	}
	h := newHarness(t, q, 0.62, func(l *risk.Limits) { l.MaxExposure = 0.08 })

	first, _ := h.eng.Evaluate(context.Background(), "btc-1")
	second, _ := h.eng.Evaluate(context.Background(), "btc-2")
	third, _ := h.eng.Evaluate(context.Background(), "btc-3")

	if first.Action != model.ActionOpen || !first.Sizing.Stake.Equal(d(50)) {
		t.Errorf("expected first OPEN at 50, got %s %s", first.Action, first.Sizing.Stake)
	}
	if second.Action != model.ActionOpen || !second.Sizing.Stake.Equal(d(30)) {
		t.Errorf("expected second OPEN reduced to headroom 30, got %s %s", second.Action, second.Sizing.Stake)
	}
	if third.Action != model.ActionVeto || third.Sizing.Veto != model.VetoExposureCapExhausted {
		t.Errorf("expected third VETO exposure-cap-exhausted, got %s %q", third.Action, third.Sizing.Veto)
	}
	if exp := h.ledger.Snapshot().Exposure; !exp.Equal(d(80)) {
		t.Errorf("expected exposure 80, got %s", exp)
	}
}

func TestEvaluate_NoBetBelowThreshold(t *testing.T) {
	h := newHarness(t, quotes{"btc-1": quote("btc-1", 0.50)}, 0.51, nil)

	rec, err := h.eng.Evaluate(context.Background(), "btc-1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Action != model.ActionNoBet || rec.Reason != string(model.NoBetEdgeBelowThreshold) {
		t.Errorf("expected NO_BET edge-below-threshold, got %s %q", rec.Action, rec.Reason)
	}
	if rec.Sizing != nil {
		t.Error("non-actionable assessments must not be sized")
	}
	if len(h.rec.Records()) != 1 {
		t.Error("no-bet decisions must still be recorded")
	}
}

func TestEvaluate_UpstreamFailureSkips(t *testing.T) {
	h := newHarness(t, quotes{}, 0.62, nil)

	a := h.eng.Assess(context.Background(), "missing")
	if !errors.Is(a.Err, ErrUpstreamUnavailable) {
		t.Fatalf("expected ErrUpstreamUnavailable, got %v", a.Err)
	}
	rec, err := h.eng.Finalize(context.Background(), a)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Action != model.ActionSkip {
		t.Errorf("expected SKIP, got %s", rec.Action)
	}
	if v := h.ledger.Snapshot().Version; v != 1 {
		t.Errorf("skip must not mutate the portfolio, version %d", v)
	}
}

func TestEvaluate_InvalidQuotePriceSkips(t *testing.T) {
	h := newHarness(t, quotes{"btc-1": quote("btc-1", 1.0)}, 0.62, nil)

	rec, _ := h.eng.Evaluate(context.Background(), "btc-1")
	if rec.Action != model.ActionSkip {
		t.Errorf("expected SKIP for price 1.0, got %s", rec.Action)
	}
}

func TestEvaluate_SignalFailureSkips(t *testing.T) {
	h := newHarness(t, quotes{"btc-1": quote("btc-1", 0.45)}, 0.62, nil)
	h.eng.signals = staticSignals{err: errors.New("binance 503")}

	rec, _ := h.eng.Evaluate(context.Background(), "btc-1")
	if rec.Action != model.ActionSkip {
		t.Errorf("expected SKIP, got %s", rec.Action)
	}
	if rec.Quote == nil {
		t.Error("expected the quote to be kept on the record")
	}
}

func TestDecide_IsIdempotentAndDoesNotCommit(t *testing.T) {
	h := newHarness(t, quotes{"btc-1": quote("btc-1", 0.45)}, 0.62, nil)

	a, err := h.eng.Decide(context.Background(), "btc-1")
	if err != nil {
		t.Fatal(err)
	}
	b, err := h.eng.Decide(context.Background(), "btc-1")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(a, b) {
		t.Errorf("expected identical records, got\n%+v\n%+v", a, b)
	}
	if a.Action != model.ActionOpen || a.PositionID != "" {
		t.Errorf("expected would-open without position, got %s %q", a.Action, a.PositionID)
	}
	if h.ledger.Snapshot().OpenCount() != 0 || len(h.rec.Records()) != 0 {
		t.Error("decide must not commit or record")
	}
}

func TestEvaluate_NoBetIsIdempotent(t *testing.T) {
	h := newHarness(t, quotes{"btc-1": quote("btc-1", 0.50)}, 0.51, nil)
	h.eng.now = time.Now

	a, _ := h.eng.Evaluate(context.Background(), "btc-1")
	time.Sleep(time.Millisecond)
	b, _ := h.eng.Evaluate(context.Background(), "btc-1")
	if a.Action != model.ActionNoBet {
		t.Fatalf("expected NO_BET, got %s", a.Action)
	}
	if !reflect.DeepEqual(a, b) {
		t.Errorf("expected identical records, got\n%+v\n%+v", a, b)
	}
	if !a.EvaluatedAt.Equal(t0) {
		t.Errorf("expected record stamped with quote time %s, got %s", t0, a.EvaluatedAt)
	}
}

func TestDecisionID_ChangesWithVersion(t *testing.T) {
	a := DecisionID("btc-1", t0, 1)
	if a != DecisionID("btc-1", t0, 1) {
		t.Error("expected deterministic id")
	}
	if a == DecisionID("btc-1", t0, 2) {
		t.Error("expected id to change with portfolio version")
	}
	if a == DecisionID("btc-1", t0.Add(time.Second), 1) {
		t.Error("expected id to change with observation time")
	}
}

func TestFinalize_RecorderFailureStillCommits(t *testing.T) {
	h := newHarness(t, quotes{"btc-1": quote("btc-1", 0.45)}, 0.62, nil)
	boom := errors.New("disk full")
	h.eng.rec = recorder.Func(func(context.Context, model.DecisionRecord) error { return boom })

	rec, err := h.eng.Evaluate(context.Background(), "btc-1")
	if !errors.Is(err, boom) {
		t.Errorf("expected recorder error, got %v", err)
	}
	if rec.Action != model.ActionOpen {
		t.Errorf("expected OPEN, got %s", rec.Action)
	}
}
