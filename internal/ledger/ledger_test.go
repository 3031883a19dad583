package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/edge-engine/internal/model"
	"github.com/atmx/edge-engine/internal/risk"
	"github.com/atmx/edge-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func newGuard(t testing.TB, mutate func(*risk.Limits)) *risk.Guard {
	t.Helper()
	l := risk.DefaultLimits()
	if mutate != nil {
		mutate(&l)
	}
	g, err := risk.NewGuard(l)
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func newLedger(t testing.TB, guard *risk.Guard, st store.Store, bankroll float64) *Ledger {
	t.Helper()
	seq := 0
	var mu sync.Mutex
	l, err := Open(context.Background(), st, guard, d(bankroll),
		WithLogger(quiet),
		WithClock(func() time.Time { return time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC) }),
		WithIDGenerator(func() string {
			mu.Lock()
			defer mu.Unlock()
			seq++
			return fmt.Sprintf("pos-%04d", seq)
		}),
	)
	if err != nil {
		t.Fatal(err)
	}
	return l
}

// sized runs a decision through the guard against the ledger's current state.
func sized(l *Ledger, g *risk.Guard, market string, raw, price float64) model.SizingDecision {
	return g.Apply(l.Snapshot(), model.SizingDecision{
		MarketID:    market,
		Category:    model.CategoryPrice,
		Side:        model.SideYes,
		Price:       price,
		Probability: 0.6,
		RawFraction: raw,
	})
}

func TestCommitAndSettle_Win(t *testing.T) {
	g := newGuard(t, nil)
	l := newLedger(t, g, store.NewMemoryStore(), 1000)

	pos, err := l.Commit(context.Background(), sized(l, g, "btc-1", 0.136, 0.45))
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if !pos.Stake.Equal(d(50)) {
		t.Errorf("expected stake 50, got %s", pos.Stake)
	}

	snap := l.Snapshot()
	if !snap.Bankroll.Equal(d(1000)) {
		t.Errorf("expected bankroll untouched at commit, got %s", snap.Bankroll)
	}
	if !snap.Exposure.Equal(d(50)) || snap.OpenCount() != 1 {
		t.Errorf("expected exposure 50 with 1 open, got %s / %d", snap.Exposure, snap.OpenCount())
	}

	settled, err := l.Settle(context.Background(), pos.ID, model.SideYes)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	// 50 × (1/0.45 − 1) = 61.11
	if settled.Status != model.StatusResolvedWin || !settled.RealizedPnL.Decimal.Equal(d(61.11)) {
		t.Errorf("expected RESOLVED_WIN +61.11, got %s %s", settled.Status, settled.RealizedPnL.Decimal)
	}
	if got := l.Snapshot().Bankroll; !got.Equal(d(1061.11)) {
		t.Errorf("expected bankroll 1061.11, got %s", got)
	}
}

func TestSettle_Loss(t *testing.T) {
	g := newGuard(t, nil)
	l := newLedger(t, g, store.NewMemoryStore(), 1000)

	pos, _ := l.Commit(context.Background(), sized(l, g, "btc-1", 0.136, 0.45))
	settled, err := l.Settle(context.Background(), pos.ID, model.SideNo)
	if err != nil {
		t.Fatal(err)
	}
	if settled.Status != model.StatusResolvedLoss || !settled.RealizedPnL.Decimal.Equal(d(-50)) {
		t.Errorf("expected RESOLVED_LOSS −50, got %s %s", settled.Status, settled.RealizedPnL.Decimal)
	}
	if got := l.Snapshot().Bankroll; !got.Equal(d(950)) {
		t.Errorf("expected bankroll 950, got %s", got)
	}
}

func TestSettle_Twice(t *testing.T) {
	g := newGuard(t, nil)
	l := newLedger(t, g, store.NewMemoryStore(), 1000)
	ctx := context.Background()

	pos, _ := l.Commit(ctx, sized(l, g, "btc-1", 0.1, 0.45))
	if _, err := l.Settle(ctx, pos.ID, model.SideYes); err != nil {
		t.Fatal(err)
	}
	bankroll := l.Snapshot().Bankroll

	_, err := l.Settle(ctx, pos.ID, model.SideYes)
	if !errors.Is(err, ErrAlreadySettled) || !errors.Is(err, ErrInvariantViolation) {
		t.Fatalf("expected ErrAlreadySettled, got %v", err)
	}
	snap := l.Snapshot()
	if !snap.Bankroll.Equal(bankroll) {
		t.Errorf("expected bankroll unchanged after double settle, got %s", snap.Bankroll)
	}
	if !snap.IsHalted("btc-1") {
		t.Error("expected market halted after double settle")
	}
}

func TestSettle_Unknown(t *testing.T) {
	l := newLedger(t, newGuard(t, nil), store.NewMemoryStore(), 1000)

	if _, err := l.Settle(context.Background(), "nope", model.SideYes); !errors.Is(err, ErrPositionNotFound) {
		t.Errorf("expected ErrPositionNotFound, got %v", err)
	}
	if _, err := l.SettleMarket(context.Background(), "nope", model.SideYes); !errors.Is(err, ErrNoOpenPosition) {
		t.Errorf("expected ErrNoOpenPosition, got %v", err)
	}
	if _, err := l.Settle(context.Background(), "nope", "MAYBE"); !errors.Is(err, ErrInvalidOutcome) {
		t.Errorf("expected ErrInvalidOutcome, got %v", err)
	}
}

func TestSettleMarket(t *testing.T) {
	g := newGuard(t, nil)
	l := newLedger(t, g, store.NewMemoryStore(), 1000)
	ctx := context.Background()

	if _, err := l.Commit(ctx, sized(l, g, "wx-nyc", 0.1, 0.30)); err != nil {
		t.Fatal(err)
	}
	pos, err := l.SettleMarket(ctx, "wx-nyc", model.SideYes)
	if err != nil {
		t.Fatal(err)
	}
	if pos.MarketID != "wx-nyc" || pos.Status != model.StatusResolvedWin {
		t.Errorf("unexpected settled position %+v", pos)
	}
}

func TestSettleMarket_ConflictingResolution(t *testing.T) {
	g := newGuard(t, nil)
	l := newLedger(t, g, store.NewMemoryStore(), 1000)
	ctx := context.Background()

	if _, err := l.Commit(ctx, sized(l, g, "wx-nyc", 0.1, 0.30)); err != nil {
		t.Fatal(err)
	}
	if _, err := l.SettleMarket(ctx, "wx-nyc", model.SideYes); err != nil {
		t.Fatal(err)
	}
	bankroll := l.Snapshot().Bankroll

	_, err := l.SettleMarket(ctx, "wx-nyc", model.SideNo)
	if !errors.Is(err, ErrAlreadySettled) {
		t.Fatalf("expected ErrAlreadySettled, got %v", err)
	}
	if !errors.Is(err, ErrInvariantViolation) {
		t.Errorf("expected invariant violation, got %v", err)
	}
	snap := l.Snapshot()
	if !snap.IsHalted("wx-nyc") {
		t.Error("expected market halted after second resolution")
	}
	if !snap.Bankroll.Equal(bankroll) {
		t.Errorf("expected bankroll %s, got %s", bankroll, snap.Bankroll)
	}
	if got := l.Positions(model.StatusResolvedWin); len(got) != 1 {
		t.Errorf("expected 1 resolved win, got %d", len(got))
	}
}

func TestCommit_StaleSnapshot(t *testing.T) {
	g := newGuard(t, func(l *risk.Limits) { l.MaxOpenPositions = 1 })
	l := newLedger(t, g, store.NewMemoryStore(), 1000)
	ctx := context.Background()

	first := sized(l, g, "btc-1", 0.1, 0.45)
	second := sized(l, g, "btc-2", 0.1, 0.45) // same snapshot version

	if _, err := l.Commit(ctx, first); err != nil {
		t.Fatal(err)
	}
	_, err := l.Commit(ctx, second)
	if !errors.Is(err, ErrStaleSnapshot) {
		t.Fatalf("expected ErrStaleSnapshot, got %v", err)
	}
	if errors.Is(err, ErrInvariantViolation) {
		t.Error("stale snapshot must not be reported as an invariant violation")
	}
	if l.Snapshot().IsHalted("btc-2") {
		t.Error("stale snapshot must not halt the market")
	}

	// Re-sizing against current state gives a proper veto instead.
	again := sized(l, g, "btc-2", 0.1, 0.45)
	if again.Veto != model.VetoMaxPositions {
		t.Errorf("expected max-positions veto on re-size, got %q", again.Veto)
	}
}

func TestCommit_InvariantViolationHaltsMarket(t *testing.T) {
	g := newGuard(t, nil)
	l := newLedger(t, g, store.NewMemoryStore(), 1000)
	ctx := context.Background()

	bad := sized(l, g, "btc-1", 0.05, 0.45)
	bad.Stake = d(100) // above the 5% single-bet cap, sized on the current version

	_, err := l.Commit(ctx, bad)
	if !errors.Is(err, ErrInvariantViolation) || !errors.Is(err, risk.ErrSingleBetExceeded) {
		t.Fatalf("expected invariant violation wrapping single-bet error, got %v", err)
	}
	snap := l.Snapshot()
	if snap.OpenCount() != 0 {
		t.Errorf("expected no position, got %d", snap.OpenCount())
	}
	if !snap.IsHalted("btc-1") {
		t.Fatal("expected market halted")
	}

	if v := sized(l, g, "btc-1", 0.05, 0.45).Veto; v != model.VetoMarketHalted {
		t.Errorf("expected market-halted veto, got %q", v)
	}

	if err := l.Resume(ctx, "btc-1"); err != nil {
		t.Fatal(err)
	}
	if l.Snapshot().IsHalted("btc-1") {
		t.Error("expected halt cleared")
	}
	if _, err := l.Commit(ctx, sized(l, g, "btc-1", 0.05, 0.45)); err != nil {
		t.Errorf("expected commit after resume, got %v", err)
	}
}

func TestCommit_RejectsVetoedDecision(t *testing.T) {
	g := newGuard(t, nil)
	l := newLedger(t, g, store.NewMemoryStore(), 1000)

	vetoed := sized(l, g, "btc-1", -0.1, 0.45)
	vetoed.Veto = model.VetoNonPositiveKelly

	if _, err := l.Commit(context.Background(), vetoed); !errors.Is(err, ErrInvariantViolation) {
		t.Errorf("expected ErrInvariantViolation, got %v", err)
	}
}

func TestCommit_DuplicateMarket(t *testing.T) {
	g := newGuard(t, nil)
	l := newLedger(t, g, store.NewMemoryStore(), 1000)
	ctx := context.Background()

	dec := sized(l, g, "btc-1", 0.05, 0.45)
	if _, err := l.Commit(ctx, dec); err != nil {
		t.Fatal(err)
	}
	// Same decision again: state moved, so the caller is told to re-size.
	if _, err := l.Commit(ctx, dec); !errors.Is(err, ErrStaleSnapshot) || !errors.Is(err, risk.ErrDuplicateMarket) {
		t.Errorf("expected stale snapshot wrapping duplicate market, got %v", err)
	}
	if v := sized(l, g, "btc-1", 0.05, 0.45).Veto; v != model.VetoMarketAlreadyOpen {
		t.Errorf("expected market-already-open veto, got %q", v)
	}
}

func TestCommit_PersistFailureLeavesStateUnchanged(t *testing.T) {
	g := newGuard(t, nil)
	st := store.NewMemoryStore()
	l := newLedger(t, g, st, 1000)
	ctx := context.Background()

	before := l.Snapshot()
	st.FailNext = errors.New("connection reset")

	if _, err := l.Commit(ctx, sized(l, g, "btc-1", 0.05, 0.45)); err == nil {
		t.Fatal("expected persist error")
	}
	after := l.Snapshot()
	if after.Version != before.Version || after.OpenCount() != 0 {
		t.Errorf("expected no state change, got v%d open=%d", after.Version, after.OpenCount())
	}
}

func TestClose_Early(t *testing.T) {
	g := newGuard(t, nil)
	l := newLedger(t, g, store.NewMemoryStore(), 1000)
	ctx := context.Background()

	pos, _ := l.Commit(ctx, sized(l, g, "btc-1", 0.05, 0.40))
	closed, err := l.Close(ctx, pos.ID, 0.50)
	if err != nil {
		t.Fatal(err)
	}
	// 50 × (0.50/0.40 − 1) = 12.50
	if closed.Status != model.StatusClosedEarly || !closed.RealizedPnL.Decimal.Equal(d(12.5)) {
		t.Errorf("expected CLOSED_EARLY +12.50, got %s %s", closed.Status, closed.RealizedPnL.Decimal)
	}
	if _, err := l.Close(ctx, pos.ID, 0.5); !errors.Is(err, ErrAlreadySettled) {
		t.Errorf("expected ErrAlreadySettled, got %v", err)
	}
	if _, err := l.Close(ctx, pos.ID, 1.5); !errors.Is(err, ErrInvalidOutcome) {
		t.Errorf("expected ErrInvalidOutcome, got %v", err)
	}
}

func TestOpen_ReloadsPersistedState(t *testing.T) {
	g := newGuard(t, nil)
	st := store.NewMemoryStore()
	ctx := context.Background()

	l := newLedger(t, g, st, 1000)
	won, _ := l.Commit(ctx, sized(l, g, "btc-1", 0.05, 0.45))
	_, _ = l.Settle(ctx, won.ID, model.SideYes)
	open, _ := l.Commit(ctx, sized(l, g, "btc-2", 0.05, 0.45))
	want := l.State()

	reloaded, err := Open(ctx, st, g, d(5), WithLogger(quiet))
	if err != nil {
		t.Fatal(err)
	}
	got := reloaded.State()
	if got.Version != want.Version || !got.Bankroll.Equal(want.Bankroll) || len(got.Positions) != 2 {
		t.Fatalf("expected %+v, got %+v", want, got)
	}
	if p, ok := reloaded.Position(open.ID); !ok || p.Status != model.StatusOpen {
		t.Errorf("expected open position %s after reload", open.ID)
	}
	if _, err := reloaded.Settle(ctx, won.ID, model.SideYes); !errors.Is(err, ErrAlreadySettled) {
		t.Errorf("expected settled history to survive reload, got %v", err)
	}
}

func TestStats(t *testing.T) {
	g := newGuard(t, nil)
	l := newLedger(t, g, store.NewMemoryStore(), 1000)
	ctx := context.Background()

	a, _ := l.Commit(ctx, sized(l, g, "a", 0.05, 0.5))
	b, _ := l.Commit(ctx, sized(l, g, "b", 0.05, 0.5))
	_, _ = l.Commit(ctx, sized(l, g, "c", 0.05, 0.5))
	_, _ = l.Settle(ctx, a.ID, model.SideYes) // +50
	_, _ = l.Settle(ctx, b.ID, model.SideNo)  // −50

	s := l.Stats()
	if s.ClosedTrades != 2 || s.Wins != 1 || s.Losses != 1 || s.WinRate != 0.5 {
		t.Errorf("unexpected stats %+v", s)
	}
	if s.OpenPositions != 1 || !s.Exposure.IsPositive() {
		t.Errorf("expected one open position with exposure, got %+v", s)
	}
	if !s.RealizedPnL.IsZero() {
		t.Errorf("expected net zero PnL, got %s", s.RealizedPnL)
	}
}

func TestObserverSeesTransitions(t *testing.T) {
	g := newGuard(t, nil)
	var seen []model.PositionStatus
	l, err := Open(context.Background(), store.NewMemoryStore(), g, d(1000),
		WithLogger(quiet),
		WithObserver(func(p model.Position) { seen = append(seen, p.Status) }),
	)
	if err != nil {
		t.Fatal(err)
	}

	pos, _ := l.Commit(context.Background(), sized(l, g, "m", 0.05, 0.5))
	_, _ = l.Settle(context.Background(), pos.ID, model.SideNo)

	if len(seen) != 2 || seen[0] != model.StatusOpen || seen[1] != model.StatusResolvedLoss {
		t.Errorf("expected [OPEN RESOLVED_LOSS], got %v", seen)
	}
}

// assertInvariants checks the portfolio limits hold on the current state.
func assertInvariants(t testing.TB, l *Ledger, g *risk.Guard) {
	t.Helper()
	snap := l.Snapshot()
	if err := g.CheckPortfolio(snap); err != nil {
		t.Fatalf("invariant broken at v%d: %v (bankroll=%s exposure=%s open=%d)",
			snap.Version, err, snap.Bankroll, snap.Exposure, snap.OpenCount())
	}
}

func TestRandomizedSequencesKeepInvariants(t *testing.T) {
	limits := []func(*risk.Limits){
		nil,
		func(l *risk.Limits) { l.MaxExposure = 0.2; l.MaxOpenPositions = 3 },
		func(l *risk.Limits) { l.MaxSingleBet = 0.5; l.MaxExposure = 1; l.MaxOpenPositions = 25 },
	}
	for li, mutate := range limits {
		for seed := uint64(1); seed <= 5; seed++ {
			t.Run(fmt.Sprintf("limits%d/seed%d", li, seed), func(t *testing.T) {
				g := newGuard(t, mutate)
				l := newLedger(t, g, store.NewMemoryStore(), 1000)
				rng := rand.New(rand.NewPCG(seed, seed*7919))
				ctx := context.Background()
				var stale []model.SizingDecision

				for step := 0; step < 600; step++ {
					switch r := rng.Float64(); {
					case r < 0.5:
						market := fmt.Sprintf("m%d", rng.IntN(40))
						dec := sized(l, g, market, rng.Float64()*0.6, 0.05+rng.Float64()*0.9)
						if dec.Vetoed() {
							continue
						}
						if rng.IntN(3) == 0 {
							stale = append(stale, dec) // commit later against moved state
							continue
						}
						if _, err := l.Commit(ctx, dec); err != nil && !errors.Is(err, ErrStaleSnapshot) {
							t.Fatalf("step %d: commit: %v", step, err)
						}
					case r < 0.65 && len(stale) > 0:
						i := rng.IntN(len(stale))
						dec := stale[i]
						stale = append(stale[:i], stale[i+1:]...)
						if _, err := l.Commit(ctx, dec); err != nil && !errors.Is(err, ErrStaleSnapshot) {
							t.Fatalf("step %d: stale commit: %v", step, err)
						}
					default:
						open := l.Positions(model.StatusOpen)
						if len(open) == 0 {
							continue
						}
						p := open[rng.IntN(len(open))]
						side := model.SideYes
						if rng.IntN(2) == 0 {
							side = model.SideNo
						}
						if rng.IntN(5) == 0 {
							if _, err := l.Close(ctx, p.ID, rng.Float64()); err != nil {
								t.Fatalf("step %d: close: %v", step, err)
							}
						} else if _, err := l.Settle(ctx, p.ID, side); err != nil {
							t.Fatalf("step %d: settle: %v", step, err)
						}
					}
					assertInvariants(t, l, g)
				}
			})
		}
	}
}

func TestConcurrentSettleAndCommit(t *testing.T) {
	g := newGuard(t, func(l *risk.Limits) { l.MaxOpenPositions = 5; l.MaxExposure = 0.3 })
	l := newLedger(t, g, store.NewMemoryStore(), 1000)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 1024)

	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			rng := rand.New(rand.NewPCG(uint64(w), 42))
			for i := 0; i < 200; i++ {
				dec := sized(l, g, fmt.Sprintf("w%d-m%d", w, rng.IntN(10)), 0.02+rng.Float64()*0.2, 0.2+rng.Float64()*0.6)
				if dec.Vetoed() {
					continue
				}
				if _, err := l.Commit(ctx, dec); err != nil && !errors.Is(err, ErrStaleSnapshot) {
					errs <- fmt.Errorf("commit: %w", err)
				}
			}
		}(w)
	}
	for w := 0; w < 2; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			rng := rand.New(rand.NewPCG(uint64(w), 99))
			for i := 0; i < 400; i++ {
				open := l.Positions(model.StatusOpen)
				if len(open) == 0 {
					continue
				}
				p := open[rng.IntN(len(open))]
				side := model.SideYes
				if rng.IntN(2) == 0 {
					side = model.SideNo
				}
				// The other settler may win the race for the same position.
				if _, err := l.Settle(ctx, p.ID, side); err != nil && !errors.Is(err, ErrAlreadySettled) {
					errs <- fmt.Errorf("settle: %w", err)
				}
				if err := g.CheckPortfolio(l.Snapshot()); err != nil {
					errs <- err
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
	assertInvariants(t, l, g)
}
