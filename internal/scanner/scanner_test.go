package scanner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/atmx/edge-engine/internal/engine"
	"github.com/atmx/edge-engine/internal/model"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type staticLister struct {
	ids []string
	err error
}

func (l staticLister) Markets(context.Context) ([]string, error) { return l.ids, l.err }

type fakeEval struct {
	edges map[string]float64
	fail  map[string]bool

	mu        sync.Mutex
	assessed  []string
	finalized []string
}

func (f *fakeEval) Assess(_ context.Context, id string) engine.Assessment {
	f.mu.Lock()
	f.assessed = append(f.assessed, id)
	f.mu.Unlock()

	if f.fail[id] {
		return engine.Assessment{MarketID: id, Err: engine.ErrUpstreamUnavailable}
	}
	e := f.edges[id]
	return engine.Assessment{
		MarketID: id,
		Edge:     &model.EdgeAssessment{Edge: e, Actionable: e >= 0.03 || e <= -0.03},
	}
}

func (f *fakeEval) Finalize(_ context.Context, a engine.Assessment) (model.DecisionRecord, error) {
	f.mu.Lock()
	f.finalized = append(f.finalized, a.MarketID)
	f.mu.Unlock()

	switch {
	case a.Err != nil:
		return model.DecisionRecord{MarketID: a.MarketID, Action: model.ActionSkip}, nil
	case !a.Edge.Actionable:
		return model.DecisionRecord{MarketID: a.MarketID, Action: model.ActionNoBet}, nil
	}
	return model.DecisionRecord{MarketID: a.MarketID, Action: model.ActionOpen}, nil
}

func TestOrder_ByMagnitudeThenID(t *testing.T) {
	as := []engine.Assessment{
		{MarketID: "c", Edge: &model.EdgeAssessment{Edge: 0.05}},
		{MarketID: "skip"},
		{MarketID: "b", Edge: &model.EdgeAssessment{Edge: -0.10}},
		{MarketID: "a", Edge: &model.EdgeAssessment{Edge: 0.05}},
		{MarketID: "d", Edge: &model.EdgeAssessment{Edge: 0.20}},
	}
	Order(as)

	want := []string{"d", "b", "a", "c", "skip"}
	for i, id := range want {
		if as[i].MarketID != id {
			t.Fatalf("position %d: expected %s, got %s", i, id, as[i].MarketID)
		}
	}
}

func TestRunOnce_FinalizesInOrderAndCounts(t *testing.T) {
	ev := &fakeEval{
		edges: map[string]float64{"m1": 0.04, "m2": 0.12, "m3": 0.01, "m4": -0.08},
		fail:  map[string]bool{"m5": true},
	}
	var hooked CycleStats
	s := New(staticLister{ids: []string{"m1", "m2", "m3", "m4", "m5", "m2", ""}}, ev,
		WithWorkers(3),
		WithLogger(quiet),
		WithCycleHook(func(cs CycleStats) { hooked = cs }),
	)

	stats, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	want := []string{"m2", "m4", "m1", "m3", "m5"}
	if len(ev.finalized) != len(want) {
		t.Fatalf("expected %d finalized, got %v", len(want), ev.finalized)
	}
	for i := range want {
		if ev.finalized[i] != want[i] {
			t.Errorf("finalize order: expected %v, got %v", want, ev.finalized)
			break
		}
	}
	if len(ev.assessed) != 5 {
		t.Errorf("expected duplicates and blanks dropped, assessed %v", ev.assessed)
	}
	if stats.Markets != 5 || stats.Opened != 3 || stats.NoBet != 1 || stats.Skipped != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if hooked.Markets != 5 {
		t.Errorf("expected cycle hook to receive stats, got %+v", hooked)
	}
}

func TestRunOnce_ListerError(t *testing.T) {
	boom := errors.New("gamma down")
	s := New(staticLister{err: boom}, &fakeEval{}, WithLogger(quiet))

	if _, err := s.RunOnce(context.Background()); !errors.Is(err, boom) {
		t.Errorf("expected lister error, got %v", err)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	ev := &fakeEval{edges: map[string]float64{"m1": 0.1}}
	cycles := make(chan CycleStats, 16)
	s := New(staticLister{ids: []string{"m1"}}, ev,
		WithLogger(quiet),
		WithCycleHook(func(cs CycleStats) { cycles <- cs }),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, time.Hour) }()

	select {
	case <-cycles:
	case <-time.After(2 * time.Second):
		t.Fatal("expected an immediate first cycle")
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}
