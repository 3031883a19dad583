package edge

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/atmx/edge-engine/internal/model"
)

func quote(price float64, horizon time.Duration) model.MarketQuote {
	now := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	return model.MarketQuote{
		MarketID:   "m1",
		Price:      price,
		Category:   model.CategoryPrice,
		ObservedAt: now,
		Deadline:   now.Add(horizon),
	}
}

func newCalc(t *testing.T) *Calculator {
	t.Helper()
	c, err := NewCalculator(0.05, DefaultWindows())
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestAssess_FavoursYes(t *testing.T) {
	a := newCalc(t).Assess(quote(0.45, 15*time.Minute), 0.60)

	if !a.Actionable {
		t.Fatalf("expected actionable, got reason %q", a.Reason)
	}
	if a.Side != model.SideYes || a.SidePrice != 0.45 || a.SideProbability != 0.60 {
		t.Errorf("expected YES at 0.45 with p=0.60, got %+v", a)
	}
	if math.Abs(a.Edge-0.15) > 1e-12 {
		t.Errorf("expected edge 0.15, got %v", a.Edge)
	}
}

func TestAssess_FavoursNo(t *testing.T) {
	a := newCalc(t).Assess(quote(0.70, 15*time.Minute), 0.50)

	if a.Side != model.SideNo {
		t.Fatalf("expected NO, got %s", a.Side)
	}
	if math.Abs(a.SidePrice-0.30) > 1e-12 || math.Abs(a.SideProbability-0.50) > 1e-12 {
		t.Errorf("expected NO at 0.30 with p=0.50, got %+v", a)
	}
	if a.Edge >= 0 {
		t.Errorf("expected negative signed edge, got %v", a.Edge)
	}
	if !a.Actionable {
		t.Errorf("expected actionable, got %q", a.Reason)
	}
}

func TestAssess_NotActionable(t *testing.T) {
	c := newCalc(t)

	tests := []struct {
		name   string
		q      model.MarketQuote
		est    float64
		reason model.NoBetReason
	}{
		{"small edge", quote(0.50, 15*time.Minute), 0.53, model.NoBetEdgeBelowThreshold},
		{"too soon", quote(0.45, 30*time.Second), 0.60, model.NoBetTooSoon},
		{"too far", quote(0.45, 2*time.Hour), 0.60, model.NoBetTooFar},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := c.Assess(tt.q, tt.est)
			if a.Actionable {
				t.Fatal("expected not actionable")
			}
			if a.Reason != tt.reason {
				t.Errorf("expected %q, got %q", tt.reason, a.Reason)
			}
		})
	}
}

func TestAssess_WeatherWindow(t *testing.T) {
	c := newCalc(t)
	q := quote(0.30, 24*time.Hour)
	q.Category = model.CategoryWeather

	if a := c.Assess(q, 0.45); !a.Actionable {
		t.Errorf("expected actionable at 24h, got %q", a.Reason)
	}

	q = quote(0.30, 3*time.Hour)
	q.Category = model.CategoryWeather
	if a := c.Assess(q, 0.45); a.Reason != model.NoBetTooSoon {
		t.Errorf("expected too-soon at 3h, got %q", a.Reason)
	}
}

func TestNewCalculator_Validation(t *testing.T) {
	if _, err := NewCalculator(-0.1, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig for negative edge, got %v", err)
	}
	bad := map[model.Category]Window{model.CategoryPrice: {Min: time.Hour, Max: time.Minute}}
	if _, err := NewCalculator(0.05, bad); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig for inverted window, got %v", err)
	}
}
