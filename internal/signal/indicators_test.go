package signal

import (
	"math"
	"testing"

	"github.com/atmx/edge-engine/internal/model"
)

func closesToCandles(closes []float64) []model.Candle {
	out := make([]model.Candle, len(closes))
	for i, c := range closes {
		out[i] = model.Candle{Open: c, High: c, Low: c, Close: c, Volume: 1}
	}
	return out
}

func TestRSI(t *testing.T) {
	rising := make([]float64, 20)
	for i := range rising {
		rising[i] = 100 + float64(i)
	}
	if got := RSI(rising, 14); got != 100 {
		t.Errorf("expected 100 for monotonic rise, got %v", got)
	}

	if got := RSI([]float64{1, 2, 3}, 14); got != 50 {
		t.Errorf("expected neutral 50 with short history, got %v", got)
	}

	// Alternating +2 / -1 → avg gain/loss = 2 → RSI = 66.67.
	alt := []float64{100}
	for i := 0; i < 14; i++ {
		if i%2 == 0 {
			alt = append(alt, alt[len(alt)-1]+2)
		} else {
			alt = append(alt, alt[len(alt)-1]-1)
		}
	}
	if got := RSI(alt, 14); math.Abs(got-200.0/3) > 1e-9 {
		t.Errorf("expected 66.67, got %v", got)
	}
}

func TestRSIReading(t *testing.T) {
	tests := []struct {
		rsi  float64
		want float64
	}{
		{50, 0},
		{15, 0.5},
		{0, 1},
		{85, -0.5},
		{100, -1},
	}
	for _, tt := range tests {
		if got := RSIReading(tt.rsi, 30, 70); math.Abs(got-tt.want) > 1e-12 {
			t.Errorf("RSIReading(%v): expected %v, got %v", tt.rsi, tt.want, got)
		}
	}
}

func TestVWAP_UsesWindow(t *testing.T) {
	candles := closesToCandles([]float64{1000, 10, 20})
	if got := VWAP(candles, 2); got != 15 {
		t.Errorf("expected 15, got %v", got)
	}
	if got := VWAP(nil, 60); got != 0 {
		t.Errorf("expected 0 for no candles, got %v", got)
	}
}

func TestVWAPReading_Deadband(t *testing.T) {
	if got := VWAPReading(0.0005, 0.001); got != 0 {
		t.Errorf("expected 0 inside deadband, got %v", got)
	}
	if got := VWAPReading(0.02, 0.001); math.Abs(got+2) > 1e-12 {
		t.Errorf("expected -2 for +2%% deviation, got %v", got)
	}
}

func TestVolatility(t *testing.T) {
	flat := []float64{100, 100, 100, 100, 100}
	if got := Volatility(flat, 20); got != 0 {
		t.Errorf("expected 0 for flat series, got %v", got)
	}
	if got := Volatility([]float64{100, 101}, 20); got != 0.001 {
		t.Errorf("expected floor 0.001 for short series, got %v", got)
	}
}

func TestMomentum(t *testing.T) {
	closes := []float64{100, 0, 0, 0, 0, 0, 0, 0, 0, 0, 102}
	if got := Momentum(closes, 10); math.Abs(got-0.02) > 1e-12 {
		t.Errorf("expected 0.02, got %v", got)
	}
	if got := Momentum([]float64{1}, 10); got != 0 {
		t.Errorf("expected 0 with short history, got %v", got)
	}
}

func TestOrderFlowImbalance(t *testing.T) {
	trades := []model.Trade{
		{Quantity: 3},                   // taker buy
		{Quantity: 1, BuyerMaker: true}, // taker sell
	}
	if got := OrderFlowImbalance(trades); got != 0.5 {
		t.Errorf("expected 0.5, got %v", got)
	}
	if got := OrderFlowImbalance(nil); got != 0 {
		t.Errorf("expected 0 with no trades, got %v", got)
	}
}

func TestComputePriceIndicators_SpotFallback(t *testing.T) {
	candles := closesToCandles([]float64{100, 101, 102})
	pi := ComputePriceIndicators(candles, nil, 0, DefaultIndicatorParams())
	if pi.Spot != 102 {
		t.Errorf("expected spot from last close, got %v", pi.Spot)
	}
	r := pi.Readings(DefaultIndicatorParams())
	if _, ok := r[IndicatorMomentum]; !ok {
		t.Error("expected momentum reading")
	}
}
