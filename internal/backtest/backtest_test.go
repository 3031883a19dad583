package backtest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/atmx/edge-engine/internal/model"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// trending returns n one-minute candles drifting up 2bp a minute with a
// small alternating wiggle so volatility is never zero.
func trending(n int) []model.Candle {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	out := make([]model.Candle, n)
	for i := range out {
		c := 100000 * (1 + 0.0002*float64(i))
		if i%2 == 1 {
			c += 20
		}
		out[i] = model.Candle{
			OpenTime: start.Add(time.Duration(i) * time.Minute),
			Open:     c - 5, High: c + 10, Low: c - 10, Close: c,
			Volume: 10 + float64(i%7),
		}
	}
	return out
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MinEdge = 0.01
	return cfg
}

func TestRun_NotEnoughData(t *testing.T) {
	_, err := Run(context.Background(), trending(60), testConfig(), quiet)
	if !errors.Is(err, ErrNotEnoughData) {
		t.Errorf("expected ErrNotEnoughData, got %v", err)
	}
}

func TestRun_RejectsBadWindow(t *testing.T) {
	cfg := testConfig()
	cfg.Window = 30 * time.Second
	if _, err := Run(context.Background(), trending(300), cfg, quiet); err == nil {
		t.Error("expected error for a sub-minute window")
	}
}

func TestRun_Accounting(t *testing.T) {
	cfg := testConfig()
	r, err := Run(context.Background(), trending(50+15*10+1), cfg, quiet)
	if err != nil {
		t.Fatal(err)
	}
	if r.Windows != 10 {
		t.Errorf("expected 10 windows, got %d", r.Windows)
	}
	if len(r.Trades) == 0 {
		t.Fatal("expected at least one trade")
	}
	if r.Wins+r.Losses != len(r.Trades) {
		t.Errorf("expected wins+losses = %d, got %d+%d", len(r.Trades), r.Wins, r.Losses)
	}
	if !r.FinalBankroll.Equal(cfg.InitialBankroll.Add(r.TotalPnL)) {
		t.Errorf("expected final %s = initial + pnl %s", r.FinalBankroll, r.TotalPnL)
	}
	if r.MaxDrawdown < 0 || r.MaxDrawdown > 1 {
		t.Errorf("expected drawdown in [0,1], got %v", r.MaxDrawdown)
	}

	for _, tr := range r.Trades {
		if tr.Fraction > cfg.Limits.MaxSingleBet+1e-9 {
			t.Errorf("%s: fraction %v above single-bet cap %v", tr.MarketID, tr.Fraction, cfg.Limits.MaxSingleBet)
		}
		if tr.Won && !tr.PnL.IsPositive() {
			t.Errorf("%s: won with pnl %s", tr.MarketID, tr.PnL)
		}
		if !tr.Won && !tr.PnL.Equal(tr.Stake.Neg()) {
			t.Errorf("%s: expected loss of stake %s, got %s", tr.MarketID, tr.Stake, tr.PnL)
		}
	}
}

func TestRun_Deterministic(t *testing.T) {
	candles := trending(50 + 15*8 + 1)
	a, err := Run(context.Background(), candles, testConfig(), quiet)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Run(context.Background(), candles, testConfig(), quiet)
	if err != nil {
		t.Fatal(err)
	}
	if len(a.Trades) != len(b.Trades) || !a.FinalBankroll.Equal(b.FinalBankroll) {
		t.Errorf("expected identical replays, got %d/%s and %d/%s",
			len(a.Trades), a.FinalBankroll, len(b.Trades), b.FinalBankroll)
	}
}

func TestRun_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Run(ctx, trending(300), testConfig(), quiet); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestResolve(t *testing.T) {
	tests := []struct {
		cmp  model.Comparison
		end  float64
		want model.Side
	}{
		{model.Above, 101, model.SideYes},
		{model.Above, 100, model.SideNo},
		{model.Below, 99, model.SideYes},
		{model.Below, 100, model.SideNo},
	}
	for _, tt := range tests {
		got := resolve(model.MarketQuote{Threshold: 100, Comparison: tt.cmp}, tt.end)
		if got != tt.want {
			t.Errorf("%s at %v: expected %s, got %s", tt.cmp, tt.end, tt.want, got)
		}
	}
}

func TestReport_RenderAndWrite(t *testing.T) {
	r, err := Run(context.Background(), trending(50+15*4+1), testConfig(), quiet)
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := r.Render(&buf, 5); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"Win rate", "Final bankroll", "Max drawdown"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("expected %q in output:\n%s", want, buf.String())
		}
	}

	path := filepath.Join(t.TempDir(), "out", "backtest.json")
	if err := r.WriteJSON(path); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var back Report
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if len(back.Trades) != len(r.Trades) {
		t.Errorf("expected %d trades saved, got %d", len(r.Trades), len(back.Trades))
	}
}
