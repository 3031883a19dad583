package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/edge-engine/internal/backtest"
	"github.com/atmx/edge-engine/internal/config"
	"github.com/atmx/edge-engine/internal/feed"
	"github.com/atmx/edge-engine/internal/logging"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (defaults and env only when empty)")
	days := flag.Int("days", 3, "days of 1-minute history to replay")
	threshold := flag.Float64("threshold", 0.03, "minimum edge to bet")
	bankroll := flag.Float64("bankroll", 1000, "starting bankroll in USD")
	seed := flag.Uint64("seed", 1, "seed for the simulated market price")
	out := flag.String("out", "data/backtest_results.json", "write the full report here; empty to skip")
	last := flag.Int("trades", 10, "print the last N trades")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	handler := logging.NewHandler(os.Stderr, "text", slog.LevelWarn)
	logger := slog.New(handler)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	binance := feed.NewBinance(cfg.Feeds.BinanceURL, cfg.Feeds.Symbol, feed.Options{
		Timeout:    cfg.Feeds.Timeout,
		Retries:    cfg.Feeds.Retries,
		RatePerSec: cfg.Feeds.RatePerSec,
	})
	end := time.Now().UTC().Truncate(time.Minute)
	start := end.Add(-time.Duration(*days) * 24 * time.Hour)
	fmt.Printf("Fetching 1m candles %s → %s\n", start.Format(time.RFC3339), end.Format(time.RFC3339))
	candles, err := binance.HistoricalCandles(ctx, "1m", start, end)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fetch candles:", err)
		os.Exit(1)
	}
	fmt.Printf("Got %d candles\n", len(candles))

	bc := backtest.DefaultConfig()
	bc.InitialBankroll = decimal.NewFromFloat(*bankroll)
	bc.MinEdge = *threshold
	bc.KellyMultiplier = cfg.Engine.KellyMultiplier
	bc.Clamp = cfg.Engine.Clamp
	bc.Limits = cfg.Limits()
	bc.Params = cfg.Signals.Params
	bc.Weights = cfg.Signals.PriceWeights
	bc.Seed = *seed

	report, err := backtest.Run(ctx, candles, bc, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "backtest:", err)
		os.Exit(1)
	}
	if err := report.Render(os.Stdout, *last); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *out != "" {
		if err := report.WriteJSON(*out); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Printf("\nFull report saved to %s\n", *out)
	}
}
