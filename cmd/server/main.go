package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/edge-engine/internal/api"
	"github.com/atmx/edge-engine/internal/archive"
	"github.com/atmx/edge-engine/internal/config"
	"github.com/atmx/edge-engine/internal/edge"
	"github.com/atmx/edge-engine/internal/engine"
	"github.com/atmx/edge-engine/internal/estimate"
	"github.com/atmx/edge-engine/internal/feed"
	"github.com/atmx/edge-engine/internal/kelly"
	"github.com/atmx/edge-engine/internal/ledger"
	"github.com/atmx/edge-engine/internal/logging"
	"github.com/atmx/edge-engine/internal/metrics"
	"github.com/atmx/edge-engine/internal/model"
	"github.com/atmx/edge-engine/internal/recorder"
	"github.com/atmx/edge-engine/internal/risk"
	"github.com/atmx/edge-engine/internal/scanner"
	"github.com/atmx/edge-engine/internal/settlement"
	"github.com/atmx/edge-engine/internal/store"
	"github.com/atmx/edge-engine/internal/strategy"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (defaults and env only when empty)")
	once := flag.Bool("once", false, "run one scan cycle, print the portfolio and exit")
	status := flag.Bool("status", false, "print the portfolio and exit")
	strategies := flag.String("strategies", "", "comma-separated strategies to enable: price,weather")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *strategies != "" {
		cfg.Engine.Strategies = strings.Split(*strategies, ",")
		if err := cfg.Validate(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}

	logger, closer, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	err = run(cfg, logger, *once, *status)
	if err != nil {
		logger.Error("edge-engine stopped", "error", err)
	}
	closer.Close()
	if err != nil {
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger, once, status bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Redis (cache and settlement channel) ---
	var rdb *redis.Client
	if cfg.Storage.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.Storage.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid redis url: %w", err)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
	}

	// --- Store ---
	st, closeStore, err := openStore(ctx, cfg.Storage, rdb, logger)
	if err != nil {
		return err
	}
	cleanup = append(cleanup, closeStore)

	// --- Ledger ---
	guard, err := risk.NewGuard(cfg.Limits())
	if err != nil {
		return err
	}
	hub := api.NewHub(logger)
	var l *ledger.Ledger
	opts := []ledger.Option{
		ledger.WithLogger(logger),
		ledger.WithObserver(func(model.Position) { publishGauges(l) }),
	}
	// The hub only drains while the server runs.
	serving := !once && !status
	if serving {
		opts = append(opts, ledger.WithObserver(hub.PositionChanged))
	}
	l, err = ledger.Open(ctx, st, guard, cfg.Bankroll(), opts...)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	publishGauges(l)

	if status {
		return printStatus(ctx, os.Stdout, l, st)
	}

	// --- Decision log ---
	jsonl, err := recorder.OpenJSONL(cfg.Recorder.Path)
	if err != nil {
		return err
	}
	cleanup = append(cleanup, func() { jsonl.Close() })
	recs := decisionSinks(hub, serving, jsonl)
	if len(cfg.Recorder.KafkaBrokers) > 0 {
		k := recorder.NewKafka(recorder.NewKafkaWriter(cfg.Recorder.KafkaBrokers, cfg.Recorder.KafkaTopic))
		cleanup = append(cleanup, func() { k.Close() })
		recs = append(recs, k)
		logger.Info("kafka decision stream enabled", "topic", cfg.Recorder.KafkaTopic)
	}

	// --- Feeds and strategies ---
	feedOpts := feed.Options{
		Timeout:    cfg.Feeds.Timeout,
		Retries:    cfg.Feeds.Retries,
		RatePerSec: cfg.Feeds.RatePerSec,
	}
	gamma := feed.NewGamma(cfg.Feeds.GammaURL, feedOpts)

	cats, err := cfg.Categories()
	if err != nil {
		return err
	}
	defaults := strategy.DefaultQueries()
	queries := make(map[model.Category][]string, len(cats))
	for _, c := range cats {
		queries[c] = defaults[c]
	}
	catalog := strategy.NewCatalog(gamma, strategy.CatalogConfig{
		Queries: queries,
		Limit:   cfg.Feeds.MarketLimit,
		Windows: cfg.Engine.Windows,
	}, logger)

	router := strategy.Router{}
	for _, c := range cats {
		switch c {
		case model.CategoryPrice:
			pc := strategy.DefaultPriceConfig()
			pc.CacheTTL = cfg.Feeds.PriceCacheTTL
			pc.Params = cfg.Signals.Params
			router[c] = strategy.NewPriceSignals(feed.NewBinance(cfg.Feeds.BinanceURL, cfg.Feeds.Symbol, feedOpts), pc)
		case model.CategoryWeather:
			wc := strategy.DefaultWeatherConfig()
			wc.TempSigmaC = cfg.Signals.TempSigmaC
			router[c] = strategy.NewWeatherSignals(feed.NewOpenMeteo(cfg.Feeds.OpenMeteoURL, cfg.Feeds.ForecastDays, feedOpts), catalog, wc)
		}
	}
	logger.Info("strategies enabled", "categories", cats)

	// --- Engine ---
	registry, err := estimate.NewDefaultRegistry(cfg.Signals.PriceWeights, cfg.Signals.WeatherWeights, cfg.Engine.Clamp)
	if err != nil {
		return err
	}
	calc, err := edge.NewCalculator(cfg.Engine.MinEdge, cfg.Engine.Windows)
	if err != nil {
		return err
	}
	sizer, err := kelly.NewSizer(cfg.Engine.KellyMultiplier)
	if err != nil {
		return err
	}
	eng, err := engine.New(engine.Deps{
		Quotes:    catalog,
		Signals:   router,
		Estimator: registry,
		Edge:      calc,
		Sizer:     sizer,
		Guard:     guard,
		Ledger:    l,
		Recorder:  recs,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	sc := scanner.New(catalog, eng,
		scanner.WithWorkers(cfg.Engine.Workers),
		scanner.WithLogger(logger),
		scanner.WithCycleHook(func(scanner.CycleStats) { publishGauges(l) }),
	)

	if once {
		stats, err := sc.RunOnce(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("cycle: %d markets, %d opened, %d no-bet, %d vetoed, %d skipped in %s\n",
			stats.Markets, stats.Opened, stats.NoBet, stats.Vetoed, stats.Skipped, stats.Duration.Round(time.Millisecond))
		return printStatus(ctx, os.Stdout, l, st)
	}

	// --- Settlement ---
	dispatcher := settlement.NewDispatcher(l, logger)
	var sources []settlement.Source
	if cfg.Settlement.RedisChannel != "" {
		sources = append(sources, settlement.NewRedisSource(rdb, cfg.Settlement.RedisChannel, logger))
		logger.Info("redis settlement channel enabled", "channel", cfg.Settlement.RedisChannel)
	}
	if cfg.Settlement.PollInterval > 0 {
		sources = append(sources, settlement.NewPoller(gamma, openMarkets(l), cfg.Settlement.PollInterval, logger))
	}

	// --- HTTP ---
	svc := api.NewService(l, eng, dispatcher, hub, logger)
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      svc.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return ignoreCanceled(sc.Run(gctx, cfg.Engine.ScanInterval))
	})
	for _, src := range sources {
		g.Go(func() error {
			return dispatcher.Run(gctx, src)
		})
	}

	// --- Archive ---
	if cfg.Archive.Enabled {
		up, err := archive.NewS3Uploader(ctx, cfg.Archive.S3)
		if err != nil {
			return err
		}
		arch := archive.New(jsonl, up, cfg.Archive.Prefix, cfg.Archive.KeepLocal, logger)
		g.Go(func() error {
			return arch.Run(gctx, cfg.Archive.Interval)
		})
		logger.Info("decision log archive enabled", "bucket", cfg.Archive.S3.Bucket, "interval", cfg.Archive.Interval.String())
	}

	g.Go(func() error {
		logger.Info("edge-engine listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		logger.Info("shutting down edge-engine...")
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// openStore selects the portfolio store and wraps it with the Redis cache
// when rdb is set. The returned func releases it.
func openStore(ctx context.Context, cfg config.StorageConfig, rdb *redis.Client, logger *slog.Logger) (store.Store, func(), error) {
	var st store.Store
	closeFn := func() {}

	switch cfg.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("database connection failed: %w", err)
		}
		ps := store.NewPostgresStore(pool)
		if err := ps.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		st, closeFn = ps, pool.Close
		logger.Info("connected to PostgreSQL")
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create sqlite dir: %w", err)
		}
		ss, err := store.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		st, closeFn = ss, func() { ss.Close() }
		logger.Info("using SQLite store", "path", cfg.SQLitePath)
	default:
		logger.Warn("using in-memory store (portfolio will not persist)")
		st = store.NewMemoryStore()
	}

	if rdb != nil {
		st = store.NewCachedStore(st, rdb, cfg.CacheTTL, cfg.CachePrefix, logger)
		logger.Info("Redis cache enabled", "ttl", cfg.CacheTTL.String())
	}
	return st, closeFn, nil
}

// decisionSinks fans decision records out to base and, while serving, to
// the WebSocket hub.
func decisionSinks(hub *api.Hub, serving bool, base ...recorder.Recorder) recorder.Multi {
	recs := recorder.Multi(base)
	if serving {
		recs = append(recs, hub)
	}
	return recs
}

// openMarkets lists the market IDs with an OPEN position.
func openMarkets(l *ledger.Ledger) func() []string {
	return func() []string {
		open := l.Positions(model.StatusOpen)
		ids := make([]string, 0, len(open))
		for _, p := range open {
			ids = append(ids, p.MarketID)
		}
		return ids
	}
}

func publishGauges(l *ledger.Ledger) {
	if l == nil {
		return
	}
	snap := l.Snapshot()
	metrics.PortfolioGauges(snap.Bankroll.InexactFloat64(), snap.Exposure.InexactFloat64(), snap.OpenCount())
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
