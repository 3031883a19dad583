// Package config loads the service configuration from YAML, an optional
// .env file and environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/atmx/edge-engine/internal/archive"
	"github.com/atmx/edge-engine/internal/edge"
	"github.com/atmx/edge-engine/internal/estimate"
	"github.com/atmx/edge-engine/internal/kelly"
	"github.com/atmx/edge-engine/internal/model"
	"github.com/atmx/edge-engine/internal/risk"
	"github.com/atmx/edge-engine/internal/signal"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Strategy names accepted in engine.strategies and -strategies.
const (
	StrategyPrice   = "price"
	StrategyWeather = "weather"
)

// Config is the complete service configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Engine     EngineConfig     `yaml:"engine"`
	Risk       RiskConfig       `yaml:"risk"`
	Signals    SignalsConfig    `yaml:"signals"`
	Feeds      FeedsConfig      `yaml:"feeds"`
	Storage    StorageConfig    `yaml:"storage"`
	Recorder   RecorderConfig   `yaml:"recorder"`
	Settlement SettlementConfig `yaml:"settlement"`
	Archive    ArchiveConfig    `yaml:"archive"`
	Log        LogConfig        `yaml:"log"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Port string `yaml:"port"`
}

// EngineConfig controls the decision pipeline and the scan loop.
type EngineConfig struct {
	InitialBankroll string                         `yaml:"initial_bankroll"` // decimal string
	MinEdge         float64                        `yaml:"min_edge"`
	KellyMultiplier float64                        `yaml:"kelly_multiplier"`
	Clamp           estimate.Clamp                 `yaml:"clamp"`
	Windows         map[model.Category]edge.Window `yaml:"windows"`
	Strategies      []string                       `yaml:"strategies"`
	ScanInterval    time.Duration                  `yaml:"scan_interval"`
	Workers         int                            `yaml:"workers"`
}

// RiskConfig mirrors risk.Limits with YAML-friendly types.
type RiskConfig struct {
	MaxSingleBet     float64                    `yaml:"max_single_bet"`
	MaxExposure      float64                    `yaml:"max_exposure"`
	MaxOpenPositions int                        `yaml:"max_open_positions"`
	CategoryCaps     map[model.Category]float64 `yaml:"category_caps"`
	MinStake         float64                    `yaml:"min_stake"`
}

// SignalsConfig holds indicator parameters and weights.
type SignalsConfig struct {
	Params         signal.IndicatorParams   `yaml:"params"`
	PriceWeights   map[string]signal.Weight `yaml:"price_weights"`
	WeatherWeights map[string]signal.Weight `yaml:"weather_weights"`
	TempSigmaC     float64                  `yaml:"temp_sigma_c"`
}

// FeedsConfig holds collaborator endpoints and client limits.
type FeedsConfig struct {
	BinanceURL    string        `yaml:"binance_url"`
	Symbol        string        `yaml:"symbol"`
	OpenMeteoURL  string        `yaml:"open_meteo_url"`
	ForecastDays  int           `yaml:"forecast_days"`
	GammaURL      string        `yaml:"gamma_url"`
	MarketLimit   int           `yaml:"market_limit"`
	Timeout       time.Duration `yaml:"timeout"`
	Retries       int           `yaml:"retries"`
	RatePerSec    float64       `yaml:"rate_per_sec"`
	PriceCacheTTL time.Duration `yaml:"price_cache_ttl"`
}

// StorageConfig selects the portfolio store.
type StorageConfig struct {
	Driver      string        `yaml:"driver"` // memory | sqlite | postgres
	SQLitePath  string        `yaml:"sqlite_path"`
	DatabaseURL string        `yaml:"database_url"`
	RedisURL    string        `yaml:"redis_url"` // enables the read-through cache
	CacheTTL    time.Duration `yaml:"cache_ttl"`
	CachePrefix string        `yaml:"cache_prefix"`
}

// RecorderConfig selects the decision log sinks.
type RecorderConfig struct {
	Path         string   `yaml:"path"`
	KafkaBrokers []string `yaml:"kafka_brokers"`
	KafkaTopic   string   `yaml:"kafka_topic"`
}

// SettlementConfig selects settlement sources. Both may be enabled.
type SettlementConfig struct {
	RedisChannel string        `yaml:"redis_channel"` // requires storage.redis_url
	PollInterval time.Duration `yaml:"poll_interval"` // 0 disables the resolution poller
}

// ArchiveConfig enables shipping rotated decision logs to S3.
type ArchiveConfig struct {
	Enabled   bool             `yaml:"enabled"`
	Interval  time.Duration    `yaml:"interval"`
	Prefix    string           `yaml:"prefix"`
	KeepLocal bool             `yaml:"keep_local"`
	S3        archive.S3Config `yaml:"s3"`
}

// LogConfig controls format, level and optional file rotation.
type LogConfig struct {
	Level      string `yaml:"level"`  // debug | info | warn | error
	Format     string `yaml:"format"` // text | json
	File       string `yaml:"file"`   // empty logs to stdout
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Load reads path (optional; "" uses defaults only), applies .env and
// environment overrides, fills defaults and validates.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Storage.DatabaseURL = v
		cfg.Storage.Driver = "postgres"
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Storage.RedisURL = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Recorder.KafkaBrokers = splitList(v)
	}
	if v := os.Getenv("INITIAL_BANKROLL"); v != "" {
		cfg.Engine.InitialBankroll = v
	}
	if v := os.Getenv("STRATEGIES"); v != "" {
		cfg.Engine.Strategies = splitList(v)
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("S3_BUCKET"); v != "" {
		cfg.Archive.S3.Bucket = v
		cfg.Archive.Enabled = true
	}
	if v := os.Getenv("S3_ENDPOINT"); v != "" {
		cfg.Archive.S3.Endpoint = v
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		cfg.Archive.S3.Region = v
	}
}

func setDefaults(cfg *Config) {
	if cfg.Server.Port == "" {
		cfg.Server.Port = "8080"
	}

	e := &cfg.Engine
	if e.InitialBankroll == "" {
		e.InitialBankroll = "1000"
	}
	if e.MinEdge == 0 {
		e.MinEdge = 0.05
	}
	if e.KellyMultiplier == 0 {
		e.KellyMultiplier = kelly.DefaultMultiplier
	}
	if e.Clamp == (estimate.Clamp{}) {
		e.Clamp = estimate.DefaultClamp
	}
	if e.Windows == nil {
		e.Windows = edge.DefaultWindows()
	}
	if len(e.Strategies) == 0 {
		e.Strategies = []string{StrategyPrice, StrategyWeather}
	}
	if e.ScanInterval <= 0 {
		e.ScanInterval = 30 * time.Second
	}
	if e.Workers <= 0 {
		e.Workers = 8
	}

	def := risk.DefaultLimits()
	r := &cfg.Risk
	if r.MaxSingleBet == 0 {
		r.MaxSingleBet = def.MaxSingleBet
	}
	if r.MaxExposure == 0 {
		r.MaxExposure = def.MaxExposure
	}
	if r.MaxOpenPositions == 0 {
		r.MaxOpenPositions = def.MaxOpenPositions
	}
	if r.MinStake == 0 {
		r.MinStake = def.MinStake.InexactFloat64()
	}

	s := &cfg.Signals
	if s.Params == (signal.IndicatorParams{}) {
		s.Params = signal.DefaultIndicatorParams()
	}
	if s.PriceWeights == nil {
		s.PriceWeights = signal.DefaultPriceWeights()
	}
	if s.WeatherWeights == nil {
		s.WeatherWeights = signal.DefaultWeatherWeights()
	}
	if s.TempSigmaC == 0 {
		s.TempSigmaC = 2.0
	}

	f := &cfg.Feeds
	if f.ForecastDays == 0 {
		f.ForecastDays = 3
	}
	if f.MarketLimit == 0 {
		f.MarketLimit = 50
	}
	if f.Timeout == 0 {
		f.Timeout = 15 * time.Second
	}
	if f.Retries == 0 {
		f.Retries = 3
	}
	if f.RatePerSec == 0 {
		f.RatePerSec = 5
	}
	if f.PriceCacheTTL == 0 {
		f.PriceCacheTTL = 10 * time.Second
	}

	st := &cfg.Storage
	if st.Driver == "" {
		st.Driver = "sqlite"
	}
	if st.SQLitePath == "" {
		st.SQLitePath = "data/edge.db"
	}
	if st.CacheTTL == 0 {
		st.CacheTTL = 30 * time.Second
	}
	if st.CachePrefix == "" {
		st.CachePrefix = "edge"
	}

	if cfg.Recorder.Path == "" {
		cfg.Recorder.Path = "data/decisions.jsonl"
	}
	if cfg.Recorder.KafkaTopic == "" {
		cfg.Recorder.KafkaTopic = "edge.decisions"
	}
	if cfg.Settlement.PollInterval == 0 {
		cfg.Settlement.PollInterval = time.Minute
	}

	a := &cfg.Archive
	if a.Interval == 0 {
		a.Interval = time.Hour
	}
	if a.Prefix == "" {
		a.Prefix = "decisions"
	}
	if a.S3.Region == "" {
		a.S3.Region = "us-east-1"
	}

	l := &cfg.Log
	if l.Level == "" {
		l.Level = "info"
	}
	if l.Format == "" {
		l.Format = "json"
	}
	if l.MaxSizeMB == 0 {
		l.MaxSizeMB = 100
	}
	if l.MaxBackups == 0 {
		l.MaxBackups = 5
	}
	if l.MaxAgeDays == 0 {
		l.MaxAgeDays = 28
	}
}

// Validate checks every value the engine relies on. All failures are
// reported together.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if b, err := decimal.NewFromString(c.Engine.InitialBankroll); err != nil || !b.IsPositive() {
		bad("engine.initial_bankroll %q must be a positive decimal", c.Engine.InitialBankroll)
	}
	if !(c.Engine.MinEdge >= 0 && c.Engine.MinEdge < 1) {
		bad("engine.min_edge %v outside [0, 1)", c.Engine.MinEdge)
	}
	if !(c.Engine.KellyMultiplier > 0 && c.Engine.KellyMultiplier <= 1) {
		bad("engine.kelly_multiplier %v outside (0, 1]", c.Engine.KellyMultiplier)
	}
	if err := c.Engine.Clamp.Validate(); err != nil {
		bad("engine.clamp: %v", err)
	}
	for cat, w := range c.Engine.Windows {
		if !cat.Valid() {
			bad("engine.windows: unknown category %q", cat)
		}
		if w.Min < 0 || (w.Max != 0 && w.Max < w.Min) {
			bad("engine.windows[%s]: [%s, %s]", cat, w.Min, w.Max)
		}
	}
	if _, err := c.Categories(); err != nil {
		errs = append(errs, err)
	}
	if _, err := risk.NewGuard(c.Limits()); err != nil {
		bad("risk: %v", err)
	}
	switch c.Storage.Driver {
	case "memory", "sqlite":
	case "postgres":
		if c.Storage.DatabaseURL == "" {
			bad("storage.database_url is required for postgres")
		}
	default:
		bad("storage.driver %q (memory, sqlite, postgres)", c.Storage.Driver)
	}
	if c.Settlement.RedisChannel != "" && c.Storage.RedisURL == "" {
		bad("settlement.redis_channel requires storage.redis_url")
	}
	if c.Archive.Enabled && c.Archive.S3.Bucket == "" {
		bad("archive.s3.bucket is required when archiving")
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		bad("log.format %q (json, text)", c.Log.Format)
	}
	return errors.Join(errs...)
}

// Bankroll returns the parsed initial bankroll.
func (c *Config) Bankroll() decimal.Decimal {
	b, _ := decimal.NewFromString(c.Engine.InitialBankroll)
	return b
}

// Limits converts the risk section.
func (c *Config) Limits() risk.Limits {
	return risk.Limits{
		MaxSingleBet:     c.Risk.MaxSingleBet,
		MaxExposure:      c.Risk.MaxExposure,
		MaxOpenPositions: c.Risk.MaxOpenPositions,
		CategoryCaps:     c.Risk.CategoryCaps,
		MinStake:         decimal.NewFromFloat(c.Risk.MinStake),
	}
}

// Categories maps the enabled strategy names to market categories.
func (c *Config) Categories() ([]model.Category, error) {
	return ParseStrategies(c.Engine.Strategies)
}

// ParseStrategies maps strategy names ("price", "weather") to categories.
func ParseStrategies(names []string) ([]model.Category, error) {
	var out []model.Category
	seen := make(map[model.Category]bool)
	for _, n := range names {
		var cat model.Category
		switch strings.ToLower(strings.TrimSpace(n)) {
		case StrategyPrice, string(model.CategoryPrice):
			cat = model.CategoryPrice
		case StrategyWeather, string(model.CategoryWeather):
			cat = model.CategoryWeather
		case "":
			continue
		default:
			return nil, fmt.Errorf("%w: unknown strategy %q", ErrInvalid, n)
		}
		if !seen[cat] {
			seen[cat] = true
			out = append(out, cat)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no strategy enabled", ErrInvalid)
	}
	return out, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
