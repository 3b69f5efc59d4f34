// Package config loads the engine configuration from a YAML file with
// environment overrides.
package config

import (
	"cmp"
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	Port            string        `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type StoreConfig struct {
	DatabaseURL string        `yaml:"database_url"`
	RedisURL    string        `yaml:"redis_url"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
}

type PricingConfig struct {
	K                     float64       `yaml:"k"`
	HomeAdvantage         float64       `yaml:"home_advantage"`
	Interval              time.Duration `yaml:"interval"`
	MinRating             float64       `yaml:"min_rating"`
	PressureFactor        float64       `yaml:"pressure_factor"`
	SeriesStarts          []time.Time   `yaml:"series_starts"`
	ScaleDividendByShares bool          `yaml:"scale_dividend_by_shares"`
}

type TradingConfig struct {
	BuySpread     float64 `yaml:"buy_spread"`
	SellSpread    float64 `yaml:"sell_spread"`
	ShortSpread   float64 `yaml:"short_spread"`
	UnshortSpread float64 `yaml:"unshort_spread"`
}

// WindowConfig is one valuation window. A zero Span means "since the season
// start".
type WindowConfig struct {
	Name string        `yaml:"name"`
	Span time.Duration `yaml:"span"`
	Step time.Duration `yaml:"step"`
}

type ValuationConfig struct {
	InitialCash float64        `yaml:"initial_cash"`
	SeasonStart time.Time      `yaml:"season_start"`
	Windows     []WindowConfig `yaml:"windows"`
}

type FeedConfig struct {
	URL               string        `yaml:"url"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Pricing   PricingConfig   `yaml:"pricing"`
	Trading   TradingConfig   `yaml:"trading"`
	Valuation ValuationConfig `yaml:"valuation"`
	Feed      FeedConfig      `yaml:"feed"`
	Log       LogConfig       `yaml:"log"`
}

var eastern = time.FixedZone("EDT", -4*60*60)

const (
	_portDefault            = "8080"
	_shutdownTimeoutDefault = 10 * time.Second
	_cacheTTLDefault        = 30 * time.Second
	_kDefault               = 75
	_homeAdvantageDefault   = 10
	_intervalDefault        = 10 * time.Second
	_minRatingDefault       = 1
	_pressureFactorDefault  = 1.0025
	_spreadDefault          = 0.0025
	_initialCashDefault     = 50000
	_feedTimeoutDefault     = 5 * time.Second
	_feedRateDefault        = 30
	_logLevelDefault        = "info"
)

// DefaultSeriesStarts are the 2020 playoff round start dates.
func DefaultSeriesStarts() []time.Time {
	return []time.Time{
		time.Date(2020, 8, 17, 0, 0, 0, 0, eastern),
		time.Date(2020, 8, 31, 0, 0, 0, 0, eastern),
		time.Date(2020, 9, 15, 0, 0, 0, 0, eastern),
		time.Date(2020, 9, 30, 0, 0, 0, 0, eastern),
	}
}

func DefaultWindows() []WindowConfig {
	return []WindowConfig{
		{Name: "1D", Span: 24 * time.Hour, Step: time.Hour},
		{Name: "1W", Span: 7 * 24 * time.Hour, Step: 6 * time.Hour},
		{Name: "1M", Span: 28 * 24 * time.Hour, Step: 24 * time.Hour},
		{Name: "SZN", Span: 0, Step: 24 * time.Hour},
	}
}

// Default returns the configuration before any file or environment is
// applied. Fields where zero is a valid setting are filled here rather than
// in Setup, so a file that sets them to 0 keeps the 0.
func Default() Config {
	return Config{
		Pricing: PricingConfig{HomeAdvantage: _homeAdvantageDefault},
		Trading: TradingConfig{
			BuySpread:     _spreadDefault,
			SellSpread:    _spreadDefault,
			ShortSpread:   _spreadDefault,
			UnshortSpread: _spreadDefault,
		},
	}
}

func (c *ServerConfig) Setup() {
	if c.Port == "" {
		c.Port = _portDefault
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = _shutdownTimeoutDefault
	}
}

func (c *StoreConfig) Setup() {
	if c.CacheTTL <= 0 {
		c.CacheTTL = _cacheTTLDefault
	}
}

func (c *PricingConfig) Setup() error {
	if c.K <= 0 {
		c.K = _kDefault
	}
	if c.Interval <= 0 {
		c.Interval = _intervalDefault
	}
	if c.MinRating <= 0 {
		c.MinRating = _minRatingDefault
	}
	if c.PressureFactor <= 0 {
		c.PressureFactor = _pressureFactorDefault
	}
	if c.PressureFactor < 1 {
		return fmt.Errorf("pressure_factor must be >= 1, got %v", c.PressureFactor)
	}
	if len(c.SeriesStarts) == 0 {
		c.SeriesStarts = DefaultSeriesStarts()
	}
	for i := 1; i < len(c.SeriesStarts); i++ {
		if !c.SeriesStarts[i].After(c.SeriesStarts[i-1]) {
			return fmt.Errorf("series_starts must be strictly increasing")
		}
	}
	return nil
}

func (c *TradingConfig) Setup() error {
	for _, s := range []*float64{&c.BuySpread, &c.SellSpread, &c.ShortSpread, &c.UnshortSpread} {
		if *s < 0 || *s >= 1 {
			return fmt.Errorf("spread must be in [0, 1), got %v", *s)
		}
	}
	return nil
}

func (c *ValuationConfig) Setup() error {
	if c.InitialCash <= 0 {
		c.InitialCash = _initialCashDefault
	}
	if c.SeasonStart.IsZero() {
		c.SeasonStart = time.Date(2020, 7, 30, 0, 0, 0, 0, eastern)
	}
	if len(c.Windows) == 0 {
		c.Windows = DefaultWindows()
	}
	seen := make(map[string]bool, len(c.Windows))
	for _, w := range c.Windows {
		if w.Name == "" {
			return errors.New("window name is required")
		}
		if seen[w.Name] {
			return fmt.Errorf("duplicate window %q", w.Name)
		}
		seen[w.Name] = true
		if w.Step <= 0 {
			return fmt.Errorf("window %q: step must be positive", w.Name)
		}
	}
	return nil
}

func (c *FeedConfig) Setup() error {
	if c.URL != "" {
		if _, err := url.Parse(c.URL); err != nil {
			return fmt.Errorf("%w: bad feed url", err)
		}
	}
	if c.Timeout <= 0 {
		c.Timeout = _feedTimeoutDefault
	}
	if c.RequestsPerMinute <= 0 {
		c.RequestsPerMinute = _feedRateDefault
	}
	return nil
}

// ValidateAndSetup fills defaults and rejects invalid values.
func (c *Config) ValidateAndSetup() error {
	c.Server.Setup()
	c.Store.Setup()
	if err := c.Pricing.Setup(); err != nil {
		return fmt.Errorf("%w: can't setup pricing", err)
	}
	if err := c.Trading.Setup(); err != nil {
		return fmt.Errorf("%w: can't setup trading", err)
	}
	if err := c.Valuation.Setup(); err != nil {
		return fmt.Errorf("%w: can't setup valuation", err)
	}
	if err := c.Feed.Setup(); err != nil {
		return fmt.Errorf("%w: can't setup feed", err)
	}
	c.Log.Level = cmp.Or(c.Log.Level, _logLevelDefault)
	return nil
}

// applyEnv overrides file values with environment variables when set.
func (c *Config) applyEnv() {
	c.Server.Port = cmp.Or(os.Getenv("PORT"), c.Server.Port)
	c.Store.DatabaseURL = cmp.Or(os.Getenv("DATABASE_URL"), c.Store.DatabaseURL)
	c.Store.RedisURL = cmp.Or(os.Getenv("REDIS_URL"), c.Store.RedisURL)
	c.Feed.URL = cmp.Or(os.Getenv("FEED_URL"), c.Feed.URL)
	c.Log.Level = cmp.Or(os.Getenv("LOG_LEVEL"), c.Log.Level)
}

// Load reads filename over Default (optional: an empty name or missing file
// yields the defaults), applies environment overrides and fills defaults.
func Load(filename string) (Config, error) {
	cfg := Default()
	if filename != "" {
		input, err := os.ReadFile(filename)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return cfg, fmt.Errorf("%w: can't read file", err)
		default:
			if err := yaml.Unmarshal(input, &cfg); err != nil {
				return cfg, fmt.Errorf("%w: can't unmarshal config", err)
			}
		}
	}

	cfg.applyEnv()

	if err := cfg.ValidateAndSetup(); err != nil {
		return cfg, fmt.Errorf("%w: can't setup cfg", err)
	}
	return cfg, nil
}
