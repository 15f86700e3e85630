package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"quoterefresh/internal/quote"
)

type Server struct {
	Port              string `yaml:"port"`
	RequestTimeoutSec int    `yaml:"request_timeout_sec"`
}

type API struct {
	BaseURL   string `yaml:"base_url"`
	UserAgent string `yaml:"user_agent"`
	// Nonce is sent as X-Nonce on chart requests.
	Nonce string `yaml:"nonce"`
}

type Refresh struct {
	Symbols          []string `yaml:"symbols"`
	IntervalSec      int      `yaml:"interval_sec"`
	ClosedMultiplier int      `yaml:"closed_multiplier"`
	MaxAttempts      int      `yaml:"max_attempts"`
	MarketOpen       bool     `yaml:"market_open"`
	Fields           []string `yaml:"fields"`
	WorkingLingerMS  int      `yaml:"working_linger_ms"`
	// PageURL, when set, bootstraps symbols, market flag and displayed
	// values from a rendered quote page instead of the fields above.
	PageURL string `yaml:"page_url"`
	// PerSymbol runs one independent session per symbol, like a ticker list.
	PerSymbol bool `yaml:"per_symbol"`
}

type RateLimit struct {
	MaxRequestsPerMinute  int `yaml:"max_requests_per_minute"`
	Burst                 int `yaml:"burst"`
	MinRequestIntervalSec int `yaml:"min_request_interval_sec"`
}

type Cache struct {
	TTLSec   int `yaml:"ttl_sec"`
	MaxItems int `yaml:"max_items"`
}

type Coalesce struct {
	Enabled bool `yaml:"enabled"`
}

type Relay struct {
	Enabled bool `yaml:"enabled"`
}

type Log struct {
	Level string `yaml:"level"`
}

type Config struct {
	Server    Server    `yaml:"server"`
	API       API       `yaml:"api"`
	Refresh   Refresh   `yaml:"refresh"`
	RateLimit RateLimit `yaml:"ratelimit"`
	Cache     Cache     `yaml:"cache"`
	Coalesce  Coalesce  `yaml:"coalesce"`
	Relay     Relay     `yaml:"relay"`
	Log       Log       `yaml:"log"`
}

func Default() Config {
	return Config{
		Server: Server{Port: "8080", RequestTimeoutSec: 10},
		API: API{
			BaseURL:   "http://localhost:8000",
			UserAgent: "quote-refresher/1.0",
		},
		Refresh: Refresh{
			IntervalSec:      20,
			ClosedMultiplier: 15,
			MaxAttempts:      180,
			MarketOpen:       true,
			WorkingLingerMS:  1000,
		},
		RateLimit: RateLimit{Burst: 1},
		Cache:     Cache{MaxItems: 10000},
		Coalesce:  Coalesce{Enabled: true},
		Relay:     Relay{Enabled: true},
		Log:       Log{Level: "info"},
	}
}

// Load reads a YAML (or JSON) config from path. If path is empty, config.yaml
// and then config.json are tried; a missing file yields defaults. ${VAR}
// references in the file are expanded before decoding, and environment
// variables override select fields afterwards.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		for _, candidate := range []string{"config.yaml", "config.json"} {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
	}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err == nil {
			expanded := os.ExpandEnv(string(b))
			if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
				return cfg, fmt.Errorf("parse config: %w", err)
			}
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

// LoadAndValidate is Load followed by Validate.
func LoadAndValidate(path string) (Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate checks that all values are usable.
func (c *Config) Validate() error {
	port, err := strconv.Atoi(c.Server.Port)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %q", c.Server.Port)
	}
	if c.Server.RequestTimeoutSec < 1 {
		return errors.New("server.request_timeout_sec must be >= 1")
	}

	if c.API.BaseURL == "" {
		return errors.New("api.base_url is required")
	}
	u, err := url.Parse(c.API.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("api.base_url must be an http(s) URL, got %q", c.API.BaseURL)
	}

	if c.Refresh.IntervalSec < 1 {
		return errors.New("refresh.interval_sec must be >= 1")
	}
	if c.Refresh.ClosedMultiplier < 1 {
		return errors.New("refresh.closed_multiplier must be >= 1")
	}
	if c.Refresh.MaxAttempts < 1 {
		return errors.New("refresh.max_attempts must be >= 1")
	}
	if c.Refresh.WorkingLingerMS < 0 {
		return errors.New("refresh.working_linger_ms must be >= 0")
	}
	if len(c.Refresh.Symbols) == 0 && c.Refresh.PageURL == "" {
		return errors.New("refresh.symbols or refresh.page_url is required")
	}

	if c.RateLimit.MaxRequestsPerMinute < 0 || c.RateLimit.MinRequestIntervalSec < 0 {
		return errors.New("ratelimit values must be >= 0")
	}
	if c.RateLimit.MaxRequestsPerMinute > 0 && c.RateLimit.Burst < 1 {
		return errors.New("ratelimit.burst must be >= 1")
	}

	if c.Cache.TTLSec < 0 || c.Cache.MaxItems < 0 {
		return errors.New("cache values must be >= 0")
	}

	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// Interval is the open-market delay between ticks.
func (r Refresh) Interval() time.Duration {
	return time.Duration(r.IntervalSec) * time.Second
}

// WorkingLinger is how long the working indicator outlives a fetch.
func (r Refresh) WorkingLinger() time.Duration {
	return time.Duration(r.WorkingLingerMS) * time.Millisecond
}

// RequestTimeout bounds a single outbound request.
func (s Server) RequestTimeout() time.Duration {
	return time.Duration(s.RequestTimeoutSec) * time.Second
}

// SlogLevel maps log.level onto a slog level, defaulting to info.
func (l Log) SlogLevel() slog.Level {
	lvl, err := parseLevel(l.Level)
	if err != nil {
		return slog.LevelInfo
	}
	return lvl
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("log.level %q is not one of debug, info, warn, error", s)
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if x, ok := envInt("REQUEST_TIMEOUT_SEC"); ok && x > 0 {
		cfg.Server.RequestTimeoutSec = x
	}
	if v := os.Getenv("QUOTE_API_BASE_URL"); v != "" {
		cfg.API.BaseURL = v
	}
	if v := os.Getenv("QUOTE_API_NONCE"); v != "" {
		cfg.API.Nonce = v
	}
	if v := os.Getenv("QUOTE_SYMBOLS"); v != "" {
		cfg.Refresh.Symbols = quote.SplitCSV(v)
	}
	if x, ok := envInt("QUOTE_REFRESH_SEC"); ok && x > 0 {
		cfg.Refresh.IntervalSec = x
	}
	if x, ok := envInt("QUOTE_MAX_ATTEMPTS"); ok && x > 0 {
		cfg.Refresh.MaxAttempts = x
	}
	if b, ok := envBool("QUOTE_MARKET_OPEN"); ok {
		cfg.Refresh.MarketOpen = b
	}
	if v := os.Getenv("QUOTE_FIELDS"); v != "" {
		cfg.Refresh.Fields = quote.SplitCSV(v)
	}
	if v := os.Getenv("QUOTE_PAGE_URL"); v != "" {
		cfg.Refresh.PageURL = v
	}
	if x, ok := envInt("QUOTE_MAX_RPM"); ok && x >= 0 {
		cfg.RateLimit.MaxRequestsPerMinute = x
	}
	if x, ok := envInt("QUOTE_BURST"); ok && x > 0 {
		cfg.RateLimit.Burst = x
	}
	if x, ok := envInt("QUOTE_MIN_INTERVAL_SEC"); ok && x >= 0 {
		cfg.RateLimit.MinRequestIntervalSec = x
	}
	if x, ok := envInt("QUOTE_CACHE_TTL_SEC"); ok && x >= 0 {
		cfg.Cache.TTLSec = x
	}
	if b, ok := envBool("COALESCE_ENABLED"); ok {
		cfg.Coalesce.Enabled = b
	}
	if b, ok := envBool("RELAY_ENABLED"); ok {
		cfg.Relay.Enabled = b
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

func envInt(key string) (int, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, false
	}
	x, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return x, true
}

func envBool(key string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "y":
		return true, true
	case "0", "false", "no", "n":
		return false, true
	}
	return false, false
}
