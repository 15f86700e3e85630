package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"quoterefresh/internal/config"
	"quoterefresh/internal/page"
	"quoterefresh/internal/quote"
	"quoterefresh/internal/quote/cache"
	"quoterefresh/internal/quote/coalesce"
	"quoterefresh/internal/quote/ratelimit"
	"quoterefresh/internal/refresher"
)

// buildFetcher wraps f with the configured decorators. Rate limiting sits
// closest to the API; coalescing is outermost so merged calls spend one token.
func buildFetcher(cfg config.Config, f quote.Fetcher) quote.Fetcher {
	// Prefer token bucket with burst if RPM is set, otherwise use min-interval
	if cfg.RateLimit.MaxRequestsPerMinute > 0 {
		f = &ratelimit.TokenBucketFetcher{F: f, TB: ratelimit.PerMinute(cfg.RateLimit.MaxRequestsPerMinute, cfg.RateLimit.Burst)}
	} else if cfg.RateLimit.MinRequestIntervalSec > 0 {
		f = &ratelimit.MinInterval{F: f, Interval: time.Duration(cfg.RateLimit.MinRequestIntervalSec) * time.Second}
	}
	if cfg.Cache.TTLSec > 0 {
		f = &cache.Fetcher{F: f, TTL: time.Duration(cfg.Cache.TTLSec) * time.Second, MaxItems: cfg.Cache.MaxItems}
	}
	if cfg.Coalesce.Enabled {
		f = &coalesce.Fetcher{F: f}
	}
	return f
}

// bootstrap resolves the initial session parameters, from the quote page when
// one is configured and from config otherwise. A non-zero interval is the
// page's own refresh period.
func bootstrap(ctx context.Context, cfg config.Config, client page.HTTPClient) (refresher.Params, time.Duration, error) {
	if cfg.Refresh.PageURL == "" {
		return refresher.Params{
			Targets:    cfg.Refresh.Symbols,
			MarketOpen: cfg.Refresh.MarketOpen,
		}, 0, nil
	}
	p, err := page.Fetch(ctx, client, cfg.Refresh.PageURL, cfg.Refresh.Fields)
	if err != nil {
		return refresher.Params{}, 0, err
	}
	targets := p.Targets
	if len(cfg.Refresh.Symbols) > 0 {
		targets = cfg.Refresh.Symbols
	}
	return refresher.Params{
		Targets:    targets,
		MarketOpen: p.MarketOpen,
		Displayed:  p.Displayed,
	}, p.Interval, nil
}

func sessionConfig(cfg config.Config, pageInterval time.Duration) refresher.Config {
	interval := cfg.Refresh.Interval()
	if pageInterval > 0 {
		interval = pageInterval
	}
	return refresher.Config{
		Interval:         interval,
		ClosedMultiplier: cfg.Refresh.ClosedMultiplier,
		MaxAttempts:      cfg.Refresh.MaxAttempts,
		WorkingLinger:    cfg.Refresh.WorkingLinger(),
		Fields:           cfg.Refresh.Fields,
	}
}

// newSessions builds one session for all targets, or one per target when
// perSymbol is set. Per-symbol sessions poll independently and each has its
// own attempt budget.
func newSessions(rcfg refresher.Config, f quote.Fetcher, p refresher.Params, perSymbol bool, opts ...refresher.Option) ([]*refresher.Session, error) {
	if !perSymbol {
		s, err := refresher.New(rcfg, f, p, opts...)
		if err != nil {
			return nil, err
		}
		return []*refresher.Session{s}, nil
	}

	out := make([]*refresher.Session, 0, len(p.Targets))
	for _, t := range p.Targets {
		displayed := map[quote.FieldKey]string{}
		for k, v := range p.Displayed {
			if k.Target == t {
				displayed[k] = v
			}
		}
		s, err := refresher.New(rcfg, f, refresher.Params{
			Targets:    []string{t},
			MarketOpen: p.MarketOpen,
			Displayed:  displayed,
		}, opts...)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", t, err)
		}
		out = append(out, s)
	}
	return out, nil
}

func toggleAll(sessions []*refresher.Session, logger *slog.Logger) {
	for _, s := range sessions {
		state, err := s.Toggle()
		if err != nil {
			logger.Warn("toggle failed", "session", s.ID(), "err", err)
			continue
		}
		logger.Info("session toggled", "session", s.ID(), "state", state.String())
	}
}
