package cache

import (
	"context"
	"sync"
	"time"

	"quoterefresh/internal/quote"
)

// entry stores the cached fields of a single target with expiry.
type entry struct {
	expiresAt time.Time
	fields    map[string]string
}

// Fetcher caches snapshot fields per target for a TTL.
// It requests only the missing targets from the underlying fetcher and
// combines cached and fresh fields. Unlike a plain read-through cache, a
// failed upstream fetch is returned as-is so callers still see the failure.
type Fetcher struct {
	F        quote.Fetcher
	TTL      time.Duration
	MaxItems int

	mu     sync.RWMutex
	items  map[string]entry // key: target
	market *bool
	now    func() time.Time
}

func (c *Fetcher) Name() string { return c.F.Name() }

func (c *Fetcher) clock() time.Time {
	if c.now != nil {
		return c.now()
	}
	return time.Now()
}

// Fetch returns a snapshot for targets using cached fields when valid.
func (c *Fetcher) Fetch(ctx context.Context, targets []string) (quote.Snapshot, error) {
	if c.TTL <= 0 {
		return c.F.Fetch(ctx, targets)
	}

	now := c.clock()
	out := quote.Snapshot{Fields: map[quote.FieldKey]string{}, ReceivedAt: now.UTC()}

	// Split into cached and missing targets, preserving request order.
	var missing []string
	seen := make(map[string]struct{}, len(targets))
	c.mu.RLock()
	for _, t := range targets {
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		if e, ok := c.items[t]; ok && now.Before(e.expiresAt) {
			for f, v := range e.fields {
				out.Fields[quote.FieldKey{Target: t, Field: f}] = v
			}
			continue
		}
		missing = append(missing, t)
	}
	if c.market != nil {
		open := *c.market
		out.MarketOpen = &open
	}
	c.mu.RUnlock()

	if len(missing) == 0 {
		return out, nil
	}

	fresh, err := c.F.Fetch(ctx, missing)
	if err != nil {
		return quote.Snapshot{}, err
	}

	byTarget := make(map[string]map[string]string, len(missing))
	for _, t := range missing {
		byTarget[t] = map[string]string{}
	}
	for k, v := range fresh.Fields {
		out.Fields[k] = v
		if m, ok := byTarget[k.Target]; ok {
			m[k.Field] = v
		}
	}
	if fresh.MarketOpen != nil {
		open := *fresh.MarketOpen
		out.MarketOpen = &open
	}
	if !fresh.ReceivedAt.IsZero() {
		out.ReceivedAt = fresh.ReceivedAt
	}

	expiry := now.Add(c.TTL)
	c.mu.Lock()
	if c.items == nil {
		c.items = make(map[string]entry, len(byTarget))
	}
	for t, fields := range byTarget {
		c.items[t] = entry{expiresAt: expiry, fields: fields}
	}
	if fresh.MarketOpen != nil {
		open := *fresh.MarketOpen
		c.market = &open
	}
	c.evictLocked(now)
	c.mu.Unlock()

	return out, nil
}

// evictLocked caps the cache size: expired entries first, then arbitrary.
func (c *Fetcher) evictLocked(now time.Time) {
	if c.MaxItems <= 0 || len(c.items) <= c.MaxItems {
		return
	}
	for k, v := range c.items {
		if !now.Before(v.expiresAt) {
			delete(c.items, k)
		}
	}
	for k := range c.items {
		if len(c.items) <= c.MaxItems {
			break
		}
		delete(c.items, k)
	}
}

// Len reports the number of cached targets.
func (c *Fetcher) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}
