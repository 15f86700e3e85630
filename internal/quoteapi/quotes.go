package quoteapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"quoterefresh/internal/quote"
)

const marketOpenKey = "is_market_open"

// Fetch requests one batched snapshot for all targets:
//
//	GET /api/v1/quotes?symbols=AAPL,MSFT
//
// Keys that are absent from the response simply produce no update.
func (c *Client) Fetch(ctx context.Context, targets []string) (quote.Snapshot, error) {
	if len(targets) == 0 {
		return quote.Snapshot{}, errors.New("quoteapi: no targets")
	}
	env, err := c.call(ctx, http.MethodGet, "quotes", url.Values{"symbols": {strings.Join(targets, ",")}}, http.NoBody, nil)
	if err != nil {
		return quote.Snapshot{}, err
	}
	return c.decodeSnapshot(env.Data), nil
}

func (c *Client) decodeSnapshot(data map[string]any) quote.Snapshot {
	snap := quote.Snapshot{
		Fields:     make(map[quote.FieldKey]string, len(data)),
		ReceivedAt: time.Now().UTC(),
	}
	for k, raw := range data {
		if k == marketOpenKey {
			if open, ok := parseFlag(raw); ok {
				snap.MarketOpen = &open
			}
			continue
		}
		key, ok := quote.ParseKey(k)
		if !ok {
			c.logger.Debug("skipping unrecognized quote key", "key", k)
			continue
		}
		v, ok := displayString(raw)
		if !ok {
			continue
		}
		snap.Fields[key] = v
	}
	return snap
}

// parseFlag accepts a JSON bool or the "true"/"false" strings the site
// actually sends for is_market_open.
func parseFlag(v any) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(t))
		if err != nil {
			return false, false
		}
		return b, true
	}
	return false, false
}

// displayString normalizes a scalar payload value to the string that would
// be rendered. Nulls, objects and arrays are treated as absent.
func displayString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case json.Number:
		return t.String(), true
	case bool:
		return strconv.FormatBool(t), true
	}
	return "", false
}
