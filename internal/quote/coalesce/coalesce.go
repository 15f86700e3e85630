package coalesce

import (
	"context"
	"sort"
	"strings"

	"golang.org/x/sync/singleflight"

	"quoterefresh/internal/quote"
)

// Fetcher shares one in-flight upstream call between callers asking for the
// same target set. Each caller still gets its own copy of the snapshot map,
// and each refresh session still spends its own attempt.
//
// Only identical sets merge (order aside). Per-symbol sessions tracking
// different symbols never share a call; the decorator pays off when several
// sessions or tools poll the same list.
//
// The shared call is detached from any single caller's cancellation, so one
// stopped session does not fail the others. A caller whose context ends
// returns ctx.Err() at once while the shared call finishes for the rest.
type Fetcher struct {
	F quote.Fetcher

	sf singleflight.Group
}

func (c *Fetcher) Name() string { return c.F.Name() }

func (c *Fetcher) Fetch(ctx context.Context, targets []string) (quote.Snapshot, error) {
	shared := context.WithoutCancel(ctx)
	ch := c.sf.DoChan(batchKey(targets), func() (any, error) {
		return c.F.Fetch(shared, targets)
	})
	select {
	case <-ctx.Done():
		return quote.Snapshot{}, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return quote.Snapshot{}, r.Err
		}
		return clone(r.Val.(quote.Snapshot)), nil
	}
}

// batchKey is order-insensitive so "AAPL,MSFT" and "MSFT,AAPL" coalesce.
func batchKey(targets []string) string {
	ts := append([]string(nil), targets...)
	sort.Strings(ts)
	return strings.Join(ts, ",")
}

func clone(s quote.Snapshot) quote.Snapshot {
	out := quote.Snapshot{ReceivedAt: s.ReceivedAt}
	if s.MarketOpen != nil {
		open := *s.MarketOpen
		out.MarketOpen = &open
	}
	out.Fields = make(map[quote.FieldKey]string, len(s.Fields))
	for k, v := range s.Fields {
		out.Fields[k] = v
	}
	return out
}
