package quote

import (
	"context"
	"sort"
	"strings"
	"time"
)

// FieldKey addresses a single displayed value: a tracked target plus one of
// its fields (e.g. AAPL + quote_shareprice).
type FieldKey struct {
	Target string
	Field  string
}

// String renders the composite "{target}:{field}" wire form.
func (k FieldKey) String() string { return k.Target + ":" + k.Field }

// ParseKey splits a composite response key. Both ':' and the older '|'
// separator are accepted. Keys without a separator, or with an empty target
// or field, are rejected.
func ParseKey(s string) (FieldKey, bool) {
	s = strings.TrimSpace(s)
	idx := strings.IndexAny(s, ":|")
	if idx <= 0 || idx == len(s)-1 {
		return FieldKey{}, false
	}
	return FieldKey{Target: s[:idx], Field: s[idx+1:]}, true
}

// Snapshot is one decoded quote response. Values are kept as display strings
// so reconciliation compares exactly what is rendered.
type Snapshot struct {
	Fields map[FieldKey]string
	// MarketOpen is nil when the response carried no market flag.
	MarketOpen *bool
	ReceivedAt time.Time
}

// Keys returns the snapshot keys in a stable order (target, then field).
func (s Snapshot) Keys() []FieldKey {
	keys := make([]FieldKey, 0, len(s.Fields))
	for k := range s.Fields {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Target != keys[j].Target {
			return keys[i].Target < keys[j].Target
		}
		return keys[i].Field < keys[j].Field
	})
	return keys
}

// Fetcher retrieves a combined snapshot for a batch of targets.
type Fetcher interface {
	Name() string
	Fetch(ctx context.Context, targets []string) (Snapshot, error)
}

// FetcherFunc adapts a plain function to Fetcher.
type FetcherFunc func(ctx context.Context, targets []string) (Snapshot, error)

func (f FetcherFunc) Name() string { return "func" }

func (f FetcherFunc) Fetch(ctx context.Context, targets []string) (Snapshot, error) {
	return f(ctx, targets)
}

// SplitCSV splits a comma-separated target list, trimming blanks.
func SplitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
