package ratelimit

import (
	"context"
	"sync"
	"time"

	"quoterefresh/internal/quote"
)

// MinInterval spaces the start of upstream calls at least Interval apart.
// Each caller reserves the next free slot under the lock and then waits for
// it, so concurrent callers are serialized rather than released together. A
// caller whose context ends while waiting gives up its slot only if no later
// caller has reserved one after it.
type MinInterval struct {
	F        quote.Fetcher
	Interval time.Duration

	mu   sync.Mutex
	next time.Time // earliest start of the next call
}

func (m *MinInterval) Name() string { return m.F.Name() }

func (m *MinInterval) Fetch(ctx context.Context, targets []string) (quote.Snapshot, error) {
	if m.Interval <= 0 {
		return m.F.Fetch(ctx, targets)
	}

	m.mu.Lock()
	slot := time.Now()
	if slot.Before(m.next) {
		slot = m.next
	}
	prev := m.next
	m.next = slot.Add(m.Interval)
	m.mu.Unlock()

	if wait := time.Until(slot); wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		select {
		case <-ctx.Done():
			m.mu.Lock()
			if m.next.Equal(slot.Add(m.Interval)) {
				m.next = prev
			}
			m.mu.Unlock()
			return quote.Snapshot{}, ctx.Err()
		case <-t.C:
		}
	}
	return m.F.Fetch(ctx, targets)
}
