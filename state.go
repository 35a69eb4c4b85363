package match

import (
	"context"
	"sync"
	"time"
)

// marketCursor is what a completed round leaves behind for the next one:
// the timestamp boundary already consumed and the closing best prices.
// It advances only when a round commits; a failed round retries from the
// last good value on the next tick.
type marketCursor struct {
	LastProcessedAt time.Time  `json:"last_processed_at"`
	LastBestPrices  BestPrices `json:"last_best_prices"`
}

// MatcherState holds the per-market cursors. It is owned by the scheduler
// and handed to the worker matching a market's group; the partitioning
// guarantees no two workers touch the same market concurrently, the mutex
// only guards against scheduler reads (lag metrics) racing a worker.
type MatcherState struct {
	mu      sync.RWMutex
	cursors map[string]marketCursor
	cache   MarketCache
	ttl     time.Duration
}

// NewMatcherState creates an empty state. The cache is optional; with one
// set, cursors survive process restarts.
func NewMatcherState(cache MarketCache) *MatcherState {
	return &MatcherState{
		cursors: make(map[string]marketCursor),
		cache:   cache,
		ttl:     24 * time.Hour,
	}
}

// Cursor returns the market's cursor and whether one exists yet.
func (s *MatcherState) Cursor(symbol string) (marketCursor, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cursor, ok := s.cursors[symbol]
	return cursor, ok
}

// Advance records a committed round's boundary and closing best prices,
// and persists the cursor for crash recovery. Persistence failures are not
// round failures: the in-memory cursor is authoritative while the process
// lives.
func (s *MatcherState) Advance(ctx context.Context, symbol string, processedAt time.Time, best BestPrices) error {
	s.mu.Lock()
	cursor := marketCursor{LastProcessedAt: processedAt, LastBestPrices: best}
	s.cursors[symbol] = cursor
	s.mu.Unlock()

	if s.cache == nil {
		return nil
	}
	return s.cache.SetJSON(ctx, matcherStateKey(symbol), cursor, s.ttl)
}

// Recover loads persisted cursors for the given symbols after a restart.
// Missing entries are fine: the market starts from an empty cursor and the
// active-status filter keeps the replay safe.
func (s *MatcherState) Recover(ctx context.Context, symbols []string) error {
	if s.cache == nil {
		return nil
	}

	for _, symbol := range symbols {
		var cursor marketCursor
		found, err := s.cache.GetJSON(ctx, matcherStateKey(symbol), &cursor)
		if err != nil {
			return err
		}
		if !found {
			continue
		}
		s.mu.Lock()
		s.cursors[symbol] = cursor
		s.mu.Unlock()
	}
	return nil
}

// Lag returns the age of a market's cursor, zero when no round has
// completed yet.
func (s *MatcherState) Lag(symbol string, now time.Time) time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cursor, ok := s.cursors[symbol]
	if !ok || cursor.LastProcessedAt.IsZero() {
		return 0
	}
	return now.Sub(cursor.LastProcessedAt)
}
