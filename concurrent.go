package match

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ConcurrentMatcherConfig tunes the scheduler.
type ConcurrentMatcherConfig struct {
	// TickInterval is the pause between matching ticks.
	TickInterval time.Duration

	// RoundTimeout bounds a single market's round. An expired round rolls
	// back like any other failure.
	RoundTimeout time.Duration

	// ConcurrentSymbols lists markets that each get a dedicated worker
	// group. Every other active market shares one residual group. Markets
	// inside a group are always matched sequentially, so orders of one
	// market never race each other.
	ConcurrentSymbols []string
}

// ConcurrentMatcher drives matching rounds for every active market on a
// fixed tick. Groups run in parallel, markets within a group in sequence,
// and a tick completes only when all groups have finished (the next tick
// never overlaps the previous one).
type ConcurrentMatcher struct {
	matcher *Matcher
	repo    *Repository
	books   *OrderBookGenerator
	state   *MatcherState
	metrics *Metrics
	cfg     ConcurrentMatcherConfig
	logger  *zap.Logger

	groups [][]*Market

	isShutdown atomic.Bool
	done       chan struct{}
	wg         sync.WaitGroup
}

// NewConcurrentMatcher wires the scheduler. Books and metrics may be nil.
func NewConcurrentMatcher(matcher *Matcher, repo *Repository, books *OrderBookGenerator,
	state *MatcherState, metrics *Metrics, cfg ConcurrentMatcherConfig, logger *zap.Logger) *ConcurrentMatcher {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.RoundTimeout <= 0 {
		cfg.RoundTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConcurrentMatcher{
		matcher: matcher,
		repo:    repo,
		books:   books,
		state:   state,
		metrics: metrics,
		cfg:     cfg,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// Start loads the active markets, recovers persisted cursors and runs the
// tick loop until Shutdown or context cancellation. It blocks.
func (c *ConcurrentMatcher) Start(ctx context.Context) error {
	if c.isShutdown.Load() {
		return ErrShutdown
	}

	markets, err := c.repo.ActiveMarkets(ctx)
	if err != nil {
		return fmt.Errorf("load active markets: %w", err)
	}
	if len(markets) == 0 {
		return fmt.Errorf("no active markets: %w", ErrMarketNotFound)
	}

	c.groups = partitionMarkets(markets, c.cfg.ConcurrentSymbols)

	if c.state != nil {
		symbols := make([]string, 0, len(markets))
		for _, market := range markets {
			symbols = append(symbols, market.Symbol)
		}
		if err := c.state.Recover(ctx, symbols); err != nil {
			c.logger.Warn("cursor recovery failed, starting from empty cursors", zap.Error(err))
		}
	}

	c.logger.Info("scheduler started",
		zap.Int("markets", len(markets)),
		zap.Int("groups", len(c.groups)),
		zap.Duration("tick", c.cfg.TickInterval))

	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return nil
		case <-ticker.C:
			if c.isShutdown.Load() {
				return nil
			}
			c.tick(ctx)
		}
	}
}

// Shutdown stops the tick loop and waits for in-flight rounds to finish.
func (c *ConcurrentMatcher) Shutdown() {
	if !c.isShutdown.CompareAndSwap(false, true) {
		return
	}
	close(c.done)
	c.wg.Wait()
	c.logger.Info("scheduler stopped")
}

// tick runs one matching pass: one goroutine per group, each group's
// markets strictly in order, then waits for every group.
func (c *ConcurrentMatcher) tick(ctx context.Context) {
	var barrier sync.WaitGroup
	for _, group := range c.groups {
		barrier.Add(1)
		c.wg.Add(1)
		go func(markets []*Market) {
			defer barrier.Done()
			defer c.wg.Done()
			c.runGroup(ctx, markets)
		}(group)
	}
	barrier.Wait()
}

func (c *ConcurrentMatcher) runGroup(ctx context.Context, markets []*Market) {
	for _, market := range markets {
		if c.isShutdown.Load() {
			return
		}
		c.runMarket(ctx, market)
	}

	if c.books == nil {
		return
	}
	for _, market := range markets {
		if err := c.books.Generate(ctx, market); err != nil {
			c.logger.Warn("order book refresh failed",
				zap.String("market", market.Symbol), zap.Error(err))
		}
	}
}

// runMarket executes one round under the round timeout. A panicking round
// is contained here: it is logged and counted as a failure, and since the
// transaction never committed the cursor stays put for the retry.
func (c *ConcurrentMatcher) runMarket(ctx context.Context, market *Market) {
	defer func() {
		if rec := recover(); rec != nil {
			if c.metrics != nil {
				c.metrics.RoundFailures.WithLabelValues(market.Symbol).Inc()
			}
			c.logger.Error("matching round panicked",
				zap.String("market", market.Symbol),
				zap.Any("panic", rec))
		}
	}()

	roundCtx, cancel := context.WithTimeout(ctx, c.cfg.RoundTimeout)
	defer cancel()

	if _, err := c.matcher.DoMatchingRound(roundCtx, market); err != nil {
		// DoMatchingRound already logged and counted the failure.
		return
	}
}

// partitionMarkets builds the worker groups: one group per dedicated
// symbol that is actually active, plus one shared group for the rest.
func partitionMarkets(markets []*Market, dedicated []string) [][]*Market {
	dedicatedSet := make(map[string]bool, len(dedicated))
	for _, symbol := range dedicated {
		dedicatedSet[symbol] = true
	}

	groups := make([][]*Market, 0, len(dedicated)+1)
	var shared []*Market
	for _, market := range markets {
		if dedicatedSet[market.Symbol] {
			groups = append(groups, []*Market{market})
			continue
		}
		shared = append(shared, market)
	}
	if len(shared) > 0 {
		groups = append(groups, shared)
	}
	return groups
}
