package match

import (
	"context"
	"time"

	"github.com/igrmk/treemap/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// OrderBookSnapshot is the cached view of one market's book: best prices
// and aggregated depth. It is advisory data for round price bands and for
// public book feeds, never a matching input beyond the soft clamp.
type OrderBookSnapshot struct {
	Symbol      string              `json:"symbol"`
	BestBuy     decimal.NullDecimal `json:"best_buy"`
	BestSell    decimal.NullDecimal `json:"best_sell"`
	Bids        []DepthItem         `json:"bids"`
	Asks        []DepthItem         `json:"asks"`
	GeneratedAt time.Time           `json:"generated_at"`
}

// OrderBookGenerator rebuilds market book snapshots from the database and
// publishes them to the cache.
type OrderBookGenerator struct {
	repo       *Repository
	cache      MarketCache
	depthLimit int
	ttl        time.Duration
	logger     *zap.Logger
}

// NewOrderBookGenerator wires a generator. depthLimit bounds the number of
// price levels per side in the cached snapshot; zero means 50.
func NewOrderBookGenerator(repo *Repository, cache MarketCache, depthLimit int, logger *zap.Logger) *OrderBookGenerator {
	if depthLimit <= 0 {
		depthLimit = 50
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OrderBookGenerator{
		repo:       repo,
		cache:      cache,
		depthLimit: depthLimit,
		ttl:        time.Hour,
		logger:     logger,
	}
}

// Generate rebuilds and caches one market's snapshot.
func (g *OrderBookGenerator) Generate(ctx context.Context, market *Market) error {
	snapshot, err := g.Snapshot(ctx, market)
	if err != nil {
		return err
	}
	if g.cache == nil {
		return nil
	}

	if snapshot.BestBuy.Valid {
		err = g.cache.SetDecimal(ctx, bestActiveBuyKey(market.Symbol), snapshot.BestBuy.Decimal, g.ttl)
	} else {
		err = g.cache.Delete(ctx, bestActiveBuyKey(market.Symbol))
	}
	if err != nil {
		return err
	}

	if snapshot.BestSell.Valid {
		err = g.cache.SetDecimal(ctx, bestActiveSellKey(market.Symbol), snapshot.BestSell.Decimal, g.ttl)
	} else {
		err = g.cache.Delete(ctx, bestActiveSellKey(market.Symbol))
	}
	if err != nil {
		return err
	}

	return g.cache.SetJSON(ctx, depthKey(market.Symbol), snapshot, g.ttl)
}

// Snapshot builds a market's book view without touching the cache.
func (g *OrderBookGenerator) Snapshot(ctx context.Context, market *Market) (*OrderBookSnapshot, error) {
	asOf := time.Now().UTC()
	tx := g.repo.DB().WithContext(ctx)

	sells, err := g.repo.ActiveOrders(tx, market, SideSell, asOf, decimal.NullDecimal{})
	if err != nil {
		return nil, err
	}
	buys, err := g.repo.ActiveOrders(tx, market, SideBuy, asOf, decimal.NullDecimal{})
	if err != nil {
		return nil, err
	}

	snapshot := &OrderBookSnapshot{
		Symbol:      market.Symbol,
		Asks:        aggregateDepth(sells, g.depthLimit, false),
		Bids:        aggregateDepth(buys, g.depthLimit, true),
		GeneratedAt: asOf,
	}
	if len(snapshot.Bids) > 0 {
		snapshot.BestBuy = decimal.NewNullDecimal(snapshot.Bids[0].Price)
	}
	if len(snapshot.Asks) > 0 {
		snapshot.BestSell = decimal.NewNullDecimal(snapshot.Asks[0].Price)
	}
	return snapshot, nil
}

// aggregateDepth sums unmatched amounts per price level. Market orders have
// no price and never rest, so only limit orders contribute. Bids come out
// highest-first, asks lowest-first.
func aggregateDepth(orders []*Order, limit int, descending bool) []DepthItem {
	levels := treemap.NewWithKeyCompare[decimal.Decimal, decimal.Decimal](
		func(a, b decimal.Decimal) bool { return a.LessThan(b) })

	for _, order := range orders {
		if !order.Price.Valid {
			continue
		}
		unmatched := order.UnmatchedAmount()
		if !unmatched.IsPositive() {
			continue
		}
		size, ok := levels.Get(order.Price.Decimal)
		if !ok {
			size = decimal.Zero
		}
		levels.Set(order.Price.Decimal, size.Add(unmatched))
	}

	result := make([]DepthItem, 0, limit)
	if descending {
		for it := levels.Reverse(); it.Valid() && len(result) < limit; it.Next() {
			result = append(result, DepthItem{Price: it.Key(), Size: it.Value()})
		}
	} else {
		for it := levels.Iterator(); it.Valid() && len(result) < limit; it.Next() {
			result = append(result, DepthItem{Price: it.Key(), Size: it.Value()})
		}
	}
	return result
}

// Run regenerates every active market's snapshot on a fixed cadence until
// the context ends. The scheduler also refreshes snapshots after each
// group's rounds; this loop covers markets with no matching activity.
func (g *OrderBookGenerator) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			markets, err := g.repo.ActiveMarkets(ctx)
			if err != nil {
				g.logger.Warn("active markets load failed", zap.Error(err))
				continue
			}
			for _, market := range markets {
				if err := g.Generate(ctx, market); err != nil {
					g.logger.Warn("order book generation failed",
						zap.String("market", market.Symbol), zap.Error(err))
				}
			}
		}
	}
}
