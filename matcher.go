package match

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/xid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// MakerPolicy selects which leg of a crossing pair is the maker when both
// are limit orders. The maker's price becomes the execution price and the
// maker side pays the maker fee.
type MakerPolicy string

const (
	// MakerOlderOrder treats the order resting longer (earlier created_at,
	// lower id on a tie) as the maker. This is the default.
	MakerOlderOrder MakerPolicy = "older_order"
)

// MatcherConfig tunes a Matcher.
type MatcherConfig struct {
	// PriceGuard widens the executable band around the cached best prices:
	// low = best_sell*(1-guard), high = best_buy*(1+guard). Zero disables
	// the clamp.
	PriceGuard decimal.Decimal

	MakerPolicy   MakerPolicy
	FeeSinkUserID int64
}

// Matcher runs the single-market matching algorithm: one round finds every
// crossable (buy, sell) pair among active orders under price-time priority
// and executes the fills as one atomic unit.
type Matcher struct {
	repo      *Repository
	wallets   *WalletStore
	cache     MarketCache
	state     *MatcherState
	publisher FillPublisher
	metrics   *Metrics
	cfg       MatcherConfig
	logger    *zap.Logger
}

// NewMatcher wires a Matcher. Publisher and metrics may be nil.
func NewMatcher(repo *Repository, wallets *WalletStore, cache MarketCache, state *MatcherState,
	publisher FillPublisher, metrics *Metrics, cfg MatcherConfig, logger *zap.Logger) *Matcher {
	if publisher == nil {
		publisher = NewDiscardFillPublisher()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MakerPolicy == "" {
		cfg.MakerPolicy = MakerOlderOrder
	}
	return &Matcher{
		repo:      repo,
		wallets:   wallets,
		cache:     cache,
		state:     state,
		publisher: publisher,
		metrics:   metrics,
		cfg:       cfg,
		logger:    logger,
	}
}

// RoundResult reports what a committed round did.
type RoundResult struct {
	RoundID     string
	Market      string
	Fills       []*OrderMatching
	ProcessedAt time.Time
	ClosingBest BestPrices
}

// priceBand is the executable price window of one round. Invalid bounds are
// open: with no cached snapshot the round runs unclamped.
type priceBand struct {
	low  decimal.NullDecimal
	high decimal.NullDecimal
}

func (b priceBand) contains(price decimal.Decimal) bool {
	if b.low.Valid && price.LessThan(b.low.Decimal) {
		return false
	}
	if b.high.Valid && price.GreaterThan(b.high.Decimal) {
		return false
	}
	return true
}

// DoMatchingRound executes one matching round for the market. Stop
// activation, fills, wallet movements and OCO cancels all happen in a
// single database transaction; on any error the transaction rolls back and
// the market's cursor stays put, so the next tick retries from the last
// good state. Already-done orders are excluded by the active filter, which
// makes the retry idempotent at the order level.
func (m *Matcher) DoMatchingRound(ctx context.Context, market *Market) (*RoundResult, error) {
	start := time.Now()
	asOf := start.UTC()

	r := &round{
		matcher: m,
		market:  market,
		id:      xid.New().String(),
		asOf:    asOf,
		band:    m.priceBandFor(ctx, market),
		buyQ:    newBuyerQueue(),
		sellQ:   newSellerQueue(),
	}

	err := m.repo.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		r.tx = tx
		return r.run()
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %v", ErrRoundTimeout, err)
		}
		if m.metrics != nil {
			m.metrics.RoundFailures.WithLabelValues(market.Symbol).Inc()
		}
		m.logger.Error("matching round rolled back",
			zap.String("market", market.Symbol),
			zap.String("round_id", r.id),
			zap.Error(err))
		return nil, fmt.Errorf("matching round %s for %s: %w", r.id, market.Symbol, err)
	}

	result := &RoundResult{
		RoundID:     r.id,
		Market:      market.Symbol,
		Fills:       r.fills,
		ProcessedAt: r.consumedThrough(),
		ClosingBest: r.closingBest(),
	}

	// Post-round bookkeeping runs only after a clean commit; advancing the
	// cursor for a failed round would silently skip fills.
	if m.state != nil {
		if err := m.state.Advance(ctx, market.Symbol, result.ProcessedAt, result.ClosingBest); err != nil {
			m.logger.Warn("cursor persistence failed",
				zap.String("market", market.Symbol), zap.Error(err))
		}
	}

	if len(result.Fills) > 0 {
		m.publisher.PublishFills(result.Fills...)
	}

	if m.metrics != nil {
		m.metrics.Matches.WithLabelValues(market.Symbol).Add(float64(len(result.Fills)))
		m.metrics.RoundDuration.Observe(time.Since(start).Seconds())
		m.metrics.ProcessedLag.WithLabelValues(market.Symbol).
			Set(time.Since(result.ProcessedAt).Seconds())
	}

	m.logger.Debug("matching round committed",
		zap.String("market", market.Symbol),
		zap.String("round_id", r.id),
		zap.Int("fills", len(result.Fills)))

	return result, nil
}

// priceBandFor derives the round's executable band from the cached order
// book snapshot, falling back to the cursor's closing best from the last
// committed round when the cache is cold. The band is a soft bound against
// shadow trades, never a price source: no reference at all leaves it open.
func (m *Matcher) priceBandFor(ctx context.Context, market *Market) priceBand {
	var band priceBand
	if m.cfg.PriceGuard.IsZero() {
		return band
	}

	best := m.cachedBest(ctx, market)
	if m.state != nil && (!best.BestSell.Valid || !best.BestBuy.Valid) {
		if cursor, ok := m.state.Cursor(market.Symbol); ok {
			if !best.BestSell.Valid {
				best.BestSell = cursor.LastBestPrices.BestSell
			}
			if !best.BestBuy.Valid {
				best.BestBuy = cursor.LastBestPrices.BestBuy
			}
		}
	}

	one := decimal.New(1, 0)
	if best.BestSell.Valid {
		band.low = decimal.NewNullDecimal(best.BestSell.Decimal.Mul(one.Sub(m.cfg.PriceGuard)))
	}
	if best.BestBuy.Valid {
		band.high = decimal.NewNullDecimal(best.BestBuy.Decimal.Mul(one.Add(m.cfg.PriceGuard)))
	}
	return band
}

func (m *Matcher) cachedBest(ctx context.Context, market *Market) BestPrices {
	var best BestPrices
	if m.cache == nil {
		return best
	}

	bestSell, ok, err := m.cache.GetDecimal(ctx, bestActiveSellKey(market.Symbol))
	if err != nil {
		m.logger.Warn("best sell read failed", zap.String("market", market.Symbol), zap.Error(err))
	} else if ok {
		best.BestSell = decimal.NewNullDecimal(bestSell)
	}

	bestBuy, ok, err := m.cache.GetDecimal(ctx, bestActiveBuyKey(market.Symbol))
	if err != nil {
		m.logger.Warn("best buy read failed", zap.String("market", market.Symbol), zap.Error(err))
	} else if ok {
		best.BestBuy = decimal.NewNullDecimal(bestBuy)
	}
	return best
}

// round is the in-flight state of one matching round for one market.
type round struct {
	matcher *Matcher
	tx      *gorm.DB
	market  *Market
	id      string
	asOf    time.Time
	band    priceBand

	buyQ  *queue
	sellQ *queue

	fills       []*OrderMatching
	maxConsumed time.Time
}

func (r *round) run() error {
	if err := r.activateStopOrders(); err != nil {
		return err
	}
	if err := r.loadCandidates(); err != nil {
		return err
	}
	if err := r.cross(); err != nil {
		return err
	}
	return r.cancelRestingMarketOrders()
}

// activateStopOrders promotes triggered stop orders into live limit/market
// orders before candidates are loaded, so they join this round's book.
func (r *round) activateStopOrders() error {
	stops, err := r.matcher.repo.PendingStopOrders(r.tx, r.market, r.asOf)
	if err != nil {
		return err
	}
	if len(stops) == 0 {
		return nil
	}

	refPrice, ok, err := r.referencePrice()
	if err != nil {
		return err
	}
	if !ok {
		// No reference price yet: triggers stay pending.
		return nil
	}

	for _, order := range stops {
		if !order.StopPrice.Valid {
			continue
		}
		triggered := (order.Side == SideBuy && refPrice.GreaterThanOrEqual(order.StopPrice.Decimal)) ||
			(order.Side == SideSell && refPrice.LessThanOrEqual(order.StopPrice.Decimal))
		if !triggered {
			continue
		}

		if order.Execution == ExecutionStopLimit {
			order.Execution = ExecutionLimit
		} else {
			order.Execution = ExecutionMarket
			order.Price = decimal.NullDecimal{}
		}
		order.Status = StatusActive
		if err := r.matcher.repo.SaveOrderMatchState(r.tx, order); err != nil {
			return err
		}
		r.consume(order)

		r.matcher.logger.Info("stop order triggered",
			zap.String("market", r.market.Symbol),
			zap.Int64("order_id", order.ID),
			zap.String("reference_price", refPrice.String()))

		// Activating one leg of an OCO pair retires the other.
		if err := r.cancelSibling(order); err != nil {
			return err
		}
	}
	return nil
}

// referencePrice is the stop-trigger price: the market's last trade,
// falling back to the cached best buy, then best sell.
func (r *round) referencePrice() (decimal.Decimal, bool, error) {
	price, ok, err := r.matcher.repo.LastTradePrice(r.tx, r.market)
	if err != nil || ok {
		return price, ok, err
	}

	if r.matcher.cache == nil {
		return decimal.Zero, false, nil
	}
	for _, key := range []string{bestActiveBuyKey(r.market.Symbol), bestActiveSellKey(r.market.Symbol)} {
		cached, found, err := r.matcher.cache.GetDecimal(r.tx.Statement.Context, key)
		if err != nil {
			return decimal.Zero, false, nil
		}
		if found {
			return cached, true, nil
		}
	}
	return decimal.Zero, false, nil
}

func (r *round) loadCandidates() error {
	sells, err := r.matcher.repo.ActiveOrders(r.tx, r.market, SideSell, r.asOf, r.band.high)
	if err != nil {
		return err
	}
	buys, err := r.matcher.repo.ActiveOrders(r.tx, r.market, SideBuy, r.asOf, r.band.low)
	if err != nil {
		return err
	}

	for _, order := range sells {
		r.sellQ.insertOrder(order)
		r.consume(order)
	}
	for _, order := range buys {
		r.buyQ.insertOrder(order)
		r.consume(order)
	}
	return nil
}

// cross runs the greedy crossing loop: repeatedly take the best remaining
// sell and buy, fill min(unmatched) at the maker's price, stop when the
// heads no longer cross or one side is exhausted.
func (r *round) cross() error {
	for {
		sell := r.sellQ.peekHead()
		buy := r.buyQ.peekHead()
		if sell == nil || buy == nil {
			return nil
		}

		// Two market orders cannot price each other; the older one gets
		// first claim on the opposite side's resting limit orders.
		if sell.IsMarketExecution() && buy.IsMarketExecution() {
			if sell.isBefore(buy) {
				buy = r.buyQ.peekHeadLimit()
				if buy == nil {
					if err := r.cancelResidual(sell); err != nil {
						return err
					}
					continue
				}
			} else {
				sell = r.sellQ.peekHeadLimit()
				if sell == nil {
					if err := r.cancelResidual(buy); err != nil {
						return err
					}
					continue
				}
			}
		}

		price, sellerMaker, crosses := r.matchTerms(sell, buy)
		if !crosses {
			// Best pair no longer crosses; price ordering means no later
			// pair can either.
			return nil
		}

		if !r.band.contains(price) {
			// The maker's price falls outside what the book snapshot deems
			// realistic. Exclude the maker from this round; it stays active
			// and rejoins once the snapshot catches up.
			maker := sell
			if !sellerMaker {
				maker = buy
			}
			r.queueFor(maker.Side).removeOrder(maker)
			r.matcher.logger.Warn("maker price outside round band, order skipped",
				zap.String("market", r.market.Symbol),
				zap.Int64("order_id", maker.ID),
				zap.String("price", price.String()))
			continue
		}

		fillAmount := decimal.Min(sell.UnmatchedAmount(), buy.UnmatchedAmount())
		if !fillAmount.IsPositive() {
			// Rounding produced nothing to move; drop the exhausted leg
			// rather than writing a dust fill.
			if !sell.UnmatchedAmount().IsPositive() {
				r.sellQ.removeOrder(sell)
			}
			if !buy.UnmatchedAmount().IsPositive() {
				r.buyQ.removeOrder(buy)
			}
			continue
		}

		if err := r.applyFill(sell, buy, fillAmount, price, sellerMaker); err != nil {
			return err
		}

		r.afterFill(sell, fillAmount)
		r.afterFill(buy, fillAmount)
	}
}

// matchTerms decides whether the pair crosses, at what price, and which
// side is the maker.
func (r *round) matchTerms(sell, buy *Order) (price decimal.Decimal, sellerMaker bool, crosses bool) {
	switch {
	case sell.IsMarketExecution():
		// Market sell takes the resting buy's price.
		return buy.Price.Decimal, false, true
	case buy.IsMarketExecution():
		return sell.Price.Decimal, true, true
	default:
		if sell.Price.Decimal.GreaterThan(buy.Price.Decimal) {
			return decimal.Zero, false, false
		}
		sellerMaker = r.sellerIsMaker(sell, buy)
		if sellerMaker {
			return sell.Price.Decimal, true, true
		}
		return buy.Price.Decimal, false, true
	}
}

// sellerIsMaker resolves the configured MakerPolicy. MakerOlderOrder is
// the only policy today.
func (r *round) sellerIsMaker(sell, buy *Order) bool {
	if r.matcher.cfg.MakerPolicy != MakerOlderOrder {
		r.matcher.logger.Warn("unknown maker policy, using older order",
			zap.String("policy", string(r.matcher.cfg.MakerPolicy)))
	}
	return sell.isBefore(buy)
}

func (r *round) queueFor(side OrderSide) *queue {
	if side == SideSell {
		return r.sellQ
	}
	return r.buyQ
}

// afterFill keeps the queue consistent with the order's new state: the
// level's aggregate size drops by the fill first (the order's matched
// state is already advanced, so removal alone would subtract zero), then
// done orders leave while partials stay at the head of their level.
func (r *round) afterFill(order *Order, filled decimal.Decimal) {
	q := r.queueFor(order.Side)
	q.reduceLevelSize(order, filled)
	if order.Status == StatusDone || order.Status == StatusCanceled {
		q.removeOrder(order)
	}
}

// cancelRestingMarketOrders closes out market orders the loop could not
// fully fill: they are canceled for the residual, never left on the book.
func (r *round) cancelRestingMarketOrders() error {
	for _, q := range []*queue{r.sellQ, r.buyQ} {
		for {
			head := q.peekHead()
			if head == nil || !head.IsMarketExecution() {
				break
			}
			if err := r.cancelResidual(head); err != nil {
				return err
			}
		}
	}
	return nil
}

// consumedThrough is the cursor value for a committed round: the latest
// created_at this round considered, or the round time when it saw nothing.
func (r *round) consumedThrough() time.Time {
	if r.maxConsumed.IsZero() {
		return r.asOf
	}
	return r.maxConsumed
}

func (r *round) consume(order *Order) {
	if order.CreatedAt.After(r.maxConsumed) {
		r.maxConsumed = order.CreatedAt
	}
}

func (r *round) closingBest() BestPrices {
	var best BestPrices
	if price, ok := r.buyQ.bestPrice(); ok {
		best.BestBuy = decimal.NewNullDecimal(price)
	}
	if price, ok := r.sellQ.bestPrice(); ok {
		best.BestSell = decimal.NewNullDecimal(price)
	}
	return best
}
