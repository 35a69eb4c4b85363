package match

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Repository is the persistence layer for markets, orders and fills. Round
// mutations go through the *gorm.DB handle of the enclosing transaction so
// that a failed round leaves nothing behind.
type Repository struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewRepository creates a Repository on the given database handle.
func NewRepository(db *gorm.DB, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{db: db, logger: logger}
}

// DB exposes the underlying handle for transaction scoping.
func (r *Repository) DB() *gorm.DB { return r.db }

// AutoMigrate creates or updates the schema for all matcher-owned tables.
func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(
		&Market{},
		&Order{},
		&OrderMatching{},
		&Wallet{},
		&WalletTransaction{},
	)
}

// ActiveMarkets returns every market the scheduler should match.
func (r *Repository) ActiveMarkets(ctx context.Context) ([]*Market, error) {
	var markets []*Market
	if err := r.db.WithContext(ctx).Where("is_active = ?", true).
		Order("symbol").Find(&markets).Error; err != nil {
		return nil, fmt.Errorf("load active markets: %w", err)
	}
	return markets, nil
}

// MarketBySymbol returns one market or ErrMarketNotFound.
func (r *Repository) MarketBySymbol(ctx context.Context, symbol string) (*Market, error) {
	var market Market
	err := r.db.WithContext(ctx).Where("symbol = ?", symbol).First(&market).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrMarketNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load market %s: %w", symbol, err)
	}
	return &market, nil
}

// CreateMarket inserts a market row.
func (r *Repository) CreateMarket(ctx context.Context, market *Market) error {
	if err := r.db.WithContext(ctx).Create(market).Error; err != nil {
		return fmt.Errorf("create market %s: %w", market.Symbol, err)
	}
	return nil
}

// CreateOrder inserts a new order. Used by the intake boundary; the matcher
// itself never creates orders.
func (r *Repository) CreateOrder(ctx context.Context, order *Order) error {
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}
	if err := r.db.WithContext(ctx).Create(order).Error; err != nil {
		return fmt.Errorf("create order: %w", err)
	}
	return nil
}

// GetOrder loads one order by id.
func (r *Repository) GetOrder(tx *gorm.DB, id int64) (*Order, error) {
	var order Order
	if err := tx.First(&order, id).Error; err != nil {
		return nil, fmt.Errorf("load order %d: %w", id, err)
	}
	return &order, nil
}

// ActiveOrders loads the matching candidates for one side of a market:
// active, created at or before the round time, and priced inside or better
// than the round's band bound (market orders always qualify). Rows come out
// in creation order; price priority is restored by the queues.
func (r *Repository) ActiveOrders(tx *gorm.DB, market *Market, side OrderSide, asOf time.Time, bound decimal.NullDecimal) ([]*Order, error) {
	q := tx.Where(
		"src_currency = ? AND dst_currency = ? AND side = ? AND status = ? AND created_at <= ?",
		market.SrcCurrency, market.DstCurrency, side, StatusActive, asOf,
	)

	if bound.Valid {
		if side == SideSell {
			q = q.Where("price IS NULL OR price <= ?", bound.Decimal)
		} else {
			q = q.Where("price IS NULL OR price >= ?", bound.Decimal)
		}
	}

	var orders []*Order
	if err := q.Order("created_at ASC, id ASC").Find(&orders).Error; err != nil {
		return nil, fmt.Errorf("load %s candidates for %s: %w", side, market.Symbol, err)
	}
	return orders, nil
}

// PendingStopOrders loads inactive stop orders awaiting their trigger.
func (r *Repository) PendingStopOrders(tx *gorm.DB, market *Market, asOf time.Time) ([]*Order, error) {
	var orders []*Order
	err := tx.Where(
		"src_currency = ? AND dst_currency = ? AND status = ? AND execution IN ? AND created_at <= ?",
		market.SrcCurrency, market.DstCurrency, StatusInactive,
		[]Execution{ExecutionStopLimit, ExecutionStopMarket}, asOf,
	).Order("created_at ASC, id ASC").Find(&orders).Error
	if err != nil {
		return nil, fmt.Errorf("load stop orders for %s: %w", market.Symbol, err)
	}
	return orders, nil
}

// SaveOrderMatchState persists the fields the matcher owns.
func (r *Repository) SaveOrderMatchState(tx *gorm.DB, order *Order) error {
	order.UpdatedAt = time.Now().UTC()
	err := tx.Model(&Order{}).Where("id = ?", order.ID).Updates(map[string]any{
		"matched_amount":      order.MatchedAmount,
		"matched_total_price": order.MatchedTotalPrice,
		"status":              order.Status,
		"execution":           order.Execution,
		"price":               order.Price,
		"updated_at":          order.UpdatedAt,
	}).Error
	if err != nil {
		return fmt.Errorf("save order %d: %w", order.ID, err)
	}
	return nil
}

// CreateMatching appends one fill to the ledger.
func (r *Repository) CreateMatching(tx *gorm.DB, matching *OrderMatching) error {
	if err := tx.Create(matching).Error; err != nil {
		return fmt.Errorf("create order matching: %w", err)
	}
	return nil
}

// MatchingsByRound returns the fills a round produced, oldest first.
func (r *Repository) MatchingsByRound(ctx context.Context, roundID string) ([]*OrderMatching, error) {
	var fills []*OrderMatching
	if err := r.db.WithContext(ctx).Where("round_id = ?", roundID).
		Order("created_at ASC").Find(&fills).Error; err != nil {
		return nil, fmt.Errorf("load fills for round %s: %w", roundID, err)
	}
	return fills, nil
}

// LastTradePrice returns the most recent fill price for a market, used as
// the stop-trigger reference when the cache has no best-price snapshot yet.
func (r *Repository) LastTradePrice(tx *gorm.DB, market *Market) (decimal.Decimal, bool, error) {
	var matching OrderMatching
	err := tx.Where("market_id = ?", market.ID).
		Order("created_at DESC, id DESC").First(&matching).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("load last trade for %s: %w", market.Symbol, err)
	}
	return matching.MatchedPrice, true, nil
}
