package match

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderSide identifies the direction of a trading intent.
type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

// Execution identifies how an order is executed once it is active.
type Execution string

const (
	ExecutionLimit      Execution = "limit"
	ExecutionMarket     Execution = "market"
	ExecutionStopLimit  Execution = "stop_limit"
	ExecutionStopMarket Execution = "stop_market"
)

// TradeType identifies the funding source of an order.
type TradeType string

const (
	TradeTypeSpot   TradeType = "spot"
	TradeTypeMargin TradeType = "margin"
)

// OrderStatus is the lifecycle state of an order. Done and Canceled are
// terminal: the matcher never mutates an order again once it reaches them.
type OrderStatus string

const (
	StatusInactive OrderStatus = "inactive"
	StatusActive   OrderStatus = "active"
	StatusDone     OrderStatus = "done"
	StatusCanceled OrderStatus = "canceled"
)

// Market identifies an ordered currency pair. Exactly one active market
// exists per ordered pair; the pair never changes once orders reference it.
type Market struct {
	ID              uint            `gorm:"primaryKey" json:"id"`
	Symbol          string          `gorm:"uniqueIndex;size:16;not null" json:"symbol"`
	SrcCurrency     string          `gorm:"size:10;not null;uniqueIndex:idx_market_pair" json:"src_currency"`
	DstCurrency     string          `gorm:"size:10;not null;uniqueIndex:idx_market_pair" json:"dst_currency"`
	// MinOrderAmount is enforced at order placement; by the time an order
	// is active its size is settled and the matcher takes it as-is.
	MinOrderAmount  decimal.Decimal `gorm:"type:decimal(30,10)" json:"min_order_amount"`
	AmountPrecision int32           `gorm:"default:8" json:"amount_precision"`
	PricePrecision  int32           `gorm:"default:0" json:"price_precision"`
	MakerFee        decimal.Decimal `gorm:"type:decimal(8,6);default:0" json:"maker_fee"`
	TakerFee        decimal.Decimal `gorm:"type:decimal(8,6);default:0" json:"taker_fee"`
	IsActive        bool            `gorm:"default:true" json:"is_active"`
	CreatedAt       time.Time       `json:"created_at"`
}

func (Market) TableName() string { return "markets" }

// Order is a persisted trading intent. The matcher is the only writer of
// MatchedAmount, MatchedTotalPrice and Status transitions to done; cancel
// transitions also come from user/system actions and OCO siblings.
type Order struct {
	ID                int64               `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID            int64               `gorm:"index;not null" json:"user_id"`
	SrcCurrency       string              `gorm:"size:10;not null;index:idx_order_market" json:"src_currency"`
	DstCurrency       string              `gorm:"size:10;not null;index:idx_order_market" json:"dst_currency"`
	Side              OrderSide           `gorm:"size:4;not null" json:"side"`
	Execution         Execution           `gorm:"size:12;not null;default:limit" json:"execution"`
	TradeType         TradeType           `gorm:"size:8;not null;default:spot" json:"trade_type"`
	Price             decimal.NullDecimal `gorm:"type:decimal(30,10)" json:"price"`
	Amount            decimal.Decimal     `gorm:"type:decimal(30,10);not null" json:"amount"`
	MatchedAmount     decimal.Decimal     `gorm:"type:decimal(30,10);not null;default:0" json:"matched_amount"`
	MatchedTotalPrice decimal.Decimal     `gorm:"type:decimal(30,10);not null;default:0" json:"matched_total_price"`
	Status            OrderStatus         `gorm:"size:10;not null;index:idx_order_market" json:"status"`
	StopPrice         decimal.NullDecimal `gorm:"type:decimal(30,10)" json:"stop_price"`
	PairID            *int64              `gorm:"index" json:"pair_id,omitempty"`
	Channel           string              `gorm:"size:20" json:"channel,omitempty"`
	CreatedAt         time.Time           `gorm:"index" json:"created_at"`
	UpdatedAt         time.Time           `json:"updated_at"`

	// Intrusive linked list pointers for the in-round queues (never persisted).
	next *Order
	prev *Order
}

func (Order) TableName() string { return "orders" }

// UnmatchedAmount returns the quantity still open for matching.
func (o *Order) UnmatchedAmount() decimal.Decimal {
	return o.Amount.Sub(o.MatchedAmount)
}

// IsMarketExecution reports whether the order crosses at the opposite side's
// price instead of carrying its own.
func (o *Order) IsMarketExecution() bool {
	return o.Execution == ExecutionMarket || o.Execution == ExecutionStopMarket
}

// IsStop reports whether the order waits on a trigger price before entering
// the book.
func (o *Order) IsStop() bool {
	return o.Execution == ExecutionStopLimit || o.Execution == ExecutionStopMarket
}

// BlockedTotal is the reservation an order holds on its source wallet:
// the unmatched amount for sells, unmatched amount times limit price for
// buys. Market buys reserve against the fill price instead and return zero.
func (o *Order) BlockedTotal() decimal.Decimal {
	if o.Side == SideSell {
		return o.UnmatchedAmount()
	}
	if !o.Price.Valid {
		return decimal.Zero
	}
	return o.UnmatchedAmount().Mul(o.Price.Decimal)
}

// isBefore is the creation-order tiebreak: earlier CreatedAt wins, then the
// lower ID when two orders share a timestamp.
func (o *Order) isBefore(other *Order) bool {
	if !o.CreatedAt.Equal(other.CreatedAt) {
		return o.CreatedAt.Before(other.CreatedAt)
	}
	return o.ID < other.ID
}

// OrderMatching is one immutable fill record. Rows are append-only: written
// exactly once inside the round transaction, never updated.
type OrderMatching struct {
	ID            uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	MarketID      uint            `gorm:"index;not null" json:"market_id"`
	SellOrderID   int64           `gorm:"index;not null" json:"sell_order_id"`
	BuyOrderID    int64           `gorm:"index;not null" json:"buy_order_id"`
	MatchedAmount decimal.Decimal `gorm:"type:decimal(30,10);not null" json:"matched_amount"`
	MatchedPrice  decimal.Decimal `gorm:"type:decimal(30,10);not null" json:"matched_price"`
	IsSellerMaker bool            `gorm:"not null" json:"is_seller_maker"`
	RoundID       string          `gorm:"size:20;index" json:"round_id"`
	CreatedAt     time.Time       `json:"created_at"`
}

func (OrderMatching) TableName() string { return "order_matchings" }

// Wallet holds a user's balance in one currency. BlockedBalance is the part
// reserved against open orders and unavailable for anything else.
type Wallet struct {
	ID             int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID         int64           `gorm:"not null;uniqueIndex:idx_wallet_owner" json:"user_id"`
	Currency       string          `gorm:"size:10;not null;uniqueIndex:idx_wallet_owner" json:"currency"`
	Balance        decimal.Decimal `gorm:"type:decimal(30,10);not null;default:0" json:"balance"`
	BlockedBalance decimal.Decimal `gorm:"type:decimal(30,10);not null;default:0" json:"blocked_balance"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

func (Wallet) TableName() string { return "wallets" }

// WalletTransaction is the ledger row for every balance movement. Amount is
// signed: credits positive, debits negative.
type WalletTransaction struct {
	ID        uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	WalletID  int64           `gorm:"index;not null" json:"wallet_id"`
	Type      string          `gorm:"size:20;not null" json:"type"`
	Amount    decimal.Decimal `gorm:"type:decimal(30,10);not null" json:"amount"`
	RefModule string          `gorm:"size:20" json:"ref_module"`
	RefID     string          `gorm:"size:40;index" json:"ref_id"`
	CreatedAt time.Time       `json:"created_at"`
}

func (WalletTransaction) TableName() string { return "wallet_transactions" }

// BestPrices is the cached best bid/ask snapshot for one market.
type BestPrices struct {
	BestBuy  decimal.NullDecimal `json:"best_buy"`
	BestSell decimal.NullDecimal `json:"best_sell"`
}
