package match

import (
	"strconv"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

var queueTestBase = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func limitOrder(id int64, side OrderSide, price, amount string) *Order {
	p, _ := decimal.NewFromString(price)
	a, _ := decimal.NewFromString(amount)
	return &Order{
		ID:        id,
		Side:      side,
		Execution: ExecutionLimit,
		Price:     decimal.NewNullDecimal(p),
		Amount:    a,
		Status:    StatusActive,
		CreatedAt: queueTestBase.Add(time.Duration(id) * time.Second),
	}
}

func marketOrder(id int64, side OrderSide, amount string) *Order {
	a, _ := decimal.NewFromString(amount)
	return &Order{
		ID:        id,
		Side:      side,
		Execution: ExecutionMarket,
		Amount:    a,
		Status:    StatusActive,
		CreatedAt: queueTestBase.Add(time.Duration(id) * time.Second),
	}
}

func TestBuyerQueuePriceOrder(t *testing.T) {
	q := newBuyerQueue()

	q.insertOrder(limitOrder(101, SideBuy, "10", "1"))
	q.insertOrder(limitOrder(201, SideBuy, "20", "10"))
	q.insertOrder(limitOrder(301, SideBuy, "30", "10"))
	q.insertOrder(limitOrder(202, SideBuy, "20", "100"))

	assert.Equal(t, int64(4), q.orderCount())
	assert.Equal(t, int64(3), q.depthCount())

	// Highest bid first; same price by age.
	for _, want := range []int64{301, 201, 202, 101} {
		head := q.peekHead()
		assert.Equal(t, want, head.ID)
		q.removeOrder(head)
	}
	assert.Equal(t, int64(0), q.orderCount())
}

func TestSellerQueuePriceOrder(t *testing.T) {
	q := newSellerQueue()

	q.insertOrder(limitOrder(101, SideSell, "10", "1"))
	q.insertOrder(limitOrder(201, SideSell, "20", "10"))
	q.insertOrder(limitOrder(301, SideSell, "30", "10"))
	q.insertOrder(limitOrder(202, SideSell, "20", "100"))

	// Lowest ask first.
	for _, want := range []int64{101, 201, 202, 301} {
		head := q.peekHead()
		assert.Equal(t, want, head.ID)
		q.removeOrder(head)
	}
	assert.Equal(t, int64(0), q.orderCount())
}

func TestSameTimestampFallsBackToID(t *testing.T) {
	q := newSellerQueue()

	first := limitOrder(7, SideSell, "10", "1")
	second := limitOrder(9, SideSell, "10", "1")
	second.CreatedAt = first.CreatedAt

	q.insertOrder(second)
	q.insertOrder(first)

	assert.Equal(t, int64(7), q.peekHead().ID)
}

func TestMarketOrdersRankAheadOfLimits(t *testing.T) {
	q := newSellerQueue()

	q.insertOrder(limitOrder(1, SideSell, "10", "1"))
	q.insertOrder(marketOrder(5, SideSell, "1"))
	q.insertOrder(marketOrder(3, SideSell, "1"))

	assert.Equal(t, int64(3), q.peekHead().ID)
	assert.Equal(t, int64(1), q.peekHeadLimit().ID)

	q.removeOrder(q.peekHead())
	assert.Equal(t, int64(5), q.peekHead().ID)

	q.removeOrder(q.peekHead())
	assert.Equal(t, int64(1), q.peekHead().ID)

	// Market orders are not price levels.
	assert.Equal(t, int64(1), q.depthCount())
}

func TestBestPriceIgnoresMarketOrders(t *testing.T) {
	q := newBuyerQueue()

	_, ok := q.bestPrice()
	assert.False(t, ok)

	q.insertOrder(marketOrder(1, SideBuy, "1"))
	_, ok = q.bestPrice()
	assert.False(t, ok)

	q.insertOrder(limitOrder(2, SideBuy, "42", "1"))
	price, ok := q.bestPrice()
	assert.True(t, ok)
	assert.Equal(t, "42", price.String())
}

func TestDepthAggregatesLevels(t *testing.T) {
	q := newSellerQueue()

	q.insertOrder(limitOrder(1, SideSell, "10", "1"))
	q.insertOrder(limitOrder(2, SideSell, "10", "2"))
	q.insertOrder(limitOrder(3, SideSell, "11", "5"))

	levels := q.depth(10)
	assert.Len(t, levels, 2)
	assert.Equal(t, "10", levels[0].Price.String())
	assert.Equal(t, "3", levels[0].Size.String())
	assert.Equal(t, "11", levels[1].Price.String())
	assert.Equal(t, "5", levels[1].Size.String())

	// A partial fill shrinks the level without reordering it.
	head := q.peekHead()
	head.MatchedAmount = decimal.NewFromInt(1)
	q.reduceLevelSize(head, decimal.NewFromInt(1))

	levels = q.depth(1)
	assert.Equal(t, "2", levels[0].Size.String())
	assert.Equal(t, head.ID, q.peekHead().ID)
}

func TestLevelSizeAfterCompletedOrderLeaves(t *testing.T) {
	q := newSellerQueue()

	first := limitOrder(1, SideSell, "10", "1")
	second := limitOrder(2, SideSell, "10", "2")
	q.insertOrder(first)
	q.insertOrder(second)

	// A completing fill advances the order's matched state before the
	// order leaves the level; the aggregate must drop by the fill, not by
	// the (now zero) unmatched remainder.
	first.MatchedAmount = first.Amount
	q.reduceLevelSize(first, decimal.NewFromInt(1))
	q.removeOrder(first)

	levels := q.depth(1)
	assert.Equal(t, "2", levels[0].Size.String())

	// Reducing for an order no longer in the queue changes nothing.
	q.reduceLevelSize(first, decimal.NewFromInt(1))
	levels = q.depth(1)
	assert.Equal(t, "2", levels[0].Size.String())
}

func TestRemoveUnknownOrderIsNoop(t *testing.T) {
	q := newBuyerQueue()
	q.insertOrder(limitOrder(1, SideBuy, "10", "1"))

	q.removeOrder(limitOrder(99, SideBuy, "10", "1"))
	assert.Equal(t, int64(1), q.orderCount())
}

func BenchmarkQueueInsert(b *testing.B) {
	q := newBuyerQueue()
	for i := 0; i < b.N; i++ {
		q.insertOrder(limitOrder(int64(i), SideBuy, strconv.Itoa(i%1000), "1"))
	}
}

func BenchmarkQueueInsertRemove(b *testing.B) {
	q := newSellerQueue()
	for i := 0; i < b.N; i++ {
		order := limitOrder(int64(i), SideSell, strconv.Itoa(i%1000), "1")
		q.insertOrder(order)
		if i%2 == 1 {
			q.removeOrder(q.peekHead())
		}
	}
}
