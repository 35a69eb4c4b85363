package match

import (
	"github.com/huandu/skiplist"
	"github.com/shopspring/decimal"
)

type priceUnit struct {
	totalSize decimal.Decimal
	head      *Order
	tail      *Order
	count     int64
}

// DepthItem is one aggregated price level of an order book side.
type DepthItem struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// queue holds one side of a matching round: limit orders in a skiplist of
// price levels (each level a FIFO linked list, so price priority strictly
// dominates time priority), and market orders in their own FIFO ahead of
// every limit price since they cross at any price.
type queue struct {
	side        OrderSide
	totalOrders int64
	depths      int64
	depthList   *skiplist.SkipList
	priceList   map[string]*skiplist.Element
	orders      map[int64]*Order

	marketHead *Order
	marketTail *Order
}

// newBuyerQueue creates a queue for buy orders, sorted by price in
// descending order (highest bid first).
func newBuyerQueue() *queue {
	return &queue{
		side: SideBuy,
		depthList: skiplist.New(skiplist.GreaterThanFunc(func(lhs, rhs any) int {
			d1, _ := lhs.(decimal.Decimal)
			d2, _ := rhs.(decimal.Decimal)

			if d1.LessThan(d2) {
				return 1
			} else if d1.GreaterThan(d2) {
				return -1
			}

			return 0
		})),
		priceList: make(map[string]*skiplist.Element),
		orders:    make(map[int64]*Order),
	}
}

// newSellerQueue creates a queue for sell orders, sorted by price in
// ascending order (lowest ask first).
func newSellerQueue() *queue {
	return &queue{
		side: SideSell,
		depthList: skiplist.New(skiplist.GreaterThanFunc(func(lhs, rhs any) int {
			d1, _ := lhs.(decimal.Decimal)
			d2, _ := rhs.(decimal.Decimal)

			if d1.GreaterThan(d2) {
				return 1
			} else if d1.LessThan(d2) {
				return -1
			}

			return 0
		})),
		priceList: make(map[string]*skiplist.Element),
		orders:    make(map[int64]*Order),
	}
}

// order finds an order by its ID.
func (q *queue) order(id int64) *Order {
	return q.orders[id]
}

// insertOrder inserts an order into the queue keeping time priority inside
// its price level. Candidates are loaded in creation order so the walk from
// the tail almost always terminates immediately; stop orders activated
// mid-round land wherever their creation time puts them.
func (q *queue) insertOrder(order *Order) {
	if order.IsMarketExecution() {
		q.insertMarketOrder(order)
		return
	}

	key := order.Price.Decimal.String()
	el, ok := q.priceList[key]
	if !ok {
		unit := &priceUnit{
			head:      order,
			tail:      order,
			totalSize: order.UnmatchedAmount(),
			count:     1,
		}
		order.next = nil
		order.prev = nil

		q.orders[order.ID] = order

		el := q.depthList.Set(order.Price.Decimal, unit)
		q.priceList[key] = el

		q.totalOrders++
		q.depths++
		return
	}

	unit, _ := el.Value.(*priceUnit)

	at := unit.tail
	for at != nil && order.isBefore(at) {
		at = at.prev
	}

	if at == nil {
		// New head of the level.
		order.prev = nil
		order.next = unit.head
		if unit.head != nil {
			unit.head.prev = order
		}
		unit.head = order
		if unit.tail == nil {
			unit.tail = order
		}
	} else {
		order.prev = at
		order.next = at.next
		if at.next != nil {
			at.next.prev = order
		} else {
			unit.tail = order
		}
		at.next = order
	}

	unit.totalSize = unit.totalSize.Add(order.UnmatchedAmount())
	unit.count++
	q.orders[order.ID] = order
	q.totalOrders++
}

func (q *queue) insertMarketOrder(order *Order) {
	at := q.marketTail
	for at != nil && order.isBefore(at) {
		at = at.prev
	}

	if at == nil {
		order.prev = nil
		order.next = q.marketHead
		if q.marketHead != nil {
			q.marketHead.prev = order
		}
		q.marketHead = order
		if q.marketTail == nil {
			q.marketTail = order
		}
	} else {
		order.prev = at
		order.next = at.next
		if at.next != nil {
			at.next.prev = order
		} else {
			q.marketTail = order
		}
		at.next = order
	}

	q.orders[order.ID] = order
	q.totalOrders++
}

// removeOrder removes an order from the queue and cleans up its price level
// if it becomes empty.
func (q *queue) removeOrder(order *Order) {
	if _, ok := q.orders[order.ID]; !ok {
		return
	}

	if order.IsMarketExecution() {
		if order.prev != nil {
			order.prev.next = order.next
		} else {
			q.marketHead = order.next
		}
		if order.next != nil {
			order.next.prev = order.prev
		} else {
			q.marketTail = order.prev
		}
		order.next = nil
		order.prev = nil
		delete(q.orders, order.ID)
		q.totalOrders--
		return
	}

	key := order.Price.Decimal.String()
	skipElement, ok := q.priceList[key]
	if !ok {
		return
	}
	unit, _ := skipElement.Value.(*priceUnit)

	if order.prev != nil {
		order.prev.next = order.next
	} else {
		unit.head = order.next
	}

	if order.next != nil {
		order.next.prev = order.prev
	} else {
		unit.tail = order.prev
	}

	order.next = nil
	order.prev = nil

	unit.totalSize = unit.totalSize.Sub(order.UnmatchedAmount())
	unit.count--
	delete(q.orders, order.ID)
	q.totalOrders--

	if unit.count == 0 {
		q.depthList.RemoveElement(skipElement)
		delete(q.priceList, key)
		q.depths--
	}
}

// reduceLevelSize shrinks the aggregated size of an order's price level
// after a fill, preserving the order's position. It must run before the
// order leaves the queue: removeOrder subtracts the post-fill unmatched
// amount, so a completed order's final fill is only accounted here.
func (q *queue) reduceLevelSize(order *Order, filled decimal.Decimal) {
	if order.IsMarketExecution() {
		return
	}
	if _, ok := q.orders[order.ID]; !ok {
		return
	}
	if el, ok := q.priceList[order.Price.Decimal.String()]; ok {
		unit, _ := el.Value.(*priceUnit)
		unit.totalSize = unit.totalSize.Sub(filled)
	}
}

// peekHead returns the highest-priority order: the oldest market order if
// one is waiting, otherwise the head of the best price level.
func (q *queue) peekHead() *Order {
	if q.marketHead != nil {
		return q.marketHead
	}
	return q.peekHeadLimit()
}

// peekHeadLimit returns the best-priced resting limit order, skipping any
// queued market orders. Needed when pricing a fill against a market order
// on the other side.
func (q *queue) peekHeadLimit() *Order {
	el := q.depthList.Front()
	if el == nil {
		return nil
	}

	unit, _ := el.Value.(*priceUnit)
	return unit.head
}

// bestPrice returns the best limit price on this side, if any.
func (q *queue) bestPrice() (decimal.Decimal, bool) {
	ord := q.peekHeadLimit()
	if ord == nil {
		return decimal.Zero, false
	}
	return ord.Price.Decimal, true
}

// orderCount returns the total number of orders in the queue.
func (q *queue) orderCount() int64 {
	return q.totalOrders
}

// depthCount returns the number of limit price levels in the queue.
func (q *queue) depthCount() int64 {
	return q.depths
}

// depth returns the aggregated book depth up to the specified number of
// price levels.
func (q *queue) depth(limit int) []DepthItem {
	result := make([]DepthItem, 0, limit)

	el := q.depthList.Front()
	for i := 0; i < limit && el != nil; i++ {
		unit, _ := el.Value.(*priceUnit)
		result = append(result, DepthItem{
			Price: unit.head.Price.Decimal,
			Size:  unit.totalSize,
		})
		el = el.Next()
	}

	return result
}
