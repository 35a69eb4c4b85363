package match

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// applyFill executes one fill inside the round transaction: it appends the
// OrderMatching row, advances both orders' matched state and moves wallet
// balances for both legs. Either everything here lands or the whole round
// rolls back; a fill is never half applied.
func (r *round) applyFill(sell, buy *Order, amount, price decimal.Decimal, sellerMaker bool) error {
	matching := &OrderMatching{
		ID:            uuid.New(),
		MarketID:      r.market.ID,
		SellOrderID:   sell.ID,
		BuyOrderID:    buy.ID,
		MatchedAmount: amount,
		MatchedPrice:  price,
		IsSellerMaker: sellerMaker,
		RoundID:       r.id,
		CreatedAt:     time.Now().UTC(),
	}

	if err := r.settleWallets(sell, buy, amount, price, sellerMaker, matching.ID.String()); err != nil {
		return err
	}

	total := amount.Mul(price)

	sell.MatchedAmount = sell.MatchedAmount.Add(amount)
	sell.MatchedTotalPrice = sell.MatchedTotalPrice.Add(total)
	if !sell.UnmatchedAmount().IsPositive() {
		sell.Status = StatusDone
	}

	buy.MatchedAmount = buy.MatchedAmount.Add(amount)
	buy.MatchedTotalPrice = buy.MatchedTotalPrice.Add(total)
	if !buy.UnmatchedAmount().IsPositive() {
		buy.Status = StatusDone
	}

	if err := r.matcher.repo.SaveOrderMatchState(r.tx, sell); err != nil {
		return err
	}
	if err := r.matcher.repo.SaveOrderMatchState(r.tx, buy); err != nil {
		return err
	}
	if err := r.matcher.repo.CreateMatching(r.tx, matching); err != nil {
		return err
	}

	// A fill on either leg of an OCO pair retires the sibling in the same
	// atomic unit.
	if err := r.cancelSibling(sell); err != nil {
		return err
	}
	if err := r.cancelSibling(buy); err != nil {
		return err
	}

	r.fills = append(r.fills, matching)
	return nil
}

// settleWallets moves the fill's funds: the seller's blocked base amount
// goes to the buyer, the buyer's blocked quote total goes to the seller,
// fees route to the fee-sink user. Wallets are locked in ascending id
// order before any mutation. Summed over every wallet touched, including
// the sink's, the balance-plus-blocked delta per currency is zero.
func (r *round) settleWallets(sell, buy *Order, amount, price decimal.Decimal, sellerMaker bool, refID string) error {
	src := r.market.SrcCurrency
	dst := r.market.DstCurrency
	sink := r.matcher.cfg.FeeSinkUserID

	sellerFeeRate := r.market.TakerFee
	buyerFeeRate := r.market.MakerFee
	if sellerMaker {
		sellerFeeRate, buyerFeeRate = buyerFeeRate, sellerFeeRate
	}

	total := amount.Mul(price)
	buyerFee := amount.Mul(buyerFeeRate)
	sellerFee := total.Mul(sellerFeeRate)

	keys := []WalletKey{
		{UserID: sell.UserID, Currency: src},
		{UserID: buy.UserID, Currency: src},
		{UserID: buy.UserID, Currency: dst},
		{UserID: sell.UserID, Currency: dst},
	}
	if buyerFee.IsPositive() {
		keys = append(keys, WalletKey{UserID: sink, Currency: src})
	}
	if sellerFee.IsPositive() {
		keys = append(keys, WalletKey{UserID: sink, Currency: dst})
	}

	wallets, err := r.matcher.wallets.LockAll(r.tx, keys)
	if err != nil {
		return err
	}

	store := r.matcher.wallets
	sellerSrc := wallets[WalletKey{UserID: sell.UserID, Currency: src}]
	buyerSrc := wallets[WalletKey{UserID: buy.UserID, Currency: src}]
	buyerDst := wallets[WalletKey{UserID: buy.UserID, Currency: dst}]
	sellerDst := wallets[WalletKey{UserID: sell.UserID, Currency: dst}]

	// Sell leg: base currency from the seller's reservation to the buyer.
	if err := sellerSrc.Unblock(amount); err != nil {
		return err
	}
	if err := store.Commit(r.tx, sellerSrc,
		sellerSrc.CreateTransaction(TxTypeSellSpend, amount.Neg(), RefModuleMatching, refID), false); err != nil {
		return err
	}
	if err := store.Commit(r.tx, buyerSrc,
		buyerSrc.CreateTransaction(TxTypeBuyReceive, amount.Sub(buyerFee), RefModuleMatching, refID), false); err != nil {
		return err
	}

	// Buy leg: quote currency from the buyer's reservation to the seller.
	// Limit buys reserved at their own limit price; the difference to the
	// (never worse) execution price flows straight back to the buyer's
	// available balance through the larger unblock.
	unblockTotal := total
	if !buy.IsMarketExecution() && buy.Price.Valid {
		unblockTotal = amount.Mul(buy.Price.Decimal)
	}
	if err := buyerDst.Unblock(unblockTotal); err != nil {
		return err
	}
	if err := store.Commit(r.tx, buyerDst,
		buyerDst.CreateTransaction(TxTypeBuySpend, total.Neg(), RefModuleMatching, refID), false); err != nil {
		return err
	}
	if err := store.Commit(r.tx, sellerDst,
		sellerDst.CreateTransaction(TxTypeSellReceive, total.Sub(sellerFee), RefModuleMatching, refID), false); err != nil {
		return err
	}

	if buyerFee.IsPositive() {
		feeSrc := wallets[WalletKey{UserID: sink, Currency: src}]
		if err := store.Commit(r.tx, feeSrc,
			feeSrc.CreateTransaction(TxTypeFee, buyerFee, RefModuleMatching, refID), false); err != nil {
			return err
		}
	}
	if sellerFee.IsPositive() {
		feeDst := wallets[WalletKey{UserID: sink, Currency: dst}]
		if err := store.Commit(r.tx, feeDst,
			feeDst.CreateTransaction(TxTypeFee, sellerFee, RefModuleMatching, refID), false); err != nil {
			return err
		}
	}

	return nil
}

// cancelResidual cancels an order for its unfilled remainder, releases the
// remaining reservation and removes it from the round's queues. Used for
// market orders that could not fully fill and for OCO siblings.
func (r *round) cancelResidual(order *Order) error {
	if order.Status == StatusDone || order.Status == StatusCanceled {
		return nil
	}

	residual := order.BlockedTotal()
	if residual.IsPositive() {
		currency := r.market.SrcCurrency
		if order.Side == SideBuy {
			currency = r.market.DstCurrency
		}
		wallets, err := r.matcher.wallets.LockAll(r.tx, []WalletKey{{UserID: order.UserID, Currency: currency}})
		if err != nil {
			return err
		}
		wallet := wallets[WalletKey{UserID: order.UserID, Currency: currency}]
		if err := wallet.Unblock(residual); err != nil {
			return err
		}
		if err := r.matcher.wallets.Save(r.tx, wallet); err != nil {
			return err
		}
	}

	order.Status = StatusCanceled
	if err := r.matcher.repo.SaveOrderMatchState(r.tx, order); err != nil {
		return err
	}

	r.queueFor(order.Side).removeOrder(order)
	r.consume(order)

	r.matcher.logger.Debug("order canceled for residual",
		zap.String("market", r.market.Symbol),
		zap.Int64("order_id", order.ID),
		zap.String("residual", order.UnmatchedAmount().String()))

	return r.cancelSibling(order)
}

// cancelSibling retires the OCO counterpart of an order, if it has one and
// the counterpart is still live.
func (r *round) cancelSibling(order *Order) error {
	if order.PairID == nil {
		return nil
	}

	sibling := r.queueFor(SideSell).order(*order.PairID)
	if sibling == nil {
		sibling = r.queueFor(SideBuy).order(*order.PairID)
	}
	if sibling == nil {
		loaded, err := r.matcher.repo.GetOrder(r.tx, *order.PairID)
		if err != nil {
			return err
		}
		sibling = loaded
	}

	if sibling.Status == StatusDone || sibling.Status == StatusCanceled {
		return nil
	}

	// Break the pair link first so the sibling's cancel does not recurse
	// back into this order.
	sibling.PairID = nil
	return r.cancelResidual(sibling)
}
