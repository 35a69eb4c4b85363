package match

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RefModuleMatching tags wallet transactions produced by the matcher.
const RefModuleMatching = "matching"

// Wallet transaction types written by the settlement path.
const (
	TxTypeSellSpend   = "sell_spend"
	TxTypeSellReceive = "sell_receive"
	TxTypeBuySpend    = "buy_spend"
	TxTypeBuyReceive  = "buy_receive"
	TxTypeFee         = "fee"
)

// Block moves available balance into the blocked reservation.
func (w *Wallet) Block(amount decimal.Decimal) error {
	if amount.IsNegative() {
		return ErrInvalidParam
	}
	if w.Balance.LessThan(amount) {
		return ErrInsufficientFunds
	}
	w.Balance = w.Balance.Sub(amount)
	w.BlockedBalance = w.BlockedBalance.Add(amount)
	return nil
}

// Unblock releases part of the blocked reservation back to the available
// balance. A release larger than the reservation means an order reserved
// less than it is now settling, which is fatal for the round.
func (w *Wallet) Unblock(amount decimal.Decimal) error {
	if amount.IsNegative() {
		return ErrInvalidParam
	}
	if w.BlockedBalance.LessThan(amount) {
		return fmt.Errorf("%w: unblock %s exceeds blocked %s on wallet %d",
			ErrConservation, amount, w.BlockedBalance, w.ID)
	}
	w.BlockedBalance = w.BlockedBalance.Sub(amount)
	w.Balance = w.Balance.Add(amount)
	return nil
}

// CreateTransaction builds the ledger row for a signed balance movement.
// The movement takes effect when the transaction is committed through the
// wallet store.
func (w *Wallet) CreateTransaction(txType string, amount decimal.Decimal, refModule, refID string) *WalletTransaction {
	return &WalletTransaction{
		ID:        uuid.New(),
		WalletID:  w.ID,
		Type:      txType,
		Amount:    amount,
		RefModule: refModule,
		RefID:     refID,
		CreatedAt: time.Now().UTC(),
	}
}

// WalletKey addresses a wallet by owner and currency.
type WalletKey struct {
	UserID   int64
	Currency string
}

// WalletStore mediates every wallet mutation of the settlement path. It
// never runs outside a caller-supplied transaction: the whole matching
// round commits or rolls back as one unit.
type WalletStore struct {
	logger *zap.Logger
}

// NewWalletStore creates a WalletStore.
func NewWalletStore(logger *zap.Logger) *WalletStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WalletStore{logger: logger}
}

// GetOrCreate fetches a wallet, creating an empty one if the user has never
// held the currency.
func (s *WalletStore) GetOrCreate(tx *gorm.DB, userID int64, currency string) (*Wallet, error) {
	var wallet Wallet
	err := tx.Where(Wallet{UserID: userID, Currency: currency}).
		Attrs(Wallet{Balance: decimal.Zero, BlockedBalance: decimal.Zero}).
		FirstOrCreate(&wallet).Error
	if err != nil {
		return nil, fmt.Errorf("get or create wallet %d/%s: %w", userID, currency, err)
	}
	return &wallet, nil
}

// LockAll resolves the given wallet keys and reacquires each row with a
// SELECT FOR UPDATE, in ascending wallet-id order. The fixed global lock
// order is a hard invariant: it keeps two simultaneous fills touching
// overlapping wallets from deadlocking each other.
func (s *WalletStore) LockAll(tx *gorm.DB, keys []WalletKey) (map[WalletKey]*Wallet, error) {
	ids := make([]int64, 0, len(keys))
	byID := make(map[int64]WalletKey, len(keys))

	for _, key := range keys {
		wallet, err := s.GetOrCreate(tx, key.UserID, key.Currency)
		if err != nil {
			return nil, err
		}
		if _, seen := byID[wallet.ID]; seen {
			continue
		}
		ids = append(ids, wallet.ID)
		byID[wallet.ID] = key
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	locked := make(map[WalletKey]*Wallet, len(ids))
	for _, id := range ids {
		var wallet Wallet
		query := tx
		// sqlite (used in tests) has no row locks; the round transaction
		// alone serializes there.
		if tx.Dialector.Name() == "postgres" {
			query = query.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		if err := query.First(&wallet, id).Error; err != nil {
			return nil, fmt.Errorf("lock wallet %d: %w", id, err)
		}
		locked[byID[id]] = &wallet
	}

	return locked, nil
}

// Commit applies the transaction's signed amount to the wallet balance and
// persists both rows. With allowNegative false, a debit past zero fails the
// round: an active order's reservation guarantees funds, so running dry
// here is an invariant violation, never a user error.
func (s *WalletStore) Commit(tx *gorm.DB, wallet *Wallet, wt *WalletTransaction, allowNegative bool) error {
	next := wallet.Balance.Add(wt.Amount)
	if next.IsNegative() && !allowNegative {
		s.logger.Error("wallet transaction would overdraw",
			zap.Int64("wallet_id", wallet.ID),
			zap.String("type", wt.Type),
			zap.String("amount", wt.Amount.String()),
			zap.String("balance", wallet.Balance.String()))
		return fmt.Errorf("%w: wallet %d %s %s", ErrInsufficientFunds, wallet.ID, wt.Type, wt.Amount)
	}

	wallet.Balance = next
	if err := tx.Create(wt).Error; err != nil {
		return fmt.Errorf("create wallet transaction: %w", err)
	}
	return s.Save(tx, wallet)
}

// Save persists the wallet's balances.
func (s *WalletStore) Save(tx *gorm.DB, wallet *Wallet) error {
	wallet.UpdatedAt = time.Now().UTC()
	if err := tx.Model(&Wallet{}).Where("id = ?", wallet.ID).
		Updates(map[string]any{
			"balance":         wallet.Balance,
			"blocked_balance": wallet.BlockedBalance,
			"updated_at":      wallet.UpdatedAt,
		}).Error; err != nil {
		return fmt.Errorf("save wallet %d: %w", wallet.ID, err)
	}
	return nil
}
