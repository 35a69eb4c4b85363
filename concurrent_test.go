package match

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPartitionMarkets(t *testing.T) {
	markets := []*Market{
		{Symbol: "BTCRLS"},
		{Symbol: "ETHRLS"},
		{Symbol: "LTCRLS"},
		{Symbol: "DOGERLS"},
	}

	groups := partitionMarkets(markets, []string{"BTCRLS", "ETHRLS"})

	require.Len(t, groups, 3)
	assert.Equal(t, "BTCRLS", groups[0][0].Symbol)
	assert.Equal(t, "ETHRLS", groups[1][0].Symbol)
	require.Len(t, groups[2], 2)
	assert.Equal(t, "LTCRLS", groups[2][0].Symbol)
	assert.Equal(t, "DOGERLS", groups[2][1].Symbol)
}

func TestPartitionMarketsNoDedicated(t *testing.T) {
	markets := []*Market{{Symbol: "BTCRLS"}, {Symbol: "ETHRLS"}}
	groups := partitionMarkets(markets, nil)
	require.Len(t, groups, 1)
	assert.Len(t, groups[0], 2)
}

func TestPartitionMarketsIgnoresUnknownDedicated(t *testing.T) {
	markets := []*Market{{Symbol: "BTCRLS"}}
	groups := partitionMarkets(markets, []string{"NOPERLS"})
	require.Len(t, groups, 1)
	assert.Equal(t, "BTCRLS", groups[0][0].Symbol)
}

func newSchedulerFixture(t *testing.T) (*ConcurrentMatcher, *Repository, *WalletStore, *Market, *MemoryFillPublisher) {
	db := newTestDB(t)
	repo := NewRepository(db, zap.NewNop())
	require.NoError(t, repo.AutoMigrate())

	market := &Market{
		Symbol:      "BTCRLS",
		SrcCurrency: "btc",
		DstCurrency: "rls",
		IsActive:    true,
	}
	require.NoError(t, repo.CreateMarket(context.Background(), market))

	wallets := NewWalletStore(zap.NewNop())
	cache := NewMemoryCache()
	state := NewMatcherState(cache)
	publisher := NewMemoryFillPublisher()

	matcher := NewMatcher(repo, wallets, cache, state, publisher, nil,
		MatcherConfig{FeeSinkUserID: 1}, zap.NewNop())
	books := NewOrderBookGenerator(repo, cache, 10, zap.NewNop())

	scheduler := NewConcurrentMatcher(matcher, repo, books, state, nil, ConcurrentMatcherConfig{
		TickInterval: 10 * time.Millisecond,
		RoundTimeout: 5 * time.Second,
	}, zap.NewNop())

	return scheduler, repo, wallets, market, publisher
}

func TestSchedulerMatchesOnTick(t *testing.T) {
	scheduler, repo, wallets, _, publisher := newSchedulerFixture(t)
	ctx := context.Background()
	db := repo.DB()

	price := decimal.NewFromInt(100)
	one := decimal.NewFromInt(1)

	seller, err := wallets.GetOrCreate(db, 10, "btc")
	require.NoError(t, err)
	seller.Balance = one
	require.NoError(t, seller.Block(one))
	require.NoError(t, wallets.Save(db, seller))

	buyer, err := wallets.GetOrCreate(db, 20, "rls")
	require.NoError(t, err)
	buyer.Balance = decimal.NewFromInt(100)
	require.NoError(t, buyer.Block(decimal.NewFromInt(100)))
	require.NoError(t, wallets.Save(db, buyer))

	base := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, repo.CreateOrder(ctx, &Order{
		UserID: 10, SrcCurrency: "btc", DstCurrency: "rls", Side: SideSell,
		Execution: ExecutionLimit, Price: decimal.NewNullDecimal(price),
		Amount: one, Status: StatusActive, CreatedAt: base,
	}))
	require.NoError(t, repo.CreateOrder(ctx, &Order{
		UserID: 20, SrcCurrency: "btc", DstCurrency: "rls", Side: SideBuy,
		Execution: ExecutionLimit, Price: decimal.NewNullDecimal(price),
		Amount: one, Status: StatusActive, CreatedAt: base.Add(time.Second),
	}))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- scheduler.Start(runCtx) }()

	assert.Eventually(t, func() bool {
		return publisher.Count() == 1
	}, 2*time.Second, 10*time.Millisecond)

	scheduler.Shutdown()
	require.NoError(t, <-done)
}

func TestSchedulerStartFailsWithoutMarkets(t *testing.T) {
	db := newTestDB(t)
	repo := NewRepository(db, zap.NewNop())
	require.NoError(t, repo.AutoMigrate())

	scheduler := NewConcurrentMatcher(nil, repo, nil, nil, nil,
		ConcurrentMatcherConfig{TickInterval: time.Millisecond}, zap.NewNop())

	err := scheduler.Start(context.Background())
	assert.ErrorIs(t, err, ErrMarketNotFound)
}

func TestSchedulerShutdownIsIdempotent(t *testing.T) {
	scheduler, _, _, _, _ := newSchedulerFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- scheduler.Start(ctx) }()

	time.Sleep(30 * time.Millisecond)
	scheduler.Shutdown()
	scheduler.Shutdown()
	cancel()

	require.NoError(t, <-done)
}
