package ledger

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/openitem/internal/platform/cache"
)

func seedStatsLedger(t *testing.T, env testEnv) {
	t.Helper()
	ctx := context.Background()

	overdue := billInput("100")
	overdue.BillDate = date(2024, 2, 1)
	overdue.DueDate = date(2024, 3, 10)
	_, err := env.svc.CreateBill(ctx, overdue)
	require.NoError(t, err)

	partial, err := env.svc.CreateBill(ctx, billInput("200"))
	require.NoError(t, err)
	cash := settlementInput(partial.ID, "50")
	cash.Method = MethodCash
	_, _, err = env.svc.ApplySettlement(ctx, cash)
	require.NoError(t, err)

	paid, err := env.svc.CreateBill(ctx, billInput("300"))
	require.NoError(t, err)
	_, _, err = env.svc.ApplySettlement(ctx, settlementInput(paid.ID, "300"))
	require.NoError(t, err)
}

func TestStats(t *testing.T) {
	env := newTestEnv(t)
	seedStatsLedger(t, env)

	stats, err := env.svc.GetStats(context.Background())
	require.NoError(t, err)
	require.Equal(t, DirectionPayable, stats.Direction)
	require.Equal(t, 3, stats.TotalCount)
	require.Equal(t, 1, stats.UnpaidCount)
	require.Equal(t, 1, stats.PartialCount)
	require.Equal(t, 1, stats.PaidCount)
	require.Equal(t, 1, stats.OverdueCount)
	require.True(t, stats.TotalAmount.Equal(dec("600")), stats.TotalAmount.String())
	require.True(t, stats.SettledAmount.Equal(dec("350")), stats.SettledAmount.String())
	require.True(t, stats.BalanceAmount.Equal(dec("250")), stats.BalanceAmount.String())
	require.True(t, stats.OverdueAmount.Equal(dec("100")), stats.OverdueAmount.String())
	// Mar 1 to Mar 15 10:00.
	require.InDelta(t, 14.42, stats.AvgSettlementDays, 0.0001)
	require.True(t, stats.GeneratedAt.Equal(testNow))
}

func TestStatsEmptyLedger(t *testing.T) {
	env := newTestEnv(t)
	stats, err := env.svc.GetStats(context.Background())
	require.NoError(t, err)
	require.Zero(t, stats.TotalCount)
	require.True(t, stats.TotalAmount.IsZero())
	require.Zero(t, stats.AvgSettlementDays)
}

func TestStatsByMethod(t *testing.T) {
	env := newTestEnv(t)
	seedStatsLedger(t, env)

	byMethod, err := env.svc.GetStatsByMethod(context.Background())
	require.NoError(t, err)
	require.Len(t, byMethod, len(Methods))
	for i, m := range Methods {
		require.Equal(t, m, byMethod[i].Method)
	}
	require.Equal(t, 1, byMethod[0].Count)
	require.True(t, byMethod[0].Amount.Equal(dec("50")))
	require.Equal(t, 1, byMethod[1].Count)
	require.True(t, byMethod[1].Amount.Equal(dec("300")))
	for _, ms := range byMethod[2:] {
		require.Zero(t, ms.Count)
		require.True(t, ms.Amount.IsZero())
	}
}

func TestSettlementDaysFallsBackToUpdatedAt(t *testing.T) {
	paidAt := date(2024, 1, 11)
	b := Bill{BillDate: date(2024, 1, 1), UpdatedAt: date(2024, 1, 21)}
	require.Equal(t, 20.0, settlementDays(b))
	b.PaidAt = &paidAt
	require.Equal(t, 10.0, settlementDays(b))
}

func TestStatsCachedUntilMutation(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	env := newTestEnv(t, WithStatsCache(cache.NewVersioned(client, "ledger:payable", time.Minute)))

	_, err := env.svc.CreateBill(ctx, billInput("100"))
	require.NoError(t, err)
	stats, err := env.svc.GetStats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.TotalCount)

	// A write that bypasses the service leaves the cached figures in place.
	err = env.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.InsertBill(ctx, Bill{
			ID: "external", BillNo: "AP2403900", CounterpartyID: "SUP-X",
			BillDate: date(2024, 3, 1), DueDate: date(2024, 3, 31),
			TotalAmount: dec("5"), SettledAmount: dec("0"), BalanceAmount: dec("5"),
			Status: StatusUnpaid, CreatedAt: testNow, UpdatedAt: testNow,
		})
	})
	require.NoError(t, err)
	stats, err = env.svc.GetStats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.TotalCount)

	_, err = env.svc.CreateBill(ctx, billInput("100"))
	require.NoError(t, err)
	stats, err = env.svc.GetStats(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, stats.TotalCount)

	byMethod, err := env.svc.GetStatsByMethod(ctx)
	require.NoError(t, err)
	require.Len(t, byMethod, len(Methods))
}

func TestStatsKeyFollowsCalendarDay(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	env := newTestEnv(t, WithStatsCache(cache.NewVersioned(client, "ledger:payable", time.Hour)))

	in := billInput("100")
	in.DueDate = date(2024, 3, 16)
	_, err := env.svc.CreateBill(ctx, in)
	require.NoError(t, err)

	stats, err := env.svc.GetStats(ctx)
	require.NoError(t, err)
	require.Zero(t, stats.OverdueCount)

	env.clock.Advance(24 * time.Hour)
	stats, err = env.svc.GetStats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.OverdueCount)
}

// slowCache holds every fetch until release is closed and then fails the way
// a Redis round trip does once its context is done.
type slowCache struct {
	passthroughCache
	keys    chan struct{}
	entered chan struct{}
	release chan struct{}
	fetches atomic.Int32
}

func (c *slowCache) BuildKey(ctx context.Context, parts ...string) (string, error) {
	c.keys <- struct{}{}
	return c.passthroughCache.BuildKey(ctx, parts...)
}

func (c *slowCache) FetchJSON(ctx context.Context, key string, dest any, loader func(context.Context) (any, error)) error {
	if c.fetches.Add(1) == 1 {
		close(c.entered)
	}
	<-c.release
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.passthroughCache.FetchJSON(ctx, key, dest, loader)
}

func TestStatsSurvivesLeaderCancellation(t *testing.T) {
	slow := &slowCache{
		keys:    make(chan struct{}, 2),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	env := newTestEnv(t, WithStatsCache(slow))
	_, err := env.svc.CreateBill(context.Background(), billInput("100"))
	require.NoError(t, err)

	leaderCtx, cancel := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := env.svc.GetStats(leaderCtx)
		leaderErr <- err
	}()
	<-slow.keys
	<-slow.entered

	type result struct {
		stats Stats
		err   error
	}
	follower := make(chan result, 1)
	go func() {
		s, err := env.svc.GetStats(context.Background())
		follower <- result{s, err}
	}()
	<-slow.keys
	// Let the follower join the in-flight computation.
	time.Sleep(20 * time.Millisecond)

	cancel()
	require.ErrorIs(t, <-leaderErr, context.Canceled)
	close(slow.release)

	res := <-follower
	require.NoError(t, res.err)
	require.Equal(t, 1, res.stats.TotalCount)
	require.Equal(t, int32(1), slow.fetches.Load())
}
