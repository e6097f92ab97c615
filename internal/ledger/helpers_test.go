package ledger

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: testNow}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type testEnv struct {
	svc   *Service
	repo  *MemoryRepository
	clock *fakeClock
}

func newTestEnv(t *testing.T, opts ...Option) testEnv {
	t.Helper()
	repo := NewMemoryRepository()
	clock := newFakeClock()
	base := []Option{
		WithClock(clock.Now),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	svc := NewService(repo, append(base, opts...)...)
	return testEnv{svc: svc, repo: repo, clock: clock}
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func billInput(total string) CreateBillInput {
	return CreateBillInput{
		CounterpartyID: "SUP-001",
		BillDate:       date(2024, 3, 1),
		DueDate:        date(2024, 3, 31),
		TotalAmount:    dec(total),
	}
}

func settlementInput(billID, amount string) ApplySettlementInput {
	return ApplySettlementInput{
		BillID:         billID,
		SettlementDate: date(2024, 3, 15),
		Method:         MethodBankTransfer,
		Amount:         dec(amount),
		Operator:       "alice",
	}
}

func requireAmounts(t *testing.T, b Bill, settled, balance string, status Status) {
	t.Helper()
	require.True(t, b.SettledAmount.Equal(dec(settled)), "settled: got %s want %s", b.SettledAmount, settled)
	require.True(t, b.BalanceAmount.Equal(dec(balance)), "balance: got %s want %s", b.BalanceAmount, balance)
	require.Equal(t, status, b.Status)
	require.True(t, b.Consistent(), "bill %s violates balance invariants", b.BillNo)
}
