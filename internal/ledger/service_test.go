package ledger

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type recordingObserver struct {
	mu       sync.Mutex
	created  int
	applied  []Method
	reversed int
	failures []string
}

func (o *recordingObserver) BillCreated(Direction) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.created++
}

func (o *recordingObserver) SettlementApplied(_ Direction, m Method, _ decimal.Decimal) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.applied = append(o.applied, m)
}

func (o *recordingObserver) SettlementReversed(Direction) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.reversed++
}

func (o *recordingObserver) OperationFailed(_ Direction, op, kind string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failures = append(o.failures, op+":"+kind)
}

func TestServiceNotifiesObserver(t *testing.T) {
	ctx := context.Background()
	obs := &recordingObserver{}
	env := newTestEnv(t, WithObserver(obs))

	bill, err := env.svc.CreateBill(ctx, billInput("100"))
	require.NoError(t, err)
	st, _, err := env.svc.ApplySettlement(ctx, settlementInput(bill.ID, "100"))
	require.NoError(t, err)
	_, _, err = env.svc.ApplySettlement(ctx, settlementInput(bill.ID, "1"))
	require.ErrorIs(t, err, ErrAlreadySettled)
	_, err = env.svc.ReverseSettlement(ctx, st.ID)
	require.NoError(t, err)
	require.Error(t, env.svc.DeleteBill(ctx, "missing"))

	require.Equal(t, 1, obs.created)
	require.Equal(t, []Method{MethodBankTransfer}, obs.applied)
	require.Equal(t, 1, obs.reversed)
	require.Equal(t, []string{"apply_settlement:already_settled", "delete_bill:not_found"}, obs.failures)
}

type failingBumpCache struct {
	passthroughCache
}

func (failingBumpCache) Bump(context.Context) error {
	return errors.New("redis unavailable")
}

func TestServiceToleratesCacheBumpFailure(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	env := newTestEnv(t, WithStatsCache(failingBumpCache{}), WithLogger(logger))

	bill, err := env.svc.CreateBill(context.Background(), billInput("100"))
	require.NoError(t, err)
	require.Equal(t, "AP2403001", bill.BillNo)
	require.Contains(t, buf.String(), "stats cache bump failed")
	require.Contains(t, buf.String(), `"direction":"payable"`)
}

func TestServiceDirection(t *testing.T) {
	require.Equal(t, DirectionPayable, NewService(NewMemoryRepository()).Direction())
	require.Equal(t, DirectionReceivable, NewService(NewMemoryRepository(), WithDirection(DirectionReceivable)).Direction())
}

func TestErrorKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{invalidField("amount", "bad"), "validation"},
		{ErrNotFound, "not_found"},
		{ErrDuplicateNumber, "duplicate_number"},
		{ErrHasSettlements, "has_settlements"},
		{ErrAlreadySettled, "already_settled"},
		{ErrExcessAmount, "excess_amount"},
		{errors.New("boom"), "internal"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, ErrorKind(tt.err))
	}
}

func TestValidationErrorMessage(t *testing.T) {
	err := &ValidationError{Fields: map[string]string{"b": "two", "a": "one"}}
	require.Equal(t, "validation failed: a: one; b: two", err.Error())
	require.ErrorIs(t, err, ErrValidation)
	require.Equal(t, "validation failed", (&ValidationError{}).Error())
}
