package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type stubNumbers map[Scope][]string

func (s stubNumbers) reader() Reader {
	repo := NewMemoryRepository()
	for scope, nos := range s {
		for _, no := range nos {
			if scope == ScopeBill {
				repo.state.billNos[no] = no
			} else {
				repo.state.settlementNos[no] = no
			}
		}
	}
	return repo
}

func TestSequencerNext(t *testing.T) {
	ctx := context.Background()
	seq := NewSequencer(func() time.Time { return testNow })

	tests := []struct {
		name     string
		existing stubNumbers
		scope    Scope
		prefix   string
		want     string
	}{
		{name: "empty store", scope: ScopeBill, prefix: "AP", want: "AP2403001"},
		{
			name:     "one past highest",
			existing: stubNumbers{ScopeBill: {"AP2403001", "AP2403007", "AP2403003"}},
			scope:    ScopeBill, prefix: "AP", want: "AP2403008",
		},
		{
			name:     "other months ignored",
			existing: stubNumbers{ScopeBill: {"AP2402099", "AP2404005"}},
			scope:    ScopeBill, prefix: "AP", want: "AP2403001",
		},
		{
			name:     "non numeric suffix ignored",
			existing: stubNumbers{ScopeBill: {"AP2403abc", "AP2403002"}},
			scope:    ScopeBill, prefix: "AP", want: "AP2403003",
		},
		{
			name:     "scopes are independent",
			existing: stubNumbers{ScopeBill: {"PY2403004"}},
			scope:    ScopeSettlement, prefix: "PY", want: "PY2403001",
		},
		{
			name:     "prefixes are independent",
			existing: stubNumbers{ScopeBill: {"AR2403010"}},
			scope:    ScopeBill, prefix: "AP", want: "AP2403001",
		},
		{
			name:     "grows past three digits",
			existing: stubNumbers{ScopeBill: {"AP2403999"}},
			scope:    ScopeBill, prefix: "AP", want: "AP24031000",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := seq.Next(ctx, tt.existing.reader(), tt.scope, tt.prefix)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestSequencerUsesCurrentMonth(t *testing.T) {
	clock := newFakeClock()
	seq := NewSequencer(clock.Now)
	r := stubNumbers{ScopeBill: {"AR2403005"}}.reader()

	got, err := seq.Next(context.Background(), r, ScopeBill, "AR")
	require.NoError(t, err)
	require.Equal(t, "AR2403006", got)

	clock.Set(time.Date(2024, 4, 1, 0, 0, 1, 0, time.UTC))
	got, err = seq.Next(context.Background(), r, ScopeBill, "AR")
	require.NoError(t, err)
	require.Equal(t, "AR2404001", got)
}

func TestGenerateBillNumberIsAPreview(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	first, err := env.svc.GenerateBillNumber(ctx)
	require.NoError(t, err)
	second, err := env.svc.GenerateBillNumber(ctx)
	require.NoError(t, err)
	require.Equal(t, "AP2403001", first)
	require.Equal(t, first, second)

	bill, err := env.svc.CreateBill(ctx, billInput("100"))
	require.NoError(t, err)
	require.Equal(t, first, bill.BillNo)

	next, err := env.svc.GenerateBillNumber(ctx)
	require.NoError(t, err)
	require.Equal(t, "AP2403002", next)
}

func TestDirectionPrefixes(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, WithDirection(DirectionReceivable))

	bill, err := env.svc.CreateBill(ctx, billInput("10"))
	require.NoError(t, err)
	require.Equal(t, "AR2403001", bill.BillNo)

	st, _, err := env.svc.ApplySettlement(ctx, settlementInput(bill.ID, "5"))
	require.NoError(t, err)
	require.Equal(t, "RC2403001", st.SettlementNo)

	require.Equal(t, "AP", DirectionPayable.BillPrefix())
	require.Equal(t, "PY", DirectionPayable.SettlementPrefix())
}

func TestParseSequence(t *testing.T) {
	tests := []struct {
		number string
		want   int
		ok     bool
	}{
		{"AP2403001", 1, true},
		{"AP2403120", 120, true},
		{"AP2403", 0, false},
		{"AP2403-01", 0, false},
		{"AR2403001", 0, false},
	}
	for _, tt := range tests {
		got, ok := parseSequence(tt.number, "AP2403")
		require.Equal(t, tt.ok, ok, tt.number)
		require.Equal(t, tt.want, got, tt.number)
	}
}
