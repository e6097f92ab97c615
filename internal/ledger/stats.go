package ledger

import (
	"context"
	"encoding/json"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
)

// StatsCache stores computed aggregates under versioned keys. Bump discards
// everything cached so far.
type StatsCache interface {
	BuildKey(ctx context.Context, parts ...string) (string, error)
	FetchJSON(ctx context.Context, key string, dest any, loader func(context.Context) (any, error)) error
	Bump(ctx context.Context) error
}

// Stats summarises one direction of the ledger.
type Stats struct {
	Direction     Direction       `json:"direction"`
	TotalCount    int             `json:"totalCount"`
	UnpaidCount   int             `json:"unpaidCount"`
	PartialCount  int             `json:"partialCount"`
	PaidCount     int             `json:"paidCount"`
	OverdueCount  int             `json:"overdueCount"`
	TotalAmount   decimal.Decimal `json:"totalAmount"`
	SettledAmount decimal.Decimal `json:"settledAmount"`
	BalanceAmount decimal.Decimal `json:"balanceAmount"`
	OverdueAmount decimal.Decimal `json:"overdueAmount"`
	// AvgSettlementDays is the mean number of days from bill date to full
	// settlement across PAID bills, rounded to two places.
	AvgSettlementDays float64   `json:"avgSettlementDays"`
	GeneratedAt       time.Time `json:"generatedAt"`
}

const statsLoadTimeout = 30 * time.Second

// StatsAggregator computes read-only aggregates. Concurrent callers asking for
// the same key share one computation.
type StatsAggregator struct {
	registry    *Registry
	settlements *SettlementLedger
	cache       StatsCache
	group       singleflight.Group
	now         func() time.Time
	direction   Direction
}

// Stats returns status counts, amount sums and settlement latency.
func (a *StatsAggregator) Stats(ctx context.Context) (Stats, error) {
	// Overdue depends on the calendar day, so the day is part of the key.
	today := dateOf(a.now()).Format(time.DateOnly)
	var out Stats
	err := a.cached(ctx, &out, func(ctx context.Context) (any, error) {
		return a.computeStats(ctx)
	}, "ledger", string(a.direction), "stats", today)
	return out, err
}

// ByMethod returns settlement count and amount per method.
func (a *StatsAggregator) ByMethod(ctx context.Context) ([]MethodStats, error) {
	var out []MethodStats
	err := a.cached(ctx, &out, func(ctx context.Context) (any, error) {
		return a.settlements.ByMethod(ctx)
	}, "ledger", string(a.direction), "methods")
	return out, err
}

// Invalidate discards cached aggregates after a mutation.
func (a *StatsAggregator) Invalidate(ctx context.Context) error {
	return a.cache.Bump(ctx)
}

func (a *StatsAggregator) cached(ctx context.Context, dest any, load func(context.Context) (any, error), parts ...string) error {
	key, err := a.cache.BuildKey(ctx, parts...)
	if err != nil {
		return err
	}
	ch := a.group.DoChan(key, func() (any, error) {
		// Shared by every waiter on key, so one caller leaving must not cancel it.
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), statsLoadTimeout)
		defer cancel()
		var raw json.RawMessage
		if err := a.cache.FetchJSON(shared, key, &raw, load); err != nil {
			return nil, err
		}
		return raw, nil
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return res.Err
		}
		return json.Unmarshal(res.Val.(json.RawMessage), dest)
	}
}

func (a *StatsAggregator) computeStats(ctx context.Context) (Stats, error) {
	bills, err := a.registry.List(ctx, BillFilter{})
	if err != nil {
		return Stats{}, err
	}
	overdue, err := a.registry.Overdue(ctx)
	if err != nil {
		return Stats{}, err
	}
	s := Stats{
		Direction:     a.direction,
		TotalCount:    len(bills),
		OverdueCount:  len(overdue),
		TotalAmount:   decimal.Zero,
		SettledAmount: decimal.Zero,
		BalanceAmount: decimal.Zero,
		OverdueAmount: decimal.Zero,
		GeneratedAt:   a.now().UTC(),
	}
	var days float64
	for _, b := range bills {
		switch b.Status {
		case StatusUnpaid:
			s.UnpaidCount++
		case StatusPartial:
			s.PartialCount++
		case StatusPaid:
			s.PaidCount++
			days += settlementDays(b)
		}
		s.TotalAmount = s.TotalAmount.Add(b.TotalAmount)
		s.SettledAmount = s.SettledAmount.Add(b.SettledAmount)
		s.BalanceAmount = s.BalanceAmount.Add(b.BalanceAmount)
	}
	for _, b := range overdue {
		s.OverdueAmount = s.OverdueAmount.Add(b.BalanceAmount)
	}
	if s.PaidCount > 0 {
		s.AvgSettlementDays = math.Round(days/float64(s.PaidCount)*100) / 100
	}
	return s, nil
}

// settlementDays measures from the bill date to the moment the bill became
// PAID. Bills stored before paidAt existed fall back to their last update.
func settlementDays(b Bill) float64 {
	done := b.UpdatedAt
	if b.PaidAt != nil {
		done = *b.PaidAt
	}
	return done.Sub(b.BillDate).Hours() / 24
}

// passthroughCache computes on every call. It backs services built without
// Redis.
type passthroughCache struct{}

func (passthroughCache) BuildKey(_ context.Context, parts ...string) (string, error) {
	return strings.Join(parts, ":"), nil
}

func (passthroughCache) FetchJSON(ctx context.Context, _ string, dest any, loader func(context.Context) (any, error)) error {
	value, err := loader(ctx)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dest)
}

func (passthroughCache) Bump(context.Context) error { return nil }
