package ledger

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// SettlementLedger records and reverses settlements. Every change to a bill's
// settled amount happens here, in the same transaction as the settlement row.
type SettlementLedger struct {
	repo      Repository
	seq       *Sequencer
	validate  *validator.Validate
	now       func() time.Time
	direction Direction
}

// Apply records a settlement and moves the bill's balance. The bill is
// locked for the duration so concurrent settlements cannot overshoot it.
func (l *SettlementLedger) Apply(ctx context.Context, in ApplySettlementInput) (Settlement, Bill, error) {
	in.BillID = strings.TrimSpace(in.BillID)
	in.SettlementNo = strings.TrimSpace(in.SettlementNo)
	in.Operator = strings.TrimSpace(in.Operator)
	if in.Method == "" {
		in.Method = MethodBankTransfer
	}
	if err := validate(l.validate, in); err != nil {
		return Settlement{}, Bill{}, err
	}
	if err := checkAmount("amount", in.Amount); err != nil {
		return Settlement{}, Bill{}, err
	}

	now := l.now().UTC()
	st := Settlement{
		ID:             newID(),
		SettlementNo:   in.SettlementNo,
		BillID:         in.BillID,
		SettlementDate: dateOf(in.SettlementDate),
		Method:         in.Method,
		Amount:         in.Amount,
		Operator:       in.Operator,
		Remark:         in.Remark,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	var bill Bill
	auto := st.SettlementNo == ""
	err := retryAllocation(auto, func() error {
		return l.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			b, err := tx.LockBill(ctx, st.BillID)
			if err != nil {
				return fmt.Errorf("bill %s: %w", st.BillID, err)
			}
			if b.Status == StatusPaid {
				return fmt.Errorf("bill %s: %w", b.BillNo, ErrAlreadySettled)
			}
			if st.Amount.GreaterThan(b.BalanceAmount) {
				return fmt.Errorf("%w: amount %s, balance %s", ErrExcessAmount, st.Amount, b.BalanceAmount)
			}
			if auto {
				no, err := l.seq.Next(ctx, tx, ScopeSettlement, l.direction.SettlementPrefix())
				if err != nil {
					return err
				}
				st.SettlementNo = no
			}
			if err := tx.InsertSettlement(ctx, st); err != nil {
				return fmt.Errorf("settlement %s: %w", st.SettlementNo, err)
			}
			b.settle(b.SettledAmount.Add(st.Amount), now)
			if err := tx.UpdateBill(ctx, b); err != nil {
				return err
			}
			bill = b
			return nil
		})
	})
	if err != nil {
		return Settlement{}, Bill{}, err
	}
	return st, bill, nil
}

// Reverse deletes a settlement and restores its amount to the owning bill.
func (l *SettlementLedger) Reverse(ctx context.Context, id string) (Settlement, Bill, error) {
	var (
		st   Settlement
		bill Bill
	)
	err := l.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		st, err = tx.GetSettlement(ctx, id)
		if err != nil {
			return fmt.Errorf("settlement %s: %w", id, err)
		}
		b, err := tx.LockBill(ctx, st.BillID)
		if err != nil {
			return fmt.Errorf("bill %s: %w", st.BillID, err)
		}
		b.settle(b.SettledAmount.Sub(st.Amount), l.now().UTC())
		if err := tx.UpdateBill(ctx, b); err != nil {
			return err
		}
		if err := tx.DeleteSettlement(ctx, id); err != nil {
			return err
		}
		bill = b
		return nil
	})
	if err != nil {
		return Settlement{}, Bill{}, err
	}
	return st, bill, nil
}

// ForBill lists a bill's settlements, newest first.
func (l *SettlementLedger) ForBill(ctx context.Context, billID string) ([]Settlement, error) {
	if _, err := l.repo.GetBill(ctx, billID); err != nil {
		return nil, fmt.Errorf("bill %s: %w", billID, err)
	}
	list, err := l.repo.ListSettlements(ctx, billID)
	if err != nil {
		return nil, err
	}
	return sortSettlements(list), nil
}

// All lists every settlement in the ledger, newest first.
func (l *SettlementLedger) All(ctx context.Context) ([]Settlement, error) {
	list, err := l.repo.ListSettlements(ctx, "")
	if err != nil {
		return nil, err
	}
	return sortSettlements(list), nil
}

// MethodStats is the settled total for one settlement method.
type MethodStats struct {
	Method Method          `json:"method"`
	Count  int             `json:"count"`
	Amount decimal.Decimal `json:"amount"`
}

// ByMethod totals settlements per method. Every method is reported, in the
// order of Methods, even when nothing was settled through it.
func (l *SettlementLedger) ByMethod(ctx context.Context) ([]MethodStats, error) {
	list, err := l.repo.ListSettlements(ctx, "")
	if err != nil {
		return nil, err
	}
	out := make([]MethodStats, len(Methods))
	index := make(map[Method]int, len(Methods))
	for i, m := range Methods {
		out[i] = MethodStats{Method: m, Amount: decimal.Zero}
		index[m] = i
	}
	for _, st := range list {
		i, ok := index[st.Method]
		if !ok {
			continue
		}
		out[i].Count++
		out[i].Amount = out[i].Amount.Add(st.Amount)
	}
	return out, nil
}

// NextNumber returns the candidate number for the next settlement.
func (l *SettlementLedger) NextNumber(ctx context.Context) (string, error) {
	return l.seq.Next(ctx, l.repo, ScopeSettlement, l.direction.SettlementPrefix())
}

func sortSettlements(list []Settlement) []Settlement {
	if list == nil {
		return []Settlement{}
	}
	slices.SortFunc(list, func(a, b Settlement) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(b.ID, a.ID)
	})
	return list
}
