package ledger

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	maxAllocAttempts = 5
	amountScale      = 4
	// amountDigits matches the NUMERIC(18,4) columns: 14 integer digits.
	amountDigits = 14
)

var amountLimit = decimal.New(1, amountDigits)

// Registry owns bill records: creation, detail edits, deletion and lookups.
// Balance fields are never written here except through Bill.settle.
type Registry struct {
	repo      Repository
	seq       *Sequencer
	validate  *validator.Validate
	now       func() time.Time
	direction Direction
}

// Create validates input and stores a new UNPAID bill.
func (r *Registry) Create(ctx context.Context, in CreateBillInput) (Bill, error) {
	in.BillNo = strings.TrimSpace(in.BillNo)
	in.CounterpartyID = strings.TrimSpace(in.CounterpartyID)
	in.OrderID = strings.TrimSpace(in.OrderID)
	if err := validate(r.validate, in); err != nil {
		return Bill{}, err
	}
	if err := checkAmount("totalAmount", in.TotalAmount); err != nil {
		return Bill{}, err
	}

	now := r.now().UTC()
	bill := Bill{
		ID:             newID(),
		BillNo:         in.BillNo,
		CounterpartyID: in.CounterpartyID,
		OrderID:        in.OrderID,
		BillDate:       dateOf(in.BillDate),
		DueDate:        dateOf(in.DueDate),
		TotalAmount:    in.TotalAmount,
		SettledAmount:  decimal.Zero,
		BalanceAmount:  in.TotalAmount,
		Status:         StatusUnpaid,
		Remark:         in.Remark,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	auto := bill.BillNo == ""
	err := retryAllocation(auto, func() error {
		return r.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			if auto {
				no, err := r.seq.Next(ctx, tx, ScopeBill, r.direction.BillPrefix())
				if err != nil {
					return err
				}
				bill.BillNo = no
			}
			return tx.InsertBill(ctx, bill)
		})
	})
	if err != nil {
		return Bill{}, fmt.Errorf("bill %s: %w", bill.BillNo, err)
	}
	return bill, nil
}

// UpdateDetails merges the editable fields into the bill and re-validates it.
// A new total must not fall below what has already been settled.
func (r *Registry) UpdateDetails(ctx context.Context, id string, d BillDetails) (Bill, error) {
	var updated Bill
	err := r.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		bill, err := tx.LockBill(ctx, id)
		if err != nil {
			return err
		}
		in := detailsOf(bill)
		d.mergeInto(&in)
		if err := validate(r.validate, in); err != nil {
			return err
		}
		if in.BillNo == "" {
			return invalidField("billNo", "is required")
		}
		if err := checkAmount("totalAmount", in.TotalAmount); err != nil {
			return err
		}
		if in.TotalAmount.LessThan(bill.SettledAmount) {
			return invalidField("totalAmount", "must not be below the settled amount "+bill.SettledAmount.String())
		}

		now := r.now().UTC()
		totalChanged := !in.TotalAmount.Equal(bill.TotalAmount)
		bill.BillNo = in.BillNo
		bill.CounterpartyID = in.CounterpartyID
		bill.OrderID = in.OrderID
		bill.BillDate = dateOf(in.BillDate)
		bill.DueDate = dateOf(in.DueDate)
		bill.Remark = in.Remark
		bill.TotalAmount = in.TotalAmount
		if totalChanged {
			bill.settle(bill.SettledAmount, now)
		} else {
			bill.UpdatedAt = now
		}
		if err := tx.UpdateBill(ctx, bill); err != nil {
			return err
		}
		updated = bill
		return nil
	})
	if err != nil {
		return Bill{}, fmt.Errorf("bill %s: %w", id, err)
	}
	return updated, nil
}

// Delete removes a bill that has no settlements.
func (r *Registry) Delete(ctx context.Context, id string) error {
	err := r.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := tx.LockBill(ctx, id); err != nil {
			return err
		}
		n, err := tx.CountSettlements(ctx, id)
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("%w: %d recorded", ErrHasSettlements, n)
		}
		return tx.DeleteBill(ctx, id)
	})
	if err != nil {
		return fmt.Errorf("bill %s: %w", id, err)
	}
	return nil
}

func (r *Registry) Get(ctx context.Context, id string) (Bill, error) {
	b, err := r.repo.GetBill(ctx, id)
	if err != nil {
		return Bill{}, fmt.Errorf("bill %s: %w", id, err)
	}
	return b, nil
}

func (r *Registry) GetByNumber(ctx context.Context, billNo string) (Bill, error) {
	b, err := r.repo.GetBillByNumber(ctx, billNo)
	if err != nil {
		return Bill{}, fmt.Errorf("bill %s: %w", billNo, err)
	}
	return b, nil
}

// List returns matching bills, newest first.
func (r *Registry) List(ctx context.Context, filter BillFilter) ([]Bill, error) {
	all, err := r.repo.ListBills(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Bill, 0, len(all))
	for _, b := range all {
		if filter.match(b) {
			out = append(out, b)
		}
	}
	slices.SortFunc(out, func(a, b Bill) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(b.ID, a.ID)
	})
	return out, nil
}

// Overdue returns bills not yet PAID whose due date has passed, most
// overdue first.
func (r *Registry) Overdue(ctx context.Context) ([]Bill, error) {
	all, err := r.repo.ListBills(ctx)
	if err != nil {
		return nil, err
	}
	now := r.now()
	out := make([]Bill, 0)
	for _, b := range all {
		if b.IsOverdue(now) {
			out = append(out, b)
		}
	}
	slices.SortFunc(out, func(a, b Bill) int {
		if c := a.DueDate.Compare(b.DueDate); c != 0 {
			return c
		}
		return strings.Compare(a.BillNo, b.BillNo)
	})
	return out, nil
}

// NextNumber returns the candidate number for the next bill without
// reserving it.
func (r *Registry) NextNumber(ctx context.Context) (string, error) {
	return r.seq.Next(ctx, r.repo, ScopeBill, r.direction.BillPrefix())
}

func detailsOf(b Bill) CreateBillInput {
	return CreateBillInput{
		BillNo:         b.BillNo,
		CounterpartyID: b.CounterpartyID,
		OrderID:        b.OrderID,
		BillDate:       b.BillDate,
		DueDate:        b.DueDate,
		TotalAmount:    b.TotalAmount,
		Remark:         b.Remark,
	}
}

func (d BillDetails) mergeInto(in *CreateBillInput) {
	if d.BillNo != nil {
		in.BillNo = strings.TrimSpace(*d.BillNo)
	}
	if d.CounterpartyID != nil {
		in.CounterpartyID = strings.TrimSpace(*d.CounterpartyID)
	}
	if d.OrderID != nil {
		in.OrderID = strings.TrimSpace(*d.OrderID)
	}
	if d.BillDate != nil {
		in.BillDate = *d.BillDate
	}
	if d.DueDate != nil {
		in.DueDate = *d.DueDate
	}
	if d.TotalAmount != nil {
		in.TotalAmount = *d.TotalAmount
	}
	if d.Remark != nil {
		in.Remark = *d.Remark
	}
}

// checkAmount enforces the precision every store can hold.
func checkAmount(field string, d decimal.Decimal) error {
	if !d.Equal(d.Truncate(amountScale)) {
		return invalidField(field, fmt.Sprintf("must have at most %d decimal places", amountScale))
	}
	if d.Abs().GreaterThanOrEqual(amountLimit) {
		return invalidField(field, fmt.Sprintf("must have at most %d integer digits", amountDigits))
	}
	return nil
}

// retryAllocation reruns fn when an auto-allocated number lost a race to a
// concurrent insert. Caller supplied numbers fail on the first conflict.
func retryAllocation(auto bool, fn func() error) error {
	for attempt := 1; ; attempt++ {
		err := fn()
		if auto && errors.Is(err, ErrDuplicateNumber) && attempt < maxAllocAttempts {
			continue
		}
		return err
	}
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
