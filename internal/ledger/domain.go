package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction selects which side of the open-item ledger a service tracks.
type Direction string

const (
	DirectionPayable    Direction = "payable"
	DirectionReceivable Direction = "receivable"
)

// Directions lists every supported direction in mount order.
var Directions = []Direction{DirectionPayable, DirectionReceivable}

// MountPath returns the API prefix the direction is served under.
func (d Direction) MountPath() string {
	return "/api/" + string(d) + "s"
}

// BillPrefix returns the business number prefix for bills.
func (d Direction) BillPrefix() string {
	if d == DirectionReceivable {
		return "AR"
	}
	return "AP"
}

// SettlementPrefix returns the business number prefix for settlements.
func (d Direction) SettlementPrefix() string {
	if d == DirectionReceivable {
		return "RC"
	}
	return "PY"
}

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	return d == DirectionPayable || d == DirectionReceivable
}

// Status enumerates bill statuses. It is always derived from amounts.
type Status string

const (
	StatusUnpaid  Status = "UNPAID"
	StatusPartial Status = "PARTIAL"
	StatusPaid    Status = "PAID"
)

// Statuses lists statuses in reporting order.
var Statuses = []Status{StatusUnpaid, StatusPartial, StatusPaid}

// Method enumerates settlement methods.
type Method string

const (
	MethodCash         Method = "CASH"
	MethodBankTransfer Method = "BANK_TRANSFER"
	MethodCheck        Method = "CHECK"
	MethodCreditCard   Method = "CREDIT_CARD"
	MethodOther        Method = "OTHER"
)

// Methods lists settlement methods in reporting order.
var Methods = []Method{MethodCash, MethodBankTransfer, MethodCheck, MethodCreditCard, MethodOther}

// Bill is a payable or receivable obligation.
type Bill struct {
	ID             string          `json:"id"`
	BillNo         string          `json:"billNo"`
	CounterpartyID string          `json:"counterpartyId"`
	OrderID        string          `json:"orderId,omitempty"`
	BillDate       time.Time       `json:"billDate"`
	DueDate        time.Time       `json:"dueDate"`
	TotalAmount    decimal.Decimal `json:"totalAmount"`
	SettledAmount  decimal.Decimal `json:"settledAmount"`
	BalanceAmount  decimal.Decimal `json:"balanceAmount"`
	Status         Status          `json:"status"`
	Remark         string          `json:"remark,omitempty"`
	PaidAt         *time.Time      `json:"paidAt,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// Settlement is a payment or receipt applied against exactly one bill.
type Settlement struct {
	ID             string          `json:"id"`
	SettlementNo   string          `json:"settlementNo"`
	BillID         string          `json:"billId"`
	SettlementDate time.Time       `json:"settlementDate"`
	Method         Method          `json:"method"`
	Amount         decimal.Decimal `json:"amount"`
	Operator       string          `json:"operator"`
	Remark         string          `json:"remark,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// DeriveStatus computes the status for the given amounts.
func DeriveStatus(total, settled decimal.Decimal) Status {
	if !settled.IsPositive() {
		return StatusUnpaid
	}
	if !total.Sub(settled).IsPositive() {
		return StatusPaid
	}
	return StatusPartial
}

// settle moves the bill to the given cumulative settled amount and re-derives
// every dependent field. It is the only writer of the balance fields.
func (b *Bill) settle(settled decimal.Decimal, now time.Time) {
	if settled.IsNegative() {
		settled = decimal.Zero
	}
	balance := b.TotalAmount.Sub(settled)
	if balance.IsNegative() {
		balance = decimal.Zero
	}
	prev := b.Status
	b.SettledAmount = settled
	b.BalanceAmount = balance
	b.Status = DeriveStatus(b.TotalAmount, settled)
	switch {
	case b.Status == StatusPaid && prev != StatusPaid:
		paidAt := now
		b.PaidAt = &paidAt
	case b.Status != StatusPaid:
		b.PaidAt = nil
	}
	b.UpdatedAt = now
}

// Consistent reports whether the bill satisfies the balance invariants.
func (b Bill) Consistent() bool {
	if b.BalanceAmount.IsNegative() {
		return false
	}
	if !b.SettledAmount.Add(b.BalanceAmount).Equal(b.TotalAmount) {
		return false
	}
	return b.Status == DeriveStatus(b.TotalAmount, b.SettledAmount)
}

// IsOverdue reports whether the bill is unpaid with its due date before now.
// Due dates are midnight UTC, so a bill is overdue from the start of its due
// day.
func (b Bill) IsOverdue(now time.Time) bool {
	return b.Status != StatusPaid && b.DueDate.Before(now)
}

// BillFilter narrows bill listings. Zero values match everything.
type BillFilter struct {
	Status         Status
	CounterpartyID string
}

func (f BillFilter) match(b Bill) bool {
	if f.Status != "" && b.Status != f.Status {
		return false
	}
	if f.CounterpartyID != "" && b.CounterpartyID != f.CounterpartyID {
		return false
	}
	return true
}

// --- Input DTOs ---

// CreateBillInput for creating bills. An empty BillNo is allocated.
type CreateBillInput struct {
	BillNo         string          `json:"billNo" validate:"omitempty,max=50"`
	CounterpartyID string          `json:"counterpartyId" validate:"required,max=64"`
	OrderID        string          `json:"orderId" validate:"omitempty,max=64"`
	BillDate       time.Time       `json:"billDate" validate:"required"`
	DueDate        time.Time       `json:"dueDate" validate:"required"`
	TotalAmount    decimal.Decimal `json:"totalAmount" validate:"gte=0"`
	Remark         string          `json:"remark" validate:"max=500"`
}

// BillDetails carries the editable bill fields. Nil fields are left unchanged.
// Balance fields are deliberately absent; settlements own them.
type BillDetails struct {
	BillNo         *string
	CounterpartyID *string
	OrderID        *string
	BillDate       *time.Time
	DueDate        *time.Time
	TotalAmount    *decimal.Decimal
	Remark         *string
}

// ApplySettlementInput for recording a payment or receipt.
type ApplySettlementInput struct {
	BillID         string          `json:"billId" validate:"required"`
	SettlementNo   string          `json:"settlementNo" validate:"omitempty,max=50"`
	SettlementDate time.Time       `json:"settlementDate" validate:"required"`
	Method         Method          `json:"method" validate:"required,oneof=CASH BANK_TRANSFER CHECK CREDIT_CARD OTHER"`
	Amount         decimal.Decimal `json:"amount" validate:"gt=0"`
	Operator       string          `json:"operator" validate:"required,max=100"`
	Remark         string          `json:"remark" validate:"max=500"`
}

func dateOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
