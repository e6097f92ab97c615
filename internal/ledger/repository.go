package ledger

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/openitem/internal/platform/db"
)

// Scope separates the bill and settlement numbering spaces.
type Scope string

const (
	ScopeBill       Scope = "bill"
	ScopeSettlement Scope = "settlement"
)

// Reader exposes the read side of a ledger store. Listings are unordered;
// the service applies the documented ordering.
type Reader interface {
	GetBill(ctx context.Context, id string) (Bill, error)
	GetBillByNumber(ctx context.Context, billNo string) (Bill, error)
	ListBills(ctx context.Context) ([]Bill, error)
	GetSettlement(ctx context.Context, id string) (Settlement, error)
	// ListSettlements returns the settlements of one bill, or all of them when
	// billID is empty.
	ListSettlements(ctx context.Context, billID string) ([]Settlement, error)
	CountSettlements(ctx context.Context, billID string) (int, error)
	ListNumbers(ctx context.Context, scope Scope, prefix string) ([]string, error)
}

// TxRepository defines operations within a transaction. Inserts and updates
// return ErrDuplicateNumber when a business number is already taken.
type TxRepository interface {
	Reader
	// LockBill loads a bill and holds it until the transaction ends.
	LockBill(ctx context.Context, id string) (Bill, error)
	InsertBill(ctx context.Context, bill Bill) error
	UpdateBill(ctx context.Context, bill Bill) error
	DeleteBill(ctx context.Context, id string) error
	InsertSettlement(ctx context.Context, s Settlement) error
	DeleteSettlement(ctx context.Context, id string) error
}

// Repository defines ledger data access for one direction.
type Repository interface {
	Reader
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

var (
	_ Repository   = (*pgRepository)(nil)
	_ TxRepository = (*pgTxRepository)(nil)
)

//go:embed schema.sql
var schemaSQL string

// Migrate creates the ledger tables when missing.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ledger: migrate: %w", err)
	}
	return nil
}

type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgReader struct {
	db        dbtx
	direction Direction
}

type pgRepository struct {
	pgReader
	pool *pgxpool.Pool
}

// NewRepository returns a PostgreSQL backed repository scoped to direction.
func NewRepository(pool *pgxpool.Pool, direction Direction) Repository {
	return &pgRepository{
		pgReader: pgReader{db: pool, direction: direction},
		pool:     pool,
	}
}

// WithTx runs fn in a repeatable-read transaction. Serialization failures
// are retried by the platform layer because a locked bill may have moved past
// the snapshot.
func (r *pgRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &pgTxRepository{pgReader: pgReader{db: tx, direction: r.direction}})
	})
	return mapPgError(err)
}

const billColumns = `id, bill_no, counterparty_id, order_id, bill_date, due_date,
	total_amount::text, settled_amount::text, balance_amount::text, status, remark,
	paid_at, created_at, updated_at`

const settlementColumns = `id, settlement_no, bill_id, settlement_date, method,
	amount::text, operator, remark, created_at, updated_at`

func (r pgReader) GetBill(ctx context.Context, id string) (Bill, error) {
	row := r.db.QueryRow(ctx, `SELECT `+billColumns+` FROM ledger_bills WHERE direction = $1 AND id = $2`, string(r.direction), id)
	return scanBill(row)
}

func (r pgReader) GetBillByNumber(ctx context.Context, billNo string) (Bill, error) {
	row := r.db.QueryRow(ctx, `SELECT `+billColumns+` FROM ledger_bills WHERE direction = $1 AND bill_no = $2`, string(r.direction), billNo)
	return scanBill(row)
}

func (r pgReader) ListBills(ctx context.Context) ([]Bill, error) {
	rows, err := r.db.Query(ctx, `SELECT `+billColumns+` FROM ledger_bills WHERE direction = $1`, string(r.direction))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var bills []Bill
	for rows.Next() {
		b, err := scanBill(rows)
		if err != nil {
			return nil, err
		}
		bills = append(bills, b)
	}
	return bills, rows.Err()
}

func (r pgReader) GetSettlement(ctx context.Context, id string) (Settlement, error) {
	row := r.db.QueryRow(ctx, `SELECT `+settlementColumns+` FROM ledger_settlements WHERE direction = $1 AND id = $2`, string(r.direction), id)
	return scanSettlement(row)
}

func (r pgReader) ListSettlements(ctx context.Context, billID string) ([]Settlement, error) {
	query := `SELECT ` + settlementColumns + ` FROM ledger_settlements WHERE direction = $1`
	args := []any{string(r.direction)}
	if billID != "" {
		query += ` AND bill_id = $2`
		args = append(args, billID)
	}
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Settlement
	for rows.Next() {
		s, err := scanSettlement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r pgReader) CountSettlements(ctx context.Context, billID string) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM ledger_settlements WHERE direction = $1 AND bill_id = $2`, string(r.direction), billID).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (r pgReader) ListNumbers(ctx context.Context, scope Scope, prefix string) ([]string, error) {
	var query string
	switch scope {
	case ScopeBill:
		query = `SELECT bill_no FROM ledger_bills WHERE direction = $1 AND bill_no LIKE $2`
	case ScopeSettlement:
		query = `SELECT settlement_no FROM ledger_settlements WHERE direction = $1 AND settlement_no LIKE $2`
	default:
		return nil, fmt.Errorf("ledger: unknown number scope %q", scope)
	}
	rows, err := r.db.Query(ctx, query, string(r.direction), escapeLike(prefix)+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var numbers []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		numbers = append(numbers, n)
	}
	return numbers, rows.Err()
}

// Transaction Repository Implementation

type pgTxRepository struct {
	pgReader
}

func (tx *pgTxRepository) LockBill(ctx context.Context, id string) (Bill, error) {
	row := tx.db.QueryRow(ctx, `SELECT `+billColumns+` FROM ledger_bills WHERE direction = $1 AND id = $2 FOR UPDATE`, string(tx.direction), id)
	return scanBill(row)
}

func (tx *pgTxRepository) InsertBill(ctx context.Context, b Bill) error {
	_, err := tx.db.Exec(ctx, `INSERT INTO ledger_bills (
			id, direction, bill_no, counterparty_id, order_id, bill_date, due_date,
			total_amount, settled_amount, balance_amount, status, remark, paid_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8::numeric, $9::numeric, $10::numeric, $11, $12, $13, $14, $15)`,
		b.ID, string(tx.direction), b.BillNo, b.CounterpartyID, b.OrderID, b.BillDate, b.DueDate,
		b.TotalAmount.String(), b.SettledAmount.String(), b.BalanceAmount.String(), string(b.Status), b.Remark,
		b.PaidAt, b.CreatedAt, b.UpdatedAt)
	return mapPgError(err)
}

func (tx *pgTxRepository) UpdateBill(ctx context.Context, b Bill) error {
	tag, err := tx.db.Exec(ctx, `UPDATE ledger_bills SET
			bill_no = $3, counterparty_id = $4, order_id = $5, bill_date = $6, due_date = $7,
			total_amount = $8::numeric, settled_amount = $9::numeric, balance_amount = $10::numeric,
			status = $11, remark = $12, paid_at = $13, updated_at = $14
		WHERE direction = $1 AND id = $2`,
		string(tx.direction), b.ID, b.BillNo, b.CounterpartyID, b.OrderID, b.BillDate, b.DueDate,
		b.TotalAmount.String(), b.SettledAmount.String(), b.BalanceAmount.String(),
		string(b.Status), b.Remark, b.PaidAt, b.UpdatedAt)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (tx *pgTxRepository) DeleteBill(ctx context.Context, id string) error {
	tag, err := tx.db.Exec(ctx, `DELETE FROM ledger_bills WHERE direction = $1 AND id = $2`, string(tx.direction), id)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (tx *pgTxRepository) InsertSettlement(ctx context.Context, s Settlement) error {
	_, err := tx.db.Exec(ctx, `INSERT INTO ledger_settlements (
			id, direction, settlement_no, bill_id, settlement_date, method, amount, operator, remark, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8, $9, $10, $11)`,
		s.ID, string(tx.direction), s.SettlementNo, s.BillID, s.SettlementDate, string(s.Method),
		s.Amount.String(), s.Operator, s.Remark, s.CreatedAt, s.UpdatedAt)
	return mapPgError(err)
}

func (tx *pgTxRepository) DeleteSettlement(ctx context.Context, id string) error {
	tag, err := tx.db.Exec(ctx, `DELETE FROM ledger_settlements WHERE direction = $1 AND id = $2`, string(tx.direction), id)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Helpers

func scanBill(row pgx.Row) (Bill, error) {
	var (
		b                       Bill
		total, settled, balance string
		status                  string
		paidAt                  *time.Time
	)
	err := row.Scan(&b.ID, &b.BillNo, &b.CounterpartyID, &b.OrderID, &b.BillDate, &b.DueDate,
		&total, &settled, &balance, &status, &b.Remark, &paidAt, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Bill{}, ErrNotFound
	}
	if err != nil {
		return Bill{}, err
	}
	if b.TotalAmount, err = decimal.NewFromString(total); err != nil {
		return Bill{}, fmt.Errorf("ledger: parse total_amount: %w", err)
	}
	if b.SettledAmount, err = decimal.NewFromString(settled); err != nil {
		return Bill{}, fmt.Errorf("ledger: parse settled_amount: %w", err)
	}
	if b.BalanceAmount, err = decimal.NewFromString(balance); err != nil {
		return Bill{}, fmt.Errorf("ledger: parse balance_amount: %w", err)
	}
	b.Status = Status(status)
	b.PaidAt = paidAt
	return b, nil
}

func scanSettlement(row pgx.Row) (Settlement, error) {
	var (
		s      Settlement
		method string
		amount string
	)
	err := row.Scan(&s.ID, &s.SettlementNo, &s.BillID, &s.SettlementDate, &method,
		&amount, &s.Operator, &s.Remark, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Settlement{}, ErrNotFound
	}
	if err != nil {
		return Settlement{}, err
	}
	if s.Amount, err = decimal.NewFromString(amount); err != nil {
		return Settlement{}, fmt.Errorf("ledger: parse amount: %w", err)
	}
	s.Method = Method(method)
	return s, nil
}

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

func mapPgError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case pgUniqueViolation:
		return fmt.Errorf("%w (%s)", ErrDuplicateNumber, pgErr.ConstraintName)
	case pgForeignKeyViolation:
		return fmt.Errorf("%w (%s)", ErrHasSettlements, pgErr.ConstraintName)
	}
	return err
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
