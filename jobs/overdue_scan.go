package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"

	jobmetrics "github.com/odyssey-erp/openitem/internal/jobs"
	"github.com/odyssey-erp/openitem/internal/ledger"
)

// OverdueSource lists overdue bills for one direction.
type OverdueSource interface {
	ListOverdueBills(ctx context.Context) ([]ledger.Bill, error)
}

// OverdueRecorder publishes scan results.
type OverdueRecorder interface {
	SetOverdue(direction ledger.Direction, count int, balance decimal.Decimal)
}

// OverdueScanJob reports bills that are past due and still open.
type OverdueScanJob struct {
	Sources  map[ledger.Direction]OverdueSource
	Recorder OverdueRecorder
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
}

// Handle executes the overdue scan for the requested directions.
func (j *OverdueScanJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil {
		return errors.New("overdue scan: handler not configured")
	}
	dirs, err := decodeLedgerPayload(t)
	if err != nil {
		return err
	}
	tracker := j.Metrics.Track(TaskLedgerOverdueScan)
	defer func() {
		err = tracker.End(err)
	}()

	for _, d := range dirs {
		src, ok := j.Sources[d]
		if !ok {
			continue
		}
		if err := j.scan(ctx, d, src); err != nil {
			return err
		}
	}
	return nil
}

func (j *OverdueScanJob) scan(ctx context.Context, d ledger.Direction, src OverdueSource) error {
	logger := j.logger().With(slog.String("direction", string(d)))
	bills, err := src.ListOverdueBills(ctx)
	if err != nil {
		logger.Error("overdue scan failed", slog.Any("error", err))
		return fmt.Errorf("overdue scan %s: %w", d, err)
	}
	balance := decimal.Zero
	for _, b := range bills {
		balance = balance.Add(b.BalanceAmount)
		logger.Warn("bill overdue",
			slog.String("bill_no", b.BillNo),
			slog.String("counterparty_id", b.CounterpartyID),
			slog.String("due_date", b.DueDate.Format("2006-01-02")),
			slog.String("balance", b.BalanceAmount.String()))
	}
	if j.Recorder != nil {
		j.Recorder.SetOverdue(d, len(bills), balance)
	}
	logger.Info("overdue scan complete",
		slog.Int("overdue", len(bills)),
		slog.String("balance", balance.String()))
	return nil
}

func (j *OverdueScanJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
