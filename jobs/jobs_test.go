package jobs

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	jobmetrics "github.com/odyssey-erp/openitem/internal/jobs"
	"github.com/odyssey-erp/openitem/internal/ledger"
)

type stubOverdue struct {
	bills []ledger.Bill
	err   error
}

func (s stubOverdue) ListOverdueBills(context.Context) ([]ledger.Bill, error) {
	return s.bills, s.err
}

type recorded struct {
	count   int
	balance decimal.Decimal
}

type stubRecorder map[ledger.Direction]recorded

func (r stubRecorder) SetOverdue(d ledger.Direction, count int, balance decimal.Decimal) {
	r[d] = recorded{count: count, balance: balance}
}

func TestOverdueScanRecordsEachDirection(t *testing.T) {
	rec := stubRecorder{}
	job := &OverdueScanJob{
		Sources: map[ledger.Direction]OverdueSource{
			ledger.DirectionPayable: stubOverdue{bills: []ledger.Bill{
				{BillNo: "AP2401001", BalanceAmount: decimal.RequireFromString("40")},
				{BillNo: "AP2401002", BalanceAmount: decimal.RequireFromString("2.5")},
			}},
			ledger.DirectionReceivable: stubOverdue{},
		},
		Recorder: rec,
		Metrics:  jobmetrics.NewMetrics(prometheus.NewRegistry()),
	}

	task, err := NewOverdueScanTask(LedgerPayload{})
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))

	require.Equal(t, 2, rec[ledger.DirectionPayable].count)
	require.True(t, rec[ledger.DirectionPayable].balance.Equal(decimal.RequireFromString("42.5")))
	require.Equal(t, 0, rec[ledger.DirectionReceivable].count)
}

func TestOverdueScanLimitsToRequestedDirection(t *testing.T) {
	rec := stubRecorder{}
	job := &OverdueScanJob{
		Sources: map[ledger.Direction]OverdueSource{
			ledger.DirectionPayable:    stubOverdue{},
			ledger.DirectionReceivable: stubOverdue{},
		},
		Recorder: rec,
	}
	task, err := NewOverdueScanTask(LedgerPayload{Directions: []ledger.Direction{ledger.DirectionReceivable}})
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))

	_, scanned := rec[ledger.DirectionPayable]
	require.False(t, scanned)
	_, scanned = rec[ledger.DirectionReceivable]
	require.True(t, scanned)
}

func TestOverdueScanPropagatesSourceError(t *testing.T) {
	boom := errors.New("boom")
	job := &OverdueScanJob{Sources: map[ledger.Direction]OverdueSource{
		ledger.DirectionPayable: stubOverdue{err: boom},
	}}
	task, err := NewOverdueScanTask(LedgerPayload{})
	require.NoError(t, err)
	require.ErrorIs(t, job.Handle(context.Background(), task), boom)
}

func TestLedgerTaskRejectsBadPayloadWithoutRetry(t *testing.T) {
	job := &OverdueScanJob{}

	err := job.Handle(context.Background(), asynq.NewTask(TaskLedgerOverdueScan, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)

	err = job.Handle(context.Background(), asynq.NewTask(TaskLedgerOverdueScan, []byte(`{"directions":["sideways"]}`)))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

type stubStats struct {
	statsCalls  int
	methodCalls int
}

func (s *stubStats) GetStats(context.Context) (ledger.Stats, error) {
	s.statsCalls++
	return ledger.Stats{TotalCount: 3}, nil
}

func (s *stubStats) GetStatsByMethod(context.Context) ([]ledger.MethodStats, error) {
	s.methodCalls++
	return nil, nil
}

func TestStatsWarmupReadsEveryDirection(t *testing.T) {
	payable, receivable := &stubStats{}, &stubStats{}
	job := &StatsWarmupJob{Sources: map[ledger.Direction]StatsSource{
		ledger.DirectionPayable:    payable,
		ledger.DirectionReceivable: receivable,
	}}
	task, err := NewStatsWarmupTask(LedgerPayload{})
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))

	require.Equal(t, 1, payable.statsCalls)
	require.Equal(t, 1, payable.methodCalls)
	require.Equal(t, 1, receivable.statsCalls)
}

type failingStats struct{ stubStats }

func (failingStats) GetStats(context.Context) (ledger.Stats, error) {
	return ledger.Stats{}, errors.New("cache down")
}

func TestStatsWarmupReportsFailingDirection(t *testing.T) {
	job := &StatsWarmupJob{Sources: map[ledger.Direction]StatsSource{
		ledger.DirectionPayable:    &stubStats{},
		ledger.DirectionReceivable: &failingStats{},
	}}
	task, err := NewStatsWarmupTask(LedgerPayload{})
	require.NoError(t, err)
	err = job.Handle(context.Background(), task)
	require.ErrorContains(t, err, "stats warmup receivable")
}

type stubEnqueuer struct {
	payloads []LedgerPayload
	err      error
}

func (s *stubEnqueuer) EnqueueOverdueScan(_ context.Context, p LedgerPayload) (*asynq.TaskInfo, error) {
	s.payloads = append(s.payloads, p)
	if s.err != nil {
		return nil, s.err
	}
	return &asynq.TaskInfo{ID: "t1", Type: TaskLedgerOverdueScan}, nil
}

func (s *stubEnqueuer) EnqueueStatsWarmup(_ context.Context, p LedgerPayload) (*asynq.TaskInfo, error) {
	s.payloads = append(s.payloads, p)
	return &asynq.TaskInfo{ID: "t2", Type: TaskLedgerStatsWarmup}, nil
}

type stubInspector struct{}

func (stubInspector) GetQueueInfo(queue string) (*asynq.QueueInfo, error) {
	return &asynq.QueueInfo{Queue: queue, Pending: 4}, nil
}

func newJobsRouter(enq Enqueuer) http.Handler {
	r := chi.NewRouter()
	r.Route("/jobs", NewHandler(stubInspector{}, enq, nil).MountRoutes)
	return r
}

func TestHandlerTriggersOverdueScan(t *testing.T) {
	enq := &stubEnqueuer{}
	req := httptest.NewRequest(http.MethodPost, "/jobs/overdue-scan", strings.NewReader(`{"directions":["payable"]}`))
	rr := httptest.NewRecorder()
	newJobsRouter(enq).ServeHTTP(rr, req)

	require.Equal(t, http.StatusAccepted, rr.Code)
	require.Len(t, enq.payloads, 1)
	require.Equal(t, []ledger.Direction{ledger.DirectionPayable}, enq.payloads[0].Directions)
}

func TestHandlerReportsDuplicateTrigger(t *testing.T) {
	enq := &stubEnqueuer{err: asynq.ErrDuplicateTask}
	rr := httptest.NewRecorder()
	newJobsRouter(enq).ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/jobs/overdue-scan", nil))
	require.Equal(t, http.StatusConflict, rr.Code)
}

func TestHandlerRejectsUnknownDirection(t *testing.T) {
	enq := &stubEnqueuer{}
	req := httptest.NewRequest(http.MethodPost, "/jobs/stats-warmup", strings.NewReader(`{"directions":["up"]}`))
	rr := httptest.NewRecorder()
	newJobsRouter(enq).ServeHTTP(rr, req)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Empty(t, enq.payloads)
}

func TestHandlerHealthReportsQueueDepth(t *testing.T) {
	rr := httptest.NewRecorder()
	newJobsRouter(nil).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"queue":"default","pending":4,"active":0,"retry":0}`, rr.Body.String())
}
