package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/openitem/internal/ledger"
)

var _ ledger.Observer = (*LedgerMetrics)(nil)

// LedgerMetrics counts ledger mutations and tracks open overdue exposure.
type LedgerMetrics struct {
	billsCreated       *prometheus.CounterVec
	settlementsApplied *prometheus.CounterVec
	settledAmount      *prometheus.CounterVec
	reversals          *prometheus.CounterVec
	failures           *prometheus.CounterVec
	overdueBills       *prometheus.GaugeVec
	overdueAmount      *prometheus.GaugeVec
}

// NewLedgerMetrics registers the ledger collectors against registerer.
func NewLedgerMetrics(registerer prometheus.Registerer) *LedgerMetrics {
	m := &LedgerMetrics{
		billsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "openitem_bills_created_total",
			Help: "Bills created per direction.",
		}, []string{"direction"}),
		settlementsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "openitem_settlements_applied_total",
			Help: "Settlements applied per direction and method.",
		}, []string{"direction", "method"}),
		settledAmount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "openitem_settled_amount_total",
			Help: "Sum of applied settlement amounts per direction.",
		}, []string{"direction"}),
		reversals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "openitem_settlements_reversed_total",
			Help: "Settlements reversed per direction.",
		}, []string{"direction"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "openitem_ledger_failures_total",
			Help: "Rejected or failed ledger mutations by operation and error kind.",
		}, []string{"direction", "op", "kind"}),
		overdueBills: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "openitem_overdue_bills",
			Help: "Open bills past their due date at the last scan.",
		}, []string{"direction"}),
		overdueAmount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "openitem_overdue_balance",
			Help: "Outstanding balance of overdue bills at the last scan.",
		}, []string{"direction"}),
	}
	registerer.MustRegister(
		m.billsCreated,
		m.settlementsApplied,
		m.settledAmount,
		m.reversals,
		m.failures,
		m.overdueBills,
		m.overdueAmount,
	)
	return m
}

func (m *LedgerMetrics) BillCreated(d ledger.Direction) {
	m.billsCreated.WithLabelValues(string(d)).Inc()
}

func (m *LedgerMetrics) SettlementApplied(d ledger.Direction, method ledger.Method, amount decimal.Decimal) {
	m.settlementsApplied.WithLabelValues(string(d), string(method)).Inc()
	f, _ := amount.Float64()
	m.settledAmount.WithLabelValues(string(d)).Add(f)
}

func (m *LedgerMetrics) SettlementReversed(d ledger.Direction) {
	m.reversals.WithLabelValues(string(d)).Inc()
}

func (m *LedgerMetrics) OperationFailed(d ledger.Direction, op, kind string) {
	m.failures.WithLabelValues(string(d), op, kind).Inc()
}

// SetOverdue publishes the result of an overdue scan.
func (m *LedgerMetrics) SetOverdue(d ledger.Direction, count int, balance decimal.Decimal) {
	f, _ := balance.Float64()
	m.overdueBills.WithLabelValues(string(d)).Set(float64(count))
	m.overdueAmount.WithLabelValues(string(d)).Set(f)
}
