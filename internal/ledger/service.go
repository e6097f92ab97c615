package ledger

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
)

// Observer receives ledger events for metrics.
type Observer interface {
	BillCreated(direction Direction)
	SettlementApplied(direction Direction, method Method, amount decimal.Decimal)
	SettlementReversed(direction Direction)
	OperationFailed(direction Direction, op, kind string)
}

type nopObserver struct{}

func (nopObserver) BillCreated(Direction)                                {}
func (nopObserver) SettlementApplied(Direction, Method, decimal.Decimal) {}
func (nopObserver) SettlementReversed(Direction)                         {}
func (nopObserver) OperationFailed(Direction, string, string)            {}

// Option configures a Service.
type Option func(*Service)

// WithDirection selects the ledger side. Defaults to payable.
func WithDirection(d Direction) Option {
	return func(s *Service) { s.direction = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithObserver(o Observer) Option {
	return func(s *Service) { s.observer = o }
}

// WithStatsCache enables caching of aggregates.
func WithStatsCache(c StatsCache) Option {
	return func(s *Service) { s.cache = c }
}

// Service is the facade over one direction of the ledger.
type Service struct {
	direction Direction
	now       func() time.Time
	logger    *slog.Logger
	observer  Observer
	cache     StatsCache

	registry    *Registry
	settlements *SettlementLedger
	stats       *StatsAggregator
}

// NewService wires the registry, settlement ledger and stats aggregator over
// repo.
func NewService(repo Repository, opts ...Option) *Service {
	s := &Service{
		direction: DirectionPayable,
		now:       time.Now,
		logger:    slog.Default(),
		observer:  nopObserver{},
		cache:     passthroughCache{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("direction", string(s.direction)))

	seq := NewSequencer(s.now)
	v := newValidator()
	s.registry = &Registry{repo: repo, seq: seq, validate: v, now: s.now, direction: s.direction}
	s.settlements = &SettlementLedger{repo: repo, seq: seq, validate: v, now: s.now, direction: s.direction}
	s.stats = &StatsAggregator{
		registry:    s.registry,
		settlements: s.settlements,
		cache:       s.cache,
		now:         s.now,
		direction:   s.direction,
	}
	return s
}

// Direction reports which side of the ledger the service tracks.
func (s *Service) Direction() Direction {
	return s.direction
}

func (s *Service) CreateBill(ctx context.Context, in CreateBillInput) (Bill, error) {
	bill, err := s.registry.Create(ctx, in)
	if err != nil {
		return Bill{}, s.fail(ctx, "create_bill", err)
	}
	s.observer.BillCreated(s.direction)
	s.logger.InfoContext(ctx, "bill created",
		slog.String("bill_no", bill.BillNo),
		slog.String("counterparty_id", bill.CounterpartyID),
		slog.String("total", bill.TotalAmount.String()))
	s.invalidate(ctx)
	return bill, nil
}

// UpdateBill edits bill details. Settled and balance amounts cannot be set
// here; they only move through settlements.
func (s *Service) UpdateBill(ctx context.Context, id string, d BillDetails) (Bill, error) {
	bill, err := s.registry.UpdateDetails(ctx, id, d)
	if err != nil {
		return Bill{}, s.fail(ctx, "update_bill", err)
	}
	s.logger.InfoContext(ctx, "bill updated", slog.String("bill_no", bill.BillNo))
	s.invalidate(ctx)
	return bill, nil
}

func (s *Service) DeleteBill(ctx context.Context, id string) error {
	if err := s.registry.Delete(ctx, id); err != nil {
		return s.fail(ctx, "delete_bill", err)
	}
	s.logger.InfoContext(ctx, "bill deleted", slog.String("bill_id", id))
	s.invalidate(ctx)
	return nil
}

func (s *Service) ListBills(ctx context.Context, filter BillFilter) ([]Bill, error) {
	return s.registry.List(ctx, filter)
}

func (s *Service) GetBill(ctx context.Context, id string) (Bill, error) {
	return s.registry.Get(ctx, id)
}

func (s *Service) GetBillByNumber(ctx context.Context, billNo string) (Bill, error) {
	return s.registry.GetByNumber(ctx, billNo)
}

// ListOverdueBills returns open bills past their due date, oldest due first.
func (s *Service) ListOverdueBills(ctx context.Context) ([]Bill, error) {
	return s.registry.Overdue(ctx)
}

// ApplySettlement records a payment or receipt against a bill and returns
// the settlement together with the bill as it stands afterwards.
func (s *Service) ApplySettlement(ctx context.Context, in ApplySettlementInput) (Settlement, Bill, error) {
	st, bill, err := s.settlements.Apply(ctx, in)
	if err != nil {
		return Settlement{}, Bill{}, s.fail(ctx, "apply_settlement", err)
	}
	s.observer.SettlementApplied(s.direction, st.Method, st.Amount)
	s.logger.InfoContext(ctx, "settlement applied",
		slog.String("settlement_no", st.SettlementNo),
		slog.String("bill_no", bill.BillNo),
		slog.String("amount", st.Amount.String()),
		slog.String("status", string(bill.Status)))
	s.invalidate(ctx)
	return st, bill, nil
}

// ReverseSettlement removes a settlement and returns the restored bill.
func (s *Service) ReverseSettlement(ctx context.Context, id string) (Bill, error) {
	st, bill, err := s.settlements.Reverse(ctx, id)
	if err != nil {
		return Bill{}, s.fail(ctx, "reverse_settlement", err)
	}
	s.observer.SettlementReversed(s.direction)
	s.logger.InfoContext(ctx, "settlement reversed",
		slog.String("settlement_no", st.SettlementNo),
		slog.String("bill_no", bill.BillNo),
		slog.String("status", string(bill.Status)))
	s.invalidate(ctx)
	return bill, nil
}

func (s *Service) ListSettlementsForBill(ctx context.Context, billID string) ([]Settlement, error) {
	return s.settlements.ForBill(ctx, billID)
}

func (s *Service) ListAllSettlements(ctx context.Context) ([]Settlement, error) {
	return s.settlements.All(ctx)
}

// GenerateBillNumber previews the next bill number. Creation allocates its
// own number, so the preview may already be taken by then.
func (s *Service) GenerateBillNumber(ctx context.Context) (string, error) {
	return s.registry.NextNumber(ctx)
}

func (s *Service) GenerateSettlementNumber(ctx context.Context) (string, error) {
	return s.settlements.NextNumber(ctx)
}

func (s *Service) GetStats(ctx context.Context) (Stats, error) {
	return s.stats.Stats(ctx)
}

func (s *Service) GetStatsByMethod(ctx context.Context) ([]MethodStats, error) {
	return s.stats.ByMethod(ctx)
}

func (s *Service) fail(ctx context.Context, op string, err error) error {
	kind := ErrorKind(err)
	s.observer.OperationFailed(s.direction, op, kind)
	if kind == "internal" {
		s.logger.ErrorContext(ctx, op, slog.Any("error", err))
	} else {
		s.logger.DebugContext(ctx, op+" rejected", slog.String("kind", kind), slog.Any("error", err))
	}
	return err
}

// invalidate drops cached stats. A failed bump only delays freshness until
// the cache TTL expires, so it is logged and not returned.
func (s *Service) invalidate(ctx context.Context) {
	if err := s.stats.Invalidate(ctx); err != nil {
		s.logger.WarnContext(ctx, "stats cache bump failed", slog.Any("error", err))
	}
}
