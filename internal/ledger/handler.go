package ledger

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/openitem/internal/platform/httpx"
)

var problemMappings = []httpx.Mapping{
	{Err: ErrNotFound, Status: http.StatusNotFound, Title: "Not Found"},
	{Err: ErrDuplicateNumber, Status: http.StatusConflict, Title: "Duplicate Number"},
	{Err: ErrHasSettlements, Status: http.StatusConflict, Title: "Bill Has Settlements"},
	{Err: ErrAlreadySettled, Status: http.StatusConflict, Title: "Bill Already Settled"},
	{Err: ErrExcessAmount, Status: http.StatusUnprocessableEntity, Title: "Amount Exceeds Balance"},
}

// Handler exposes one ledger direction as a JSON API.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers bill, settlement and stats routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/bills", func(r chi.Router) {
		r.Get("/", h.listBills)
		r.Post("/", h.createBill)
		r.Get("/overdue", h.listOverdue)
		r.Get("/next-number", h.nextBillNumber)
		r.Get("/by-number/{billNo}", h.getBillByNumber)
		r.Get("/{id}", h.getBill)
		r.Patch("/{id}", h.updateBill)
		r.Delete("/{id}", h.deleteBill)
		r.Get("/{id}/settlements", h.listBillSettlements)
	})
	r.Route("/settlements", func(r chi.Router) {
		r.Get("/", h.listSettlements)
		r.Post("/", h.applySettlement)
		r.Get("/next-number", h.nextSettlementNumber)
		r.Delete("/{id}", h.reverseSettlement)
	})
	r.Get("/stats", h.stats)
	r.Get("/stats/methods", h.statsByMethod)
}

type billRequest struct {
	BillNo         string           `json:"billNo"`
	CounterpartyID string           `json:"counterpartyId"`
	OrderID        string           `json:"orderId"`
	BillDate       string           `json:"billDate"`
	DueDate        string           `json:"dueDate"`
	TotalAmount    *decimal.Decimal `json:"totalAmount"`
	Remark         string           `json:"remark"`
}

// billPatch accepts the editable fields. The balance fields are decoded only
// so that a request carrying them can be rejected by name.
type billPatch struct {
	BillNo         *string          `json:"billNo"`
	CounterpartyID *string          `json:"counterpartyId"`
	OrderID        *string          `json:"orderId"`
	BillDate       *string          `json:"billDate"`
	DueDate        *string          `json:"dueDate"`
	TotalAmount    *decimal.Decimal `json:"totalAmount"`
	Remark         *string          `json:"remark"`

	SettledAmount json.RawMessage `json:"settledAmount"`
	BalanceAmount json.RawMessage `json:"balanceAmount"`
	Status        json.RawMessage `json:"status"`
	PaidAt        json.RawMessage `json:"paidAt"`
}

type settlementRequest struct {
	BillID         string          `json:"billId"`
	SettlementNo   string          `json:"settlementNo"`
	SettlementDate string          `json:"settlementDate"`
	Method         Method          `json:"method"`
	Amount         decimal.Decimal `json:"amount"`
	Operator       string          `json:"operator"`
	Remark         string          `json:"remark"`
}

type settlementResponse struct {
	Settlement Settlement `json:"settlement"`
	Bill       Bill       `json:"bill"`
}

type numberResponse struct {
	Number string `json:"number"`
}

func (h *Handler) listBills(w http.ResponseWriter, r *http.Request) {
	filter := BillFilter{
		Status:         Status(strings.ToUpper(r.URL.Query().Get("status"))),
		CounterpartyID: r.URL.Query().Get("counterparty_id"),
	}
	if filter.Status != "" && !validStatus(filter.Status) {
		h.fail(w, r, invalidField("status", "must be one of UNPAID PARTIAL PAID"))
		return
	}
	bills, err := h.service.ListBills(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, bills)
}

func (h *Handler) createBill(w http.ResponseWriter, r *http.Request) {
	var req billRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	parsed := &inputParser{}
	in := CreateBillInput{
		BillNo:         req.BillNo,
		CounterpartyID: req.CounterpartyID,
		OrderID:        req.OrderID,
		BillDate:       parsed.parse("billDate", req.BillDate),
		DueDate:        parsed.parse("dueDate", req.DueDate),
		TotalAmount:    parsed.required("totalAmount", req.TotalAmount),
		Remark:         req.Remark,
	}
	if err := parsed.err(); err != nil {
		h.fail(w, r, err)
		return
	}
	bill, err := h.service.CreateBill(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, bill)
}

func (h *Handler) listOverdue(w http.ResponseWriter, r *http.Request) {
	bills, err := h.service.ListOverdueBills(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, bills)
}

func (h *Handler) nextBillNumber(w http.ResponseWriter, r *http.Request) {
	no, err := h.service.GenerateBillNumber(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, numberResponse{Number: no})
}

func (h *Handler) getBillByNumber(w http.ResponseWriter, r *http.Request) {
	bill, err := h.service.GetBillByNumber(r.Context(), chi.URLParam(r, "billNo"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, bill)
}

func (h *Handler) getBill(w http.ResponseWriter, r *http.Request) {
	bill, err := h.service.GetBill(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, bill)
}

func (h *Handler) updateBill(w http.ResponseWriter, r *http.Request) {
	var req billPatch
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	managed := map[string]json.RawMessage{
		"settledAmount": req.SettledAmount,
		"balanceAmount": req.BalanceAmount,
		"status":        req.Status,
		"paidAt":        req.PaidAt,
	}
	rejected := &ValidationError{Fields: map[string]string{}}
	for field, raw := range managed {
		if len(raw) > 0 {
			rejected.Fields[field] = "is derived from settlements and cannot be set"
		}
	}
	if len(rejected.Fields) > 0 {
		h.fail(w, r, rejected)
		return
	}

	parsed := &inputParser{}
	d := BillDetails{
		BillNo:         req.BillNo,
		CounterpartyID: req.CounterpartyID,
		OrderID:        req.OrderID,
		TotalAmount:    req.TotalAmount,
		Remark:         req.Remark,
	}
	if req.BillDate != nil {
		t := parsed.parse("billDate", *req.BillDate)
		d.BillDate = &t
	}
	if req.DueDate != nil {
		t := parsed.parse("dueDate", *req.DueDate)
		d.DueDate = &t
	}
	if err := parsed.err(); err != nil {
		h.fail(w, r, err)
		return
	}
	bill, err := h.service.UpdateBill(r.Context(), chi.URLParam(r, "id"), d)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, bill)
}

func (h *Handler) deleteBill(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteBill(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listBillSettlements(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.ListSettlementsForBill(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, list)
}

func (h *Handler) listSettlements(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.ListAllSettlements(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, list)
}

func (h *Handler) applySettlement(w http.ResponseWriter, r *http.Request) {
	var req settlementRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	parsed := &inputParser{}
	in := ApplySettlementInput{
		BillID:         req.BillID,
		SettlementNo:   req.SettlementNo,
		SettlementDate: parsed.parse("settlementDate", req.SettlementDate),
		Method:         Method(strings.ToUpper(string(req.Method))),
		Amount:         req.Amount,
		Operator:       req.Operator,
		Remark:         req.Remark,
	}
	if err := parsed.err(); err != nil {
		h.fail(w, r, err)
		return
	}
	st, bill, err := h.service.ApplySettlement(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, settlementResponse{Settlement: st, Bill: bill})
}

func (h *Handler) nextSettlementNumber(w http.ResponseWriter, r *http.Request) {
	no, err := h.service.GenerateSettlementNumber(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, numberResponse{Number: no})
}

func (h *Handler) reverseSettlement(w http.ResponseWriter, r *http.Request) {
	bill, err := h.service.ReverseSettlement(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, bill)
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.GetStats(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, stats)
}

func (h *Handler) statsByMethod(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.GetStatsByMethod(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, stats)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if ErrorKind(err) == "internal" && !errors.Is(err, httpx.ErrBadRequest) {
		h.logger.Error("ledger request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("error", err))
	}
	httpx.RespondError(w, err, problemMappings...)
}

func validStatus(s Status) bool {
	for _, known := range Statuses {
		if s == known {
			return true
		}
	}
	return false
}

// inputParser collects decoding errors for date and amount fields so a request
// reports all of them at once. Empty dates parse to the zero time and are left
// to validation.
type inputParser struct {
	fields map[string]string
}

func (p *inputParser) parse(field, value string) time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.DateOnly, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	p.reject(field, "must be a date in YYYY-MM-DD format")
	return time.Time{}
}

// required unwraps an amount that must be present; an explicit zero counts.
func (p *inputParser) required(field string, value *decimal.Decimal) decimal.Decimal {
	if value == nil {
		p.reject(field, "is required")
		return decimal.Zero
	}
	return *value
}

func (p *inputParser) reject(field, msg string) {
	if p.fields == nil {
		p.fields = make(map[string]string)
	}
	p.fields[field] = msg
}

func (p *inputParser) err() error {
	if len(p.fields) == 0 {
		return nil
	}
	return &ValidationError{Fields: p.fields}
}
