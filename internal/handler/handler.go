// Package handler содержит HTTP-обработчики API реестра оплат.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/course-ledger/internal/metrics"
	"github.com/mmeshcher/course-ledger/internal/middleware"
	"github.com/mmeshcher/course-ledger/internal/model"
	"github.com/mmeshcher/course-ledger/internal/service"
	"github.com/mmeshcher/course-ledger/internal/validation"
)

// IdempotencyKeyHeader передаёт ключ идемпотентности взноса.
const IdempotencyKeyHeader = "Idempotency-Key"

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	CreatePayment(ctx context.Context, in service.CreatePaymentInput) (*model.Payment, error)
	AddPaymentPart(ctx context.Context, paymentID, idempotencyKey string, amount model.Money, paidAt time.Time) (*model.AppendResult, error)
	GetPayment(ctx context.Context, paymentID string) (*model.Payment, error)
	ListParts(ctx context.Context, paymentID string) ([]model.PaymentPart, error)
	UpdateCommission(ctx context.Context, paymentID string, split model.CommissionSplit) (*model.Payment, error)
	ListPayments(ctx context.Context, status model.PaymentStatus, limit int) ([]model.Payment, error)
	DeletePayment(ctx context.Context, paymentID string) error
}

// Handler реализует HTTP-обработчики API реестра оплат.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	metricsHandler http.Handler
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, metricsHandler http.Handler) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		metricsHandler: metricsHandler,
	}
}

type errorResponse struct {
	Error   string `json:"error"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: "bad_request", Message: msg})
}

// writeError переводит ошибку реестра в HTTP-ответ со структурированной причиной.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := metrics.Kind(err)
	resp := errorResponse{Error: kind, Message: err.Error()}

	if model.IsRetryable(err) {
		w.Header().Set("Retry-After", "1")
	}

	var status int
	switch kind {
	case "validation":
		status = http.StatusUnprocessableEntity
		var vErr *model.ValidationError
		if errors.As(err, &vErr) {
			resp.Field = vErr.Field
			resp.Message = vErr.Message
		}
	case "not_found":
		status = http.StatusNotFound
	case "conflict":
		status = http.StatusConflict
	case "timeout":
		status = http.StatusServiceUnavailable
	case "canceled":
		// 499 Client Closed Request: клиент уже не ждёт ответа.
		status = 499
	case "integrity":
		status = http.StatusInternalServerError
		resp.Message = "payment is frozen pending manual review"
		h.logger.Error("integrity violation", zap.String("uri", r.RequestURI), zap.Error(err))
	default:
		status = http.StatusInternalServerError
		resp.Message = http.StatusText(http.StatusInternalServerError)
		h.logger.Error("internal error", zap.String("uri", r.RequestURI), zap.Error(err))
	}

	writeJSON(w, status, resp)
}

type commissionRequest struct {
	CollegePayment  decimal.Decimal `json:"collegePayment"`
	AgentCommission decimal.Decimal `json:"agentCommission"`
	BankCommission  decimal.Decimal `json:"bankCommission"`
}

func (c commissionRequest) split() (model.CommissionSplit, error) {
	college, err := validation.ParseMoney("collegePayment", c.CollegePayment)
	if err != nil {
		return model.CommissionSplit{}, err
	}
	agent, err := validation.ParseMoney("agentCommission", c.AgentCommission)
	if err != nil {
		return model.CommissionSplit{}, err
	}
	bank, err := validation.ParseMoney("bankCommission", c.BankCommission)
	if err != nil {
		return model.CommissionSplit{}, err
	}
	return model.CommissionSplit{
		CollegePayment:  college,
		AgentCommission: agent,
		BankCommission:  bank,
	}, nil
}

type createPaymentRequest struct {
	StudentID      string          `json:"studentId"`
	CourseID       string          `json:"courseId"`
	CourseFee      decimal.Decimal `json:"courseFee"`
	EnrollmentDate *time.Time      `json:"enrollmentDate,omitempty"`
	commissionRequest
}

type paymentResponse struct {
	ID              string     `json:"id"`
	StudentID       string     `json:"studentId,omitempty"`
	CourseID        string     `json:"courseId,omitempty"`
	CourseFee       string     `json:"courseFee"`
	PaidTotal       string     `json:"paidTotal"`
	CollegePayment  string     `json:"collegePayment"`
	AgentCommission string     `json:"agentCommission"`
	BankCommission  string     `json:"bankCommission"`
	NetProfit       string     `json:"netProfit"`
	PaymentStatus   string     `json:"paymentStatus"`
	Frozen          bool       `json:"frozen,omitempty"`
	EnrollmentDate  string     `json:"enrollmentDate"`
	ReviewFlaggedAt *time.Time `json:"reviewFlaggedAt,omitempty"`
	CreatedAt       string     `json:"createdAt"`
	UpdatedAt       string     `json:"updatedAt"`
}

func newPaymentResponse(p *model.Payment) paymentResponse {
	return paymentResponse{
		ID:              p.ID,
		StudentID:       p.StudentID,
		CourseID:        p.CourseID,
		CourseFee:       p.CourseFee.String(),
		PaidTotal:       p.PaidTotal.String(),
		CollegePayment:  p.Commission.CollegePayment.String(),
		AgentCommission: p.Commission.AgentCommission.String(),
		BankCommission:  p.Commission.BankCommission.String(),
		NetProfit:       p.NetProfit.String(),
		PaymentStatus:   string(p.Status),
		Frozen:          p.Frozen,
		EnrollmentDate:  p.EnrollmentDate.Format(time.RFC3339),
		ReviewFlaggedAt: p.ReviewFlaggedAt,
		CreatedAt:       p.CreatedAt.Format(time.RFC3339Nano),
		UpdatedAt:       p.UpdatedAt.Format(time.RFC3339Nano),
	}
}

// CreatePayment создаёт новую оплату.
func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	var req createPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeBadRequest(w, "invalid JSON body")
		return
	}

	fee, err := validation.ParseMoney("courseFee", req.CourseFee)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	split, err := req.split()
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	in := service.CreatePaymentInput{
		StudentID:  req.StudentID,
		CourseID:   req.CourseID,
		CourseFee:  fee,
		Commission: split,
	}
	if req.EnrollmentDate != nil {
		in.EnrollmentDate = *req.EnrollmentDate
	}

	p, err := h.service.CreatePayment(r.Context(), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	w.Header().Set("Location", "/api/payments/"+p.ID)
	writeJSON(w, http.StatusCreated, newPaymentResponse(p))
}

// GetPayment возвращает оплату с производными полями.
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	p, err := h.service.GetPayment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, newPaymentResponse(p))
}

// ListPayments возвращает оплаты, отфильтрованные по статусу.
func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			h.writeError(w, r, model.NewValidationError("limit", "must be a non-negative integer"))
			return
		}
		limit = n
	}

	payments, err := h.service.ListPayments(r.Context(), model.PaymentStatus(q.Get("status")), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := make([]paymentResponse, 0, len(payments))
	for i := range payments {
		resp = append(resp, newPaymentResponse(&payments[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

// UpdateCommission меняет распределение отчислений по оплате.
func (h *Handler) UpdateCommission(w http.ResponseWriter, r *http.Request) {
	var req commissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeBadRequest(w, "invalid JSON body")
		return
	}

	split, err := req.split()
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	p, err := h.service.UpdateCommission(r.Context(), chi.URLParam(r, "id"), split)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if operatorID, ok := middleware.GetOperatorIDFromContext(r.Context()); ok {
		h.logger.Info("commission updated by operator",
			zap.String("paymentID", p.ID),
			zap.String("operatorID", operatorID),
		)
	}

	writeJSON(w, http.StatusOK, newPaymentResponse(p))
}

// DeletePayment удаляет оплату со всеми взносами.
func (h *Handler) DeletePayment(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeletePayment(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type addPartRequest struct {
	Amount decimal.Decimal `json:"amount"`
	PaidAt *time.Time      `json:"paidAt,omitempty"`
}

type partResponse struct {
	ID             string `json:"id"`
	PaymentID      string `json:"paymentId"`
	IdempotencyKey string `json:"idempotencyKey"`
	Amount         string `json:"amount"`
	PaidAt         string `json:"paidAt"`
	CreatedAt      string `json:"createdAt"`
}

func newPartResponse(p model.PaymentPart) partResponse {
	return partResponse{
		ID:             p.ID,
		PaymentID:      p.PaymentID,
		IdempotencyKey: p.IdempotencyKey,
		Amount:         p.Amount.String(),
		PaidAt:         p.PaidAt.Format(time.RFC3339Nano),
		CreatedAt:      p.CreatedAt.Format(time.RFC3339Nano),
	}
}

type addPartResponse struct {
	Part     partResponse    `json:"part"`
	Payment  paymentResponse `json:"payment"`
	Replayed bool            `json:"replayed"`
}

// AddPaymentPart записывает взнос по оплате. Повтор запроса с тем же ключом возвращает 200.
func (h *Handler) AddPaymentPart(w http.ResponseWriter, r *http.Request) {
	var req addPartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeBadRequest(w, "invalid JSON body")
		return
	}

	amount, err := validation.ParseMoney("amount", req.Amount)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var paidAt time.Time
	if req.PaidAt != nil {
		paidAt = *req.PaidAt
	}

	res, err := h.service.AddPaymentPart(r.Context(), chi.URLParam(r, "id"), r.Header.Get(IdempotencyKeyHeader), amount, paidAt)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}

	writeJSON(w, status, addPartResponse{
		Part:     newPartResponse(res.Part),
		Payment:  newPaymentResponse(&res.Payment),
		Replayed: res.Replayed,
	})
}

// ListParts возвращает взносы по оплате в порядке времени оплаты.
func (h *Handler) ListParts(w http.ResponseWriter, r *http.Request) {
	parts, err := h.service.ListParts(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := make([]partResponse, 0, len(parts))
	for _, p := range parts {
		resp = append(resp, newPartResponse(p))
	}
	writeJSON(w, http.StatusOK, resp)
}
