// Package service реализует бизнес-логику реестра оплат курсов.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/course-ledger/internal/metrics"
	"github.com/mmeshcher/course-ledger/internal/model"
	"github.com/mmeshcher/course-ledger/internal/reconcile"
	"github.com/mmeshcher/course-ledger/internal/repository"
	"github.com/mmeshcher/course-ledger/internal/review"
	"github.com/mmeshcher/course-ledger/internal/validation"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// Repository описывает контракт хранилища реестра, используемый сервисом.
type Repository interface {
	Close() error
	CreatePayment(ctx context.Context, p *model.Payment) error
	AppendPart(ctx context.Context, part model.PaymentPart) (*model.AppendResult, error)
	GetPayment(ctx context.Context, paymentID string) (*model.Payment, error)
	ListParts(ctx context.Context, paymentID string) ([]model.PaymentPart, error)
	UpdateCommission(ctx context.Context, paymentID string, split model.CommissionSplit, at time.Time) (*model.Payment, error)
	ListPayments(ctx context.Context, status model.PaymentStatus, limit int) ([]model.Payment, error)
	DeletePayment(ctx context.Context, paymentID string) error
	GetPaymentsForReview(ctx context.Context, limit int) ([]model.Payment, error)
	MarkReviewFlagged(ctx context.Context, paymentID string, at time.Time) error
	FreezePayment(ctx context.Context, paymentID string, at time.Time) error
}

// Options задаёт ограничения сервиса.
type Options struct {
	// TxTimeout ограничивает длительность каждой операции хранилища.
	TxTimeout time.Duration
	// PaidAtTolerance задаёт, насколько время оплаты может опережать часы реестра.
	PaidAtTolerance time.Duration
	// ReviewInterval задаёт период опроса оплат для передачи оператору.
	ReviewInterval time.Duration
	// ReviewBatch ограничивает, сколько оплат обрабатывается за один проход.
	ReviewBatch int
}

// DefaultOptions возвращает значения по умолчанию.
func DefaultOptions() Options {
	return Options{
		TxTimeout:       5 * time.Second,
		PaidAtTolerance: 5 * time.Minute,
		ReviewInterval:  time.Second,
		ReviewBatch:     100,
	}
}

// Service содержит бизнес-логику реестра оплат.
type Service struct {
	repo         Repository
	reviewClient *review.Client
	metrics      *metrics.Metrics
	logger       *zap.Logger
	opts         Options

	now   func() time.Time
	newID func() string
}

// NewService создаёт сервис с указанным хранилищем и клиентом вебхука проверки.
func NewService(repo Repository, reviewClient *review.Client, m *metrics.Metrics, logger *zap.Logger, opts Options) *Service {
	return &Service{
		repo:         repo,
		reviewClient: reviewClient,
		metrics:      m,
		logger:       logger,
		opts:         opts,
		now:          time.Now,
		newID:        uuid.NewString,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// CreatePaymentInput содержит параметры новой оплаты.
type CreatePaymentInput struct {
	StudentID      string
	CourseID       string
	CourseFee      model.Money
	Commission     model.CommissionSplit
	EnrollmentDate time.Time
}

// normalizeTime приводит время к UTC с точностью до микросекунд, которую сохраняют все хранилища.
func normalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opts.TxTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.opts.TxTimeout)
}

// fail приводит ошибку хранилища к таксономии реестра, учитывает её в метриках и
// блокирует оплату при нарушении целостности.
func (s *Service) fail(ctx context.Context, op, paymentID string, err error) error {
	if !errors.Is(err, model.ErrTimeout) &&
		(errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded)) {
		err = fmt.Errorf("%s: %w: %w", op, model.ErrTimeout, err)
	}

	if errors.Is(err, model.ErrIntegrity) && !errors.Is(err, repository.ErrPaymentFrozen) && paymentID != "" {
		s.freeze(paymentID, err)
	}

	s.metrics.Errors.WithLabelValues(op, metrics.Kind(err)).Inc()
	return err
}

// freeze останавливает обработку оплаты до ручного вмешательства.
func (s *Service) freeze(paymentID string, cause error) {
	s.metrics.IntegrityViolations.Inc()
	s.logger.Error("ledger integrity violation, freezing payment",
		zap.String("paymentID", paymentID),
		zap.Error(cause),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.repo.FreezePayment(ctx, paymentID, normalizeTime(s.now())); err != nil {
		s.logger.Error("freeze payment error", zap.String("paymentID", paymentID), zap.Error(err))
	}
}

// CreatePayment создаёт оплату в статусе PENDING.
func (s *Service) CreatePayment(ctx context.Context, in CreatePaymentInput) (*model.Payment, error) {
	if in.CourseFee <= 0 {
		return nil, s.fail(ctx, "create_payment", "", model.NewValidationError("courseFee", "must be positive"))
	}
	if in.CourseFee > model.MaxMoney {
		return nil, s.fail(ctx, "create_payment", "", model.NewValidationError("courseFee", "is out of range"))
	}
	if err := reconcile.ValidateSplit(in.Commission); err != nil {
		return nil, s.fail(ctx, "create_payment", "", err)
	}

	res, err := reconcile.Compute(in.CourseFee, in.Commission, nil)
	if err != nil {
		return nil, s.fail(ctx, "create_payment", "", err)
	}

	now := normalizeTime(s.now())
	enrollment := in.EnrollmentDate
	if enrollment.IsZero() {
		enrollment = now
	}

	p := &model.Payment{
		ID:             s.newID(),
		StudentID:      in.StudentID,
		CourseID:       in.CourseID,
		CourseFee:      in.CourseFee,
		Commission:     in.Commission,
		EnrollmentDate: normalizeTime(enrollment),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	reconcile.Apply(p, res)

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	started := time.Now()
	err = s.repo.CreatePayment(ctx, p)
	s.metrics.ObserveStore("create_payment", started)
	if err != nil {
		return nil, s.fail(ctx, "create_payment", "", err)
	}

	s.metrics.PaymentsCreated.Inc()
	s.logger.Info("payment created",
		zap.String("paymentID", p.ID),
		zap.String("studentID", p.StudentID),
		zap.String("courseID", p.CourseID),
	)

	return p, nil
}

// AddPaymentPart записывает взнос и пересчитывает оплату. Повтор с тем же ключом
// идемпотентности возвращает ранее записанный взнос и ничего не меняет.
func (s *Service) AddPaymentPart(ctx context.Context, paymentID, idempotencyKey string, amount model.Money, paidAt time.Time) (*model.AppendResult, error) {
	if amount <= 0 {
		return nil, s.fail(ctx, "append_part", "", model.NewValidationError("amount", "must be positive"))
	}
	if amount > model.MaxMoney {
		return nil, s.fail(ctx, "append_part", "", model.NewValidationError("amount", "is out of range"))
	}
	if !validation.IsValidIdempotencyKey(idempotencyKey) {
		return nil, s.fail(ctx, "append_part", "", model.NewValidationError("idempotencyKey", "must be 1-128 printable ASCII characters"))
	}

	now := normalizeTime(s.now())
	// Неуказанное время оплаты остаётся нулевым до записи: хранилище подставит время записи,
	// а повтор без времени оплаты сравнивается только по сумме.
	if !paidAt.IsZero() {
		if paidAt.After(now.Add(s.opts.PaidAtTolerance)) {
			return nil, s.fail(ctx, "append_part", "", model.NewValidationError("paidAt", "must not be in the future"))
		}
		paidAt = normalizeTime(paidAt)
	}

	part := model.PaymentPart{
		ID:             s.newID(),
		PaymentID:      paymentID,
		IdempotencyKey: idempotencyKey,
		Amount:         amount,
		PaidAt:         paidAt,
		CreatedAt:      now,
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	started := time.Now()
	res, err := s.repo.AppendPart(ctx, part)
	s.metrics.ObserveStore("append_part", started)
	if err != nil {
		return nil, s.fail(ctx, "append_part", paymentID, err)
	}

	s.metrics.PartsAppended.WithLabelValues(fmt.Sprint(res.Replayed)).Inc()

	if res.Replayed {
		s.logger.Info("payment part replayed",
			zap.String("paymentID", paymentID),
			zap.String("partID", res.Part.ID),
		)
		return res, nil
	}

	// Взносы только положительные, поэтому статус не может откатиться назад.
	if res.Payment.Status.Rank() < res.PreviousStatus.Rank() {
		return nil, s.fail(ctx, "append_part", paymentID, fmt.Errorf("%w: status moved back from %s to %s",
			model.ErrIntegrity, res.PreviousStatus, res.Payment.Status))
	}

	if res.PreviousStatus != res.Payment.Status {
		s.metrics.StatusTransitions.WithLabelValues(string(res.PreviousStatus), string(res.Payment.Status)).Inc()
		s.logger.Info("payment status changed",
			zap.String("paymentID", paymentID),
			zap.String("from", string(res.PreviousStatus)),
			zap.String("to", string(res.Payment.Status)),
		)
	}
	if res.Payment.Status == model.PaymentStatusOverpaid && res.PreviousStatus != model.PaymentStatusOverpaid {
		s.logger.Warn("payment overpaid, queued for operator review", zap.String("paymentID", paymentID))
	}

	return res, nil
}

// GetPayment возвращает оплату с актуальными производными полями.
func (s *Service) GetPayment(ctx context.Context, paymentID string) (*model.Payment, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	started := time.Now()
	p, err := s.repo.GetPayment(ctx, paymentID)
	s.metrics.ObserveStore("get_payment", started)
	if err != nil {
		return nil, s.fail(ctx, "get_payment", paymentID, err)
	}
	return p, nil
}

// ListParts возвращает взносы по оплате, упорядоченные по времени оплаты.
func (s *Service) ListParts(ctx context.Context, paymentID string) ([]model.PaymentPart, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	started := time.Now()
	parts, err := s.repo.ListParts(ctx, paymentID)
	s.metrics.ObserveStore("list_parts", started)
	if err != nil {
		return nil, s.fail(ctx, "list_parts", paymentID, err)
	}
	return parts, nil
}

// UpdateCommission меняет отчисления по оплате. Стоимость курса при этом не меняется.
func (s *Service) UpdateCommission(ctx context.Context, paymentID string, split model.CommissionSplit) (*model.Payment, error) {
	if err := reconcile.ValidateSplit(split); err != nil {
		return nil, s.fail(ctx, "update_commission", "", err)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	started := time.Now()
	p, err := s.repo.UpdateCommission(ctx, paymentID, split, normalizeTime(s.now()))
	s.metrics.ObserveStore("update_commission", started)
	if err != nil {
		return nil, s.fail(ctx, "update_commission", paymentID, err)
	}

	s.logger.Info("payment commission updated", zap.String("paymentID", paymentID))
	return p, nil
}

// ListPayments возвращает оплаты с указанным статусом, начиная с недавно изменённых.
func (s *Service) ListPayments(ctx context.Context, status model.PaymentStatus, limit int) ([]model.Payment, error) {
	if status != "" && !status.Valid() {
		return nil, s.fail(ctx, "list_payments", "", model.NewValidationError("status", "unknown payment status"))
	}
	switch {
	case limit <= 0:
		limit = defaultListLimit
	case limit > maxListLimit:
		limit = maxListLimit
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	started := time.Now()
	res, err := s.repo.ListPayments(ctx, status, limit)
	s.metrics.ObserveStore("list_payments", started)
	if err != nil {
		return nil, s.fail(ctx, "list_payments", "", err)
	}
	return res, nil
}

// DeletePayment удаляет оплату со всеми взносами.
func (s *Service) DeletePayment(ctx context.Context, paymentID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	started := time.Now()
	err := s.repo.DeletePayment(ctx, paymentID)
	s.metrics.ObserveStore("delete_payment", started)
	if err != nil {
		return s.fail(ctx, "delete_payment", "", err)
	}

	s.logger.Info("payment deleted", zap.String("paymentID", paymentID))
	return nil
}
