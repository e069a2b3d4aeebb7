package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mmeshcher/course-ledger/internal/model"
	"github.com/mmeshcher/course-ledger/internal/reconcile"
)

// MemoryRepository хранит реестр в памяти процесса. Используется в тестах и при запуске без БД.
// Каждая оплата защищена собственным мьютексом, поэтому операции по разным оплатам не блокируют друг друга.
type MemoryRepository struct {
	mu       sync.RWMutex
	payments map[string]*memoryPayment
}

type memoryPayment struct {
	mu      sync.Mutex
	deleted bool
	payment model.Payment
	parts   []model.PaymentPart
	byKey   map[string]int
}

// NewMemoryRepository создаёт пустое хранилище в памяти.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		payments: make(map[string]*memoryPayment),
	}
}

// Close ничего не делает: ресурсов, требующих освобождения, нет.
func (r *MemoryRepository) Close() error { return nil }

// lock находит оплату и захватывает её мьютекс. Вызывающий обязан вызвать mp.mu.Unlock().
// Если контекст истёк, пока ожидалась блокировка, мьютекс освобождается и возвращается ошибка контекста.
func (r *MemoryRepository) lock(ctx context.Context, paymentID string) (*memoryPayment, error) {
	r.mu.RLock()
	mp, ok := r.payments[paymentID]
	r.mu.RUnlock()
	if !ok {
		return nil, notFound(paymentID)
	}

	mp.mu.Lock()
	if err := ctx.Err(); err != nil {
		mp.mu.Unlock()
		return nil, err
	}
	if mp.deleted {
		mp.mu.Unlock()
		return nil, notFound(paymentID)
	}
	return mp, nil
}

func (mp *memoryPayment) snapshot() (model.Payment, error) {
	p := mp.payment
	res, err := reconcile.Compute(p.CourseFee, p.Commission, partAmounts(mp.parts))
	if err != nil {
		return model.Payment{}, err
	}
	if err := reconcile.Verify(p, res); err != nil {
		return model.Payment{}, err
	}
	reconcile.Apply(&p, res)
	if p.ReviewFlaggedAt != nil {
		at := *p.ReviewFlaggedAt
		p.ReviewFlaggedAt = &at
	}
	return p, nil
}

// CreatePayment сохраняет новую оплату.
func (r *MemoryRepository) CreatePayment(ctx context.Context, p *model.Payment) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.payments[p.ID]; exists {
		return model.ErrConflict
	}

	r.payments[p.ID] = &memoryPayment{
		payment: *p,
		byKey:   make(map[string]int),
	}
	return nil
}

// AppendPart записывает взнос и пересчитывает агрегат. Состояние меняется только после
// успешного пересчёта и если контекст ещё не отменён.
func (r *MemoryRepository) AppendPart(ctx context.Context, part model.PaymentPart) (*model.AppendResult, error) {
	mp, err := r.lock(ctx, part.PaymentID)
	if err != nil {
		return nil, err
	}
	defer mp.mu.Unlock()

	if mp.payment.Frozen {
		return nil, ErrPaymentFrozen
	}

	if idx, ok := mp.byKey[part.IdempotencyKey]; ok {
		existing := mp.parts[idx]
		if err := checkReplay(existing, part); err != nil {
			return nil, err
		}
		p, err := mp.snapshot()
		if err != nil {
			return nil, err
		}
		return &model.AppendResult{Part: existing, Payment: p, PreviousStatus: p.Status, Replayed: true}, nil
	}

	part = withDefaultPaidAt(part)
	parts := insertOrdered(mp.parts, part)

	p := mp.payment
	previous := p.Status
	res, err := reconcile.Compute(p.CourseFee, p.Commission, partAmounts(parts))
	if err != nil {
		return nil, err
	}
	reconcile.Apply(&p, res)
	p.UpdatedAt = part.CreatedAt

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mp.parts = parts
	mp.byKey = indexKeys(parts)
	mp.payment = p

	return &model.AppendResult{Part: part, Payment: p, PreviousStatus: previous}, nil
}

// insertOrdered возвращает новый срез с взносом, вставленным по времени оплаты.
// Взносы с одинаковым временем сохраняют порядок записи.
func insertOrdered(parts []model.PaymentPart, part model.PaymentPart) []model.PaymentPart {
	idx := sort.Search(len(parts), func(i int) bool {
		return parts[i].PaidAt.After(part.PaidAt)
	})

	res := make([]model.PaymentPart, 0, len(parts)+1)
	res = append(res, parts[:idx]...)
	res = append(res, part)
	res = append(res, parts[idx:]...)
	return res
}

func indexKeys(parts []model.PaymentPart) map[string]int {
	byKey := make(map[string]int, len(parts))
	for i, p := range parts {
		byKey[p.IdempotencyKey] = i
	}
	return byKey
}

// UpdateCommission меняет распределение отчислений и пересчитывает прибыль.
func (r *MemoryRepository) UpdateCommission(ctx context.Context, paymentID string, split model.CommissionSplit, at time.Time) (*model.Payment, error) {
	mp, err := r.lock(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	defer mp.mu.Unlock()

	if mp.payment.Frozen {
		return nil, ErrPaymentFrozen
	}

	p := mp.payment
	p.Commission = split
	res, err := reconcile.Compute(p.CourseFee, p.Commission, partAmounts(mp.parts))
	if err != nil {
		return nil, err
	}
	reconcile.Apply(&p, res)
	p.UpdatedAt = at

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mp.payment = p
	return &p, nil
}

// GetPayment возвращает оплату с пересчитанными производными полями.
func (r *MemoryRepository) GetPayment(ctx context.Context, paymentID string) (*model.Payment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mp, err := r.lock(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	defer mp.mu.Unlock()

	p, err := mp.snapshot()
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListParts возвращает копию взносов по оплате в порядке времени оплаты.
func (r *MemoryRepository) ListParts(ctx context.Context, paymentID string) ([]model.PaymentPart, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mp, err := r.lock(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	defer mp.mu.Unlock()

	parts := make([]model.PaymentPart, len(mp.parts))
	copy(parts, mp.parts)
	return parts, nil
}

func (r *MemoryRepository) collect(match func(p model.Payment) bool) []model.Payment {
	r.mu.RLock()
	all := make([]*memoryPayment, 0, len(r.payments))
	for _, mp := range r.payments {
		all = append(all, mp)
	}
	r.mu.RUnlock()

	var res []model.Payment
	for _, mp := range all {
		mp.mu.Lock()
		p := mp.payment
		deleted := mp.deleted
		mp.mu.Unlock()

		if !deleted && match(p) {
			res = append(res, p)
		}
	}
	return res
}

// ListPayments возвращает оплаты с указанным статусом (или все, если статус пуст).
func (r *MemoryRepository) ListPayments(ctx context.Context, status model.PaymentStatus, limit int) ([]model.Payment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res := r.collect(func(p model.Payment) bool {
		return status == "" || p.Status == status
	})
	sort.Slice(res, func(i, j int) bool {
		return res[i].UpdatedAt.After(res[j].UpdatedAt)
	})
	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

// GetPaymentsForReview возвращает переплаченные или заблокированные оплаты без уведомления оператора.
func (r *MemoryRepository) GetPaymentsForReview(ctx context.Context, limit int) ([]model.Payment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res := r.collect(func(p model.Payment) bool {
		return (p.Status == model.PaymentStatusOverpaid || p.Frozen) && p.ReviewFlaggedAt == nil
	})
	sort.Slice(res, func(i, j int) bool {
		return res[i].UpdatedAt.Before(res[j].UpdatedAt)
	})
	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

// MarkReviewFlagged отмечает, что оператор уведомлён об оплате.
func (r *MemoryRepository) MarkReviewFlagged(ctx context.Context, paymentID string, at time.Time) error {
	mp, err := r.lock(ctx, paymentID)
	if err != nil {
		return err
	}
	defer mp.mu.Unlock()

	mp.payment.ReviewFlaggedAt = &at
	return nil
}

// FreezePayment блокирует оплату после обнаружения нарушения целостности.
func (r *MemoryRepository) FreezePayment(ctx context.Context, paymentID string, at time.Time) error {
	mp, err := r.lock(ctx, paymentID)
	if err != nil {
		return err
	}
	defer mp.mu.Unlock()

	if mp.payment.Frozen {
		return nil
	}
	mp.payment.Frozen = true
	mp.payment.ReviewFlaggedAt = nil
	mp.payment.UpdatedAt = at
	return nil
}

// DeletePayment удаляет оплату вместе со всеми взносами.
func (r *MemoryRepository) DeletePayment(ctx context.Context, paymentID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	mp, ok := r.payments[paymentID]
	if ok {
		delete(r.payments, paymentID)
	}
	r.mu.Unlock()

	if !ok {
		return notFound(paymentID)
	}

	mp.mu.Lock()
	mp.deleted = true
	mp.parts = nil
	mp.byKey = nil
	mp.mu.Unlock()

	return nil
}
