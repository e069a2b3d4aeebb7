package repository

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mmeshcher/course-ledger/internal/model"
	"github.com/mmeshcher/course-ledger/internal/reconcile"
)

const paymentColumns = `id, student_id, course_id, course_fee, college_payment, agent_commission,
	bank_commission, net_profit, payment_status, frozen, enrollment_date, review_flagged_at,
	created_at, updated_at`

// paidTotalColumn добавляет к выборке списка оплат сумму взносов.
const paidTotalColumn = `,
	(SELECT COALESCE(SUM(pp.amount), 0)::BIGINT FROM payment_parts pp WHERE pp.payment_id = payments.id)`

// PostgresRepository предоставляет доступ к реестру оплат в PostgreSQL.
type PostgresRepository struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
	retryDelays []time.Duration
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string, opts Options) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{
		pool:        pool,
		lockTimeout: opts.LockTimeout,
		retryDelays: []time.Duration{100 * time.Millisecond, 300 * time.Millisecond, 500 * time.Millisecond},
	}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	fsys, err := fs.Sub(migrationsFS, "migrations/postgres")
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}

	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет операции чтения при временных ошибках соединения.
// Изменяющие операции через него не проходят: их повтор остаётся на стороне клиента.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error

	for i := 0; i <= len(r.retryDelays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if isContextError(err) {
			return err
		}

		if !isConnectionError(err) || i == len(r.retryDelays) {
			break
		}

		timer := time.NewTimer(r.retryDelays[i])
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

func isConnectionError(err error) bool {
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset by peer")
}

// mapPgError переводит ошибки PostgreSQL в ошибки реестра.
func mapPgError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.LockNotAvailable,
			pgerrcode.SerializationFailure,
			pgerrcode.DeadlockDetected,
			pgerrcode.UniqueViolation:
			return fmt.Errorf("%s: %w (sqlstate %s)", op, model.ErrConflict, pgErr.Code)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

func scanPayment(row pgx.Row, extra ...any) (model.Payment, error) {
	var (
		p                                    model.Payment
		fee, college, agent, bank, netProfit int64
		status                               string
	)

	dest := []any{
		&p.ID, &p.StudentID, &p.CourseID,
		&fee, &college, &agent, &bank, &netProfit, &status,
		&p.Frozen, &p.EnrollmentDate, &p.ReviewFlaggedAt, &p.CreatedAt, &p.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return model.Payment{}, err
	}

	p.CourseFee = model.Money(fee)
	p.Commission = model.CommissionSplit{
		CollegePayment:  model.Money(college),
		AgentCommission: model.Money(agent),
		BankCommission:  model.Money(bank),
	}
	p.NetProfit = model.Money(netProfit)
	p.Status = model.PaymentStatus(status)

	return p, nil
}

// CreatePayment сохраняет новую оплату.
func (r *PostgresRepository) CreatePayment(ctx context.Context, p *model.Payment) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO payments (id, student_id, course_id, course_fee, college_payment, agent_commission,
			bank_commission, net_profit, payment_status, enrollment_date, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		p.ID, p.StudentID, p.CourseID,
		int64(p.CourseFee), int64(p.Commission.CollegePayment), int64(p.Commission.AgentCommission),
		int64(p.Commission.BankCommission), int64(p.NetProfit), string(p.Status),
		p.EnrollmentDate, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return mapPgError("insert payment", err)
	}
	return nil
}

func (r *PostgresRepository) beginLocked(ctx context.Context) (pgx.Tx, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}

	if r.lockTimeout > 0 {
		_, err = tx.Exec(ctx, `SELECT set_config('lock_timeout', $1, true)`,
			fmt.Sprintf("%dms", r.lockTimeout.Milliseconds()))
		if err != nil {
			_ = tx.Rollback(ctx)
			return nil, fmt.Errorf("set lock timeout: %w", err)
		}
	}

	return tx, nil
}

// lockPayment блокирует строку оплаты до конца транзакции.
func lockPayment(ctx context.Context, tx pgx.Tx, paymentID string) (model.Payment, error) {
	p, err := scanPayment(tx.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE id = $1 FOR UPDATE`, paymentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Payment{}, notFound(paymentID)
		}
		return model.Payment{}, mapPgError("lock payment", err)
	}
	return p, nil
}

func queryParts(ctx context.Context, q interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}, paymentID string) ([]model.PaymentPart, error) {
	rows, err := q.Query(ctx,
		`SELECT id, payment_id, idempotency_key, amount, paid_at, created_at
		 FROM payment_parts
		 WHERE payment_id = $1
		 ORDER BY paid_at, seq`,
		paymentID,
	)
	if err != nil {
		return nil, fmt.Errorf("select parts: %w", err)
	}
	defer rows.Close()

	var parts []model.PaymentPart
	for rows.Next() {
		var (
			part   model.PaymentPart
			amount int64
		)
		if err := rows.Scan(&part.ID, &part.PaymentID, &part.IdempotencyKey, &amount, &part.PaidAt, &part.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan part: %w", err)
		}
		part.Amount = model.Money(amount)
		parts = append(parts, part)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return parts, nil
}

// AppendPart записывает взнос и пересчитывает агрегат в одной транзакции.
// Строка оплаты блокируется, поэтому взносы по одной оплате сериализуются.
func (r *PostgresRepository) AppendPart(ctx context.Context, part model.PaymentPart) (*model.AppendResult, error) {
	tx, err := r.beginLocked(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	p, err := lockPayment(ctx, tx, part.PaymentID)
	if err != nil {
		return nil, err
	}
	if p.Frozen {
		return nil, ErrPaymentFrozen
	}
	previous := p.Status

	var existing model.PaymentPart
	var existingAmount int64
	err = tx.QueryRow(ctx,
		`SELECT id, payment_id, idempotency_key, amount, paid_at, created_at
		 FROM payment_parts
		 WHERE payment_id = $1 AND idempotency_key = $2`,
		part.PaymentID, part.IdempotencyKey,
	).Scan(&existing.ID, &existing.PaymentID, &existing.IdempotencyKey, &existingAmount, &existing.PaidAt, &existing.CreatedAt)
	switch {
	case err == nil:
		existing.Amount = model.Money(existingAmount)
		if err := checkReplay(existing, part); err != nil {
			return nil, err
		}
		parts, err := queryParts(ctx, tx, part.PaymentID)
		if err != nil {
			return nil, err
		}
		res, err := reconcile.Compute(p.CourseFee, p.Commission, partAmounts(parts))
		if err != nil {
			return nil, err
		}
		reconcile.Apply(&p, res)
		return &model.AppendResult{Part: existing, Payment: p, PreviousStatus: p.Status, Replayed: true}, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return nil, mapPgError("select part by key", err)
	}

	part = withDefaultPaidAt(part)

	_, err = tx.Exec(ctx,
		`INSERT INTO payment_parts (id, payment_id, idempotency_key, amount, paid_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		part.ID, part.PaymentID, part.IdempotencyKey, int64(part.Amount), part.PaidAt, part.CreatedAt,
	)
	if err != nil {
		return nil, mapPgError("insert part", err)
	}

	parts, err := queryParts(ctx, tx, part.PaymentID)
	if err != nil {
		return nil, err
	}

	res, err := reconcile.Compute(p.CourseFee, p.Commission, partAmounts(parts))
	if err != nil {
		return nil, err
	}
	reconcile.Apply(&p, res)
	p.UpdatedAt = part.CreatedAt

	_, err = tx.Exec(ctx,
		`UPDATE payments SET net_profit = $2, payment_status = $3, updated_at = $4 WHERE id = $1`,
		p.ID, int64(p.NetProfit), string(p.Status), p.UpdatedAt,
	)
	if err != nil {
		return nil, mapPgError("update payment", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, mapPgError("commit tx", err)
	}

	return &model.AppendResult{Part: part, Payment: p, PreviousStatus: previous}, nil
}

// UpdateCommission меняет распределение отчислений и пересчитывает прибыль.
func (r *PostgresRepository) UpdateCommission(ctx context.Context, paymentID string, split model.CommissionSplit, at time.Time) (*model.Payment, error) {
	tx, err := r.beginLocked(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	p, err := lockPayment(ctx, tx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.Frozen {
		return nil, ErrPaymentFrozen
	}

	parts, err := queryParts(ctx, tx, paymentID)
	if err != nil {
		return nil, err
	}

	p.Commission = split
	res, err := reconcile.Compute(p.CourseFee, p.Commission, partAmounts(parts))
	if err != nil {
		return nil, err
	}
	reconcile.Apply(&p, res)
	p.UpdatedAt = at

	_, err = tx.Exec(ctx,
		`UPDATE payments
		 SET college_payment = $2, agent_commission = $3, bank_commission = $4,
		     net_profit = $5, payment_status = $6, updated_at = $7
		 WHERE id = $1`,
		p.ID, int64(split.CollegePayment), int64(split.AgentCommission), int64(split.BankCommission),
		int64(p.NetProfit), string(p.Status), p.UpdatedAt,
	)
	if err != nil {
		return nil, mapPgError("update commission", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, mapPgError("commit tx", err)
	}

	return &p, nil
}

// GetPayment возвращает оплату с пересчитанными производными полями.
// Чтение выполняется в одном снимке, чтобы сумма взносов соответствовала строке оплаты.
func (r *PostgresRepository) GetPayment(ctx context.Context, paymentID string) (*model.Payment, error) {
	var p model.Payment

	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		p, err = scanPayment(tx.QueryRow(ctx,
			`SELECT `+paymentColumns+` FROM payments WHERE id = $1`, paymentID))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return notFound(paymentID)
			}
			return fmt.Errorf("get payment: %w", err)
		}

		parts, err := queryParts(ctx, tx, paymentID)
		if err != nil {
			return err
		}

		res, err := reconcile.Compute(p.CourseFee, p.Commission, partAmounts(parts))
		if err != nil {
			return err
		}
		if err := reconcile.Verify(p, res); err != nil {
			return err
		}
		reconcile.Apply(&p, res)

		return tx.Commit(ctx)
	})
	if err != nil {
		return nil, err
	}

	return &p, nil
}

// ListParts возвращает взносы по оплате в порядке времени оплаты.
func (r *PostgresRepository) ListParts(ctx context.Context, paymentID string) ([]model.PaymentPart, error) {
	var parts []model.PaymentPart

	err := r.withRetry(ctx, func() error {
		var exists bool
		if err := r.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM payments WHERE id = $1)`, paymentID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("check payment: %w", err)
		}
		if !exists {
			return notFound(paymentID)
		}

		var err error
		parts, err = queryParts(ctx, r.pool, paymentID)
		return err
	})
	if err != nil {
		return nil, err
	}

	return parts, nil
}

func (r *PostgresRepository) queryPayments(ctx context.Context, sql string, args ...any) ([]model.Payment, error) {
	var res []model.Payment

	err := r.withRetry(ctx, func() error {
		rows, err := r.pool.Query(ctx, sql, args...)
		if err != nil {
			return fmt.Errorf("select payments: %w", err)
		}
		defer rows.Close()

		res = res[:0]
		for rows.Next() {
			var paid int64
			p, err := scanPayment(rows, &paid)
			if err != nil {
				return fmt.Errorf("scan payment: %w", err)
			}
			p.PaidTotal = model.Money(paid)
			res = append(res, p)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	return res, nil
}

// ListPayments возвращает оплаты с указанным статусом (или все, если статус пуст).
func (r *PostgresRepository) ListPayments(ctx context.Context, status model.PaymentStatus, limit int) ([]model.Payment, error) {
	if status == "" {
		return r.queryPayments(ctx,
			`SELECT `+paymentColumns+paidTotalColumn+` FROM payments ORDER BY updated_at DESC LIMIT $1`, limit)
	}
	return r.queryPayments(ctx,
		`SELECT `+paymentColumns+paidTotalColumn+` FROM payments WHERE payment_status = $1 ORDER BY updated_at DESC LIMIT $2`,
		string(status), limit)
}

// GetPaymentsForReview возвращает переплаченные или заблокированные оплаты,
// о которых ещё не сообщили оператору.
func (r *PostgresRepository) GetPaymentsForReview(ctx context.Context, limit int) ([]model.Payment, error) {
	return r.queryPayments(ctx,
		`SELECT `+paymentColumns+paidTotalColumn+`
		 FROM payments
		 WHERE (payment_status = $1 OR frozen) AND review_flagged_at IS NULL
		 ORDER BY updated_at
		 LIMIT $2`,
		string(model.PaymentStatusOverpaid), limit)
}

// MarkReviewFlagged отмечает, что оператор уведомлён об оплате.
func (r *PostgresRepository) MarkReviewFlagged(ctx context.Context, paymentID string, at time.Time) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE payments SET review_flagged_at = $2 WHERE id = $1`, paymentID, at)
	if err != nil {
		return mapPgError("mark review flagged", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound(paymentID)
	}
	return nil
}

// FreezePayment блокирует оплату после обнаружения нарушения целостности.
// Сброс review_flagged_at ставит оплату в очередь на уведомление оператора.
func (r *PostgresRepository) FreezePayment(ctx context.Context, paymentID string, at time.Time) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE payments SET frozen = TRUE, review_flagged_at = NULL, updated_at = $2 WHERE id = $1 AND NOT frozen`,
		paymentID, at)
	if err != nil {
		return mapPgError("freeze payment", err)
	}
	return nil
}

// DeletePayment удаляет оплату вместе со всеми взносами.
func (r *PostgresRepository) DeletePayment(ctx context.Context, paymentID string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM payments WHERE id = $1`, paymentID)
	if err != nil {
		return mapPgError("delete payment", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound(paymentID)
	}
	return nil
}
