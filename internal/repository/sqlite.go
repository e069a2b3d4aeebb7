package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/mmeshcher/course-ledger/internal/model"
	"github.com/mmeshcher/course-ledger/internal/reconcile"
)

// SQLiteRepository хранит реестр оплат во встроенной базе SQLite.
// Транзакции открываются в режиме IMMEDIATE, поэтому запись в базу сериализуется целиком.
type SQLiteRepository struct {
	db *sql.DB
}

// sqliteDSN собирает строку подключения для modernc.org/sqlite.
func sqliteDSN(dsn string, busyTimeout time.Duration) string {
	path := strings.TrimPrefix(dsn, "sqlite://")
	if !strings.HasPrefix(path, "file:") {
		path = "file:" + path
	}

	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}

	return fmt.Sprintf("%s%s_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_txlock=immediate",
		path, sep, busyTimeout.Milliseconds())
}

// NewSQLiteRepository открывает базу SQLite, создаёт каталог при необходимости и применяет миграции.
func NewSQLiteRepository(dsn string, opts Options) (*SQLiteRepository, error) {
	path := strings.TrimPrefix(strings.TrimPrefix(dsn, "sqlite://"), "file:")
	if i := strings.Index(path, "?"); i >= 0 {
		path = path[:i]
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", sqliteDSN(dsn, opts.LockTimeout))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &SQLiteRepository{db: db}

	if err := r.runMigrations(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return r, nil
}

func (r *SQLiteRepository) runMigrations(ctx context.Context) error {
	fsys, err := fs.Sub(migrationsFS, "migrations/sqlite")
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, r.db, fsys)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}

	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// Close закрывает соединение с базой.
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

// mapSQLiteError переводит SQLITE_BUSY и нарушение уникальности ключа в ErrConflict.
func mapSQLiteError(op string, err error) error {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return fmt.Errorf("%s: %w (%s)", op, model.ErrConflict, sqliteErr.Error())
		case sqlite3.SQLITE_CONSTRAINT:
			if c := sqliteErr.Code(); c == sqlite3.SQLITE_CONSTRAINT_UNIQUE || c == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY {
				return fmt.Errorf("%s: %w (%s)", op, model.ErrConflict, sqliteErr.Error())
			}
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func toMicro(t time.Time) int64 {
	return t.UnixMicro()
}

func fromMicro(v int64) time.Time {
	return time.UnixMicro(v).UTC()
}

const sqlitePaidTotalColumn = `,
	(SELECT COALESCE(SUM(pp.amount), 0) FROM payment_parts pp WHERE pp.payment_id = payments.id)`

type sqliteScanner interface {
	Scan(dest ...any) error
}

func scanSQLitePayment(row sqliteScanner, extra ...any) (model.Payment, error) {
	var (
		p                                    model.Payment
		fee, college, agent, bank, netProfit int64
		enrollment, created, updated         int64
		flagged                              sql.NullInt64
		status                               string
	)

	dest := []any{
		&p.ID, &p.StudentID, &p.CourseID,
		&fee, &college, &agent, &bank, &netProfit, &status,
		&p.Frozen, &enrollment, &flagged, &created, &updated,
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
	p.EnrollmentDate = fromMicro(enrollment)
	p.CreatedAt = fromMicro(created)
	p.UpdatedAt = fromMicro(updated)
	if flagged.Valid {
		at := fromMicro(flagged.Int64)
		p.ReviewFlaggedAt = &at
	}

	return p, nil
}

// CreatePayment сохраняет новую оплату.
func (r *SQLiteRepository) CreatePayment(ctx context.Context, p *model.Payment) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO payments (id, student_id, course_id, course_fee, college_payment, agent_commission,
			bank_commission, net_profit, payment_status, enrollment_date, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.StudentID, p.CourseID,
		int64(p.CourseFee), int64(p.Commission.CollegePayment), int64(p.Commission.AgentCommission),
		int64(p.Commission.BankCommission), int64(p.NetProfit), string(p.Status),
		toMicro(p.EnrollmentDate), toMicro(p.CreatedAt), toMicro(p.UpdatedAt),
	)
	if err != nil {
		return mapSQLiteError("insert payment", err)
	}
	return nil
}

func selectSQLitePayment(ctx context.Context, tx *sql.Tx, paymentID string) (model.Payment, error) {
	p, err := scanSQLitePayment(tx.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE id = ?`, paymentID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Payment{}, notFound(paymentID)
		}
		return model.Payment{}, mapSQLiteError("select payment", err)
	}
	return p, nil
}

func querySQLiteParts(ctx context.Context, q interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}, paymentID string) ([]model.PaymentPart, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, payment_id, idempotency_key, amount, paid_at, created_at
		 FROM payment_parts
		 WHERE payment_id = ?
		 ORDER BY paid_at, rowid`,
		paymentID,
	)
	if err != nil {
		return nil, mapSQLiteError("select parts", err)
	}
	defer rows.Close()

	var parts []model.PaymentPart
	for rows.Next() {
		var (
			part                    model.PaymentPart
			amount, paidAt, created int64
		)
		if err := rows.Scan(&part.ID, &part.PaymentID, &part.IdempotencyKey, &amount, &paidAt, &created); err != nil {
			return nil, fmt.Errorf("scan part: %w", err)
		}
		part.Amount = model.Money(amount)
		part.PaidAt = fromMicro(paidAt)
		part.CreatedAt = fromMicro(created)
		parts = append(parts, part)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return parts, nil
}

// AppendPart записывает взнос и пересчитывает агрегат в одной транзакции.
func (r *SQLiteRepository) AppendPart(ctx context.Context, part model.PaymentPart) (*model.AppendResult, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, mapSQLiteError("begin tx", err)
	}
	defer tx.Rollback()

	p, err := selectSQLitePayment(ctx, tx, part.PaymentID)
	if err != nil {
		return nil, err
	}
	if p.Frozen {
		return nil, ErrPaymentFrozen
	}
	previous := p.Status

	var (
		existing        model.PaymentPart
		amount, paidAt  int64
		existingCreated int64
	)
	err = tx.QueryRowContext(ctx,
		`SELECT id, payment_id, idempotency_key, amount, paid_at, created_at
		 FROM payment_parts
		 WHERE payment_id = ? AND idempotency_key = ?`,
		part.PaymentID, part.IdempotencyKey,
	).Scan(&existing.ID, &existing.PaymentID, &existing.IdempotencyKey, &amount, &paidAt, &existingCreated)
	switch {
	case err == nil:
		existing.Amount = model.Money(amount)
		existing.PaidAt = fromMicro(paidAt)
		existing.CreatedAt = fromMicro(existingCreated)
		if err := checkReplay(existing, part); err != nil {
			return nil, err
		}
		parts, err := querySQLiteParts(ctx, tx, part.PaymentID)
		if err != nil {
			return nil, err
		}
		res, err := reconcile.Compute(p.CourseFee, p.Commission, partAmounts(parts))
		if err != nil {
			return nil, err
		}
		reconcile.Apply(&p, res)
		return &model.AppendResult{Part: existing, Payment: p, PreviousStatus: p.Status, Replayed: true}, nil
	case !errors.Is(err, sql.ErrNoRows):
		return nil, mapSQLiteError("select part by key", err)
	}

	part = withDefaultPaidAt(part)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO payment_parts (id, payment_id, idempotency_key, amount, paid_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		part.ID, part.PaymentID, part.IdempotencyKey, int64(part.Amount), toMicro(part.PaidAt), toMicro(part.CreatedAt),
	)
	if err != nil {
		return nil, mapSQLiteError("insert part", err)
	}

	parts, err := querySQLiteParts(ctx, tx, part.PaymentID)
	if err != nil {
		return nil, err
	}

	res, err := reconcile.Compute(p.CourseFee, p.Commission, partAmounts(parts))
	if err != nil {
		return nil, err
	}
	reconcile.Apply(&p, res)
	p.UpdatedAt = part.CreatedAt

	_, err = tx.ExecContext(ctx,
		`UPDATE payments SET net_profit = ?, payment_status = ?, updated_at = ? WHERE id = ?`,
		int64(p.NetProfit), string(p.Status), toMicro(p.UpdatedAt), p.ID,
	)
	if err != nil {
		return nil, mapSQLiteError("update payment", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, mapSQLiteError("commit tx", err)
	}

	return &model.AppendResult{Part: part, Payment: p, PreviousStatus: previous}, nil
}

// UpdateCommission меняет распределение отчислений и пересчитывает прибыль.
func (r *SQLiteRepository) UpdateCommission(ctx context.Context, paymentID string, split model.CommissionSplit, at time.Time) (*model.Payment, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, mapSQLiteError("begin tx", err)
	}
	defer tx.Rollback()

	p, err := selectSQLitePayment(ctx, tx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.Frozen {
		return nil, ErrPaymentFrozen
	}

	parts, err := querySQLiteParts(ctx, tx, paymentID)
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

	_, err = tx.ExecContext(ctx,
		`UPDATE payments
		 SET college_payment = ?, agent_commission = ?, bank_commission = ?,
		     net_profit = ?, payment_status = ?, updated_at = ?
		 WHERE id = ?`,
		int64(split.CollegePayment), int64(split.AgentCommission), int64(split.BankCommission),
		int64(p.NetProfit), string(p.Status), toMicro(p.UpdatedAt), p.ID,
	)
	if err != nil {
		return nil, mapSQLiteError("update commission", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, mapSQLiteError("commit tx", err)
	}

	return &p, nil
}

// GetPayment возвращает оплату с пересчитанными производными полями.
func (r *SQLiteRepository) GetPayment(ctx context.Context, paymentID string) (*model.Payment, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, mapSQLiteError("begin tx", err)
	}
	defer tx.Rollback()

	p, err := selectSQLitePayment(ctx, tx, paymentID)
	if err != nil {
		return nil, err
	}

	parts, err := querySQLiteParts(ctx, tx, paymentID)
	if err != nil {
		return nil, err
	}

	res, err := reconcile.Compute(p.CourseFee, p.Commission, partAmounts(parts))
	if err != nil {
		return nil, err
	}
	if err := reconcile.Verify(p, res); err != nil {
		return nil, err
	}
	reconcile.Apply(&p, res)

	return &p, nil
}

// ListParts возвращает взносы по оплате в порядке времени оплаты.
func (r *SQLiteRepository) ListParts(ctx context.Context, paymentID string) ([]model.PaymentPart, error) {
	var exists bool
	if err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM payments WHERE id = ?)`, paymentID,
	).Scan(&exists); err != nil {
		return nil, mapSQLiteError("check payment", err)
	}
	if !exists {
		return nil, notFound(paymentID)
	}

	return querySQLiteParts(ctx, r.db, paymentID)
}

func (r *SQLiteRepository) queryPayments(ctx context.Context, query string, args ...any) ([]model.Payment, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapSQLiteError("select payments", err)
	}
	defer rows.Close()

	var res []model.Payment
	for rows.Next() {
		var paid int64
		p, err := scanSQLitePayment(rows, &paid)
		if err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		p.PaidTotal = model.Money(paid)
		res = append(res, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// ListPayments возвращает оплаты с указанным статусом (или все, если статус пуст).
func (r *SQLiteRepository) ListPayments(ctx context.Context, status model.PaymentStatus, limit int) ([]model.Payment, error) {
	if status == "" {
		return r.queryPayments(ctx,
			`SELECT `+paymentColumns+sqlitePaidTotalColumn+` FROM payments ORDER BY updated_at DESC LIMIT ?`, limit)
	}
	return r.queryPayments(ctx,
		`SELECT `+paymentColumns+sqlitePaidTotalColumn+` FROM payments WHERE payment_status = ? ORDER BY updated_at DESC LIMIT ?`,
		string(status), limit)
}

// GetPaymentsForReview возвращает переплаченные или заблокированные оплаты без уведомления оператора.
func (r *SQLiteRepository) GetPaymentsForReview(ctx context.Context, limit int) ([]model.Payment, error) {
	return r.queryPayments(ctx,
		`SELECT `+paymentColumns+sqlitePaidTotalColumn+`
		 FROM payments
		 WHERE (payment_status = ? OR frozen = 1) AND review_flagged_at IS NULL
		 ORDER BY updated_at
		 LIMIT ?`,
		string(model.PaymentStatusOverpaid), limit)
}

// MarkReviewFlagged отмечает, что оператор уведомлён об оплате.
func (r *SQLiteRepository) MarkReviewFlagged(ctx context.Context, paymentID string, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE payments SET review_flagged_at = ? WHERE id = ?`, toMicro(at), paymentID)
	if err != nil {
		return mapSQLiteError("mark review flagged", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound(paymentID)
	}
	return nil
}

// FreezePayment блокирует оплату после обнаружения нарушения целостности.
func (r *SQLiteRepository) FreezePayment(ctx context.Context, paymentID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE payments SET frozen = 1, review_flagged_at = NULL, updated_at = ? WHERE id = ? AND frozen = 0`,
		toMicro(at), paymentID)
	if err != nil {
		return mapSQLiteError("freeze payment", err)
	}
	return nil
}

// DeletePayment удаляет оплату вместе со всеми взносами.
func (r *SQLiteRepository) DeletePayment(ctx context.Context, paymentID string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM payments WHERE id = ?`, paymentID)
	if err != nil {
		return mapSQLiteError("delete payment", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound(paymentID)
	}
	return nil
}
