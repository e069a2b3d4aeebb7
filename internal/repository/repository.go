// Package repository содержит реализации хранилища реестра оплат:
// PostgreSQL, SQLite и хранилище в памяти.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mmeshcher/course-ledger/internal/model"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationsFS embed.FS

// ErrPaymentFrozen возвращается при попытке изменить оплату, заблокированную после нарушения целостности.
var ErrPaymentFrozen = fmt.Errorf("%w: payment is frozen pending manual review", model.ErrIntegrity)

// ErrKeyReused возвращается, если ключ идемпотентности уже использован для другого взноса.
var ErrKeyReused = fmt.Errorf("%w: idempotency key reused with different payload", model.ErrConflict)

// Options задаёт параметры хранилища.
type Options struct {
	// LockTimeout ограничивает ожидание блокировки оплаты.
	LockTimeout time.Duration
}

// Backend определяет тип хранилища по строке подключения.
func Backend(dsn string) string {
	switch {
	case dsn == "":
		return "memory"
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return "postgres"
	default:
		return "sqlite"
	}
}

// checkReplay сравнивает повторный запрос с уже записанным взносом.
// Пустое время оплаты в запросе означает «не указано» и совпадает с любым записанным.
func checkReplay(existing, requested model.PaymentPart) error {
	if existing.Amount != requested.Amount {
		return ErrKeyReused
	}
	if !requested.PaidAt.IsZero() && !existing.PaidAt.Equal(requested.PaidAt) {
		return ErrKeyReused
	}
	return nil
}

// withDefaultPaidAt подставляет время записи, если время оплаты не указано.
func withDefaultPaidAt(part model.PaymentPart) model.PaymentPart {
	if part.PaidAt.IsZero() {
		part.PaidAt = part.CreatedAt
	}
	return part
}

func partAmounts(parts []model.PaymentPart) []model.Money {
	amounts := make([]model.Money, 0, len(parts))
	for _, p := range parts {
		amounts = append(amounts, p.Amount)
	}
	return amounts
}

func notFound(paymentID string) error {
	return fmt.Errorf("%w: %s", model.ErrNotFound, paymentID)
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
