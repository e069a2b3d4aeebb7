// Package validation содержит функции валидации входных данных.
package validation

import (
	"unicode"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/course-ledger/internal/model"
)

// MaxIdempotencyKeyLen ограничивает длину ключа идемпотентности.
const MaxIdempotencyKeyLen = 128

var (
	minorUnits = decimal.New(1, 2)
	maxMoney   = decimal.New(int64(model.MaxMoney), 0)
)

// ParseMoney переводит десятичную сумму в копейки без округления.
// Суммы с более чем двумя знаками после запятой отклоняются.
func ParseMoney(field string, d decimal.Decimal) (model.Money, error) {
	scaled := d.Mul(minorUnits)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, model.NewValidationError(field, "must have at most two decimal places")
	}
	if scaled.Abs().GreaterThan(maxMoney) {
		return 0, model.NewValidationError(field, "is out of range")
	}
	return model.Money(scaled.IntPart()), nil
}

// IsValidIdempotencyKey проверяет ключ идемпотентности: непустой, ограниченной длины,
// из печатных ASCII-символов без пробелов.
func IsValidIdempotencyKey(key string) bool {
	if key == "" || len(key) > MaxIdempotencyKeyLen {
		return false
	}

	for _, ch := range key {
		if ch > unicode.MaxASCII || !unicode.IsPrint(ch) || unicode.IsSpace(ch) {
			return false
		}
	}

	return true
}
