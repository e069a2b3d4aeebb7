package model

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation возвращается при некорректных входных данных.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound возвращается, если оплата не найдена.
	ErrNotFound = errors.New("payment not found")
	// ErrConflict возвращается при конкурентном изменении; операцию можно повторить.
	ErrConflict = errors.New("concurrent modification")
	// ErrTimeout возвращается, если транзакция не уложилась в отведённое время.
	ErrTimeout = errors.New("operation timed out")
	// ErrIntegrity сигнализирует о нарушении инварианта реестра. Повторять нельзя.
	ErrIntegrity = errors.New("ledger integrity violation")
)

// ValidationError описывает ошибку валидации конкретного поля.
type ValidationError struct {
	Field   string
	Message string
}

// NewValidationError создаёт ошибку валидации поля.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Unwrap позволяет сравнивать ошибку с ErrValidation через errors.Is.
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// IsRetryable сообщает, можно ли безопасно повторить операцию.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrTimeout)
}
