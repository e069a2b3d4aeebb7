package model

import (
	"errors"
	"fmt"
	"testing"
)

func TestMoneyString(t *testing.T) {
	tests := []struct {
		money Money
		want  string
	}{
		{money: 0, want: "0.00"},
		{money: 100000, want: "1000.00"},
		{money: 5, want: "0.05"},
		{money: -75000, want: "-750.00"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.money.String(); got != tt.want {
				t.Fatalf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStatusRank(t *testing.T) {
	order := []PaymentStatus{
		PaymentStatusPending,
		PaymentStatusPartial,
		PaymentStatusPaid,
		PaymentStatusOverpaid,
	}
	for i := 1; i < len(order); i++ {
		if order[i-1].Rank() >= order[i].Rank() {
			t.Fatalf("%s must rank below %s", order[i-1], order[i])
		}
	}
	if PaymentStatus("REFUNDED").Valid() {
		t.Fatalf("unknown status must be invalid")
	}
}

func TestValidationErrorUnwrap(t *testing.T) {
	err := fmt.Errorf("add part: %w", NewValidationError("amount", "must be positive"))

	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}

	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Field != "amount" {
		t.Fatalf("expected ValidationError for amount, got %v", err)
	}
	if IsRetryable(err) {
		t.Fatalf("validation errors must not be retryable")
	}
	if !IsRetryable(fmt.Errorf("wrap: %w", ErrTimeout)) {
		t.Fatalf("timeouts must be retryable")
	}
}
