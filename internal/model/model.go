// Package model содержит доменные сущности платёжного реестра курсов.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Money хранит денежную сумму в минимальных единицах валюты (копейках).
type Money int64

// MaxMoney ограничивает любую отдельную сумму: стоимость курса, отчисление, взнос.
// Сумма трёх отчислений с запасом помещается в int64.
const MaxMoney Money = 1_000_000_000_000_000

// Decimal возвращает сумму в основных единицах валюты без потери точности.
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(int64(m), -2)
}

// String форматирует сумму с двумя знаками после запятой.
func (m Money) String() string {
	return m.Decimal().StringFixed(2)
}

// PaymentStatus описывает состояние оплаты относительно стоимости курса.
type PaymentStatus string

const (
	PaymentStatusPending  PaymentStatus = "PENDING"
	PaymentStatusPartial  PaymentStatus = "PARTIAL"
	PaymentStatusPaid     PaymentStatus = "PAID"
	PaymentStatusOverpaid PaymentStatus = "OVERPAID"
)

// Valid сообщает, является ли статус одним из известных значений.
func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentStatusPending, PaymentStatusPartial, PaymentStatusPaid, PaymentStatusOverpaid:
		return true
	}
	return false
}

// Rank задаёт порядок статусов: PENDING < PARTIAL < PAID < OVERPAID.
func (s PaymentStatus) Rank() int {
	switch s {
	case PaymentStatusPending:
		return 0
	case PaymentStatusPartial:
		return 1
	case PaymentStatusPaid:
		return 2
	case PaymentStatusOverpaid:
		return 3
	}
	return -1
}

// CommissionSplit описывает распределение поступлений между колледжем, агентом и банком.
type CommissionSplit struct {
	CollegePayment  Money
	AgentCommission Money
	BankCommission  Money
}

// Payment описывает агрегат оплаты одного зачисленного студента.
// PaidTotal не хранится, а каждый раз пересчитывается по частям оплаты.
type Payment struct {
	ID              string
	StudentID       string
	CourseID        string
	CourseFee       Money
	Commission      CommissionSplit
	PaidTotal       Money
	NetProfit       Money
	Status          PaymentStatus
	Frozen          bool
	EnrollmentDate  time.Time
	ReviewFlaggedAt *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// PaymentPart описывает отдельный взнос по оплате. После записи не изменяется.
type PaymentPart struct {
	ID             string
	PaymentID      string
	IdempotencyKey string
	Amount         Money
	PaidAt         time.Time
	CreatedAt      time.Time
}

// AppendResult возвращается при добавлении взноса.
// Replayed равен true, если взнос с тем же ключом идемпотентности уже был записан.
type AppendResult struct {
	Part           PaymentPart
	Payment        Payment
	PreviousStatus PaymentStatus
	Replayed       bool
}
