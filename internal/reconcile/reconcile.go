// Package reconcile вычисляет производные поля оплаты по текущему набору взносов.
// Все функции пакета чистые: результат зависит только от аргументов.
package reconcile

import (
	"fmt"
	"math"

	"github.com/mmeshcher/course-ledger/internal/model"
)

// Result содержит производные поля агрегата оплаты.
type Result struct {
	PaidTotal model.Money
	NetProfit model.Money
	Status    model.PaymentStatus
}

// Sum складывает суммы взносов. Переполнение int64 считается нарушением целостности.
func Sum(amounts []model.Money) (model.Money, error) {
	var total model.Money
	for _, a := range amounts {
		if a > 0 && total > math.MaxInt64-a {
			return 0, fmt.Errorf("%w: paid total overflows", model.ErrIntegrity)
		}
		if a < 0 && total < math.MinInt64-a {
			return 0, fmt.Errorf("%w: paid total overflows", model.ErrIntegrity)
		}
		total += a
	}
	return total, nil
}

// Status определяет статус оплаты по внесённой сумме и стоимости курса.
func Status(paidTotal, courseFee model.Money) model.PaymentStatus {
	switch {
	case paidTotal <= 0:
		return model.PaymentStatusPending
	case paidTotal < courseFee:
		return model.PaymentStatusPartial
	case paidTotal == courseFee:
		return model.PaymentStatusPaid
	default:
		return model.PaymentStatusOverpaid
	}
}

// NetProfit возвращает прибыль после всех отчислений. Отрицательное значение допустимо,
// выход за пределы int64 считается нарушением целостности.
func NetProfit(paidTotal model.Money, c model.CommissionSplit) (model.Money, error) {
	net := paidTotal
	for _, d := range [...]model.Money{c.CollegePayment, c.AgentCommission, c.BankCommission} {
		if (d > 0 && net < math.MinInt64+d) || (d < 0 && net > math.MaxInt64+d) {
			return 0, fmt.Errorf("%w: net profit overflows", model.ErrIntegrity)
		}
		net -= d
	}
	return net, nil
}

// Compute пересчитывает производные поля по стоимости курса, отчислениям и суммам взносов.
func Compute(courseFee model.Money, c model.CommissionSplit, amounts []model.Money) (Result, error) {
	paid, err := Sum(amounts)
	if err != nil {
		return Result{}, err
	}

	net, err := NetProfit(paid, c)
	if err != nil {
		return Result{}, err
	}

	res := Result{
		PaidTotal: paid,
		NetProfit: net,
		Status:    Status(paid, courseFee),
	}

	if err := Check(res); err != nil {
		return Result{}, err
	}

	return res, nil
}

// Apply записывает результат пересчёта в агрегат.
func Apply(p *model.Payment, res Result) {
	p.PaidTotal = res.PaidTotal
	p.NetProfit = res.NetProfit
	p.Status = res.Status
}

// Check проверяет инварианты результата пересчёта.
func Check(res Result) error {
	if res.PaidTotal < 0 {
		return fmt.Errorf("%w: negative paid total", model.ErrIntegrity)
	}
	if !res.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", model.ErrIntegrity, res.Status)
	}
	return nil
}

// Verify сверяет сохранённые производные поля оплаты с пересчитанными.
// Расхождение означает, что запись была изменена в обход реестра.
func Verify(p model.Payment, res Result) error {
	if p.Status != res.Status {
		return fmt.Errorf("%w: stored status %s, computed %s", model.ErrIntegrity, p.Status, res.Status)
	}
	if p.NetProfit != res.NetProfit {
		return fmt.Errorf("%w: stored net profit differs from computed", model.ErrIntegrity)
	}
	return nil
}

// ValidateSplit проверяет, что каждое отчисление неотрицательно и не превышает MaxMoney.
func ValidateSplit(c model.CommissionSplit) error {
	fields := [...]struct {
		name  string
		value model.Money
	}{
		{"collegePayment", c.CollegePayment},
		{"agentCommission", c.AgentCommission},
		{"bankCommission", c.BankCommission},
	}
	for _, f := range fields {
		if f.value < 0 {
			return model.NewValidationError(f.name, "must not be negative")
		}
		if f.value > model.MaxMoney {
			return model.NewValidationError(f.name, "is out of range")
		}
	}
	return nil
}
