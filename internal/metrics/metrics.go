// Package metrics содержит метрики Prometheus реестра оплат.
package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mmeshcher/course-ledger/internal/model"
)

const namespace = "course_ledger"

// Metrics объединяет счётчики и гистограммы реестра.
type Metrics struct {
	PaymentsCreated     prometheus.Counter
	PartsAppended       *prometheus.CounterVec
	StatusTransitions   *prometheus.CounterVec
	Errors              *prometheus.CounterVec
	IntegrityViolations prometheus.Counter
	ReviewsFlagged      prometheus.Counter
	StoreDuration       *prometheus.HistogramVec
}

// New регистрирует метрики в переданном реестре.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		PaymentsCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payments_created_total",
			Help:      "Number of payments created.",
		}),
		PartsAppended: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_parts_appended_total",
			Help:      "Number of AddPaymentPart calls that succeeded, split by idempotent replay.",
		}, []string{"replayed"}),
		StatusTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_status_transitions_total",
			Help:      "Payment status changes caused by new parts.",
		}, []string{"from", "to"}),
		Errors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Failed ledger operations by error kind.",
		}, []string{"op", "kind"}),
		IntegrityViolations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "integrity_violations_total",
			Help:      "Payments frozen after an invariant check failed.",
		}),
		ReviewsFlagged: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reviews_flagged_total",
			Help:      "Payments handed over to operator review.",
		}),
		StoreDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_duration_seconds",
			Help:      "Latency of ledger store operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
	}
}

// ObserveStore записывает длительность операции хранилища.
func (m *Metrics) ObserveStore(op string, started time.Time) {
	m.StoreDuration.WithLabelValues(op).Observe(time.Since(started).Seconds())
}

// Kind возвращает метку вида ошибки для метрик и логов.
func Kind(err error) string {
	switch {
	case errors.Is(err, model.ErrValidation):
		return "validation"
	case errors.Is(err, model.ErrNotFound):
		return "not_found"
	case errors.Is(err, model.ErrConflict):
		return "conflict"
	case errors.Is(err, model.ErrTimeout):
		return "timeout"
	case errors.Is(err, model.ErrIntegrity):
		return "integrity"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "internal"
	}
}
