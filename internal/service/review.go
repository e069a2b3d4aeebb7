package service

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/course-ledger/internal/review"
)

// StartReviewDispatch периодически передаёт оператору переплаченные и заблокированные оплаты.
// Блокируется до отмены контекста. Без настроенного вебхука сразу возвращает управление.
func (s *Service) StartReviewDispatch(ctx context.Context) {
	if s.reviewClient == nil {
		return
	}

	interval := s.opts.ReviewInterval
	if interval <= 0 {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.processReviewBatch(ctx)
		}
	}
}

func (s *Service) processReviewBatch(ctx context.Context) {
	batch := s.opts.ReviewBatch
	if batch <= 0 {
		batch = 100
	}

	payments, err := s.repo.GetPaymentsForReview(ctx, batch)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("get payments for review error", zap.Error(err))
		}
		return
	}

	for _, p := range payments {
		reason := review.ReasonOverpaid
		if p.Frozen {
			reason = review.ReasonIntegrity
		}

		flaggedAt := normalizeTime(s.now())
		statusCode, retryAfter, err := s.reviewClient.FlagPayment(ctx, review.Request{
			PaymentID: p.ID,
			StudentID: p.StudentID,
			CourseID:  p.CourseID,
			Status:    string(p.Status),
			Reason:    reason,
			FlaggedAt: flaggedAt,
		})
		if err != nil {
			s.logger.Warn("flag payment error",
				zap.String("paymentID", p.ID),
				zap.Int("statusCode", statusCode),
				zap.Error(err),
			)
			continue
		}

		if statusCode == http.StatusTooManyRequests {
			if retryAfter > 0 {
				timer := time.NewTimer(retryAfter)
				select {
				case <-ctx.Done():
					timer.Stop()
					return
				case <-timer.C:
				}
			}
			continue
		}

		if err := s.repo.MarkReviewFlagged(ctx, p.ID, flaggedAt); err != nil {
			s.logger.Warn("mark review flagged error", zap.String("paymentID", p.ID), zap.Error(err))
			continue
		}

		s.metrics.ReviewsFlagged.Inc()
		s.logger.Info("payment sent to review",
			zap.String("paymentID", p.ID),
			zap.String("reason", string(reason)),
			zap.String("status", string(p.Status)),
		)
	}
}

