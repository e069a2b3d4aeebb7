// Package review предоставляет клиент вебхука, через который оплаты передаются на проверку оператору.
package review

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Reason описывает причину передачи оплаты оператору.
type Reason string

const (
	ReasonOverpaid  Reason = "OVERPAID"
	ReasonIntegrity Reason = "INTEGRITY_VIOLATION"
)

// Client инкапсулирует HTTP-взаимодействие с вебхуком проверки.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Request описывает оплату, требующую внимания оператора.
// Денежные суммы не передаются: оператор смотрит их в реестре.
type Request struct {
	PaymentID string    `json:"paymentId"`
	StudentID string    `json:"studentId,omitempty"`
	CourseID  string    `json:"courseId,omitempty"`
	Status    string    `json:"status"`
	Reason    Reason    `json:"reason"`
	FlaggedAt time.Time `json:"flaggedAt"`
}

// NewClient создаёт HTTP-клиент вебхука по указанному адресу.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// FlagPayment отправляет оплату на проверку. Возвращает код ответа и
// значение Retry-After для ответа 429.
func (c *Client) FlagPayment(ctx context.Context, r Request) (int, time.Duration, error) {
	if c == nil || c.baseURL == "" {
		return 0, 0, fmt.Errorf("review client not configured")
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	body, err := json.Marshal(r)
	if err != nil {
		return 0, 0, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/api/reviews", bytes.NewReader(body))
	if err != nil {
		return 0, 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", r.PaymentID+":"+string(r.Reason))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, 0, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted, http.StatusNoContent:
		return resp.StatusCode, 0, nil
	case http.StatusTooManyRequests:
		retryAfter := time.Duration(0)
		if v := resp.Header.Get("Retry-After"); v != "" {
			if seconds, parseErr := strconv.Atoi(v); parseErr == nil {
				retryAfter = time.Duration(seconds) * time.Second
			}
		}
		return resp.StatusCode, retryAfter, nil
	default:
		return resp.StatusCode, 0, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}
}
