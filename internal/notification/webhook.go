package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/poflow/internal/model"
)

// webhookPayload はWebhookに送るJSON。
type webhookPayload struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	Title     string `json:"title"`
	Message   string `json:"message"`
	OrderID   string `json:"orderId,omitempty"`
	OrderNo   string `json:"orderNo,omitempty"`
	ToUserUID string `json:"toUserUid,omitempty"`
	ToRole    string `json:"toRole,omitempty"`
}

// Webhook は通知を外部のHTTPエンドポイントへPOSTする。
// 送信先の検証は httpClient 側（security.NewWebhookClient）で行う。
// 429/5xxと通信エラーは maxAttempts 回まで指数バックオフで再送する。
type Webhook struct {
	httpClient  *http.Client
	logger      *slog.Logger
	endpoint    string
	maxAttempts int
	baseDelay   time.Duration
}

// NewWebhook はWebhookを生成する。
func NewWebhook(endpoint string, httpClient *http.Client, logger *slog.Logger) *Webhook {
	return &Webhook{
		httpClient:  httpClient,
		logger:      logger,
		endpoint:    endpoint,
		maxAttempts: defaultMaxAttempts,
		baseDelay:   defaultBaseDelay,
	}
}

// WithRetry は再送回数と初回の待ち時間を変更する。attemptsは1以上。
func (h *Webhook) WithRetry(attempts int, baseDelay time.Duration) *Webhook {
	if attempts < 1 {
		attempts = 1
	}
	h.maxAttempts = attempts
	h.baseDelay = baseDelay
	return h
}

// Send は通知をJSONで送信する。最後の試行も2xx以外ならエラーとする。
func (h *Webhook) Send(ctx context.Context, id string, n *model.Notification) error {
	body, err := json.Marshal(webhookPayload{
		ID:        id,
		Kind:      string(n.Kind),
		Title:     n.Title,
		Message:   n.Message,
		OrderID:   n.OrderID,
		OrderNo:   n.OrderNo,
		ToUserUID: n.ToUserUID,
		ToRole:    string(n.ToRole),
	})
	if err != nil {
		return fmt.Errorf("failed to encode webhook payload: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= h.maxAttempts; attempt++ {
		result, err := h.post(ctx, body)
		if result == deliveryOK {
			h.logger.Debug("notification mirrored",
				slog.String("notification_id", id),
				slog.Int("attempt", attempt),
			)
			return nil
		}
		lastErr = err
		if result == deliveryDrop || attempt == h.maxAttempts {
			break
		}

		delay := backoff(h.baseDelay, attempt)
		h.logger.Debug("retrying notification webhook",
			slog.String("notification_id", id),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)
		select {
		case <-ctx.Done():
			return fmt.Errorf("webhook retry aborted: %w", ctx.Err())
		case <-time.After(delay):
		}
	}
	return lastErr
}

func (h *Webhook) post(ctx context.Context, body []byte) (deliveryResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return deliveryDrop, fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "poflow/1.0 notifier")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return deliveryRetry, fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	result := classifyStatus(resp.StatusCode)
	if result != deliveryOK {
		return result, fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return deliveryOK, nil
}
