package notification

import "time"

// deliveryResult はWebhook応答のステータスコードによる分類。
type deliveryResult int

const (
	deliveryOK deliveryResult = iota
	// deliveryRetry は時間をおいて再送する（429/5xx、通信エラー）。
	deliveryRetry
	// deliveryDrop は再送しても結果が変わらない（その他の4xxなど）。
	deliveryDrop
)

const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = 200 * time.Millisecond
	maxDelay           = 2 * time.Second
)

func classifyStatus(statusCode int) deliveryResult {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return deliveryOK
	case statusCode == 429 || statusCode >= 500:
		return deliveryRetry
	default:
		return deliveryDrop
	}
}

// backoff は失敗回数に応じた待ち時間。base から2倍ずつ増やし maxDelay で頭打ちにする。
func backoff(base time.Duration, failures int) time.Duration {
	delay := base
	for i := 1; i < failures; i++ {
		delay *= 2
		if delay > maxDelay {
			return maxDelay
		}
	}
	return delay
}
