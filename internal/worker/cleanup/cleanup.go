// Package cleanup は期限切れセッションの定期削除ジョブを提供する。
// 期限切れのセッションは検証時にも拒否されるため、削除の遅れは安全性に影響しない。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// SessionPurger は期限切れセッションを削除する。
// repository.PostgresSessionRepo が実装する。
type SessionPurger interface {
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// Metrics は削除件数を記録する。
type Metrics interface {
	RecordSessionsPurged(count int64)
}

// CleanupJob は期限切れセッションの削除ジョブ。
// 冪等で、削除対象がない場合もエラーにならない。
type CleanupJob struct {
	sessions SessionPurger
	metrics  Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// NewCleanupJob は新しいCleanupJobを生成する。metricsはnilでもよい。
func NewCleanupJob(sessions SessionPurger, metrics Metrics, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		sessions: sessions,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
	}
}

// Run は現在時刻より前に期限切れとなったセッションを削除する。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()

	deleted, err := j.sessions.DeleteExpired(ctx, j.now())
	if err != nil {
		j.logger.Error("session cleanup failed", slog.String("error", err.Error()))
		return fmt.Errorf("failed to purge expired sessions: %w", err)
	}

	if j.metrics != nil {
		j.metrics.RecordSessionsPurged(deleted)
	}

	j.logger.Info("session cleanup completed",
		slog.Int64("deleted_count", deleted),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

// Start は起動直後に1回実行し、以降interval毎にRunを実行する。ctxの終了でブロックを抜ける。
// Runの失敗はログに記録して次回に持ち越す。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	_ = j.Run(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = j.Run(ctx)
		}
	}
}
