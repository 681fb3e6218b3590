// Package notification は通知文書の書き込みと、宛先ごとの購読を1つのフィードにまとめる集約を提供する。
package notification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hitoshi/poflow/internal/docstore"
	"github.com/hitoshi/poflow/internal/model"
)

// Collection は通知文書のコレクション。
const Collection = "notifications"

// Mirror は書き込んだ通知を外部へ転送する。
type Mirror interface {
	Send(ctx context.Context, id string, n *model.Notification) error
}

// Metrics は通知まわりの計測値を記録する。
type Metrics interface {
	RecordNotification(kind string, outcome string)
	RecordWebhook(outcome string)
	AddLiveFeeds(delta int)
}

// Writer は通知文書をストアに書き込む。order.Notifier を実装する。
type Writer struct {
	store   docstore.Store
	mirror  Mirror
	metrics Metrics
	logger  *slog.Logger
}

// NewWriter はWriterを生成する。
func NewWriter(store docstore.Store, logger *slog.Logger) *Writer {
	return &Writer{store: store, logger: logger}
}

// WithMirror は書き込み後の転送先を設定する。
func (w *Writer) WithMirror(m Mirror) *Writer {
	w.mirror = m
	return w
}

// WithMetrics は計測値の記録先を設定する。
func (w *Writer) WithMetrics(m Metrics) *Writer {
	w.metrics = m
	return w
}

// Notify は未読の通知を作成し、生成されたIDを返す。createdAt はストアの時刻。
// 転送の失敗はログに記録するだけで、呼び出し元には返さない。
func (w *Writer) Notify(ctx context.Context, n *model.Notification) (string, error) {
	if (n.ToUserUID == "") == (n.ToRole == "") {
		return "", fmt.Errorf("notification must have exactly one addressee (uid=%q role=%q)", n.ToUserUID, n.ToRole)
	}

	data := docstore.Data{
		"title":     n.Title,
		"message":   n.Message,
		"kind":      string(n.Kind),
		"read":      false,
		"createdAt": docstore.ServerTimestamp,
	}
	if n.OrderID != "" {
		data["orderId"] = n.OrderID
		data["orderNo"] = n.OrderNo
	}
	if n.ToUserUID != "" {
		data["toUserUid"] = n.ToUserUID
	} else {
		data["toRole"] = string(n.ToRole)
	}

	id, err := w.store.Add(ctx, Collection, data)
	if err != nil {
		w.record(string(n.Kind), "error")
		return "", fmt.Errorf("failed to write notification: %w", err)
	}
	w.record(string(n.Kind), "ok")

	if w.mirror != nil {
		if err := w.mirror.Send(ctx, id, n); err != nil {
			w.logger.Warn("notification webhook failed",
				slog.String("notification_id", id),
				slog.String("order_id", n.OrderID),
				slog.String("error", err.Error()),
			)
			if w.metrics != nil {
				w.metrics.RecordWebhook("error")
			}
		} else if w.metrics != nil {
			w.metrics.RecordWebhook("ok")
		}
	}
	return id, nil
}

// MarkRead は通知1件を既読にする。購読側はローカルに状態を書き換えず、次のスナップショットを待つ。
// 既読にできるのはアクター宛て、またはアクターのロール宛ての通知のみ。
func (w *Writer) MarkRead(ctx context.Context, actorUID string, actorRole model.Role, id string) error {
	path := docstore.Doc(Collection, id)
	snap, err := w.store.Get(ctx, path)
	if err != nil {
		return fmt.Errorf("failed to get notification: %w", err)
	}
	if !snap.Exists {
		return model.NewNotFoundError("notification", id)
	}
	n := &model.Notification{}
	if err := snap.DataTo(n); err != nil {
		return err
	}
	if !AddressedTo(n, actorUID, actorRole) {
		return model.NewForbiddenOperationError("mark_read", actorRole)
	}

	err = w.store.Update(ctx, path, docstore.Data{"read": true})
	if errors.Is(err, docstore.ErrNotFound) {
		return model.NewNotFoundError("notification", id)
	}
	if err != nil {
		return fmt.Errorf("failed to mark notification read: %w", err)
	}
	return nil
}

// AddressedTo は通知がアクターのフィードに載るかどうかを返す。
// ロール宛ては、そのロールがロール宛て通知を購読する場合のみ対象となる。
func AddressedTo(n *model.Notification, uid string, role model.Role) bool {
	if n.ToUserUID != "" && n.ToUserUID == uid {
		return true
	}
	return n.ToRole != "" && n.ToRole == role && role.ReceivesBroadcast()
}

func (w *Writer) record(kind, outcome string) {
	if w.metrics != nil {
		w.metrics.RecordNotification(kind, outcome)
	}
}
