package model

import "time"

// NotificationKind は通知の種別。
type NotificationKind string

const (
	KindSubmitted     NotificationKind = "submitted"
	KindApproved      NotificationKind = "approved"
	KindRejected      NotificationKind = "rejected"
	KindStatusChanged NotificationKind = "status_changed"
)

// Notification は発注の状態遷移に伴って作成される通知。
// ToUserUID と ToRole のどちらか一方が宛先となる。
// 変更されるのは Read のみで、削除されない。
type Notification struct {
	ID        string           `json:"id"`
	Title     string           `json:"title"`
	Message   string           `json:"message"`
	Kind      NotificationKind `json:"kind"`
	OrderID   string           `json:"orderId,omitempty"`
	OrderNo   string           `json:"orderNo,omitempty"`
	ToUserUID string           `json:"toUserUid,omitempty"`
	ToRole    Role             `json:"toRole,omitempty"`
	Read      bool             `json:"read"`
	CreatedAt time.Time        `json:"createdAt"`
}
