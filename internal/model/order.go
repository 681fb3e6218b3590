package model

import (
	"encoding/json"
	"time"
)

// OrderStatus は発注のライフサイクル状態。
type OrderStatus string

const (
	StatusPending    OrderStatus = "pending"
	StatusApproved   OrderStatus = "approved"
	StatusRejected   OrderStatus = "rejected"
	StatusInProgress OrderStatus = "in_progress"
	StatusDelivered  OrderStatus = "delivered"
	StatusUnknown    OrderStatus = "unknown"
)

// ParseOrderStatus は文字列を状態に変換する。不正な値は (StatusUnknown, false) を返す。
func ParseOrderStatus(s string) (OrderStatus, bool) {
	switch st := OrderStatus(s); st {
	case StatusPending, StatusApproved, StatusRejected, StatusInProgress, StatusDelivered:
		return st, true
	}
	return StatusUnknown, false
}

// IsTerminal は終端状態（rejected, delivered）かどうかを返す。
func (s OrderStatus) IsTerminal() bool {
	return s == StatusRejected || s == StatusDelivered
}

// UnmarshalJSON は不正な値を StatusUnknown に写像する。
func (s *OrderStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		*s = StatusUnknown
		return nil
	}
	*s, _ = ParseOrderStatus(str)
	return nil
}

// OrderItem は発注の明細行。金額は最小通貨単位の整数で保持する。
type OrderItem struct {
	No           int    `json:"no"`
	Description  string `json:"description"`
	ReceivedDate string `json:"receivedDate"`
	Quantity     int64  `json:"quantity"`
	UnitAmount   int64  `json:"unitAmount"`
	LineTotal    int64  `json:"lineTotal"`
	Category     string `json:"category,omitempty"`
	ItemStatus   string `json:"itemStatus,omitempty"`
}

// Order は発注文書を表す。削除されることはない。
type Order struct {
	ID            string      `json:"id"`
	OrderNo       string      `json:"orderNo"`
	Date          string      `json:"date"`
	RequesterUID  string      `json:"requesterUid"`
	RequesterName string      `json:"requesterName"`
	Items         []OrderItem `json:"items"`
	TotalAmount   int64       `json:"totalAmount"`
	Status        OrderStatus `json:"status"`
	CreatedAt     time.Time   `json:"createdAt"`
	ApprovedByUID string      `json:"approvedByUid,omitempty"`
	ApprovedAt    *time.Time  `json:"approvedAt,omitempty"`
	RejectedByUID string      `json:"rejectedByUid,omitempty"`
	RejectedAt    *time.Time  `json:"rejectedAt,omitempty"`
	RejectReason  *string     `json:"rejectReason,omitempty"`
	UpdatedAt     time.Time   `json:"updatedAt"`

	// 明細インデックス（文字列）をキーにした検索用の補助マップ。
	// 明細のcategory/itemStatusと冗長に同期させる。
	ItemsCategories map[string]string `json:"itemsCategories,omitempty"`
	ItemsStatuses   map[string]string `json:"itemsStatuses,omitempty"`
}
