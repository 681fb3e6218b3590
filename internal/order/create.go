package order

import (
	"context"
	"fmt"

	"github.com/hitoshi/poflow/internal/auth"
	"github.com/hitoshi/poflow/internal/docstore"
	"github.com/hitoshi/poflow/internal/ids"
	"github.com/hitoshi/poflow/internal/model"
)

// Draft は依頼者が入力する発注内容。
type Draft struct {
	Date  string      // YYYY-MM-DD。空の場合は当日
	Items []DraftItem
}

// DraftItem は明細1行の入力内容。金額は最小通貨単位。
type DraftItem struct {
	Description  string
	ReceivedDate string
	Quantity     int64
	UnitAmount   int64
}

// Create は依頼者の発注を承認待ちで作成し、承認者ロール宛てに通知する。
// 各明細の小計と合計金額はここで計算し、以後は再計算しない。
func (m *Machine) Create(ctx context.Context, actorUID string, draft Draft) (*model.Order, error) {
	const transition = "create"
	rec, err := auth.LookupRoleRecord(ctx, m.store, actorUID)
	if err != nil {
		m.record(transition, OutcomeError)
		return nil, err
	}
	if role := rec.EffectiveRole(); role != model.RoleRequester {
		m.record(transition, OutcomeUnauthorized)
		return nil, model.NewUnauthorizedRoleError(transition, "(new)", role)
	}
	if len(draft.Items) == 0 {
		return nil, model.NewValidationError("明細が1行もありません")
	}

	now := m.now().UTC()
	items := make([]model.OrderItem, 0, len(draft.Items))
	var total int64
	for i, d := range draft.Items {
		desc := m.sanitizer.Sanitize(d.Description)
		if desc == "" {
			return nil, model.NewValidationError(fmt.Sprintf("明細 %d の品名が空です", i+1))
		}
		if d.Quantity <= 0 {
			return nil, model.NewValidationError(fmt.Sprintf("明細 %d の数量は1以上にしてください", i+1))
		}
		if d.UnitAmount < 0 {
			return nil, model.NewValidationError(fmt.Sprintf("明細 %d の単価が負の値です", i+1))
		}
		line := d.Quantity * d.UnitAmount
		total += line
		items = append(items, model.OrderItem{
			No:           i + 1,
			Description:  desc,
			ReceivedDate: d.ReceivedDate,
			Quantity:     d.Quantity,
			UnitAmount:   d.UnitAmount,
			LineTotal:    line,
		})
	}

	date := draft.Date
	if date == "" {
		date = now.Format("2006-01-02")
	}
	id := ids.New()
	o := &model.Order{
		ID:            id,
		OrderNo:       fmt.Sprintf("PO-%s-%s", now.Format("20060102"), id[len(id)-6:]),
		Date:          date,
		RequesterUID:  actorUID,
		RequesterName: rec.DisplayName,
		Items:         items,
		TotalAmount:   total,
		Status:        model.StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	created, err := m.store.Create(ctx, docstore.Doc(OrdersCollection, id), docstore.Data{
		"orderNo":       o.OrderNo,
		"date":          o.Date,
		"requesterUid":  o.RequesterUID,
		"requesterName": o.RequesterName,
		"items":         o.Items,
		"totalAmount":   o.TotalAmount,
		"status":        string(o.Status),
		"createdAt":     now,
		"updatedAt":     now,
	})
	if err != nil {
		m.record(transition, OutcomeError)
		return nil, fmt.Errorf("failed to create order: %w", err)
	}
	if !created {
		m.record(transition, OutcomeError)
		return nil, fmt.Errorf("order id collision: %s", id)
	}

	return m.notify(ctx, transition, o, &model.Notification{
		Title:   "新しい発注依頼があります",
		Message: fmt.Sprintf("%s さんから発注 %s（合計 %d）の承認依頼が届きました。", o.RequesterName, o.OrderNo, o.TotalAmount),
		Kind:    model.KindSubmitted,
		ToRole:  model.RoleSupervisor,
	})
}
