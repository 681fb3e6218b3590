package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/hitoshi/poflow/internal/auth"
	"github.com/hitoshi/poflow/internal/docstore"
	"github.com/hitoshi/poflow/internal/model"
)

// OrdersCollection は発注文書のコレクション。
const OrdersCollection = "orders"

// Notifier は遷移に伴う通知を書き込む。
type Notifier interface {
	Notify(ctx context.Context, n *model.Notification) (string, error)
}

// Sanitizer は自由記述からマークアップを除去する。
type Sanitizer interface {
	Sanitize(text string) string
}

// Metrics は遷移の結果を記録する。
type Metrics interface {
	RecordTransition(transition, outcome string)
}

// 遷移結果のラベル
const (
	OutcomeOK             = "ok"
	OutcomeUnauthorized   = "unauthorized"
	OutcomeIllegal        = "illegal"
	OutcomePartialFailure = "partial_failure"
	OutcomeError          = "error"
)

// Machine は発注の状態遷移を検証して実行する。
//
// 検証（ロールと状態）は書き込みの前に行い、失敗した場合は何も書き込まない。
// 状態の更新を先に行い、その後に通知を書き込む。2つの書き込みは原子的ではなく、
// 通知の書き込みに失敗した場合は更新済みの発注とともに PartialSideEffectError を返す。
type Machine struct {
	store     docstore.Store
	notifier  Notifier
	sanitizer Sanitizer
	metrics   Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// NewMachine はMachineを生成する。
func NewMachine(store docstore.Store, notifier Notifier, sanitizer Sanitizer, logger *slog.Logger) *Machine {
	return &Machine{
		store:     store,
		notifier:  notifier,
		sanitizer: sanitizer,
		logger:    logger,
		now:       time.Now,
	}
}

// WithMetrics は遷移結果の記録先を設定する。
func (m *Machine) WithMetrics(metrics Metrics) *Machine {
	m.metrics = metrics
	return m
}

// WithClock は遷移時刻に使う時計を差し替える。
func (m *Machine) WithClock(now func() time.Time) *Machine {
	m.now = now
	return m
}

// Get は発注を取得する。存在しない場合はNOT_FOUNDエラーを返す。
func (m *Machine) Get(ctx context.Context, orderID string) (*model.Order, error) {
	snap, err := m.store.Get(ctx, docstore.Doc(OrdersCollection, orderID))
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	if !snap.Exists {
		return nil, model.NewNotFoundError("order", orderID)
	}
	o := &model.Order{}
	if err := snap.DataTo(o); err != nil {
		return nil, err
	}
	return o, nil
}

// Approve は承認待ちの発注を承認し、調達ロール宛てに通知する。
func (m *Machine) Approve(ctx context.Context, o *model.Order, actorUID string) (*model.Order, error) {
	const transition = "approve"
	if err := m.authorize(ctx, transition, o, model.StatusApproved, actorUID); err != nil {
		return nil, err
	}

	now := m.now().UTC()
	if err := m.transition(ctx, transition, o, model.StatusApproved, docstore.Data{
		"status":        string(model.StatusApproved),
		"approvedByUid": actorUID,
		"approvedAt":    now,
		"updatedAt":     now,
	}); err != nil {
		return nil, err
	}

	updated := *o
	updated.Status = model.StatusApproved
	updated.ApprovedByUID = actorUID
	updated.ApprovedAt = &now
	updated.UpdatedAt = now

	return m.notify(ctx, transition, &updated, &model.Notification{
		Title:   "発注が承認されました",
		Message: fmt.Sprintf("発注 %s が承認されました。手配を進めてください。", o.OrderNo),
		Kind:    model.KindApproved,
		ToRole:  model.RoleProcurement,
	})
}

// Reject は承認待ちの発注を却下し、依頼者宛てに通知する。理由は空文字列でもよい。
func (m *Machine) Reject(ctx context.Context, o *model.Order, actorUID, reason string) (*model.Order, error) {
	const transition = "reject"
	if err := m.authorize(ctx, transition, o, model.StatusRejected, actorUID); err != nil {
		return nil, err
	}

	reason = m.sanitizer.Sanitize(reason)
	now := m.now().UTC()
	if err := m.transition(ctx, transition, o, model.StatusRejected, docstore.Data{
		"status":        string(model.StatusRejected),
		"rejectedByUid": actorUID,
		"rejectedAt":    now,
		"rejectReason":  reason,
		"updatedAt":     now,
	}); err != nil {
		return nil, err
	}

	updated := *o
	updated.Status = model.StatusRejected
	updated.RejectedByUID = actorUID
	updated.RejectedAt = &now
	updated.RejectReason = &reason
	updated.UpdatedAt = now

	msg := fmt.Sprintf("発注 %s が却下されました。", o.OrderNo)
	if reason != "" {
		msg += "理由: " + reason
	}
	return m.notify(ctx, transition, &updated, &model.Notification{
		Title:     "発注が却下されました",
		Message:   msg,
		Kind:      model.KindRejected,
		ToUserUID: o.RequesterUID,
	})
}

// Advance は発注を直後の状態へ進め、依頼者宛てに通知する。状態を飛ばすことはできない。
func (m *Machine) Advance(ctx context.Context, o *model.Order, next model.OrderStatus, actorUID string) (*model.Order, error) {
	const transition = "advance"
	role, err := m.actorRole(ctx, transition, actorUID)
	if err != nil {
		return nil, err
	}
	if role != model.RoleProcurement {
		m.record(transition, OutcomeUnauthorized)
		return nil, model.NewUnauthorizedRoleError(transition, o.ID, role)
	}
	// pending からの遷移は承認・却下で行う
	if succ, ok := Successor(o.Status); !ok || succ != next {
		m.record(transition, OutcomeIllegal)
		return nil, model.NewIllegalTransitionError(o.ID, o.Status, next)
	}

	now := m.now().UTC()
	if err := m.transition(ctx, transition, o, next, docstore.Data{
		"status":    string(next),
		"updatedAt": now,
	}); err != nil {
		return nil, err
	}

	updated := *o
	updated.Status = next
	updated.UpdatedAt = now

	return m.notify(ctx, transition, &updated, &model.Notification{
		Title:     "発注の状況が更新されました",
		Message:   fmt.Sprintf("発注 %s の状況が %s になりました。", o.OrderNo, statusLabel(next)),
		Kind:      model.KindStatusChanged,
		ToUserUID: o.RequesterUID,
	})
}

// SetItemDisposition は明細1行の分類と状況を変更する。発注全体の状態は変わらない。
//
// 最新のスナップショットを読み込み、明細配列全体を書き戻す。補助マップは該当インデックスのキーのみ更新する。
// 明細配列は後勝ちのため、並行して別の明細を編集した場合は一方の変更が失われることがある。
func (m *Machine) SetItemDisposition(ctx context.Context, o *model.Order, index int, category, itemStatus, actorUID string) (*model.Order, error) {
	const transition = "set_item_disposition"
	role, err := m.actorRole(ctx, transition, actorUID)
	if err != nil {
		return nil, err
	}
	if role != model.RoleProcurement {
		m.record(transition, OutcomeUnauthorized)
		return nil, model.NewUnauthorizedRoleError(transition, o.ID, role)
	}

	path := docstore.Doc(OrdersCollection, o.ID)
	snap, err := m.store.Get(ctx, path)
	if err != nil {
		m.record(transition, OutcomeError)
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	if !snap.Exists {
		m.record(transition, OutcomeError)
		return nil, model.NewNotFoundError("order", o.ID)
	}
	latest := &model.Order{}
	if err := snap.DataTo(latest); err != nil {
		m.record(transition, OutcomeError)
		return nil, err
	}
	if !itemEditable(latest.Status) {
		m.record(transition, OutcomeIllegal)
		return nil, model.NewIllegalStateError(o.ID, latest.Status, transition)
	}

	// 未知のフィールドを保つため、明細はデコードせずに文書の値のまま書き換える
	items, _ := snap.Data["items"].([]any)
	if index < 0 || index >= len(items) {
		m.record(transition, OutcomeError)
		return nil, model.NewValidationError(fmt.Sprintf("明細番号 %d は範囲外です", index))
	}
	item, ok := items[index].(map[string]any)
	if !ok {
		m.record(transition, OutcomeError)
		return nil, fmt.Errorf("order %s: item %d is malformed", o.ID, index)
	}
	category = m.sanitizer.Sanitize(category)
	itemStatus = m.sanitizer.Sanitize(itemStatus)
	item["category"] = category
	item["itemStatus"] = itemStatus

	key := strconv.Itoa(index)
	now := m.now().UTC()
	err = m.update(ctx, transition, o.ID, docstore.Data{
		"items":                  items,
		"itemsCategories." + key: category,
		"itemsStatuses." + key:   itemStatus,
		"updatedAt":              now,
	}, docstore.Where("status", string(latest.Status)))
	if errors.Is(err, docstore.ErrPreconditionFailed) {
		m.record(transition, OutcomeIllegal)
		return nil, model.NewIllegalStateError(o.ID, m.currentStatus(ctx, o.ID, latest.Status), transition)
	}
	if err != nil {
		return nil, err
	}

	latest.Items[index].Category = category
	latest.Items[index].ItemStatus = itemStatus
	if latest.ItemsCategories == nil {
		latest.ItemsCategories = map[string]string{}
	}
	if latest.ItemsStatuses == nil {
		latest.ItemsStatuses = map[string]string{}
	}
	latest.ItemsCategories[key] = category
	latest.ItemsStatuses[key] = itemStatus
	latest.UpdatedAt = now

	m.record(transition, OutcomeOK)
	return latest, nil
}

// authorize はアクターのロールと状態遷移表を検証する。ロールの検証を先に行う。
func (m *Machine) authorize(ctx context.Context, transition string, o *model.Order, to model.OrderStatus, actorUID string) error {
	role, err := m.actorRole(ctx, transition, actorUID)
	if err != nil {
		return err
	}
	if want, ok := AuthorizedRole(to); !ok || role != want {
		m.record(transition, OutcomeUnauthorized)
		return model.NewUnauthorizedRoleError(transition, o.ID, role)
	}
	if !CanTransition(o.Status, to) {
		m.record(transition, OutcomeIllegal)
		return model.NewIllegalTransitionError(o.ID, o.Status, to)
	}
	return nil
}

func (m *Machine) actorRole(ctx context.Context, transition, actorUID string) (model.Role, error) {
	role, err := auth.LookupRole(ctx, m.store, actorUID)
	if err != nil {
		m.record(transition, OutcomeError)
		return model.RoleUnknown, err
	}
	return role, nil
}

// transition は保存済みの状態が o.Status のままである場合に限り書き込む。
// 検証後に別の遷移が先に確定していた場合は ILLEGAL_TRANSITION を返す。
func (m *Machine) transition(ctx context.Context, transition string, o *model.Order, to model.OrderStatus, fields docstore.Data) error {
	err := m.update(ctx, transition, o.ID, fields, docstore.Where("status", string(o.Status)))
	if errors.Is(err, docstore.ErrPreconditionFailed) {
		m.record(transition, OutcomeIllegal)
		return model.NewIllegalTransitionError(o.ID, m.currentStatus(ctx, o.ID, o.Status), to)
	}
	return err
}

// currentStatus はエラー報告用に保存済みの状態を読む。読めない場合は fallback を返す。
func (m *Machine) currentStatus(ctx context.Context, orderID string, fallback model.OrderStatus) model.OrderStatus {
	latest, err := m.Get(ctx, orderID)
	if err != nil {
		return fallback
	}
	return latest.Status
}

func (m *Machine) update(ctx context.Context, transition, orderID string, fields docstore.Data, preconditions ...docstore.Filter) error {
	err := m.store.Update(ctx, docstore.Doc(OrdersCollection, orderID), fields, preconditions...)
	if errors.Is(err, docstore.ErrPreconditionFailed) {
		return err
	}
	if err != nil {
		m.record(transition, OutcomeError)
		return fmt.Errorf("failed to update order %s: %w", orderID, err)
	}
	return nil
}

// notify は状態更新に続けて通知を書き込む。失敗しても更新は取り消さない。
func (m *Machine) notify(ctx context.Context, transition string, o *model.Order, n *model.Notification) (*model.Order, error) {
	n.OrderID = o.ID
	n.OrderNo = o.OrderNo
	if _, err := m.notifier.Notify(ctx, n); err != nil {
		m.record(transition, OutcomePartialFailure)
		m.logger.Error("notification write failed after order transition",
			slog.String("order_id", o.ID),
			slog.String("transition", transition),
			slog.String("error", err.Error()),
		)
		return o, &model.PartialSideEffectError{OrderID: o.ID, Transition: transition, Err: err}
	}

	m.logger.Info("order transitioned",
		slog.String("order_id", o.ID),
		slog.String("transition", transition),
		slog.String("status", string(o.Status)),
	)
	m.record(transition, OutcomeOK)
	return o, nil
}

func (m *Machine) record(transition, outcome string) {
	if m.metrics != nil {
		m.metrics.RecordTransition(transition, outcome)
	}
}

func statusLabel(s model.OrderStatus) string {
	switch s {
	case model.StatusPending:
		return "承認待ち"
	case model.StatusApproved:
		return "承認済み"
	case model.StatusRejected:
		return "却下"
	case model.StatusInProgress:
		return "手配中"
	case model.StatusDelivered:
		return "納品済み"
	}
	return string(s)
}
