// Package order は発注のライフサイクルと、それに伴う通知の発行を提供する。
package order

import "github.com/hitoshi/poflow/internal/model"

// 状態遷移表:
//
//	pending     -> approved | rejected   (supervisor)
//	approved    -> in_progress           (procurement)
//	in_progress -> delivered             (procurement)
//
// rejected と delivered は終端状態。
var transitions = map[model.OrderStatus][]model.OrderStatus{
	model.StatusPending:    {model.StatusApproved, model.StatusRejected},
	model.StatusApproved:   {model.StatusInProgress},
	model.StatusInProgress: {model.StatusDelivered},
}

// authority は遷移先の状態ごとに、その遷移を実行できるロール。
var authority = map[model.OrderStatus]model.Role{
	model.StatusApproved:   model.RoleSupervisor,
	model.StatusRejected:   model.RoleSupervisor,
	model.StatusInProgress: model.RoleProcurement,
	model.StatusDelivered:  model.RoleProcurement,
}

// advanceSuccessor は advance で進められる直後の状態。
var advanceSuccessor = map[model.OrderStatus]model.OrderStatus{
	model.StatusApproved:   model.StatusInProgress,
	model.StatusInProgress: model.StatusDelivered,
}

// CanTransition は from から to への遷移が状態遷移表にあるかを返す。
func CanTransition(from, to model.OrderStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// AuthorizedRole は to への遷移を実行できるロールを返す。
func AuthorizedRole(to model.OrderStatus) (model.Role, bool) {
	r, ok := authority[to]
	return r, ok
}

// Successor は advance で進められる次の状態を返す。
func Successor(from model.OrderStatus) (model.OrderStatus, bool) {
	s, ok := advanceSuccessor[from]
	return s, ok
}

// itemEditable は明細の分類を変更できる状態。
func itemEditable(s model.OrderStatus) bool {
	return s == model.StatusApproved || s == model.StatusInProgress
}
