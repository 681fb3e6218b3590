package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, order, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeUnauthorizedRole  = "UNAUTHORIZED_ROLE"
	ErrCodeIllegalTransition = "ILLEGAL_TRANSITION"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeAuthFailed        = "AUTH_FAILED"
	ErrCodeSessionExpired    = "SESSION_EXPIRED"
	ErrCodeInternal          = "INTERNAL_ERROR"
)

// HasCode はエラーチェーン中のAPIErrorが指定コードを持つかを返す。
func HasCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// NewUnauthorizedRoleError は操作に必要なロールを持たない場合のエラーを生成する。
func NewUnauthorizedRoleError(operation string, orderID string, role Role) *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorizedRole,
		Message:  fmt.Sprintf("ロール %s では発注 %s に対して %s を実行できません", role, orderID, operation),
		Category: "auth",
		Action:   "権限を持つ担当者に操作を依頼してください。",
	}
}

// NewForbiddenOperationError は発注以外の操作に必要なロールを持たない場合のエラーを生成する。
func NewForbiddenOperationError(operation string, role Role) *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorizedRole,
		Message:  fmt.Sprintf("ロール %s では %s を実行できません", role, operation),
		Category: "auth",
		Action:   "管理者に問い合わせてください。",
	}
}

// NewIllegalTransitionError は現在の状態から要求された遷移ができない場合のエラーを生成する。
func NewIllegalTransitionError(orderID string, from, to OrderStatus) *APIError {
	return &APIError{
		Code:     ErrCodeIllegalTransition,
		Message:  fmt.Sprintf("発注 %s は %s から %s へ遷移できません", orderID, from, to),
		Category: "order",
		Action:   "画面を再読み込みして最新の状態を確認してください。",
	}
}

// NewIllegalStateError は現在の状態では実行できない操作を要求された場合のエラーを生成する。
func NewIllegalStateError(orderID string, status OrderStatus, operation string) *APIError {
	return &APIError{
		Code:     ErrCodeIllegalTransition,
		Message:  fmt.Sprintf("発注 %s は状態 %s のため %s を実行できません", orderID, status, operation),
		Category: "order",
		Action:   "画面を再読み込みして最新の状態を確認してください。",
	}
}

// NewNotFoundError は参照先の文書が存在しない場合のエラーを生成する。
func NewNotFoundError(kind, id string) *APIError {
	return &APIError{
		Code:     ErrCodeNotFound,
		Message:  fmt.Sprintf("%s が見つかりません: %s", kind, id),
		Category: "order",
		Action:   "IDを確認してください。",
	}
}

// NewValidationError は入力値が不正な場合のエラーを生成する。
func NewValidationError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeValidation,
		Message:  fmt.Sprintf("入力内容が不正です: %s", reason),
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// NewAuthFailedError は認証に失敗した場合のエラーを生成する。
func NewAuthFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeAuthFailed,
		Message:  "認証に失敗しました。",
		Category: "auth",
		Action:   "メールアドレスとパスワードを確認して再度サインインしてください。",
	}
}

// NewSessionExpiredError はセッションが無効または期限切れの場合のエラーを生成する。
func NewSessionExpiredError() *APIError {
	return &APIError{
		Code:     ErrCodeSessionExpired,
		Message:  "セッションが無効です。",
		Category: "auth",
		Action:   "再度サインインしてください。",
	}
}

// SubscriptionError は購読の失敗を表す。
// 失敗した購読はそこで終了し、自動的な再試行は行わない。
type SubscriptionError struct {
	Source string // 購読対象（文書パスまたはコレクション）
	Err    error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("subscription %s failed: %v", e.Source, e.Err)
}

func (e *SubscriptionError) Unwrap() error { return e.Err }

// PartialSideEffectError は状態変更は確定したが、対になる通知の書き込みに失敗したことを表す。
// 状態変更はロールバックされない。
type PartialSideEffectError struct {
	OrderID    string
	Transition string
	Err        error
}

func (e *PartialSideEffectError) Error() string {
	return fmt.Sprintf("order %s: %s committed but notification write failed: %v", e.OrderID, e.Transition, e.Err)
}

func (e *PartialSideEffectError) Unwrap() error { return e.Err }
