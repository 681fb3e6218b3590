// Package repository はデータ永続化のインターフェースを定義する。
//
// 発注・通知・ロールなどの文書は docstore で扱い、ここではリレーショナルに保持する
// サーバー側セッションのみを扱う。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/poflow/internal/model"
)

// SessionRepository はセッションの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error

	// FindByID は指定IDのセッションを取得する。見つからない場合はnilを返す。
	// 有効期限の判定は呼び出し側が行う。
	FindByID(ctx context.Context, id string) (*model.Session, error)

	// DeleteByID は指定IDのセッションを削除する。
	DeleteByID(ctx context.Context, id string) error

	// DeleteByUID は指定ユーザーの全セッションを削除する。
	DeleteByUID(ctx context.Context, uid string) error

	// UpdateRoleByUID は指定ユーザーの全セッションのロールを更新する。
	UpdateRoleByUID(ctx context.Context, uid string, role model.Role) error

	// DeleteExpired は期限切れのセッションを削除し、削除件数を返す。
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}
