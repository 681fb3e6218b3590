// Package model はドメインモデルを定義する。
package model

import "time"

// Identity はIdentityProviderが発行する認証済み主体を表す。
type Identity struct {
	UID         string `json:"uid"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
}

// RoleRecord はuidごとに1件だけ存在するロール文書。
// role は作成時にのみ設定され、ensure-exists経路では上書きされない。
type RoleRecord struct {
	UID         string    `json:"uid"`
	Email       string    `json:"email"`
	DisplayName string    `json:"displayName"`
	Role        Role      `json:"role,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// EffectiveRole はロールフィールドが欠落している場合に最下位ロールを返す。
func (r *RoleRecord) EffectiveRole() Role {
	if r.Role == "" {
		return LowestRole
	}
	return r.Role
}

// Session はサーバー側で保持する短命なセッションを表す。
// クライアントが保持するIDトークンとは独立している。
type Session struct {
	ID        string
	UID       string
	Role      Role
	IssuedAt  time.Time
	ExpiresAt time.Time
}
