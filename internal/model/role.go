package model

import "encoding/json"

// Role はアイデンティティに付与される認可ロール。
// 値の集合は固定で、ストア境界で未知の値は RoleUnknown に写像される。
type Role string

const (
	RoleRequester   Role = "requester"
	RoleSupervisor  Role = "supervisor"
	RoleProcurement Role = "procurement"
	RoleAdmin       Role = "admin"
	// RoleUnknown はストアに不正な値が保存されていた場合の受け皿。
	// いかなる遷移権限も持たない。
	RoleUnknown Role = "unknown"
)

// LowestRole はロールフィールドが存在しない場合の既定値。
const LowestRole = RoleRequester

// AllRoles は表示用の権限順に並べた有効なロール一覧。
var AllRoles = []Role{RoleRequester, RoleSupervisor, RoleProcurement, RoleAdmin}

// ParseRole は文字列をロールに変換する。不正な値は (RoleUnknown, false) を返す。
func ParseRole(s string) (Role, bool) {
	switch r := Role(s); r {
	case RoleRequester, RoleSupervisor, RoleProcurement, RoleAdmin:
		return r, true
	}
	return RoleUnknown, false
}

// Valid は有効なロールかどうかを返す。
func (r Role) Valid() bool {
	_, ok := ParseRole(string(r))
	return ok
}

// ReceivesBroadcast はロール宛て通知を購読するロールかどうかを返す。
func (r Role) ReceivesBroadcast() bool {
	return r == RoleSupervisor || r == RoleProcurement
}

// UnmarshalJSON は不正な値を RoleUnknown に写像する。
func (r *Role) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		*r = RoleUnknown
		return nil
	}
	if s == "" {
		*r = ""
		return nil
	}
	*r, _ = ParseRole(s)
	return nil
}
