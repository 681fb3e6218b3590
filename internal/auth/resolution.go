// Package auth はアイデンティティとロールの解決、サーバー側セッションの発行を提供する。
package auth

import (
	"context"

	"github.com/hitoshi/poflow/internal/model"
)

// ResolutionState はアイデンティティとロールの解決状態。
type ResolutionState int

const (
	// Unresolved はロールが未確定の状態。Identity が設定されていれば認証済みでロールのみ未確定。
	Unresolved ResolutionState = iota
	// Resolved はアイデンティティとロールが確定した状態。
	Resolved
	// SignedOut はサインアウトした状態。
	SignedOut
)

func (s ResolutionState) String() string {
	switch s {
	case Resolved:
		return "resolved"
	case SignedOut:
		return "signed_out"
	default:
		return "unresolved"
	}
}

// Resolution はある時点の解決結果。
type Resolution struct {
	State    ResolutionState
	Identity *model.Identity
	Role     model.Role
	// Err はロール購読が失敗した場合に設定される。このとき State は Unresolved。
	Err error
}

// LandingRoute は解決結果に応じた既定の遷移先を返す。
func (r Resolution) LandingRoute() model.LandingRoute {
	if r.State != Resolved {
		return model.RouteSignIn
	}
	return model.LandingRouteFor(r.Role)
}

type contextKey struct{}

// WithResolution は解決結果をコンテキストに格納する。
func WithResolution(ctx context.Context, r Resolution) context.Context {
	return context.WithValue(ctx, contextKey{}, r)
}

// ResolutionFromContext はコンテキストから解決結果を取り出す。未設定の場合は Unresolved。
func ResolutionFromContext(ctx context.Context) Resolution {
	r, _ := ctx.Value(contextKey{}).(Resolution)
	return r
}
