// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/hitoshi/poflow/internal/auth"
	"github.com/hitoshi/poflow/internal/model"
)

// SessionCookieName はセッションIDを保持するCookieの名前。
const SessionCookieName = "session-id"

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// sessionIDContextKey はリクエストコンテキストにセッションIDを格納するためのキー。
var sessionIDContextKey = contextKey("session_id")

// SessionValidator はセッションの検証に必要なインターフェース。
// auth.SessionIssuer が実装する。
type SessionValidator interface {
	Validate(ctx context.Context, sessionID string) (*auth.SessionInfo, error)
}

// NewSessionMiddleware はCookieからセッションを読み取り、有効性を検証するミドルウェアを返す。
// 有効なセッションのuidとロールを auth.Resolution としてリクエストコンテキストに注入する。
// セッションがない、または無効な場合は401を返す。
func NewSessionMiddleware(validator SessionValidator) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// 1. CookieからセッションIDを取得
			cookie, err := r.Cookie(SessionCookieName)
			if err != nil || cookie.Value == "" {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewSessionExpiredError())
				return
			}

			// 2. セッションの有効性を検証（IDトークンの再検証は行わない）
			info, err := validator.Validate(r.Context(), cookie.Value)
			if err != nil {
				slog.Error("failed to validate session",
					slog.String("error", err.Error()),
				)
				WriteInternalServerError(w)
				return
			}
			if info == nil {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewSessionExpiredError())
				return
			}

			// 3. 解決済みのアイデンティティとロールをコンテキストに注入
			noteUID(r.Context(), info.UID)
			ctx := ContextWithSession(r.Context(), cookie.Value, info)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// NewRequireRole は解決済みロールが roles のいずれかでなければ403を返すミドルウェアを返す。
// セッションミドルウェアの後に配置する。
func NewRequireRole(roles ...model.Role) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res := auth.ResolutionFromContext(r.Context())
			if res.State != auth.Resolved {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewSessionExpiredError())
				return
			}
			for _, role := range roles {
				if res.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			WriteErrorResponse(w, http.StatusForbidden, model.NewForbiddenOperationError(r.Method+" "+r.URL.Path, res.Role))
		})
	}
}

// UIDFromContext はリクエストコンテキストから認証済みのuidを取得する。
// セッションミドルウェアを通過したリクエストでのみ有効。
func UIDFromContext(ctx context.Context) (string, error) {
	res := auth.ResolutionFromContext(ctx)
	if res.State != auth.Resolved || res.Identity == nil || res.Identity.UID == "" {
		return "", fmt.Errorf("uid not found in context")
	}
	return res.Identity.UID, nil
}

// SessionIDFromContext はリクエストコンテキストからセッションIDを取得する。
func SessionIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(sessionIDContextKey).(string)
	return id
}

// ContextWithSession はセッションIDと解決結果をコンテキストに注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithSession(ctx context.Context, sessionID string, info *auth.SessionInfo) context.Context {
	ctx = context.WithValue(ctx, sessionIDContextKey, sessionID)
	return auth.WithResolution(ctx, auth.Resolution{
		State:    auth.Resolved,
		Identity: &model.Identity{UID: info.UID},
		Role:     info.Role,
	})
}
