package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/poflow/internal/auth"
	"github.com/hitoshi/poflow/internal/middleware"
	"github.com/hitoshi/poflow/internal/model"
)

// SessionServiceInterface はセッションハンドラーが必要とするサービスインターフェース。
// auth.SessionIssuer が実装する。
type SessionServiceInterface interface {
	middleware.SessionValidator
	Issue(ctx context.Context, idToken string) (*model.Session, error)
	Revoke(ctx context.Context, sessionID string) error
	AuthState(ctx context.Context, sessionID string) (auth.AuthStateSource, error)
	TTL() time.Duration
}

// SessionMetrics はセッション発行結果の記録先。
type SessionMetrics interface {
	RecordSessionIssue(outcome string)
}

// CookieConfig はセッションCookieの属性。
type CookieConfig struct {
	Domain string
	Secure bool // BASE_URL が https の場合に true
}

// SessionHandler はサーバー側セッションの発行と破棄のHTTPハンドラー。
type SessionHandler struct {
	service SessionServiceInterface
	metrics SessionMetrics
	cookie  CookieConfig
}

// NewSessionHandler はSessionHandlerを生成する。metrics はnilでもよい。
func NewSessionHandler(service SessionServiceInterface, metrics SessionMetrics, cookie CookieConfig) *SessionHandler {
	return &SessionHandler{
		service: service,
		metrics: metrics,
		cookie:  cookie,
	}
}

type issueSessionRequest struct {
	IDToken string `json:"idToken"`
}

type sessionResponse struct {
	SessionID    string             `json:"sessionId"`
	UID          string             `json:"uid"`
	Role         model.Role         `json:"role"`
	LandingRoute model.LandingRoute `json:"landingRoute"`
	ExpiresAt    time.Time          `json:"expiresAt"`
}

type meResponse struct {
	UID          string             `json:"uid"`
	Role         model.Role         `json:"role"`
	LandingRoute model.LandingRoute `json:"landingRoute"`
}

type landingRoutesResponse struct {
	Routes map[model.Role]model.LandingRoute `json:"routes"`
	SignIn model.LandingRoute                `json:"signIn"`
}

// Issue はIDトークンを検証してセッションを発行し、セッションCookieを設定する。
// POST /api/session
func (h *SessionHandler) Issue(w http.ResponseWriter, r *http.Request) {
	var req issueSessionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.IDToken == "" {
		h.record("rejected")
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewValidationError("idToken は必須です"))
		return
	}

	session, err := h.service.Issue(r.Context(), req.IDToken)
	if err != nil {
		if model.HasCode(err, model.ErrCodeAuthFailed) {
			h.record("rejected")
		} else {
			h.record("error")
		}
		handleServiceError(w, err)
		return
	}
	h.record("issued")

	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    session.ID,
		Path:     "/",
		Domain:   h.cookie.Domain,
		MaxAge:   int(h.service.TTL().Seconds()),
		HttpOnly: true,
		Secure:   h.cookie.Secure,
		SameSite: http.SameSiteStrictMode,
	})

	writeJSON(w, http.StatusOK, sessionResponse{
		SessionID:    session.ID,
		UID:          session.UID,
		Role:         session.Role,
		LandingRoute: model.LandingRouteFor(session.Role),
		ExpiresAt:    session.ExpiresAt,
	})
}

// Revoke はセッションを破棄し、セッションCookieを削除する。
// DELETE /api/session
func (h *SessionHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	sessionID := middleware.SessionIDFromContext(r.Context())
	if err := h.service.Revoke(r.Context(), sessionID); err != nil {
		slog.Error("failed to revoke session", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   h.cookie.Domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.cookie.Secure,
		SameSite: http.SameSiteStrictMode,
	})
	w.WriteHeader(http.StatusNoContent)
}

// Me は現在のセッションのuid・ロール・既定遷移先を返す。
// GET /api/me
func (h *SessionHandler) Me(w http.ResponseWriter, r *http.Request) {
	res := auth.ResolutionFromContext(r.Context())
	if res.State != auth.Resolved || res.Identity == nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewSessionExpiredError())
		return
	}
	writeJSON(w, http.StatusOK, meResponse{
		UID:          res.Identity.UID,
		Role:         res.Role,
		LandingRoute: res.LandingRoute(),
	})
}

// LandingRoutes はロールごとの既定遷移先の表を返す。
// GET /api/routes/landing
func (h *SessionHandler) LandingRoutes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, landingRoutesResponse{
		Routes: model.LandingRoutes(),
		SignIn: model.RouteSignIn,
	})
}

func (h *SessionHandler) record(outcome string) {
	if h.metrics != nil {
		h.metrics.RecordSessionIssue(outcome)
	}
}
