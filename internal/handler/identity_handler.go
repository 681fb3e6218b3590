package handler

import (
	"context"
	"net/http"

	"github.com/hitoshi/poflow/internal/identity"
	"github.com/hitoshi/poflow/internal/model"
)

// IdentityServiceInterface はアイデンティティハンドラーが必要とするサービスインターフェース。
// identity.Provider が実装する。
type IdentityServiceInterface interface {
	SignUp(ctx context.Context, email, password, displayName string) (*model.Identity, string, error)
	SignIn(ctx context.Context, email, password string) (*model.Identity, string, error)
	UpdateProfile(ctx context.Context, uid string, update identity.ProfileUpdate) (*model.Identity, string, error)
}

// IdentityHandler はアカウント作成・サインイン・プロフィール更新のHTTPハンドラー。
type IdentityHandler struct {
	service IdentityServiceInterface
}

// NewIdentityHandler はIdentityHandlerを生成する。
func NewIdentityHandler(service IdentityServiceInterface) *IdentityHandler {
	return &IdentityHandler{service: service}
}

type signUpRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"displayName"`
}

type signInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type profileRequest struct {
	Email       *string `json:"email"`
	DisplayName *string `json:"displayName"`
}

// tokenResponse はIDトークンを返すレスポンス。
type tokenResponse struct {
	IDToken     string `json:"idToken"`
	UID         string `json:"uid"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
}

func toTokenResponse(ident *model.Identity, token string) tokenResponse {
	return tokenResponse{
		IDToken:     token,
		UID:         ident.UID,
		Email:       ident.Email,
		DisplayName: ident.DisplayName,
	}
}

// SignUp はアカウントを作成しIDトークンを返す。
// POST /api/identity/signup
func (h *IdentityHandler) SignUp(w http.ResponseWriter, r *http.Request) {
	var req signUpRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	ident, token, err := h.service.SignUp(r.Context(), req.Email, req.Password, req.DisplayName)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTokenResponse(ident, token))
}

// SignIn はメールアドレスとパスワードを検証しIDトークンを返す。
// POST /api/identity/signin
func (h *IdentityHandler) SignIn(w http.ResponseWriter, r *http.Request) {
	var req signInRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	ident, token, err := h.service.SignIn(r.Context(), req.Email, req.Password)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTokenResponse(ident, token))
}

// UpdateProfile はサインイン中ユーザーのメールアドレスまたは表示名を更新し、新しいIDトークンを返す。
// ロールは変更しない。
// PATCH /api/me/profile
func (h *IdentityHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	uid, ok := requireUID(w, r)
	if !ok {
		return
	}
	var req profileRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	ident, token, err := h.service.UpdateProfile(r.Context(), uid, identity.ProfileUpdate{
		Email:       req.Email,
		DisplayName: req.DisplayName,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTokenResponse(ident, token))
}
