package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/poflow/internal/model"
)

// UserServiceInterface はユーザー管理ハンドラーが必要とするサービスインターフェース。
// user.Service が実装する。
type UserServiceInterface interface {
	ListUsers(ctx context.Context, actorUID string) ([]*model.RoleRecord, error)
	AssignRole(ctx context.Context, actorUID, targetUID string, role model.Role) (*model.RoleRecord, error)
}

// UserHandler はユーザー管理のHTTPハンドラー。
type UserHandler struct {
	service UserServiceInterface
}

// NewUserHandler はUserHandlerを生成する。
func NewUserHandler(service UserServiceInterface) *UserHandler {
	return &UserHandler{service: service}
}

type assignRoleRequest struct {
	Role string `json:"role"`
}

type usersResponse struct {
	Users []*model.RoleRecord `json:"users"`
}

// List は全ユーザーのロール一覧を返す。
// GET /api/users
func (h *UserHandler) List(w http.ResponseWriter, r *http.Request) {
	uid, ok := requireUID(w, r)
	if !ok {
		return
	}

	users, err := h.service.ListUsers(r.Context(), uid)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, usersResponse{Users: users})
}

// AssignRole は対象ユーザーのロールを変更する。
// PUT /api/users/{uid}/role
func (h *UserHandler) AssignRole(w http.ResponseWriter, r *http.Request) {
	uid, ok := requireUID(w, r)
	if !ok {
		return
	}
	var req assignRoleRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	rec, err := h.service.AssignRole(r.Context(), uid, chi.URLParam(r, "uid"), model.Role(req.Role))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
