package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/poflow/internal/auth"
	"github.com/hitoshi/poflow/internal/model"
)

// NotificationServiceInterface は通知ハンドラーが必要とするサービスインターフェース。
// notification.Writer が実装する。
type NotificationServiceInterface interface {
	MarkRead(ctx context.Context, actorUID string, actorRole model.Role, id string) error
}

// NotificationHandler は通知の既読化のHTTPハンドラー。
type NotificationHandler struct {
	service NotificationServiceInterface
}

// NewNotificationHandler はNotificationHandlerを生成する。
func NewNotificationHandler(service NotificationServiceInterface) *NotificationHandler {
	return &NotificationHandler{service: service}
}

// MarkRead はセッションのユーザー宛て、またはそのロール宛ての通知を既読にする。
// POST /api/notifications/{id}/read
func (h *NotificationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	uid, ok := requireUID(w, r)
	if !ok {
		return
	}
	role := auth.ResolutionFromContext(r.Context()).Role
	if err := h.service.MarkRead(r.Context(), uid, role, chi.URLParam(r, "id")); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
