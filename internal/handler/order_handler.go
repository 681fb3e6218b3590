package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/poflow/internal/middleware"
	"github.com/hitoshi/poflow/internal/model"
	"github.com/hitoshi/poflow/internal/order"
)

// OrderServiceInterface は発注ハンドラーが必要とするサービスインターフェース。
// order.Machine が実装する。
type OrderServiceInterface interface {
	Create(ctx context.Context, actorUID string, draft order.Draft) (*model.Order, error)
	Get(ctx context.Context, orderID string) (*model.Order, error)
	Approve(ctx context.Context, o *model.Order, actorUID string) (*model.Order, error)
	Reject(ctx context.Context, o *model.Order, actorUID, reason string) (*model.Order, error)
	Advance(ctx context.Context, o *model.Order, next model.OrderStatus, actorUID string) (*model.Order, error)
	SetItemDisposition(ctx context.Context, o *model.Order, index int, category, itemStatus, actorUID string) (*model.Order, error)
}

// OrderHandler は発注の作成と状態遷移のHTTPハンドラー。
type OrderHandler struct {
	service OrderServiceInterface
}

// NewOrderHandler はOrderHandlerを生成する。
func NewOrderHandler(service OrderServiceInterface) *OrderHandler {
	return &OrderHandler{service: service}
}

type createOrderRequest struct {
	Date  string                   `json:"date"`
	Items []createOrderItemRequest `json:"items"`
}

type createOrderItemRequest struct {
	Description  string `json:"description"`
	ReceivedDate string `json:"receivedDate"`
	Quantity     int64  `json:"quantity"`
	UnitAmount   int64  `json:"unitAmount"`
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

type advanceRequest struct {
	NextStatus string `json:"nextStatus"`
}

type dispositionRequest struct {
	Category   string `json:"category"`
	ItemStatus string `json:"itemStatus"`
}

// orderResponse は発注のAPIレスポンス。
// 状態更新は確定したが通知の書き込みに失敗した場合は Warning を設定する。
type orderResponse struct {
	Order   *model.Order `json:"order"`
	Warning string       `json:"warning,omitempty"`
}

// Create は発注を作成する。
// POST /api/orders
func (h *OrderHandler) Create(w http.ResponseWriter, r *http.Request) {
	uid, ok := requireUID(w, r)
	if !ok {
		return
	}
	var req createOrderRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	draft := order.Draft{Date: req.Date, Items: make([]order.DraftItem, 0, len(req.Items))}
	for _, it := range req.Items {
		draft.Items = append(draft.Items, order.DraftItem{
			Description:  it.Description,
			ReceivedDate: it.ReceivedDate,
			Quantity:     it.Quantity,
			UnitAmount:   it.UnitAmount,
		})
	}

	o, err := h.service.Create(r.Context(), uid, draft)
	h.writeResult(w, http.StatusCreated, o, err)
}

// Get は発注を取得する。
// GET /api/orders/{id}
func (h *OrderHandler) Get(w http.ResponseWriter, r *http.Request) {
	o, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orderResponse{Order: o})
}

// Approve は承認待ちの発注を承認する。
// POST /api/orders/{id}/approve
func (h *OrderHandler) Approve(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(ctx context.Context, o *model.Order, uid string) (*model.Order, error) {
		return h.service.Approve(ctx, o, uid)
	})
}

// Reject は承認待ちの発注を却下する。理由は空でもよい。
// POST /api/orders/{id}/reject
func (h *OrderHandler) Reject(w http.ResponseWriter, r *http.Request) {
	var req rejectRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	h.transition(w, r, func(ctx context.Context, o *model.Order, uid string) (*model.Order, error) {
		return h.service.Reject(ctx, o, uid, req.Reason)
	})
}

// Advance は発注を次の状態へ進める。
// POST /api/orders/{id}/advance
func (h *OrderHandler) Advance(w http.ResponseWriter, r *http.Request) {
	var req advanceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	next, ok := model.ParseOrderStatus(req.NextStatus)
	if !ok {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewValidationError("nextStatus が不正です"))
		return
	}
	h.transition(w, r, func(ctx context.Context, o *model.Order, uid string) (*model.Order, error) {
		return h.service.Advance(ctx, o, next, uid)
	})
}

// SetItemDisposition は明細1行の区分と状態を設定する。
// PUT /api/orders/{id}/items/{index}/disposition
func (h *OrderHandler) SetItemDisposition(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewValidationError("明細インデックスが不正です"))
		return
	}
	var req dispositionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	h.transition(w, r, func(ctx context.Context, o *model.Order, uid string) (*model.Order, error) {
		return h.service.SetItemDisposition(ctx, o, index, req.Category, req.ItemStatus, uid)
	})
}

// transition は対象の発注を読み込み、fn で状態を変更してレスポンスを書き込む。
func (h *OrderHandler) transition(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, o *model.Order, uid string) (*model.Order, error)) {
	uid, ok := requireUID(w, r)
	if !ok {
		return
	}
	o, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	updated, err := fn(r.Context(), o, uid)
	h.writeResult(w, http.StatusOK, updated, err)
}

func (h *OrderHandler) writeResult(w http.ResponseWriter, statusCode int, o *model.Order, err error) {
	var partial *model.PartialSideEffectError
	switch {
	case err == nil:
		writeJSON(w, statusCode, orderResponse{Order: o})
	case errors.As(err, &partial) && o != nil:
		slog.Warn("order committed without notification",
			slog.String("order_id", partial.OrderID),
			slog.String("transition", partial.Transition),
		)
		writeJSON(w, statusCode, orderResponse{Order: o, Warning: "通知の送信に失敗しました。発注の更新は完了しています。"})
	default:
		handleServiceError(w, err)
	}
}
