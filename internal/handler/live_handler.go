package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/poflow/internal/auth"
	"github.com/hitoshi/poflow/internal/docstore"
	"github.com/hitoshi/poflow/internal/middleware"
	"github.com/hitoshi/poflow/internal/model"
)

// liveKeepAlive はSSEのコメント行を送る間隔。
const liveKeepAlive = 25 * time.Second

// NotificationSubscriber は通知フィードの購読を提供する。
// notification.Aggregator が実装する。
type NotificationSubscriber interface {
	Subscribe(ident *model.Identity, role model.Role, cb func([]model.Notification), onError func(error)) (unsubscribe func())
}

// LiveHandler はセッションの解決結果と通知フィードをServer-Sent Eventsで配信する。
type LiveHandler struct {
	sessions SessionServiceInterface
	roles    docstore.Store
	feeds    NotificationSubscriber
	logger   *slog.Logger
}

// NewLiveHandler はLiveHandlerを生成する。
func NewLiveHandler(sessions SessionServiceInterface, roles docstore.Store, feeds NotificationSubscriber, logger *slog.Logger) *LiveHandler {
	return &LiveHandler{
		sessions: sessions,
		roles:    roles,
		feeds:    feeds,
		logger:   logger,
	}
}

type resolutionEvent struct {
	State        string             `json:"state"`
	UID          string             `json:"uid,omitempty"`
	Role         model.Role         `json:"role,omitempty"`
	LandingRoute model.LandingRoute `json:"landingRoute"`
	Error        string             `json:"error,omitempty"`
}

type notificationsEvent struct {
	Notifications []model.Notification `json:"notifications"`
	Unread        int                  `json:"unread"`
}

type errorEvent struct {
	Source  string `json:"source"`
	Message string `json:"message"`
}

// liveMsg は購読コールバックからリクエストのゴルーチンへ渡すメッセージ。
// feed はどの通知購読から来たかを表し、再購読後に届いた古い通知を捨てるのに使う。
type liveMsg struct {
	resolution    *auth.Resolution
	notifications []model.Notification
	err           error
	feed          uint64
}

// Stream はセッションの解決結果と通知フィードを配信する。
//
// ロールが変わると古い通知購読を解除してから新しいロールで購読し直す。
// サインアウト（セッションの破棄または期限切れ）で配信を終了する。
// GET /api/live
func (h *LiveHandler) Stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.logger.Error("streaming unsupported by response writer")
		middleware.WriteInternalServerError(w)
		return
	}

	source, err := h.sessions.AuthState(r.Context(), middleware.SessionIDFromContext(r.Context()))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	done := make(chan struct{})
	msgs := make(chan liveMsg)
	send := func(m liveMsg) {
		select {
		case msgs <- m:
		case <-done:
		}
	}

	bridge := auth.NewRoleBridge(source, h.roles, h.logger)
	bridgeUnsub := bridge.Subscribe(func(res auth.Resolution) {
		send(liveMsg{resolution: &res})
	})

	var (
		feedUnsub func()
		feedGen   uint64
		feedUID   string
		feedRole  model.Role
	)
	cancelFeed := func() {
		if feedUnsub != nil {
			feedUnsub()
			feedUnsub = nil
		}
		feedGen++
		feedUID, feedRole = "", ""
	}
	defer func() {
		close(done)
		cancelFeed()
		bridgeUnsub()
	}()

	keepAlive := time.NewTicker(liveKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case m := <-msgs:
			switch {
			case m.resolution != nil:
				res := *m.resolution
				if err := h.writeEvent(w, flusher, "resolution", toResolutionEvent(res)); err != nil {
					return
				}
				switch res.State {
				case auth.SignedOut:
					return
				case auth.Resolved:
					if res.Identity.UID == feedUID && res.Role == feedRole {
						continue
					}
					cancelFeed()
					gen := feedGen
					feedUID, feedRole = res.Identity.UID, res.Role
					feedUnsub = h.feeds.Subscribe(res.Identity, res.Role,
						func(items []model.Notification) { send(liveMsg{notifications: items, feed: gen}) },
						func(err error) { send(liveMsg{err: err, feed: gen}) },
					)
				default:
					if res.Err != nil {
						cancelFeed()
					}
				}
			case m.feed != feedGen:
				// 解除済みの購読から届いた結果
			case m.err != nil:
				h.logger.Error("live notification feed failed",
					slog.String("uid", feedUID),
					slog.String("error", m.err.Error()),
				)
				if err := h.writeEvent(w, flusher, "error", toErrorEvent(m.err)); err != nil {
					return
				}
			default:
				if err := h.writeEvent(w, flusher, "notifications", toNotificationsEvent(m.notifications)); err != nil {
					return
				}
			}
		}
	}
}

func (h *LiveHandler) writeEvent(w http.ResponseWriter, flusher http.Flusher, name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", name, err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

func toResolutionEvent(res auth.Resolution) resolutionEvent {
	ev := resolutionEvent{
		State:        res.State.String(),
		LandingRoute: res.LandingRoute(),
	}
	if res.Identity != nil {
		ev.UID = res.Identity.UID
	}
	if res.State == auth.Resolved {
		ev.Role = res.Role
	}
	if res.Err != nil {
		ev.Error = res.Err.Error()
	}
	return ev
}

func toNotificationsEvent(items []model.Notification) notificationsEvent {
	ev := notificationsEvent{Notifications: items}
	if ev.Notifications == nil {
		ev.Notifications = []model.Notification{}
	}
	for _, n := range items {
		if !n.Read {
			ev.Unread++
		}
	}
	return ev
}

func toErrorEvent(err error) errorEvent {
	ev := errorEvent{Source: "notifications", Message: err.Error()}
	var subErr *model.SubscriptionError
	if errors.As(err, &subErr) {
		ev.Source = subErr.Source
	}
	return ev
}
