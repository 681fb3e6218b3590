package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/poflow/internal/docstore"
	"github.com/hitoshi/poflow/internal/middleware"
	"github.com/hitoshi/poflow/internal/model"
)

// HealthChecker はヘルスチェックで依存先の疎通を確認する。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger *slog.Logger

	// ミドルウェア依存
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter // nilの場合はレート制限なし
	CSRF              *middleware.CSRFConfig  // nilの場合はCSRF検証なし
	HTTPMetrics       middleware.HTTPRecorder

	// 認証
	IdentityService IdentityServiceInterface
	SessionService  SessionServiceInterface
	SessionMetrics  SessionMetrics
	Cookie          CookieConfig

	// 発注
	OrderService OrderServiceInterface

	// 通知
	NotificationService NotificationServiceInterface
	NotificationFeeds   NotificationSubscriber
	RoleStore           docstore.Store

	// ユーザー管理
	UserService UserServiceInterface

	// 運用
	Health         HealthChecker
	MetricsHandler http.Handler
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → RequestID → Logging → SecurityHeaders → CORS → CSRF → Session → RateLimit → RequireRole
//
// アイデンティティ・セッション発行・ヘルスチェックはセッションミドルウェアの外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))
	r.Use(middleware.NewRequestIDMiddleware())
	r.Use(middleware.NewLoggingMiddleware(deps.Logger, deps.HTTPMetrics))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	identityHandler := NewIdentityHandler(deps.IdentityService)
	sessionHandler := NewSessionHandler(deps.SessionService, deps.SessionMetrics, deps.Cookie)
	orderHandler := NewOrderHandler(deps.OrderService)
	notificationHandler := NewNotificationHandler(deps.NotificationService)
	liveHandler := NewLiveHandler(deps.SessionService, deps.RoleStore, deps.NotificationFeeds, deps.Logger)
	userHandler := NewUserHandler(deps.UserService)

	r.Get("/health", healthHandler(deps.Health))
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	r.Route("/api", func(r chi.Router) {
		if deps.CSRF != nil {
			r.Get("/csrf-token", middleware.NewCSRFTokenHandler(*deps.CSRF).ServeHTTP)
		}

		r.Group(func(r chi.Router) {
			if deps.CSRF != nil {
				r.Use(middleware.NewCSRFMiddleware(*deps.CSRF))
			}

			// --- 認証不要のルート ---
			r.Post("/identity/signup", identityHandler.SignUp)
			r.Post("/identity/signin", identityHandler.SignIn)
			r.Post("/session", sessionHandler.Issue)
			r.Get("/routes/landing", sessionHandler.LandingRoutes)

			// --- 認証が必要なルート ---
			// ミドルウェアスタック: Session → RateLimit
			r.Group(func(r chi.Router) {
				r.Use(middleware.NewSessionMiddleware(deps.SessionService))
				if deps.RateLimiter != nil {
					r.Use(deps.RateLimiter.Middleware())
				}

				r.Delete("/session", sessionHandler.Revoke)
				r.Get("/me", sessionHandler.Me)
				r.Patch("/me/profile", identityHandler.UpdateProfile)
				r.Get("/live", liveHandler.Stream)

				// 発注
				r.Route("/orders", func(r chi.Router) {
					r.With(middleware.NewRequireRole(model.RoleRequester)).Post("/", orderHandler.Create)

					r.Route("/{id}", func(r chi.Router) {
						r.Get("/", orderHandler.Get)

						r.Group(func(r chi.Router) {
							r.Use(middleware.NewRequireRole(model.RoleSupervisor))
							r.Post("/approve", orderHandler.Approve)
							r.Post("/reject", orderHandler.Reject)
						})

						r.Group(func(r chi.Router) {
							r.Use(middleware.NewRequireRole(model.RoleProcurement))
							r.Post("/advance", orderHandler.Advance)
							r.Put("/items/{index}/disposition", orderHandler.SetItemDisposition)
						})
					})
				})

				// 通知
				r.Post("/notifications/{id}/read", notificationHandler.MarkRead)

				// ユーザー管理
				r.Route("/users", func(r chi.Router) {
					r.Use(middleware.NewRequireRole(model.RoleAdmin))
					r.Get("/", userHandler.List)
					r.Put("/{uid}/role", userHandler.AssignRole)
				})
			})
		})
	})

	return r
}

type healthResponse struct {
	Status string `json:"status"`
}

func healthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			if err := checker.PingContext(r.Context()); err != nil {
				slog.Error("health check failed", slog.String("error", err.Error()))
				writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
	}
}
