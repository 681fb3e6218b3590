package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/poflow/internal/auth"
	"github.com/hitoshi/poflow/internal/config"
	"github.com/hitoshi/poflow/internal/database"
	"github.com/hitoshi/poflow/internal/docstore"
	"github.com/hitoshi/poflow/internal/handler"
	"github.com/hitoshi/poflow/internal/identity"
	"github.com/hitoshi/poflow/internal/logger"
	"github.com/hitoshi/poflow/internal/metrics"
	"github.com/hitoshi/poflow/internal/middleware"
	"github.com/hitoshi/poflow/internal/notification"
	"github.com/hitoshi/poflow/internal/order"
	"github.com/hitoshi/poflow/internal/repository"
	"github.com/hitoshi/poflow/internal/security"
	"github.com/hitoshi/poflow/internal/user"
	"github.com/hitoshi/poflow/internal/worker/cleanup"
)

// Init はアプリケーションの初期化を行う。
// JSON構造化ログをセットアップしてから、環境変数（とCONFIG_FILE）からConfigを読み込む。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, os.Getenv("LOG_LEVEL"))

	// 2. 設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// help と healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHelp {
		if w == nil {
			w = os.Stdout
		}
		PrintUsage(w)
		return nil
	}
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(ctx, cfg)
	}
}

// openDB はDB接続を開き、疎通を確認する。
func openDB(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := database.Open(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// services はserveモードで組み立てるドメインサービス一式。
type services struct {
	store     *docstore.PostgresStore
	metrics   *metrics.Collector
	registry  *prometheus.Registry
	identity  *identity.Provider
	sessions  *auth.SessionIssuer
	orders    *order.Machine
	writer    *notification.Writer
	feeds     *notification.Aggregator
	users     *user.Service
	rateLimit *middleware.RateLimiter
}

// newServices はDB接続と設定からドメインサービスを組み立てる。
func newServices(cfg *config.Config, db *sql.DB, log *slog.Logger) (*services, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewDBStatsCollector(db, "poflow"),
	)
	collector := metrics.NewCollector(registry)

	store := docstore.NewPostgresStore(db, logger.Component(log, "docstore"))
	sessionRepo := repository.NewPostgresSessionRepo(db)
	sanitizer := security.NewTextSanitizer()

	provider := identity.NewProvider(store, sanitizer, identity.ProviderConfig{
		Secret:   []byte(cfg.IdentityTokenSecret),
		Issuer:   cfg.IdentityTokenIssuer,
		TokenTTL: cfg.IdentityTokenTTL,
	})
	issuer := auth.NewSessionIssuer(provider, store, sessionRepo,
		auth.IssuerConfig{TTL: cfg.SessionTTL},
		logger.Component(log, "session"),
	)

	writer := notification.NewWriter(store, logger.Component(log, "notification")).WithMetrics(collector)
	if cfg.NotifyWebhookURL != "" {
		if err := security.ValidateWebhookURL(cfg.NotifyWebhookURL); err != nil {
			return nil, fmt.Errorf("invalid NOTIFY_WEBHOOK_URL: %w", err)
		}
		writer.WithMirror(notification.NewWebhook(
			cfg.NotifyWebhookURL,
			security.NewWebhookClient(cfg.NotifyWebhookTimeout),
			logger.Component(log, "webhook"),
		))
	}

	machine := order.NewMachine(store, writer, sanitizer, logger.Component(log, "order")).WithMetrics(collector)
	feeds := notification.NewAggregator(store, logger.Component(log, "notification")).WithMetrics(collector)
	users := user.NewService(store, sessionRepo, logger.Component(log, "user"))

	return &services{
		store:     store,
		metrics:   collector,
		registry:  registry,
		identity:  provider,
		sessions:  issuer,
		orders:    machine,
		writer:    writer,
		feeds:     feeds,
		users:     users,
		rateLimit: middleware.NewRateLimiter(middleware.RateLimiterConfigPerMinute(cfg.RateLimitGeneral)),
	}, nil
}

// routerDeps はサービス一式からハンドラーの依存関係を構成する。
func (s *services) routerDeps(cfg *config.Config, db handler.HealthChecker, log *slog.Logger) *handler.RouterDeps {
	return &handler.RouterDeps{
		Logger:            log,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       s.rateLimit,
		CSRF: &middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		HTTPMetrics: s.metrics,

		IdentityService: s.identity,
		SessionService:  s.sessions,
		SessionMetrics:  s.metrics,
		Cookie: handler.CookieConfig{
			Domain: cfg.CookieDomain,
			Secure: cfg.CookieSecure,
		},

		OrderService: s.orders,

		NotificationService: s.writer,
		NotificationFeeds:   s.feeds,
		RoleStore:           s.store,

		UserService: s.users,

		Health:         db,
		MetricsHandler: metrics.Handler(s.registry),
	}
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、変更通知の受信とHTTPサーバーを起動する。
// ctxが終了するとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	log := slog.Default()

	// 1. DB接続
	db, err := openDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established")

	// 2. サービスの組み立て
	svc, err := newServices(cfg, db, log)
	if err != nil {
		return err
	}
	defer svc.rateLimit.Stop()

	// 3. 文書の変更通知を購読へ配信する
	// baseCtxはリクエストの親コンテキストも兼ね、キャンセルでストリーム接続を終了させる
	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()
	listener := pq.NewListener(cfg.DatabaseURL, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.Warn("change listener event", slog.Int("event", int(ev)), slog.String("error", err.Error()))
		}
	})
	go func() {
		if err := svc.store.Listen(baseCtx, listener); err != nil {
			log.Error("change listener stopped", slog.String("error", err.Error()))
		}
	}()

	// 4. HTTPサーバーの起動
	// /api/live は長時間のストリームのため、書き込みタイムアウトは設定しない。
	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           handler.NewRouter(svc.routerDeps(cfg, db, log)),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Shutdownは処理中のリクエストを待つため、先に/api/liveのストリームを終了させる
	cancelBase()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 期限切れセッションの削除をSESSION_CLEANUP_INTERVAL毎に実行し、ctxの終了で停止する。
func runWorker(ctx context.Context, cfg *config.Config) error {
	db, err := openDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established (worker)")

	job := cleanup.NewCleanupJob(
		repository.NewPostgresSessionRepo(db),
		nil,
		logger.Component(slog.Default(), "cleanup"),
	)

	slog.Info("worker starting", slog.Duration("cleanup_interval", cfg.SessionCleanupInterval))
	job.Start(ctx, cfg.SessionCleanupInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	version, dirty, err := database.SchemaVersion(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully",
		slog.Uint64("schema_version", uint64(version)),
		slog.Bool("dirty", dirty),
	)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	target := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(target)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLのパスワードをマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
