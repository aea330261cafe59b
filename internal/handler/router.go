package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/tvshelf/internal/metrics"
	"github.com/hitoshi/tvshelf/internal/middleware"
	"github.com/hitoshi/tvshelf/internal/session"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	Metrics           metrics.MetricsCollector
	SessionMiddleware func(next http.Handler) http.Handler
	CSRFVerifier      middleware.CSRFVerifier
	RateLimiter       *middleware.RateLimiter
	HTTPS             bool // Strict-Transport-Securityを付与する

	// 認証
	AuthService AuthServiceInterface

	// 運用
	HealthChecker  HealthChecker
	MetricsHandler http.Handler
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Logging → Recovery → SecurityHeaders → Session → CSRF → RateLimit(ログインフロー開始のみ)
//
// /health と /metrics はセッションを発行しないよう、セッションミドルウェアの外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r.Use(middleware.NewLoggingMiddleware(logger, deps.Metrics))
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewSecurityHeadersMiddleware(deps.HTTPS))

	// --- セッション不要のルート ---
	r.Method(http.MethodGet, "/health", NewHealthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	authHandler := NewAuthHandler(deps.AuthService)
	flowLimit := deps.RateLimiter.Middleware("auth_flow", sessionRateKey)

	// --- セッションが必要なルート ---
	// ミドルウェアスタック: Session → CSRF
	r.Group(func(r chi.Router) {
		r.Use(deps.SessionMiddleware)
		r.Use(middleware.NewCSRFMiddleware(deps.CSRFVerifier))

		r.Route("/auth", func(r chi.Router) {
			// ログインフロー開始（セッション単位のレート制限を追加）
			r.With(flowLimit).Get("/login/{provider}", authHandler.Login)
			r.With(flowLimit).Get("/register/{provider}", authHandler.Register)
			r.Get("/callback/{provider}", authHandler.Callback)

			r.Get("/logout", authHandler.Logout)
			r.Post("/logout", authHandler.Logout)
		})

		r.Get("/api/session", GetSession)
	})

	return r
}

// sessionRateKey はセッションIDをレート制限のキーとして返す。
func sessionRateKey(r *http.Request) (string, bool) {
	sess, ok := session.FromContext(r.Context())
	if !ok {
		return "", false
	}
	return "session:" + sess.ID().String(), true
}
