package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/tvshelf/internal/auth"
	"github.com/hitoshi/tvshelf/internal/config"
	"github.com/hitoshi/tvshelf/internal/csrf"
	"github.com/hitoshi/tvshelf/internal/database"
	"github.com/hitoshi/tvshelf/internal/handler"
	"github.com/hitoshi/tvshelf/internal/logger"
	"github.com/hitoshi/tvshelf/internal/metrics"
	"github.com/hitoshi/tvshelf/internal/middleware"
	"github.com/hitoshi/tvshelf/internal/repository"
	"github.com/hitoshi/tvshelf/internal/security"
	"github.com/hitoshi/tvshelf/internal/session"
	"github.com/hitoshi/tvshelf/internal/worker/cleanup"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルで再構成する
	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	if cmd == CommandHelp {
		PrintUsage(w)
		return nil
	}

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
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

	switch cmd {
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// DB起動待ちのリトライ設定
var (
	dbReadyAttempts = 10
	dbReadyInterval = 2 * time.Second
)

// openDatabase はDB接続を開き、疎通を確認する。
func openDatabase(cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := database.WaitReady(ctx, db, dbReadyAttempts, dbReadyInterval); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// newRegistry はランタイムとプロセスのコレクターを登録済みのレジストリを返す。
func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// buildRouter は設定とDB接続から全依存関係をワイヤリングしたルーターを構築する。
// 返されるcleanup関数はレートリミッターのバックグラウンド処理を停止する。
func buildRouter(cfg *config.Config, db *sql.DB, reg *prometheus.Registry) (http.Handler, func(), error) {
	// 1. 鍵の導出
	keys, err := security.DeriveKeys(cfg.SessionKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to derive keys: %w", err)
	}

	// 2. リポジトリの初期化
	userRepo := repository.NewPostgresUserRepo(db)
	linkRepo := repository.NewPostgresUserLinkRepo(db)
	sessionRepo := repository.NewPostgresSessionRepo(db)

	// 3. メトリクス
	collector := metrics.NewCollector(reg)

	// 4. セッションとCSRF
	guard := csrf.NewGuard(keys.CSRF, csrf.Config{
		Secure: cfg.CookieSecure,
		Domain: cfg.CookieDomain,
	})
	manager := session.NewManager(sessionRepo, userRepo, guard, keys.Session, session.Config{
		CookieName:   session.DefaultConfig().CookieName,
		AnonymousTTL: cfg.SessionAnonymousTTL,
		UserTTL:      cfg.SessionUserTTL,
		RefreshAfter: cfg.SessionRefreshAfter,
		Secure:       cfg.CookieSecure,
		Domain:       cfg.CookieDomain,
		Path:         "/",
	}, session.WithMetrics(collector))

	// 5. 認証サービス
	github := auth.NewGitHubProvider(auth.GitHubConfig{
		ClientID:        cfg.GitHubClientID,
		ClientSecret:    cfg.GitHubClientSecret,
		RedirectURL:     cfg.GitHubRedirectURL,
		AuthorizedUsers: cfg.GitHubAuthorizedUsers,
		HTTPClient:      security.NewProviderClient(cfg.ProviderTimeout),
	})
	if len(cfg.GitHubAuthorizedUsers) == 0 {
		slog.Warn("GITHUB_AUTHORIZED_USERS is empty; every GitHub login will be rejected")
	}

	authConfig := auth.DefaultServiceConfig()
	authConfig.Secure = cfg.CookieSecure
	authConfig.Domain = cfg.CookieDomain
	authService := auth.NewService(userRepo, linkRepo, sessionRepo, authConfig,
		auth.WithProvider(github),
		auth.WithMetrics(collector),
	)

	// 6. ルーターの構築
	limiter := middleware.NewRateLimiter(middleware.PerMinute(cfg.AuthRateLimit))

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:            slog.Default(),
		Metrics:           collector,
		SessionMiddleware: manager.Middleware,
		CSRFVerifier:      guard,
		RateLimiter:       limiter,
		HTTPS:             strings.HasPrefix(cfg.BaseURL, "https://"),
		AuthService:       authService,
		HealthChecker:     db,
		MetricsHandler:    metrics.Handler(reg),
	})

	return router, limiter.Stop, nil
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established")

	router, stopLimiter, err := buildRouter(cfg, db, newRegistry())
	if err != nil {
		return err
	}
	defer stopLimiter()

	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return serveUntilSignal(server, "API server")
}

// serveUntilSignal はサーバーを起動し、SIGINTまたはSIGTERMを受信するまでブロックする。
func serveUntilSignal(server *http.Server, name string) error {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stop)

	errCh := make(chan error, 1)
	go func() {
		slog.Info(name+" starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("%s listen error: %w", name, err)
	case <-stop:
	}

	slog.Info("shutting down " + name + "...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info(name + " stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 期限切れセッションのクリーンアップを定期実行し、
// 同じポートで /health と /metrics を公開する。
func runWorker(cfg *config.Config) error {
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established (worker)")

	reg := newRegistry()
	collector := metrics.NewCollector(reg)
	job := cleanup.NewJob(repository.NewPostgresSessionRepo(db), slog.Default(), collector)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	slog.Info("worker starting",
		slog.Duration("cleanup_interval", cfg.CleanupInterval),
	)

	done := make(chan struct{})
	go func() {
		defer close(done)
		job.Start(ctx, cfg.CleanupInterval)
	}()

	r := chi.NewRouter()
	r.Method(http.MethodGet, "/health", handler.NewHealthHandler(db))
	r.Method(http.MethodGet, "/metrics", metrics.Handler(reg))

	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	err = serveUntilSignal(server, "worker")

	cancel()
	<-done
	return err
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := database.WaitReady(ctx, db, dbReadyAttempts, dbReadyInterval); err != nil {
		return err
	}

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully",
		slog.Uint64("version", uint64(version)),
	)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
