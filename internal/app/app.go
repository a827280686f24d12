package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/companiond/internal/auth"
	"github.com/hitoshi/companiond/internal/companion"
	"github.com/hitoshi/companiond/internal/config"
	"github.com/hitoshi/companiond/internal/database"
	"github.com/hitoshi/companiond/internal/enrol"
	"github.com/hitoshi/companiond/internal/handler"
	"github.com/hitoshi/companiond/internal/logger"
	"github.com/hitoshi/companiond/internal/metrics"
	"github.com/hitoshi/companiond/internal/middleware"
	"github.com/hitoshi/companiond/internal/repository"
	"github.com/hitoshi/companiond/internal/worker/sweep"
	"golang.org/x/time/rate"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
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
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	// 2. リポジトリの初期化
	accountRepo := repository.NewPostgresAccountRepo(db)
	linkRepo := repository.NewPostgresLinkRepo(db)
	sessionRepo := repository.NewPostgresSessionRepo(db)
	courseRepo := repository.NewPostgresCourseRepo(db)
	enrolRepo := repository.NewPostgresEnrolmentRepo(db)
	groupRepo := repository.NewPostgresGroupRepo(db)

	// 3. メトリクスの初期化
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	// 4. ドメインサービスの初期化
	manager := companion.NewManager(accountRepo, linkRepo, sessionRepo, companion.ManagerConfig{
		NameSuffix:    cfg.NameSuffix,
		EmailDomain:   cfg.EmailDomain,
		AnonymousName: cfg.AnonymousName,
	})
	manager.SetMetrics(collector)

	assigner := enrol.NewAssigner(enrolRepo, groupRepo, enrol.AssignerConfig{
		DefaultRoleID: cfg.DefaultRoleID,
	})

	switchService := auth.NewService(
		manager, assigner, accountRepo, courseRepo, enrolRepo, sessionRepo,
		auth.ServiceConfig{
			SessionMaxAge:    cfg.SessionMaxAge,
			CompanionEnabled: cfg.CompanionEnabled,
			ForceLogin:       cfg.ForceLogin,
			ForceDeleteData:  cfg.ForceDeleteData,
			EmailOverride:    cfg.EmailOverride,
			EmailDomain:      cfg.EmailDomain,
			DefaultRoleID:    cfg.DefaultRoleID,
			AllowedRoleIDs:   cfg.AllowedRoleIDs,
		},
	)

	// 5. ルーターの構築
	rateLimiterCfg := middleware.DefaultRateLimiterConfig()
	// configのレート値はreq/min単位なのでreq/secに変換する
	if cfg.RateLimitGeneral > 0 {
		rateLimiterCfg.GeneralRate = rate.Limit(float64(cfg.RateLimitGeneral) / 60.0)
		rateLimiterCfg.GeneralBurst = cfg.RateLimitGeneral
	}
	if cfg.RateLimitSwitch > 0 {
		rateLimiterCfg.SwitchRate = rate.Limit(float64(cfg.RateLimitSwitch) / 60.0)
		rateLimiterCfg.SwitchBurst = cfg.RateLimitSwitch
	}

	rateLimiter := middleware.NewRateLimiter(rateLimiterCfg)
	defer rateLimiter.Stop()

	deps := &handler.RouterDeps{
		SessionFinder:     sessionRepo,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		Logger:            slog.Default(),
		CSRFConfig: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},

		SwitchService: switchService,
		Recorder:      collector,
		HandlerConfig: handler.CompanionHandlerConfig{
			BaseURL:         cfg.BaseURL,
			CookieDomain:    cfg.CookieDomain,
			CookieSecure:    cfg.CookieSecure,
			SessionMaxAge:   cfg.SessionMaxAge,
			ForceDeleteData: cfg.ForceDeleteData,
			GroupDefault:    cfg.GroupDefault,
		},

		Gatherer: registry,
	}

	router := handler.NewRouter(deps)

	// 6. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、孤児コンパニオンの掃除ジョブを定期実行する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established (worker)")

	// 2. リポジトリの初期化
	accountRepo := repository.NewPostgresAccountRepo(db)
	linkRepo := repository.NewPostgresLinkRepo(db)
	sessionRepo := repository.NewPostgresSessionRepo(db)

	// 3. メトリクスと削除サービスの初期化
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	manager := companion.NewManager(accountRepo, linkRepo, sessionRepo, companion.ManagerConfig{
		NameSuffix:    cfg.NameSuffix,
		EmailDomain:   cfg.EmailDomain,
		AnonymousName: cfg.AnonymousName,
	})
	manager.SetMetrics(collector)

	janitor := sweep.NewJanitor(linkRepo, manager, slog.Default())
	janitor.SetMetrics(collector)

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	slog.Info("worker starting",
		slog.Duration("sweep_interval", cfg.SweepInterval),
	)

	// 起動直後に1回実行し、以降は定期実行する
	if err := janitor.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("sweep job failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped gracefully")
			return nil
		case <-ticker.C:
			if err := janitor.Run(ctx); err != nil && ctx.Err() == nil {
				slog.Error("sweep job failed", slog.String("error", err.Error()))
			}
		}
	}
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

	slog.Info("database migrations completed successfully")
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
