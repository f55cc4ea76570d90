// API Gatewayのエントリポイント。
// 銀行プラットフォームの外部から到達できる唯一のサービスで、
// JWT認証・レート制限・サービスレジストリを使った転送を担当する。
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/bankgate/internal/config"
	"github.com/nao1215/bankgate/internal/gateway"
	"github.com/nao1215/bankgate/pkg/blacklist"
	"github.com/nao1215/bankgate/pkg/event"
	"github.com/nao1215/bankgate/pkg/httpclient"
	"github.com/nao1215/bankgate/pkg/ratelimit"
	"github.com/nao1215/bankgate/pkg/registry"
	"github.com/nao1215/bankgate/pkg/token"
	"github.com/redis/go-redis/v9"
)

func main() {
	configPath := flag.String("config", "", "設定ファイルのパス")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("設定の読み込みに失敗", slog.Any("error", err))
		os.Exit(1)
	}

	logger := newLogger(cfg.Server.Mode)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Gatewayが異常終了しました", slog.Any("error", err))
		os.Exit(1)
	}
}

// newLogger は動作モードに応じたロガーを生成する。本番はJSON、開発はテキストで出力する。
func newLogger(mode string) *slog.Logger {
	if mode == "production" {
		gin.SetMode(gin.ReleaseMode)
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	db, err := gateway.OpenDB(ctx, cfg.Database.Path)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	audit := gateway.NewAuditLog(db, logger)

	store, limiter, closeBackend, err := newBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeBackend()

	reg := registry.New(
		registry.WithHeartbeatInterval(cfg.Registry.HeartbeatInterval),
		registry.WithMaxMissed(cfg.Registry.MaxMissed),
		registry.WithEvictionHook(func(inst registry.Instance) {
			logger.Warn("インスタンスを削除しました",
				slog.String("service", inst.Service),
				slog.String("addr", inst.Addr()),
			)
			audit.RecordInstance(ctx, event.TypeInstanceEvicted, "", inst)
		}),
	)
	for _, inst := range cfg.Registry.Instances() {
		if _, err := reg.Register(inst); err != nil {
			return fmt.Errorf("静的インスタンスの登録に失敗: %w", err)
		}
	}

	issuer, err := token.NewIssuer(cfg.Auth.Secret, cfg.Auth.AccessTTL, cfg.Auth.RefreshTTL, token.WithIssuer(cfg.Auth.Issuer))
	if err != nil {
		return err
	}
	validator, err := token.NewValidator(cfg.Auth.Secret, store, token.WithIssuer(cfg.Auth.Issuer))
	if err != nil {
		return err
	}

	deps := gateway.Deps{
		Logger:    logger,
		Issuer:    issuer,
		Validator: validator,
		Limiter:   limiter,
		Registry:  reg,
		Audit:     audit,
	}
	switch cfg.Auth.Mode {
	case "remote":
		deps.Verifier = gateway.NewRemoteCredentials(httpclient.New(cfg.Auth.RemoteURL, httpclient.WithTimeout(cfg.Proxy.Timeout)), "")
	default:
		creds, err := gateway.NewLocalCredentials(db, 0)
		if err != nil {
			return err
		}
		deps.Verifier = creds
		deps.Registrar = creds
	}

	server, err := gateway.NewServer(cfg, deps)
	if err != nil {
		return fmt.Errorf("Gatewayの初期化に失敗: %w", err)
	}

	go reg.Run(ctx)

	logger.Info("設定を読み込みました",
		slog.String("mode", cfg.Server.Mode),
		slog.String("auth_mode", cfg.Auth.Mode),
		slog.String("store", cfg.Store.Backend),
		slog.Int("routes", len(cfg.Routes)),
		slog.Int("static_instances", len(cfg.Registry.Static)),
	)
	return server.Run(ctx)
}

// newBackend は失効リストとレート制限の保存先を生成する。
// メモリの場合は期限切れエントリの掃除をバックグラウンドで開始する。
func newBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (blacklist.Store, ratelimit.Limiter, func(), error) {
	table := cfg.RateLimit.Table()

	if cfg.Store.Backend == "redis" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, nil, fmt.Errorf("Redisへの接続に失敗: %w", err)
		}
		limiter, err := ratelimit.NewRedisLimiter(client, table, cfg.Redis.RateLimitPrefix())
		if err != nil {
			_ = client.Close()
			return nil, nil, nil, err
		}
		logger.Info("Redisに接続しました", slog.String("addr", cfg.Redis.Addr))
		return blacklist.NewRedisStore(client, cfg.Redis.BlacklistPrefix()), limiter, func() { _ = client.Close() }, nil
	}

	store := blacklist.NewMemoryStore()
	limiter, err := ratelimit.NewMemoryLimiter(table)
	if err != nil {
		return nil, nil, nil, err
	}
	go store.Run(ctx)
	go limiter.Run(ctx, table[ratelimit.ClassRead].Window)
	return store, limiter, func() {}, nil
}
