package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/bankgate/internal/config"
	"github.com/nao1215/bankgate/pkg/apierror"
	"github.com/nao1215/bankgate/pkg/httpclient"
	"github.com/nao1215/bankgate/pkg/middleware"
	"github.com/nao1215/bankgate/pkg/ratelimit"
	"github.com/nao1215/bankgate/pkg/registry"
	"github.com/nao1215/bankgate/pkg/token"
)

// Deps はServerが使用する外部の部品。
type Deps struct {
	Logger    *slog.Logger
	Issuer    *token.Issuer
	Validator *token.Validator
	Limiter   ratelimit.Limiter
	Registry  *registry.Registry
	Verifier  CredentialVerifier
	// Registrar がnilの場合、/api/auth/register は下流の認証サービスへ転送する。
	Registrar UserRegistrar
	Audit     *AuditLog
	// Now は現在時刻を返す。nilなら time.Now。
	Now func() time.Time
}

// Server はAPI GatewayのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// port はサーバーのリッスンポート。
	port int
	// shutdownTimeout はグレースフルシャットダウンの待ち時間。
	shutdownTimeout time.Duration
	logger          *slog.Logger
	registry        *registry.Registry
	paths           *Router
	orchestrator    *Orchestrator
}

// NewServer は新しいGatewayサーバーを生成する。
func NewServer(cfg *config.Config, deps Deps) (*Server, error) {
	if deps.Issuer == nil || deps.Validator == nil || deps.Registry == nil || deps.Verifier == nil || deps.Audit == nil {
		return nil, fmt.Errorf("%w: Gatewayの依存関係が不足しています", apierror.ErrConfiguration)
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	routes := make([]Route, 0, len(cfg.Routes))
	for _, r := range cfg.Routes {
		routes = append(routes, Route{Prefix: r.Prefix, Service: r.Service})
	}
	rules := make([]Rule, 0, len(cfg.RateLimit.Rules))
	for _, r := range cfg.RateLimit.Rules {
		rules = append(rules, Rule{Prefix: r.Prefix, Method: r.Method, Class: ratelimit.Class(r.Class)})
	}

	router := NewRouter(routes, deps.Registry, httpclient.NewForwarder(cfg.Proxy.Timeout))
	orchestrator, err := NewOrchestrator(OrchestratorConfig{
		Validator:   deps.Validator,
		Limiter:     deps.Limiter,
		Classifier:  NewClassifier(rules),
		Router:      router,
		Audit:       deps.Audit,
		Logger:      logger,
		PublicPaths: cfg.PublicPaths,
		Now:         deps.Now,
	})
	if err != nil {
		return nil, err
	}

	engine := gin.New()
	engine.Use(middleware.RequestID())
	engine.Use(middleware.Logger(logger, "/health"))
	engine.Use(middleware.Recovery(logger))
	engine.Use(middleware.CORS(cfg.CORS.AllowedOrigins))

	s := &Server{
		router:          engine,
		port:            cfg.Server.Port,
		shutdownTimeout: cfg.Server.ShutdownTimeout,
		logger:          logger,
		registry:        deps.Registry,
		paths:           router,
		orchestrator:    orchestrator,
	}
	s.setupRoutes(cfg, deps)
	return s, nil
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes(cfg *config.Config, deps Deps) {
	o := s.orchestrator
	guard := o.Guard()

	h := &authHandlers{
		issuer:    deps.Issuer,
		validator: deps.Validator,
		verifier:  deps.Verifier,
		registrar: deps.Registrar,
		audit:     deps.Audit,
		logger:    s.logger,
	}
	auth := s.router.Group("/api/auth")
	{
		auth.POST("/login", guard, o.Local(h.login))
		auth.POST("/refresh", guard, o.Local(h.refresh))
		auth.POST("/logout", o.Guard(AllowRevoked()), o.Local(h.logout))
		if deps.Registrar != nil {
			auth.POST("/register", guard, o.Local(h.register))
		}
	}

	s.router.GET("/health", guard, o.Local(s.health))

	// 内部管理API（トークン未設定なら公開しない）
	if cfg.Registry.Token != "" {
		admin := &adminHandlers{registry: deps.Registry, audit: deps.Audit, logger: s.logger}
		internal := s.router.Group("/internal", middleware.StaticToken(RegistryTokenHeader, cfg.Registry.Token))
		{
			internal.POST("/registry/instances", admin.handleRegister())
			internal.DELETE("/registry/instances", admin.handleDeregister())
			internal.PUT("/registry/heartbeat", admin.handleHeartbeat())
			internal.GET("/registry/services", admin.handleListServices())
			internal.GET("/registry/services/:name", admin.handleGetService())
			internal.GET("/audit/events", admin.handleListAudit())
		}
	}

	// それ以外はルート表に従って転送する
	s.router.NoRoute(guard, o.Proxy())
}

// health はGateway自身と、ルート表の各サービスの正常なインスタンス数を返す。
func (s *Server) health(_ *gin.Context, _ *exchange) (int, any, error) {
	services := make(map[string]int)
	for _, r := range s.paths.Routes() {
		services[r.Service] = len(s.registry.HealthyInstancesFor(r.Service))
	}
	return http.StatusOK, gin.H{"status": "ok", "service": "gateway", "services": services}, nil
}

// Handler はHTTPハンドラを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run はHTTPサーバーを起動し、ctxがキャンセルされるとグレースフルシャットダウンする。
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(s.port)),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Gatewayを起動します", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("サーバーの起動に失敗: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("Gatewayを停止します")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("シャットダウンに失敗: %w", err)
	}
	return nil
}
