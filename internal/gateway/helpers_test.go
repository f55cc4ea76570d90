package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/bankgate/internal/config"
	"github.com/nao1215/bankgate/pkg/apierror"
	"github.com/nao1215/bankgate/pkg/blacklist"
	"github.com/nao1215/bankgate/pkg/ratelimit"
	"github.com/nao1215/bankgate/pkg/registry"
	"github.com/nao1215/bankgate/pkg/token"
	"golang.org/x/crypto/bcrypt"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const (
	// testJWTSecret はテスト用のJWT署名秘密鍵。
	testJWTSecret = "test-secret-key"
	// testRegistryToken はテスト用の管理APIトークン。
	testRegistryToken = "registry-token"
)

// fakeClock はテスト用の進められる時計。
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// testEnv はテスト用に組み立てたGatewayと、その部品への参照。
type testEnv struct {
	t         *testing.T
	server    *Server
	clock     *fakeClock
	registry  *registry.Registry
	audit     *AuditLog
	creds     *LocalCredentials
	validator *token.Validator
}

func testConfig() *config.Config {
	return &config.Config{
		Server:      config.ServerConfig{Port: 0, Mode: "development", ShutdownTimeout: time.Second},
		Auth:        config.AuthConfig{Secret: testJWTSecret, Issuer: "bankgate", AccessTTL: time.Hour, RefreshTTL: 24 * time.Hour, Mode: "local"},
		RateLimit:   config.RateLimitConfig{Window: time.Minute, Rules: config.DefaultRules()},
		Registry:    config.RegistryConfig{HeartbeatInterval: 10 * time.Second, MaxMissed: 3, Token: testRegistryToken},
		Routes:      config.DefaultRoutes(),
		PublicPaths: config.DefaultPublicPaths(),
		Proxy:       config.ProxyConfig{Timeout: 2 * time.Second},
		Store:       config.StoreConfig{Backend: "memory"},
		Database:    config.DatabaseConfig{Path: ":memory:"},
	}
}

// newTestEnv はインメモリSQLiteとメモリ上のストアでGatewayを組み立てる。
// mutateで設定を変更できる。
func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()

	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}

	db, err := OpenDB(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("インメモリDB接続に失敗: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := newFakeClock()

	store := blacklist.NewMemoryStore(blacklist.WithClock(clock.Now))
	issuer, err := token.NewIssuer(cfg.Auth.Secret, cfg.Auth.AccessTTL, cfg.Auth.RefreshTTL,
		token.WithIssuer(cfg.Auth.Issuer), token.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("Issuerの生成に失敗: %v", err)
	}
	validator, err := token.NewValidator(cfg.Auth.Secret, store,
		token.WithIssuer(cfg.Auth.Issuer), token.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("Validatorの生成に失敗: %v", err)
	}
	limiter, err := ratelimit.NewMemoryLimiter(cfg.RateLimit.Table(), ratelimit.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("Limiterの生成に失敗: %v", err)
	}
	reg := registry.New(registry.WithClock(clock.Now))
	audit := NewAuditLog(db, logger)
	audit.now = clock.Now

	creds, err := NewLocalCredentials(db, bcrypt.MinCost)
	if err != nil {
		t.Fatalf("LocalCredentialsの生成に失敗: %v", err)
	}

	deps := Deps{
		Logger:    logger,
		Issuer:    issuer,
		Validator: validator,
		Limiter:   limiter,
		Registry:  reg,
		Verifier:  creds,
		Registrar: creds,
		Audit:     audit,
		Now:       clock.Now,
	}
	if cfg.Auth.Mode == "remote" {
		deps.Registrar = nil
	}

	s, err := NewServer(cfg, deps)
	if err != nil {
		t.Fatalf("NewServer()でエラーが発生: %v", err)
	}

	return &testEnv{
		t:         t,
		server:    s,
		clock:     clock,
		registry:  reg,
		audit:     audit,
		creds:     creds,
		validator: validator,
	}
}

// do はGatewayにリクエストを送る。bodyがnil以外ならJSONとして送信する。
func (e *testEnv) do(method, path string, body any, header map[string]string) *httptest.ResponseRecorder {
	e.t.Helper()

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			e.t.Fatalf("リクエストボディのシリアライズに失敗: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

// bearer はAuthorizationヘッダーを返す。
func bearer(raw string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + raw}
}

// addBackend はモックバックエンドを起動し、serviceの静的インスタンスとして登録する。
func (e *testEnv) addBackend(service string, handler http.HandlerFunc) *httptest.Server {
	e.t.Helper()

	backend := httptest.NewServer(handler)
	e.t.Cleanup(backend.Close)
	e.registerAddr(service, backend.Listener.Addr().String(), true)
	return backend
}

// registerAddr はaddrのインスタンスをレジストリに登録する。
func (e *testEnv) registerAddr(service, addr string, static bool) registry.Instance {
	e.t.Helper()

	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		e.t.Fatalf("アドレスの解析に失敗: %v", err)
	}
	port, _ := strconv.Atoi(portStr)
	inst, err := e.registry.Register(registry.Instance{Service: service, Host: host, Port: port, Static: static})
	if err != nil {
		e.t.Fatalf("インスタンスの登録に失敗: %v", err)
	}
	return inst
}

// signup はユーザーを登録し、そのユーザーでログインしてトークンペアを返す。
func (e *testEnv) signup(identifier, secret string) token.Pair {
	e.t.Helper()

	if _, err := e.creds.Register(context.Background(), Credentials{Identifier: identifier, Secret: secret}); err != nil {
		e.t.Fatalf("ユーザー登録に失敗: %v", err)
	}
	w := e.do(http.MethodPost, "/api/auth/login", Credentials{Identifier: identifier, Secret: secret}, nil)
	if w.Code != http.StatusOK {
		e.t.Fatalf("ログインのステータスコード = %d, want %d: %s", w.Code, http.StatusOK, w.Body.String())
	}
	var pair token.Pair
	decodeJSON(e.t, w, &pair)
	return pair
}

// decodeJSON はレスポンスボディをvにデシリアライズする。
func decodeJSON(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("レスポンスボディのパースに失敗: %v (%s)", err, w.Body.String())
	}
}

// assertError はレスポンスが標準エラーボディであり、期待するステータスと分類名を持つことを検証する。
func assertError(t *testing.T, w *httptest.ResponseRecorder, wantStatus int, wantCode string) apierror.Body {
	t.Helper()

	if w.Code != wantStatus {
		t.Errorf("ステータスコード = %d, want %d: %s", w.Code, wantStatus, w.Body.String())
	}
	var body apierror.Body
	decodeJSON(t, w, &body)
	if body.Error != wantCode {
		t.Errorf("error = %q, want %q", body.Error, wantCode)
	}
	if body.Status != wantStatus {
		t.Errorf("status = %d, want %d", body.Status, wantStatus)
	}
	if body.Details == nil {
		t.Error("detailsがnull")
	}
	if body.Timestamp.IsZero() {
		t.Error("timestampが設定されていない")
	}
	return body
}

// testRequest はモックバックエンドが受け取ったリクエスト情報を保持する構造体。
type testRequest struct {
	Method  string
	Path    string
	Body    []byte
	Headers http.Header
}

// httptestServer は何もしないバックエンドを起動する。
func httptestServer(t *testing.T) *httptest.Server {
	t.Helper()
	s := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	t.Cleanup(s.Close)
	return s
}

// splitAddr はアドレスをホストとポートに分ける。
func splitAddr(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("アドレスの解析に失敗: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("ポートの解析に失敗: %v", err)
	}
	return host, port
}
