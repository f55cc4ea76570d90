package gateway

import (
	"net/http"
	"testing"
	"time"

	"github.com/nao1215/bankgate/internal/config"
	"github.com/nao1215/bankgate/pkg/event"
	"github.com/nao1215/bankgate/pkg/registry"
)

func adminHeader() map[string]string {
	return map[string]string{RegistryTokenHeader: testRegistryToken}
}

func TestAdminAuthentication(t *testing.T) {
	t.Parallel()

	t.Run("トークンが無ければ401を返すこと", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, nil)
		w := env.do(http.MethodGet, "/internal/registry/services", nil, nil)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusUnauthorized)
		}
	})

	t.Run("トークンが違えば403を返すこと", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, nil)
		w := env.do(http.MethodGet, "/internal/registry/services", nil, map[string]string{RegistryTokenHeader: "wrong"})
		if w.Code != http.StatusForbidden {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusForbidden)
		}
	})

	t.Run("トークン未設定なら管理APIを公開しないこと", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, func(c *config.Config) { c.Registry.Token = "" })
		w := env.do(http.MethodGet, "/internal/registry/services", nil, adminHeader())
		if w.Code == http.StatusOK {
			t.Errorf("ステータスコード = %d, 管理APIが公開されている", w.Code)
		}
	})
}

func TestAdminRegistry(t *testing.T) {
	t.Parallel()

	t.Run("登録したインスタンスへ転送できること", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, nil)
		backend := httptestServer(t)
		host, port := splitAddr(t, backend.Listener.Addr().String())

		w := env.do(http.MethodPost, "/internal/registry/instances",
			map[string]any{"service": "loan-management", "host": host, "port": port}, adminHeader())
		if w.Code != http.StatusCreated {
			t.Fatalf("ステータスコード = %d, want %d: %s", w.Code, http.StatusCreated, w.Body.String())
		}
		var inst registry.Instance
		decodeJSON(t, w, &inst)
		if inst.ID == "" || inst.Status != registry.StatusPassing {
			t.Errorf("inst = %+v", inst)
		}

		w = env.do(http.MethodGet, "/internal/registry/services/loan-management", nil, adminHeader())
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		var svc serviceResponse
		decodeJSON(t, w, &svc)
		if svc.Healthy != 1 || len(svc.Instances) != 1 {
			t.Errorf("service = %+v", svc)
		}

		events, err := env.audit.List(t.Context(), event.TypeInstanceRegistered, 0)
		if err != nil {
			t.Fatalf("List()でエラーが発生: %v", err)
		}
		if len(events) != 1 {
			t.Errorf("監査イベント件数 = %d, want 1", len(events))
		}
	})

	t.Run("不正なポートは400を返すこと", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, nil)
		w := env.do(http.MethodPost, "/internal/registry/instances",
			map[string]any{"service": "loan-management", "host": "127.0.0.1", "port": 70000}, adminHeader())
		body := assertError(t, w, http.StatusBadRequest, "BadRequest")
		if len(body.Details) == 0 {
			t.Error("detailsが空")
		}
	})

	t.Run("不明な状態は400を返すこと", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, nil)
		w := env.do(http.MethodPost, "/internal/registry/instances",
			map[string]any{"service": "loan-management", "host": "127.0.0.1", "port": 9000, "status": "unknown"}, adminHeader())
		assertError(t, w, http.StatusBadRequest, "BadRequest")
	})

	t.Run("ハートビートで健全性が保たれること", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, nil)
		env.registerAddr("loan-management", "127.0.0.1:9000", false)
		req := map[string]any{"service": "loan-management", "host": "127.0.0.1", "port": 9000}

		env.clock.Advance(20 * time.Second)
		if w := env.do(http.MethodPut, "/internal/registry/heartbeat", req, adminHeader()); w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d: %s", w.Code, http.StatusOK, w.Body.String())
		}
		env.clock.Advance(20 * time.Second)
		if n := len(env.registry.HealthyInstancesFor("loan-management")); n != 1 {
			t.Errorf("健全なインスタンス数 = %d, want 1", n)
		}
	})

	t.Run("異常を報告したインスタンスは選ばれないこと", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, nil)
		env.registerAddr("loan-management", "127.0.0.1:9000", false)
		w := env.do(http.MethodPut, "/internal/registry/heartbeat",
			map[string]any{"service": "loan-management", "host": "127.0.0.1", "port": 9000, "status": "failing"}, adminHeader())
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		if n := len(env.registry.HealthyInstancesFor("loan-management")); n != 0 {
			t.Errorf("健全なインスタンス数 = %d, want 0", n)
		}
	})

	t.Run("未登録のインスタンスのハートビートは404を返すこと", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, nil)
		w := env.do(http.MethodPut, "/internal/registry/heartbeat",
			map[string]any{"service": "loan-management", "host": "127.0.0.1", "port": 9000}, adminHeader())
		assertError(t, w, http.StatusNotFound, "NotFound")
	})

	t.Run("登録解除したインスタンスは一覧から消えること", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, nil)
		env.registerAddr("loan-management", "127.0.0.1:9000", false)
		req := map[string]any{"service": "loan-management", "host": "127.0.0.1", "port": 9000}

		if w := env.do(http.MethodDelete, "/internal/registry/instances", req, adminHeader()); w.Code != http.StatusNoContent {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusNoContent)
		}
		w := env.do(http.MethodGet, "/internal/registry/services/loan-management", nil, adminHeader())
		assertError(t, w, http.StatusNotFound, "NotFound")

		w = env.do(http.MethodDelete, "/internal/registry/instances", req, adminHeader())
		assertError(t, w, http.StatusNotFound, "NotFound")
	})

	t.Run("全サービスの一覧を返すこと", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, nil)
		env.registerAddr("loan-management", "127.0.0.1:9000", false)
		env.registerAddr("compliance-service", "127.0.0.1:9001", false)

		w := env.do(http.MethodGet, "/internal/registry/services", nil, adminHeader())
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		var services map[string]serviceResponse
		decodeJSON(t, w, &services)
		if len(services) != 2 {
			t.Errorf("サービス数 = %d, want 2", len(services))
		}
		if services["compliance-service"].Healthy != 1 {
			t.Errorf("compliance-service = %+v", services["compliance-service"])
		}
	})
}

func TestAdminAudit(t *testing.T) {
	t.Parallel()

	t.Run("監査イベントを種類で絞り込めること", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, nil)
		env.do(http.MethodPost, "/api/auth/login", Credentials{Identifier: "ghost", Secret: "password1"}, nil)
		env.signup("alice", "password1")

		w := env.do(http.MethodGet, "/internal/audit/events?type=LoginFailed", nil, adminHeader())
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		var resp struct {
			Events []event.Event `json:"events"`
		}
		decodeJSON(t, w, &resp)
		if len(resp.Events) != 1 || resp.Events[0].Type != event.TypeLoginFailed {
			t.Errorf("events = %+v", resp.Events)
		}
	})

	t.Run("不正なlimitは400を返すこと", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, nil)
		w := env.do(http.MethodGet, "/internal/audit/events?limit=abc", nil, adminHeader())
		assertError(t, w, http.StatusBadRequest, "BadRequest")
	})

	t.Run("不明な種別は400を返すこと", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, nil)
		w := env.do(http.MethodGet, "/internal/audit/events?type=AccountOpened", nil, adminHeader())
		assertError(t, w, http.StatusBadRequest, "BadRequest")
	})
}
