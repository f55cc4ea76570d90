package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/bankgate/pkg/apierror"
)

func TestBearerToken(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		header  string
		want    string
		wantErr error
	}{
		{name: "Bearerトークンを取り出せること", header: "Bearer abc.def.ghi", want: "abc.def.ghi"},
		{name: "スキームの大文字小文字を区別しないこと", header: "bearer abc", want: "abc"},
		{name: "ヘッダーが無い場合はErrMissingTokenを返すこと", header: "", wantErr: apierror.ErrMissingToken},
		{name: "Bearer以外のスキームはErrInvalidTokenFormatを返すこと", header: "Basic dXNlcjpwYXNz", wantErr: apierror.ErrInvalidTokenFormat},
		{name: "トークン部分が空の場合はErrInvalidTokenFormatを返すこと", header: "Bearer ", wantErr: apierror.ErrInvalidTokenFormat},
		{name: "スペースが無い場合はErrInvalidTokenFormatを返すこと", header: "Bearerabc", wantErr: apierror.ErrInvalidTokenFormat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c, _ := gin.CreateTestContext(httptest.NewRecorder())
			c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				c.Request.Header.Set("Authorization", tt.header)
			}

			got, err := BearerToken(c)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("token = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStaticToken(t *testing.T) {
	t.Parallel()

	newRouter := func(token string) *gin.Engine {
		router := gin.New()
		router.Use(StaticToken("X-Registry-Token", token))
		router.GET("/internal", func(c *gin.Context) {
			c.Status(http.StatusOK)
		})
		return router
	}

	tests := []struct {
		name   string
		token  string
		header string
		want   int
	}{
		{name: "一致するトークンで通過すること", token: "s3cret", header: "s3cret", want: http.StatusOK},
		{name: "ヘッダーが無い場合は401になること", token: "s3cret", header: "", want: http.StatusUnauthorized},
		{name: "不一致のトークンは403になること", token: "s3cret", header: "wrong", want: http.StatusForbidden},
		{name: "トークン未設定の場合は常に403になること", token: "", header: "anything", want: http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			req := httptest.NewRequest(http.MethodGet, "/internal", nil)
			if tt.header != "" {
				req.Header.Set("X-Registry-Token", tt.header)
			}
			w := httptest.NewRecorder()
			newRouter(tt.token).ServeHTTP(w, req)

			if w.Code != tt.want {
				t.Errorf("ステータスコード = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestUserIDAuthContext(t *testing.T) {
	t.Parallel()

	t.Run("設定したユーザーIDを取得できること", func(t *testing.T) {
		t.Parallel()

		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		SetUserID(c, "user-123")
		if got := GetUserID(c); got != "user-123" {
			t.Errorf("GetUserID() = %q, want %q", got, "user-123")
		}
	})

	t.Run("未設定の場合は空文字列を返すこと", func(t *testing.T) {
		t.Parallel()

		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		if got := GetUserID(c); got != "" {
			t.Errorf("GetUserID() = %q, want empty", got)
		}
	})

	t.Run("文字列以外の型の場合は空文字列を返すこと", func(t *testing.T) {
		t.Parallel()

		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		c.Set("user_id", 12345)
		if got := GetUserID(c); got != "" {
			t.Errorf("GetUserID() = %q, want empty", got)
		}
	})
}
