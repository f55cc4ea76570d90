package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultTimeout はClientの既定のタイムアウト。
const DefaultTimeout = 5 * time.Second

// Client はサービス間通信用のJSON HTTPクライアント。
type Client struct {
	// httpClient は内部で使用するHTTPクライアント。
	httpClient *http.Client
	// baseURL は接続先サービスのベースURL。
	baseURL string
}

// ClientOption はClientの設定を変更する関数。
type ClientOption func(*Client)

// WithTimeout はリクエスト全体のタイムアウトを変更する。
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// New は新しいサービス間通信用HTTPクライアントを生成する。
// baseURLには接続先サービスのベースURL（例: "http://user-management:8080"）を指定する。
func New(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		baseURL: baseURL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StatusError は下流サービスが2xx以外を返したことを表す。
type StatusError struct {
	// StatusCode はHTTPステータスコード。
	StatusCode int
	// Body はレスポンスボディ。
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTPエラー: status=%d, body=%s", e.StatusCode, e.Body)
}

// PostJSON は指定パスにJSONボディでPOSTリクエストを送信する。
// レスポンスボディをresultにデシリアライズする。
func (c *Client) PostJSON(ctx context.Context, path string, body any, result any) error {
	return c.doJSON(ctx, http.MethodPost, path, body, result)
}

// doJSON はJSON形式のHTTPリクエストを実行する共通処理。
func (c *Client) doJSON(ctx context.Context, method, path string, body any, result any) error {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("リクエストボディのシリアライズに失敗: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	url := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return fmt.Errorf("HTTPリクエストの作成に失敗: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	setContextHeaders(ctx, req.Header)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTPリクエストの送信に失敗: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("レスポンスボディのデシリアライズに失敗: %w", err)
		}
	}
	return nil
}

// contextKey はコンテキストキーの型。
type contextKey string

const (
	// contextKeyUserID はコンテキストにユーザーIDを格納するためのキー。
	contextKeyUserID contextKey = "user_id"
	// contextKeyRequestID はコンテキストにリクエストIDを格納するためのキー。
	contextKeyRequestID contextKey = "request_id"
)

const (
	// HeaderUserID は検証済みのユーザーIDを下流サービスへ伝播するヘッダー。
	HeaderUserID = "X-User-ID"
	// HeaderRequestID はリクエストIDを伝播するヘッダー。
	HeaderRequestID = "X-Request-ID"
)

// WithUserID はコンテキストにユーザーIDを設定する。
// サービス間通信時にユーザーIDを伝播するために使用する。
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, contextKeyUserID, userID)
}

// WithRequestID はコンテキストにリクエストIDを設定する。
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, contextKeyRequestID, requestID)
}

// setContextHeaders はコンテキストのユーザーIDとリクエストIDをヘッダーに設定する。
func setContextHeaders(ctx context.Context, h http.Header) {
	if userID, ok := ctx.Value(contextKeyUserID).(string); ok && userID != "" {
		h.Set(HeaderUserID, userID)
	}
	if requestID, ok := ctx.Value(contextKeyRequestID).(string); ok && requestID != "" {
		h.Set(HeaderRequestID, requestID)
	}
}
