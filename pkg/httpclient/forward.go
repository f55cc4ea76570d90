package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

var (
	// ErrTimeout は転送先が時間内に応答しなかったことを表す。
	ErrTimeout = errors.New("転送先の応答がタイムアウトしました")
	// ErrCanceled は呼び出し元（クライアント）が切断したことを表す。
	ErrCanceled = errors.New("呼び出し元がリクエストを取り消しました")
)

// hopHeaders は転送時に引き継がないホップバイホップヘッダー。
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Forwarder はGatewayが受けたリクエストを下流サービスへそのまま転送する。
// 1回の転送ごとに上限時間を設け、リトライやリダイレクトの追従は行わない。
type Forwarder struct {
	httpClient *http.Client
	timeout    time.Duration
}

// NewForwarder は新しいForwarderを生成する。timeoutが0以下なら既定値を使う。
func NewForwarder(timeout time.Duration) *Forwarder {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Forwarder{
		httpClient: &http.Client{
			// 3xxもそのまま呼び出し元へ返す
			CheckRedirect: func(_ *http.Request, _ []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		timeout: timeout,
	}
}

// Forward はurlへリクエストを送信する。ctxがキャンセルされると転送も中断する。
//
// 成功時は、レスポンスボディを読み終えた後に必ず呼び出すべき解放関数を返す。
// 上限時間を超えた場合は ErrTimeout、ctx自体が終了した場合は ErrCanceled をラップして返す。
func (f *Forwarder) Forward(ctx context.Context, method, url string, header http.Header, body io.Reader) (*http.Response, context.CancelFunc, error) {
	callCtx, cancel := context.WithTimeout(ctx, f.timeout)

	req, err := http.NewRequestWithContext(callCtx, method, url, body)
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("転送リクエストの作成に失敗: %w", err)
	}
	CopyHeader(req.Header, header)
	setContextHeaders(ctx, req.Header)
	if n, err := strconv.ParseInt(header.Get("Content-Length"), 10, 64); body != nil && err == nil && n > 0 {
		req.ContentLength = n
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		cancel()
		switch {
		case ctx.Err() != nil:
			return nil, nil, fmt.Errorf("%w: %w", ErrCanceled, err)
		case errors.Is(err, context.DeadlineExceeded):
			return nil, nil, fmt.Errorf("%w: %w", ErrTimeout, err)
		default:
			return nil, nil, fmt.Errorf("転送に失敗: %w", err)
		}
	}
	return resp, cancel, nil
}

// CopyHeader はホップバイホップヘッダーを除いてsrcのヘッダーをdstへコピーする。
func CopyHeader(dst, src http.Header) {
	for key, values := range src {
		if isHopHeader(key) {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

func isHopHeader(key string) bool {
	canonical := http.CanonicalHeaderKey(key)
	for _, h := range hopHeaders {
		if canonical == h {
			return true
		}
	}
	return false
}
