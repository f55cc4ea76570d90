package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/nao1215/bankgate/pkg/apierror"
	"github.com/nao1215/bankgate/pkg/httpclient"
	"github.com/nao1215/bankgate/pkg/registry"
)

// Route はパス接頭辞と転送先の論理サービス名の対応。
type Route struct {
	Prefix  string `json:"prefix"`
	Service string `json:"service"`
}

// InstanceSource は正常なインスタンスを返す。*registry.Registry が満たす。
type InstanceSource interface {
	HealthyInstancesFor(service string) []registry.Instance
}

// Router はリクエストパスから転送先インスタンスを決定し、転送する。
type Router struct {
	routes    []Route
	source    InstanceSource
	forwarder *httpclient.Forwarder
	// counters はサービスごとのラウンドロビン用カウンタ。
	counters sync.Map
}

// NewRouter はルート表を登録順に評価するRouterを生成する。
func NewRouter(routes []Route, source InstanceSource, forwarder *httpclient.Forwarder) *Router {
	return &Router{
		routes:    slices.Clone(routes),
		source:    source,
		forwarder: forwarder,
	}
}

// Routes はルート表のコピーを返す。
func (r *Router) Routes() []Route {
	return slices.Clone(r.routes)
}

// Match はpathに最初に一致したルートを返す。
func (r *Router) Match(path string) (Route, bool) {
	for _, rt := range r.routes {
		if matchPrefix(path, rt.Prefix) {
			return rt, true
		}
	}
	return Route{}, false
}

// Resolve はpathのルートと、そのサービスの正常なインスタンスを1つ選ぶ。
// 一致するルートが無ければ apierror.ErrRouteNotFound、正常なインスタンスが無ければ
// apierror.ErrServiceUnavailable を返す。
func (r *Router) Resolve(path string) (Route, registry.Instance, error) {
	rt, ok := r.Match(path)
	if !ok {
		return Route{}, registry.Instance{}, fmt.Errorf("%w: %s", apierror.ErrRouteNotFound, path)
	}

	healthy := r.source.HealthyInstancesFor(rt.Service)
	if len(healthy) == 0 {
		return rt, registry.Instance{}, fmt.Errorf("%w: %s", apierror.ErrServiceUnavailable, rt.Service)
	}

	n := r.counter(rt.Service).Add(1) - 1
	return rt, healthy[n%uint64(len(healthy))], nil
}

func (r *Router) counter(service string) *atomic.Uint64 {
	if v, ok := r.counters.Load(service); ok {
		return v.(*atomic.Uint64)
	}
	v, _ := r.counters.LoadOrStore(service, new(atomic.Uint64))
	return v.(*atomic.Uint64)
}

// Forward はinstへリクエストを転送する。パスとクエリは元のリクエストのものをそのまま使う。
// 転送先が時間内に応答しなければ apierror.ErrGatewayTimeout、通信に失敗すれば
// apierror.ErrBadGateway を返す。成功時は、ボディを読み終えた後に呼ぶ解放関数を返す。
func (r *Router) Forward(ctx context.Context, method string, inst registry.Instance, u *url.URL, header http.Header, body io.Reader) (*http.Response, context.CancelFunc, error) {
	target := inst.BaseURL() + u.EscapedPath()
	if u.RawQuery != "" {
		target += "?" + u.RawQuery
	}

	resp, release, err := r.forwarder.Forward(ctx, method, target, header, body)
	if err != nil {
		switch {
		case errors.Is(err, httpclient.ErrTimeout):
			return nil, nil, fmt.Errorf("%w: %s: %w", apierror.ErrGatewayTimeout, inst.Addr(), err)
		default:
			return nil, nil, fmt.Errorf("%w: %s: %w", apierror.ErrBadGateway, inst.Addr(), err)
		}
	}
	return resp, release, nil
}
