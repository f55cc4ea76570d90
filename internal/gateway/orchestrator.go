package gateway

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/nao1215/bankgate/pkg/apierror"
	"github.com/nao1215/bankgate/pkg/event"
	"github.com/nao1215/bankgate/pkg/httpclient"
	"github.com/nao1215/bankgate/pkg/middleware"
	"github.com/nao1215/bankgate/pkg/ratelimit"
	"github.com/nao1215/bankgate/pkg/token"
	"golang.org/x/time/rate"
)

// statusClientClosedRequest はクライアントが応答前に切断したことを表すログ用ステータス。
const statusClientClosedRequest = 499

// OrchestratorConfig はOrchestratorの依存関係。
type OrchestratorConfig struct {
	Validator   *token.Validator
	Limiter     ratelimit.Limiter
	Classifier  *Classifier
	Router      *Router
	Audit       *AuditLog
	Logger      *slog.Logger
	PublicPaths []string
	// Now は現在時刻を返す。nilなら time.Now。
	Now func() time.Time
}

// Orchestrator は1リクエストを認証、レート制限、ルーティング、転送の順に処理する。
type Orchestrator struct {
	validator  *token.Validator
	limiter    ratelimit.Limiter
	classifier *Classifier
	router     *Router
	audit      *AuditLog
	logger     *slog.Logger
	public     []string
	now        func() time.Time

	// rejectLog はレート制限による拒否ログを間引く。
	rejectLog rate.Sometimes
	// auditLimiter はレート制限による拒否の監査記録の書き込み頻度を抑える。
	auditLimiter *rate.Limiter
}

// NewOrchestrator は新しいOrchestratorを生成する。
func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if cfg.Validator == nil || cfg.Limiter == nil || cfg.Router == nil || cfg.Audit == nil {
		return nil, fmt.Errorf("%w: オーケストレーターの依存関係が不足しています", apierror.ErrConfiguration)
	}
	if cfg.Classifier == nil {
		cfg.Classifier = NewClassifier(nil)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Orchestrator{
		validator:    cfg.Validator,
		limiter:      cfg.Limiter,
		classifier:   cfg.Classifier,
		router:       cfg.Router,
		audit:        cfg.Audit,
		logger:       cfg.Logger,
		public:       cfg.PublicPaths,
		now:          cfg.Now,
		rejectLog:    rate.Sometimes{First: 1, Interval: 5 * time.Second},
		auditLimiter: rate.NewLimiter(rate.Limit(10), 20),
	}, nil
}

// IsPublic はpathが認証不要のパスかどうかを返す。
func (o *Orchestrator) IsPublic(path string) bool {
	for _, p := range o.public {
		if matchPrefix(path, p) {
			return true
		}
	}
	return false
}

// GuardOption はGuardの挙動を変更する。
type GuardOption func(*guardConfig)

type guardConfig struct {
	allowRevoked bool
}

// AllowRevoked は失効済みのアクセストークンも認証済みとして通す。
// ログアウトを冪等にするために使う。
func AllowRevoked() GuardOption {
	return func(g *guardConfig) {
		g.allowRevoked = true
	}
}

// Guard はRECEIVEDからRATE_CHECKEDまでを処理するGinミドルウェアを返す。
// 公開パスは認証を省略する。拒否した場合は以降のハンドラを実行しない。
func (o *Orchestrator) Guard(opts ...GuardOption) gin.HandlerFunc {
	var g guardConfig
	for _, opt := range opts {
		opt(&g)
	}

	return func(c *gin.Context) {
		x := newExchange(o.IsPublic(c.Request.URL.Path))
		bindExchange(c, x)

		if !x.public && !o.authenticate(c, x, g.allowRevoked) {
			return
		}
		if !o.limit(c, x) {
			return
		}
		c.Next()
	}
}

// authenticate はBearerトークンを検証し、AUTH_CHECKEDへ進める。
func (o *Orchestrator) authenticate(c *gin.Context, x *exchange, allowRevoked bool) bool {
	raw, err := middleware.BearerToken(c)
	if err != nil {
		o.rejectUnauthenticated(c, x, err)
		return false
	}

	claims, err := o.validator.Validate(c.Request.Context(), raw)
	if err != nil {
		if !allowRevoked || !errors.Is(err, apierror.ErrTokenRevoked) || claims == nil {
			o.rejectUnauthenticated(c, x, err)
			return false
		}
		x.revoked = true
	}

	x.claims = claims
	middleware.SetUserID(c, claims.UserID())
	return o.step(c, x, StateAuthChecked)
}

// rejectUnauthenticated は認証に失敗したリクエストを拒否する。
// 失敗もIPアドレス単位のanonymous枠で数え、枠を使い切ったクライアントには429を返す。
func (o *Orchestrator) rejectUnauthenticated(c *gin.Context, x *exchange, err error) {
	x.class = ratelimit.ClassAnonymous
	x.clientKey = "ip:" + c.ClientIP()
	if !o.charge(c, x) {
		return
	}
	o.reject(c, x, err)
}

// limit はエンドポイント種別とクライアントキーでレート制限を判定し、RATE_CHECKEDへ進める。
func (o *Orchestrator) limit(c *gin.Context, x *exchange) bool {
	x.class = o.classifier.Classify(c.Request.Method, c.Request.URL.Path)
	if x.claims == nil && x.class != ratelimit.ClassAuth {
		x.class = ratelimit.ClassAnonymous
	}
	x.clientKey = clientKey(c, x)

	if !o.charge(c, x) {
		return false
	}
	return o.step(c, x, StateRateChecked)
}

// charge はx.clientKeyのx.class枠を1回分消費する。
// 枠を超えた場合や判定できない場合は拒否の応答まで行い、falseを返す。
func (o *Orchestrator) charge(c *gin.Context, x *exchange) bool {
	d, err := o.limiter.Allow(c.Request.Context(), x.clientKey, x.class)
	if err != nil {
		o.reject(c, x, fmt.Errorf("%w: レート制限の判定に失敗: %w", apierror.ErrServiceUnavailable, err))
		return false
	}
	x.decision = d
	d.SetHeaders(c.Writer.Header())
	if d.Allowed {
		return true
	}

	retryAfter := max(int(d.ResetAt.Sub(o.now()).Seconds()+0.5), 1)
	c.Header("Retry-After", strconv.Itoa(retryAfter))
	if o.auditLimiter.Allow() {
		o.audit.Record(c.Request.Context(), event.TypeRateLimited, x.subject(), x.clientKey, c.Request.URL.Path,
			event.RateLimitedData{Class: string(d.Class), Limit: d.Limit, ResetAt: d.ResetAt})
	}
	o.rejectLog.Do(func() {
		o.logger.Warn("レート制限によりリクエストを拒否",
			slog.String("client_key", x.clientKey),
			slog.String("class", string(d.Class)),
			slog.Int("limit", d.Limit),
		)
	})
	o.reject(c, x, apierror.ErrRateLimitExceeded,
		fmt.Sprintf("class=%s", d.Class),
		fmt.Sprintf("limit=%d", d.Limit),
	)
	return false
}

// clientKey は認証済みなら "sub:<ユーザーID>"、未認証なら "ip:<IPアドレス>" を返す。
func clientKey(c *gin.Context, x *exchange) string {
	if sub := x.subject(); sub != "" {
		return "sub:" + sub
	}
	return "ip:" + c.ClientIP()
}

// Local はGatewayが自身で処理するエンドポイントをROUTEDからCOMPLETEDまで進めるハンドラを返す。
// hは応答ステータスとJSONボディを返す。bodyがnilならボディなしで応答する。
func (o *Orchestrator) Local(h func(c *gin.Context, x *exchange) (int, any, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		x, ok := exchangeFrom(c)
		if !ok {
			o.logger.Error("Guardを経由せずにハンドラが呼ばれました", slog.String("path", c.Request.URL.Path))
			apierror.Respond(c, errors.New("処理状態がありません"))
			return
		}
		x.route = Route{Prefix: c.FullPath(), Service: "gateway"}
		if !o.step(c, x, StateRouted) {
			return
		}

		status, body, err := h(c, x)
		if err != nil {
			o.reject(c, x, err, validationDetails(err)...)
			return
		}
		if !o.step(c, x, StateForwarded) {
			return
		}
		if body == nil {
			c.Status(status)
		} else {
			c.JSON(status, body)
		}
		o.step(c, x, StateCompleted)
	}
}

// Proxy はルート表に従ってリクエストを下流サービスへ転送するハンドラを返す。
// Guardの後段に置く。
func (o *Orchestrator) Proxy() gin.HandlerFunc {
	return func(c *gin.Context) {
		x, ok := exchangeFrom(c)
		if !ok {
			o.logger.Error("Guardを経由せずにプロキシが呼ばれました", slog.String("path", c.Request.URL.Path))
			apierror.Respond(c, errors.New("処理状態がありません"))
			return
		}

		route, inst, err := o.router.Resolve(c.Request.URL.Path)
		if err != nil {
			o.reject(c, x, err)
			return
		}
		x.route = route
		x.instance = inst
		if !o.step(c, x, StateRouted) {
			return
		}

		ctx := httpclient.WithRequestID(c.Request.Context(), middleware.GetRequestID(c))
		if sub := x.subject(); sub != "" {
			ctx = httpclient.WithUserID(ctx, sub)
		}
		header := c.Request.Header.Clone()
		// クライアントが付けたユーザーIDは信用しない
		header.Del(httpclient.HeaderUserID)
		header.Del(httpclient.HeaderRequestID)
		if c.Request.ContentLength > 0 {
			header.Set("Content-Length", strconv.FormatInt(c.Request.ContentLength, 10))
		}
		appendForwardedFor(header, c.ClientIP())

		resp, release, err := o.router.Forward(ctx, c.Request.Method, inst, c.Request.URL, header, c.Request.Body)
		if err != nil {
			if c.Request.Context().Err() != nil {
				o.abandon(c, x, err)
				return
			}
			o.reject(c, x, err)
			return
		}
		defer release()
		defer func() { _ = resp.Body.Close() }()

		if !o.step(c, x, StateForwarded) {
			return
		}

		copyResponseHeader(c.Writer.Header(), resp.Header)
		x.decision.SetHeaders(c.Writer.Header())
		c.Header(middleware.HeaderRequestID, middleware.GetRequestID(c))
		c.Status(resp.StatusCode)
		if _, err := io.Copy(c.Writer, resp.Body); err != nil {
			o.logger.Warn("レスポンスの中継に失敗",
				slog.String("instance", inst.Addr()),
				slog.String("request_id", middleware.GetRequestID(c)),
				slog.Any("error", err),
			)
		}
		o.step(c, x, StateCompleted)
	}
}

// copyResponseHeader は下流のレスポンスヘッダーをdstへ写す。
// CORSヘッダーはGatewayのミドルウェアが決めるため下流の値は捨て、Varyは重複を除いて追加する。
func copyResponseHeader(dst, src http.Header) {
	upstream := src.Clone()
	for k := range upstream {
		if strings.HasPrefix(k, "Access-Control-") {
			delete(upstream, k)
		}
	}
	vary := upstream.Values("Vary")
	upstream.Del("Vary")
	httpclient.CopyHeader(dst, upstream)

	for _, line := range vary {
		for v := range strings.SplitSeq(line, ",") {
			v = strings.TrimSpace(v)
			if v == "" || hasToken(dst.Values("Vary"), v) {
				continue
			}
			dst.Add("Vary", v)
		}
	}
}

// hasToken はカンマ区切りのヘッダー値の中にtokenが含まれるかを返す。
func hasToken(values []string, token string) bool {
	for _, line := range values {
		for v := range strings.SplitSeq(line, ",") {
			if strings.EqualFold(strings.TrimSpace(v), token) {
				return true
			}
		}
	}
	return false
}

// appendForwardedFor はX-Forwarded-Forにクライアントのアドレスを追加する。
func appendForwardedFor(h http.Header, ip string) {
	if ip == "" {
		return
	}
	if prior := h.Get("X-Forwarded-For"); prior != "" {
		ip = prior + ", " + ip
	}
	h.Set("X-Forwarded-For", ip)
}

// step はxをtoへ進める。不正な遷移は内部エラーとして拒否する。
func (o *Orchestrator) step(c *gin.Context, x *exchange, to State) bool {
	if err := x.advance(to); err != nil {
		o.logger.Error("不正な状態遷移",
			slog.String("path", c.Request.URL.Path),
			slog.String("from", string(x.state)),
			slog.String("to", string(to)),
			slog.Any("error", err),
		)
		o.reject(c, x, err)
		return false
	}
	c.Set(middleware.KeyState, string(to))
	return true
}

// reject はxをREJECTEDにし、標準エラーボディで応答する。
func (o *Orchestrator) reject(c *gin.Context, x *exchange, err error, details ...string) {
	from := x.state
	if terr := x.advance(StateRejected); terr != nil {
		o.logger.Error("拒否できない状態です", slog.String("state", string(from)), slog.Any("error", terr))
	}
	c.Set(middleware.KeyState, string(x.state))
	_ = c.Error(err)

	if apierror.Status(err) >= http.StatusInternalServerError {
		o.logger.Error("リクエストを拒否",
			slog.String("path", c.Request.URL.Path),
			slog.String("state", string(from)),
			slog.String("request_id", middleware.GetRequestID(c)),
			slog.Any("error", err),
		)
	}
	if c.Writer.Written() {
		c.Abort()
		return
	}
	apierror.Respond(c, err, details...)
}

// abandon はクライアントが切断したリクエストを応答せずに終了する。
func (o *Orchestrator) abandon(c *gin.Context, x *exchange, err error) {
	_ = x.advance(StateRejected)
	c.Set(middleware.KeyState, string(x.state))
	_ = c.Error(err)
	o.logger.Info("クライアントが切断したため転送を中断",
		slog.String("path", c.Request.URL.Path),
		slog.String("request_id", middleware.GetRequestID(c)),
	)
	c.Status(statusClientClosedRequest)
	c.Abort()
}

// validationDetails はバインディングの検証エラーをフィールドごとの説明に変換する。
func validationDetails(err error) []string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}
	details := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		details = append(details, fmt.Sprintf("%s: %s", fe.Field(), fe.Tag()))
	}
	return details
}
