package gateway

import (
	"errors"
	"fmt"
	"slices"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/bankgate/pkg/middleware"
	"github.com/nao1215/bankgate/pkg/ratelimit"
	"github.com/nao1215/bankgate/pkg/registry"
	"github.com/nao1215/bankgate/pkg/token"
)

// State はリクエスト処理の段階。
type State string

const (
	StateReceived    State = "RECEIVED"
	StateAuthChecked State = "AUTH_CHECKED"
	StateRateChecked State = "RATE_CHECKED"
	StateRouted      State = "ROUTED"
	StateForwarded   State = "FORWARDED"
	StateCompleted   State = "COMPLETED"
	StateRejected    State = "REJECTED"
)

// ErrIllegalTransition は許可されていない状態遷移を表す。
var ErrIllegalTransition = errors.New("不正な状態遷移です")

// transitions は各状態から遷移できる状態。REJECTEDは終端以外のどこからでも遷移できる。
var transitions = map[State][]State{
	StateReceived:    {StateAuthChecked, StateRateChecked},
	StateAuthChecked: {StateRateChecked},
	StateRateChecked: {StateRouted},
	StateRouted:      {StateForwarded},
	StateForwarded:   {StateCompleted},
}

// Terminal はsが終端状態かどうかを返す。
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateRejected
}

// exchange は1リクエスト分の処理状態。ginのハンドラチェーン内でのみ使い、共有しない。
type exchange struct {
	state   State
	history []State
	// public は認証を省略するパスかどうか。
	public bool

	claims    *token.Claims
	clientKey string
	class     ratelimit.Class
	decision  ratelimit.Decision
	route     Route
	instance  registry.Instance
	// revoked はログアウト時に既に失効済みだったアクセストークンを表す。
	revoked bool
}

func newExchange(public bool) *exchange {
	return &exchange{
		state:   StateReceived,
		history: []State{StateReceived},
		public:  public,
	}
}

// advance はtoへ遷移する。公開パス以外は認証を経ずにRATE_CHECKEDへ進めない。
func (x *exchange) advance(to State) error {
	if x.state.Terminal() {
		return fmt.Errorf("%w: %s は終端状態です", ErrIllegalTransition, x.state)
	}
	if to != StateRejected {
		if !slices.Contains(transitions[x.state], to) {
			return fmt.Errorf("%w: %s → %s", ErrIllegalTransition, x.state, to)
		}
		if x.state == StateReceived && to == StateRateChecked && !x.public {
			return fmt.Errorf("%w: 認証が必要なリクエストです", ErrIllegalTransition)
		}
	}
	x.state = to
	x.history = append(x.history, to)
	return nil
}

// subject は認証済みユーザーIDを返す。未認証なら空。
func (x *exchange) subject() string {
	if x.claims == nil {
		return ""
	}
	return x.claims.UserID()
}

const keyExchange = "gateway_exchange"

// bindExchange はxをGinコンテキストに格納する。
func bindExchange(c *gin.Context, x *exchange) {
	c.Set(keyExchange, x)
	c.Set(middleware.KeyState, string(x.state))
}

// exchangeFrom はGinコンテキストから処理状態を取り出す。
func exchangeFrom(c *gin.Context) (*exchange, bool) {
	v, ok := c.Get(keyExchange)
	if !ok {
		return nil, false
	}
	x, ok := v.(*exchange)
	return x, ok
}
