package token

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/nao1215/bankgate/pkg/apierror"
)

const (
	// DefaultAccessTTL はアクセストークンの既定の有効期間。
	DefaultAccessTTL = 3600 * time.Second
	// DefaultRefreshTTL はリフレッシュトークンの既定の有効期間。
	DefaultRefreshTTL = 86400 * time.Second
)

// Issuer は認証済みのユーザーに対してトークンを発行する。
// 認証情報そのものの検証は呼び出し側の責務である。
type Issuer struct {
	// secret はHS256署名用の共有秘密鍵。
	secret []byte
	// accessTTL はアクセストークンの有効期間。
	accessTTL time.Duration
	// refreshTTL はリフレッシュトークンの有効期間。
	refreshTTL time.Duration
	// issuer はissクレームに設定する値。
	issuer string
	// now は現在時刻の取得関数。
	now func() time.Time
}

// Option はIssuerとValidatorの共通設定。
type Option func(*options)

type options struct {
	issuer string
	now    func() time.Time
}

func newOptions(opts []Option) options {
	o := options{issuer: DefaultIssuer, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithIssuer はissクレームの値を変更する。
func WithIssuer(iss string) Option {
	return func(o *options) {
		if iss != "" {
			o.issuer = iss
		}
	}
}

// WithClock は現在時刻の取得関数を差し替える。
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// NewIssuer は新しいIssuerを生成する。
// 秘密鍵が空の場合は apierror.ErrConfiguration を返す。起動時に一度だけ呼び出し、
// エラーならプロセスを終了させること。TTLに0以下を渡すと既定値を使う。
func NewIssuer(secret string, accessTTL, refreshTTL time.Duration, opts ...Option) (*Issuer, error) {
	if secret == "" {
		return nil, fmt.Errorf("%w: JWT署名用の秘密鍵が設定されていません", apierror.ErrConfiguration)
	}
	if accessTTL <= 0 {
		accessTTL = DefaultAccessTTL
	}
	if refreshTTL <= 0 {
		refreshTTL = DefaultRefreshTTL
	}
	if refreshTTL < accessTTL {
		return nil, fmt.Errorf("%w: リフレッシュトークンの有効期間はアクセストークン以上にしてください", apierror.ErrConfiguration)
	}

	o := newOptions(opts)
	return &Issuer{
		secret:     []byte(secret),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		issuer:     o.issuer,
		now:        o.now,
	}, nil
}

// Issue はsubjectに対するアクセストークンとリフレッシュトークンを発行する。
func (i *Issuer) Issue(subject string) (Pair, error) {
	access, err := i.sign(subject, TypeAccess, i.accessTTL)
	if err != nil {
		return Pair{}, err
	}
	refresh, err := i.sign(subject, TypeRefresh, i.refreshTTL)
	if err != nil {
		return Pair{}, err
	}

	return Pair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    TokenTypeBearer,
		ExpiresIn:    int64(i.accessTTL / time.Second),
	}, nil
}

// sign は1つのトークンを生成して署名する。
func (i *Issuer) sign(subject string, typ Type, ttl time.Duration) (string, error) {
	now := i.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   subject,
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiry(now, ttl)),
		},
		Type: typ,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("JWTトークンの署名に失敗: %w", err)
	}
	return signed, nil
}

// expiry はnow+ttlを秒単位に切り上げる。
// expは秒精度で保存されるため、切り捨てると設定より最大1秒早く失効してしまう。
func expiry(now time.Time, ttl time.Duration) time.Time {
	exp := now.Add(ttl)
	if t := exp.Truncate(time.Second); !t.Equal(exp) {
		return t.Add(time.Second)
	}
	return exp
}
