package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/nao1215/bankgate/pkg/apierror"
	"github.com/nao1215/bankgate/pkg/blacklist"
)

// Validator はAuthorizationヘッダー等から受け取ったトークンを検証する。
// 失効リストは読み取りのみ行う。
type Validator struct {
	secret    []byte
	issuer    string
	now       func() time.Time
	blacklist blacklist.Store
}

// NewValidator は新しいValidatorを生成する。秘密鍵が空の場合は設定エラーを返す。
func NewValidator(secret string, store blacklist.Store, opts ...Option) (*Validator, error) {
	if secret == "" {
		return nil, fmt.Errorf("%w: JWT署名用の秘密鍵が設定されていません", apierror.ErrConfiguration)
	}
	if store == nil {
		return nil, fmt.Errorf("%w: 失効ストアが設定されていません", apierror.ErrConfiguration)
	}

	o := newOptions(opts)
	return &Validator{
		secret:    []byte(secret),
		issuer:    o.issuer,
		now:       o.now,
		blacklist: store,
	}, nil
}

// Validate はアクセストークンを検証し、成功すればクレームを返す。
//
// 署名・形式が不正なら apierror.ErrInvalidTokenFormat、期限切れなら
// apierror.ErrTokenExpired、失効済みなら apierror.ErrTokenRevoked を返す。
func (v *Validator) Validate(ctx context.Context, raw string) (*Claims, error) {
	return v.validate(ctx, raw, TypeAccess)
}

// ValidateRefresh はリフレッシュトークンを検証する。エラーの分類はValidateと同じ。
func (v *Validator) ValidateRefresh(ctx context.Context, raw string) (*Claims, error) {
	return v.validate(ctx, raw, TypeRefresh)
}

func (v *Validator) validate(ctx context.Context, raw string, want Type) (*Claims, error) {
	claims, err := v.parse(raw, want)
	if err != nil {
		return nil, err
	}

	revoked, err := v.blacklist.IsRevoked(ctx, claims.TokenID())
	if err != nil {
		return nil, fmt.Errorf("%w: 失効状態の確認に失敗: %w", apierror.ErrServiceUnavailable, err)
	}
	if revoked {
		return claims, apierror.ErrTokenRevoked
	}
	return claims, nil
}

// parse は署名・有効期限・種別を検証する。失効リストは見ない。
func (v *Validator) parse(raw string, want Type) (*Claims, error) {
	if raw == "" {
		return nil, apierror.ErrInvalidTokenFormat
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(_ *jwt.Token) (any, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %w", apierror.ErrTokenExpired, err)
		}
		return nil, fmt.Errorf("%w: %w", apierror.ErrInvalidTokenFormat, err)
	}

	if claims.Type != want || claims.TokenID() == "" || claims.UserID() == "" {
		return nil, apierror.ErrInvalidTokenFormat
	}
	return claims, nil
}

// Revoke はクレームのトークンIDを残り有効期間だけ失効リストに登録する。
// 今回新たに登録した場合はtrueを返す。既に期限切れのトークンは登録しない。
func (v *Validator) Revoke(ctx context.Context, claims *Claims) (bool, error) {
	ttl := claims.Remaining(v.now())
	if ttl <= 0 {
		return false, nil
	}
	added, err := v.blacklist.Revoke(ctx, claims.TokenID(), ttl)
	if err != nil {
		return false, fmt.Errorf("トークンの失効に失敗: %w", err)
	}
	return added, nil
}
