package token

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Type はトークンの種別を表す。
type Type string

const (
	// TypeAccess はAPI呼び出しに使う短命のトークン。
	TypeAccess Type = "access"
	// TypeRefresh はアクセストークンの再発行に使う長命のトークン。
	TypeRefresh Type = "refresh"
)

// DefaultIssuer はissクレームの既定値。
const DefaultIssuer = "bankgate"

// TokenTypeBearer はレスポンスのtokenTypeに設定する値。
const TokenTypeBearer = "Bearer"

// Claims はJWTのクレーム。subにユーザーID、jtiにトークンIDを持つ。
type Claims struct {
	jwt.RegisteredClaims
	// Type はトークンの種別。
	Type Type `json:"typ"`
}

// UserID は認証済みユーザーの識別子（sub）を返す。
func (c *Claims) UserID() string {
	return c.RegisteredClaims.Subject
}

// TokenID はトークンの一意識別子（jti）を返す。
func (c *Claims) TokenID() string {
	return c.RegisteredClaims.ID
}

// Remaining はnow時点での残り有効期間を返す。期限切れなら0以下になる。
func (c *Claims) Remaining(now time.Time) time.Duration {
	if c.ExpiresAt == nil {
		return 0
	}
	return c.ExpiresAt.Sub(now)
}

// Pair はログインやリフレッシュで返すトークンの組。
type Pair struct {
	// AccessToken はAPI呼び出し用のトークン。
	AccessToken string `json:"accessToken"`
	// RefreshToken はアクセストークン再発行用のトークン。
	RefreshToken string `json:"refreshToken"`
	// TokenType は常に "Bearer"。
	TokenType string `json:"tokenType"`
	// ExpiresIn はアクセストークンの有効期間（秒）。
	ExpiresIn int64 `json:"expiresIn"`
}
