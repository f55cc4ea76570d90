package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/bankgate/pkg/apierror"
)

// BearerToken はAuthorizationヘッダーからBearerトークンを取り出す。
// ヘッダーが無ければ apierror.ErrMissingToken、形式が違えば
// apierror.ErrInvalidTokenFormat を返す。
func BearerToken(c *gin.Context) (string, error) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return "", apierror.ErrMissingToken
	}

	scheme, tokenString, found := strings.Cut(authHeader, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", apierror.ErrInvalidTokenFormat
	}
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return "", apierror.ErrInvalidTokenFormat
	}
	return tokenString, nil
}

// StaticToken はheaderの値が固定トークンと一致するリクエストだけを通すGinミドルウェアを返す。
// 内部管理APIの保護に使用する。tokenが空の場合は全リクエストを拒否する。
func StaticToken(header, token string) gin.HandlerFunc {
	expected := []byte(token)
	return func(c *gin.Context) {
		got := c.GetHeader(header)
		if got == "" {
			apierror.Respond(c, apierror.ErrMissingToken)
			return
		}
		if len(expected) == 0 || subtle.ConstantTimeCompare([]byte(got), expected) != 1 {
			apierror.Respond(c, apierror.ErrForbidden)
			return
		}
		c.Next()
	}
}
