package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	// HeaderRequestID はリクエストIDのHTTPヘッダー名。
	HeaderRequestID = "X-Request-ID"

	keyRequestID = "request_id"
	keyUserID    = "user_id"
)

// RequestID は各リクエストにリクエストIDを割り当てるGinミドルウェアを返す。
// クライアントが付与したIDがあればそれを引き継ぐ。
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderRequestID)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		c.Set(keyRequestID, id)
		c.Header(HeaderRequestID, id)
		c.Next()
	}
}

// GetRequestID はGinコンテキストからリクエストIDを取得する。
func GetRequestID(c *gin.Context) string {
	return c.GetString(keyRequestID)
}

// SetUserID は認証済みユーザーIDをGinコンテキストに設定する。
func SetUserID(c *gin.Context, userID string) {
	c.Set(keyUserID, userID)
}

// GetUserID はGinコンテキストからユーザーIDを取得する。
// 未認証のリクエストでは空文字列を返す。
func GetUserID(c *gin.Context) string {
	userID, _ := c.Get(keyUserID)
	if id, ok := userID.(string); ok {
		return id
	}
	return ""
}
