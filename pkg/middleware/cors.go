package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

var (
	corsAllowMethods  = strings.Join([]string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}, ", ")
	corsAllowHeaders  = strings.Join([]string{"Authorization", "Content-Type", HeaderRequestID}, ", ")
	corsExposeHeaders = strings.Join([]string{
		HeaderRequestID,
		"X-RateLimit-Limit",
		"X-RateLimit-Remaining",
		"X-RateLimit-Reset",
		"Retry-After",
	}, ", ")
)

// corsPolicy は許可するオリジンの集合。
type corsPolicy struct {
	origins  map[string]struct{}
	allowAll bool
}

func newCORSPolicy(allowedOrigins []string) corsPolicy {
	p := corsPolicy{origins: make(map[string]struct{}, len(allowedOrigins))}
	for _, o := range allowedOrigins {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o == "*" {
			p.allowAll = true
			continue
		}
		if o != "" {
			p.origins[o] = struct{}{}
		}
	}
	return p
}

func (p corsPolicy) allows(origin string) bool {
	if origin == "" {
		return false
	}
	if p.allowAll {
		return true
	}
	_, ok := p.origins[origin]
	return ok
}

// CORS は指定されたオリジンからのクロスオリジンリクエストを許可するGinミドルウェアを返す。
// "*" を含む場合は全オリジンを許可する。OPTIONSはハンドラへ渡さず204で応答し、
// 許可されていないオリジンからのプリフライトには403を返す。
func CORS(allowedOrigins []string) gin.HandlerFunc {
	policy := newCORSPolicy(allowedOrigins)

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		allowed := policy.allows(origin)
		c.Writer.Header().Add("Vary", "Origin")
		if allowed {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Expose-Headers", corsExposeHeaders)
		}

		if c.Request.Method != http.MethodOptions {
			c.Next()
			return
		}

		preflight := c.GetHeader("Access-Control-Request-Method") != ""
		if preflight && origin != "" && !allowed {
			c.AbortWithStatus(http.StatusForbidden)
			return
		}
		if allowed {
			c.Header("Access-Control-Allow-Methods", corsAllowMethods)
			c.Header("Access-Control-Allow-Headers", corsAllowHeaders)
			c.Header("Access-Control-Max-Age", "86400")
		}
		c.AbortWithStatus(http.StatusNoContent)
	}
}
