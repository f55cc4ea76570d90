package middleware

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/bankgate/pkg/apierror"
)

// Recovery はパニックからの回復を行うGinミドルウェアを返す。
// パニック発生時にスタックトレースをログに出力し、標準エラーボディで500を返す。
// http.ErrAbortHandler はnet/httpに接続の切断を任せるため再度パニックさせる。
func Recovery(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			if err, ok := r.(error); ok && errors.Is(err, http.ErrAbortHandler) {
				panic(r)
			}

			logger.Error("パニックから回復",
				slog.String("method", c.Request.Method),
				slog.String("path", c.Request.URL.Path),
				slog.String("request_id", GetRequestID(c)),
				slog.String("panic", fmt.Sprint(r)),
				slog.String("stack", string(debug.Stack())),
			)
			if c.Writer.Written() {
				// 既にボディを書き始めているので、これ以上は何も返せない
				c.Abort()
				return
			}
			apierror.Respond(c, fmt.Errorf("panic: %v", r))
		}()
		c.Next()
	}
}
