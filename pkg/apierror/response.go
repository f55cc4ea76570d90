package apierror

import (
	"time"

	"github.com/gin-gonic/gin"
)

// Body は全エラーレスポンスに共通のJSONボディ。
type Body struct {
	// Timestamp はエラー発生日時（UTC）。
	Timestamp time.Time `json:"timestamp"`
	// Status はHTTPステータスコード。
	Status int `json:"status"`
	// Error はエラーの分類名。
	Error string `json:"error"`
	// Message は人間向けの説明。
	Message string `json:"message"`
	// Path はリクエストされたパス。
	Path string `json:"path"`
	// Details は補足情報。無い場合も空配列で返す。
	Details []string `json:"details"`
}

// NewBody はerrから標準エラーボディを生成する。
func NewBody(err error, path string, details ...string) Body {
	if details == nil {
		details = []string{}
	}
	return Body{
		Timestamp: time.Now().UTC(),
		Status:    Status(err),
		Error:     Code(err),
		Message:   Message(err),
		Path:      path,
		Details:   details,
	}
}

// Respond はerrを標準エラーボディとして書き込み、以降のハンドラを中断する。
func Respond(c *gin.Context, err error, details ...string) {
	body := NewBody(err, c.Request.URL.Path, details...)
	c.AbortWithStatusJSON(body.Status, body)
}
