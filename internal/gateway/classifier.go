package gateway

import (
	"net/http"
	"slices"
	"strings"

	"github.com/nao1215/bankgate/pkg/ratelimit"
)

// Rule はパス接頭辞（と任意のメソッド）からエンドポイント種別を決める規則。
type Rule struct {
	Prefix string
	// Method が空の場合は全メソッドに一致する。
	Method string
	Class  ratelimit.Class
}

// Classifier はリクエストをエンドポイント種別に分類する。
type Classifier struct {
	rules []Rule
}

// NewClassifier は規則を先頭から順に評価するClassifierを生成する。
func NewClassifier(rules []Rule) *Classifier {
	return &Classifier{rules: slices.Clone(rules)}
}

// Classify はmethodとpathの種別を返す。どの規則にも一致しない場合は
// 参照系メソッドなら read、それ以外は write とする。
func (c *Classifier) Classify(method, path string) ratelimit.Class {
	for _, r := range c.rules {
		if r.Method != "" && !strings.EqualFold(r.Method, method) {
			continue
		}
		if matchPrefix(path, r.Prefix) {
			return r.Class
		}
	}
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return ratelimit.ClassRead
	default:
		return ratelimit.ClassWrite
	}
}

// matchPrefix はpathがprefixとパスセグメント境界で一致するかを返す。
// "/api/accounts" は "/api/accounts" と "/api/accounts/1" に一致し、"/api/accountsX" には一致しない。
func matchPrefix(path, prefix string) bool {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		return true
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return len(path) == len(prefix) || path[len(prefix)] == '/'
}
