package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Class はレート制限の予算を共有するエンドポイントの種別。
type Class string

const (
	// ClassAuth は認証系エンドポイント。最も予算が小さい。
	ClassAuth Class = "auth"
	// ClassAI はAIサービス系エンドポイント。
	ClassAI Class = "ai"
	// ClassRead は参照系エンドポイント。最も予算が大きい。
	ClassRead Class = "read"
	// ClassWrite は更新系エンドポイント。
	ClassWrite Class = "write"
	// ClassAnonymous は未認証リクエストをIPアドレス単位で制限するためのフォールバック種別。
	ClassAnonymous Class = "anonymous"
)

// DefaultWindow は既定のウィンドウ幅。
const DefaultWindow = time.Minute

// ErrUnknownClass は設定に存在しない種別が指定されたことを表す。
var ErrUnknownClass = errors.New("未定義のエンドポイント種別です")

// Policy は1つの種別に対する上限とウィンドウ幅。
type Policy struct {
	// Limit はウィンドウ内で許可するリクエスト数。
	Limit int
	// Window はウィンドウ幅。
	Window time.Duration
}

// Table は種別ごとのPolicy。
type Table map[Class]Policy

// DefaultTable は既定の制限表を返す（いずれも1分あたり）。
func DefaultTable() Table {
	return Table{
		ClassAuth:      {Limit: 5, Window: DefaultWindow},
		ClassAI:        {Limit: 20, Window: DefaultWindow},
		ClassWrite:     {Limit: 60, Window: DefaultWindow},
		ClassRead:      {Limit: 100, Window: DefaultWindow},
		ClassAnonymous: {Limit: 30, Window: DefaultWindow},
	}
}

// Validate は表の各Policyが正の値を持つかを確認する。
func (t Table) Validate() error {
	if len(t) == 0 {
		return errors.New("レート制限表が空です")
	}
	for class, p := range t {
		if p.Limit <= 0 {
			return fmt.Errorf("種別 %q の上限は1以上にしてください", class)
		}
		if p.Window <= 0 {
			return fmt.Errorf("種別 %q のウィンドウ幅は正の値にしてください", class)
		}
	}
	return nil
}

// policy はclassのPolicyを返す。
func (t Table) policy(class Class) (Policy, error) {
	p, ok := t[class]
	if !ok {
		return Policy{}, fmt.Errorf("%w: %s", ErrUnknownClass, class)
	}
	return p, nil
}

// Decision は1回の判定結果。
type Decision struct {
	// Allowed はリクエストを許可したかどうか。
	Allowed bool
	// Class は判定に使った種別。
	Class Class
	// Limit はウィンドウあたりの上限。
	Limit int
	// Remaining は現在のウィンドウで残っている回数。
	Remaining int
	// ResetAt は現在のウィンドウが終わる時刻。
	ResetAt time.Time
}

// SetHeaders はX-RateLimit-*ヘッダーをhに設定する。
func (d Decision) SetHeaders(h http.Header) {
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
}

// Limiter はレート制限の判定を行う。実装は並行呼び出しに対して安全でなければならない。
type Limiter interface {
	// Allow はclientのclass種別へのリクエストを1回分数え、判定結果を返す。
	// 上限を超えた場合はDecision.Allowedがfalseになる（エラーではない）。
	Allow(ctx context.Context, client string, class Class) (Decision, error)
}

// windowStart はnowを含むウィンドウの開始時刻を返す。
func windowStart(now time.Time, window time.Duration) time.Time {
	return now.Truncate(window)
}
