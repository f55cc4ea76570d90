package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix はRedisキーの既定の接頭辞。
const DefaultRedisPrefix = "bankgate:ratelimit:"

// RedisLimiter はRedisのINCRでカウントする固定ウィンドウのLimiter実装。
// 複数のGatewayインスタンスで予算を共有する場合に使う。
type RedisLimiter struct {
	client redis.UniversalClient
	table  Table
	prefix string
	now    func() time.Time
}

// NewRedisLimiter は新しいRedis Limiterを生成する。prefixが空なら既定値を使う。
func NewRedisLimiter(client redis.UniversalClient, table Table, prefix string, opts ...RedisOption) (*RedisLimiter, error) {
	if err := table.Validate(); err != nil {
		return nil, fmt.Errorf("レート制限表が不正: %w", err)
	}
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	l := &RedisLimiter{client: client, table: table, prefix: prefix, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// RedisOption はRedisLimiterの設定を変更する関数。
type RedisOption func(*RedisLimiter)

// WithRedisClock はRedisLimiterの現在時刻の取得関数を差し替える。
func WithRedisClock(now func() time.Time) RedisOption {
	return func(l *RedisLimiter) {
		l.now = now
	}
}

// Allow はウィンドウごとのキーをINCRし、同じトランザクションでTTLを設定する。
// キーはウィンドウ終了後に自動で消えるため、ロールオーバー時の明示的なリセットは不要。
func (l *RedisLimiter) Allow(ctx context.Context, client string, class Class) (Decision, error) {
	p, err := l.table.policy(class)
	if err != nil {
		return Decision{}, err
	}

	start := windowStart(l.now(), p.Window)
	key := fmt.Sprintf("%s%s:%s:%d", l.prefix, class, client, start.Unix())

	var incr *redis.IntCmd
	if _, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.PExpire(ctx, key, p.Window)
		return nil
	}); err != nil {
		return Decision{}, fmt.Errorf("レート制限カウンタの更新に失敗: %w", err)
	}

	count := int(incr.Val())
	d := Decision{Class: class, Limit: p.Limit, ResetAt: start.Add(p.Window)}
	if count > p.Limit {
		return d, nil
	}
	d.Allowed = true
	d.Remaining = p.Limit - count
	return d, nil
}
