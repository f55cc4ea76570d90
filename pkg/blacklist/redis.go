package blacklist

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix はRedisキーの既定の接頭辞。
const DefaultRedisPrefix = "bankgate:blacklist:"

// RedisStore はRedisに失効トークンを保持するStore実装。
// 複数のGatewayインスタンス間で失効状態を共有できる。
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore は新しいRedis失効ストアを生成する。prefixが空なら既定値を使う。
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

// Revoke はSET NXでトークンIDを登録する。キーにはttlが設定され、Redis側で自動削除される。
func (s *RedisStore) Revoke(ctx context.Context, tokenID string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, nil
	}
	ok, err := s.client.SetNX(ctx, s.prefix+tokenID, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("失効トークンの登録に失敗: %w", err)
	}
	return ok, nil
}

// IsRevoked はトークンIDのキーが存在するかを返す。
func (s *RedisStore) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.prefix+tokenID).Result()
	if err != nil {
		return false, fmt.Errorf("失効トークンの確認に失敗: %w", err)
	}
	return n > 0, nil
}
