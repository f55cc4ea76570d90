package blacklist

import (
	"context"
	"time"
)

// Store は失効トークンの保存先を抽象化する。
// インメモリ実装とRedis実装があり、どちらも並行アクセスに対して安全である。
type Store interface {
	// Revoke はトークンIDをttlの間だけ失効リストに登録する。
	// 今回の呼び出しで新たに登録した場合はtrue、既に登録済みだった場合はfalseを返す。
	// 既に登録済みでもエラーにはしない。
	Revoke(ctx context.Context, tokenID string, ttl time.Duration) (bool, error)
	// IsRevoked はトークンIDが失効リストに含まれるかを返す。
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}
