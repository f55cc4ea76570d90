package blacklist

import (
	"context"
	"sync"
	"time"
)

// DefaultCleanupInterval は期限切れエントリを掃除する既定の間隔。
const DefaultCleanupInterval = time.Minute

// MemoryStore はプロセス内のマップで失効トークンを保持するStore実装。
// 単一インスタンス構成や開発環境向け。
type MemoryStore struct {
	mu sync.Mutex
	// entries はトークンIDから失効エントリの有効期限への対応。
	entries map[string]time.Time
	// now は現在時刻の取得関数。テストで差し替える。
	now func() time.Time
	// cleanupInterval はRunで掃除を行う間隔。
	cleanupInterval time.Duration
}

// MemoryOption はMemoryStoreの設定を変更する関数。
type MemoryOption func(*MemoryStore)

// WithClock は現在時刻の取得関数を差し替える。
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		s.now = now
	}
}

// WithCleanupInterval は掃除間隔を変更する。
func WithCleanupInterval(d time.Duration) MemoryOption {
	return func(s *MemoryStore) {
		s.cleanupInterval = d
	}
}

// NewMemoryStore は新しいインメモリの失効ストアを生成する。
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		entries:         make(map[string]time.Time),
		now:             time.Now,
		cleanupInterval: DefaultCleanupInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Revoke はトークンIDを失効リストに登録する。ttlが0以下なら何もしない。
func (s *MemoryStore) Revoke(_ context.Context, tokenID string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if expiresAt, ok := s.entries[tokenID]; ok && now.Before(expiresAt) {
		return false, nil
	}
	s.entries[tokenID] = now.Add(ttl)
	return true, nil
}

// IsRevoked はトークンIDが有効な失効エントリを持つかを返す。
// 期限切れのエントリは読み出し時にも削除する。
func (s *MemoryStore) IsRevoked(_ context.Context, tokenID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	expiresAt, ok := s.entries[tokenID]
	if !ok {
		return false, nil
	}
	if !s.now().Before(expiresAt) {
		delete(s.entries, tokenID)
		return false, nil
	}
	return true, nil
}

// Prune は期限切れのエントリをすべて削除し、削除件数を返す。
func (s *MemoryStore) Prune() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for id, expiresAt := range s.entries {
		if !now.Before(expiresAt) {
			delete(s.entries, id)
			removed++
		}
	}
	return removed
}

// size は保持しているエントリ数を返す。期限切れでまだ掃除されていないものも含む。
func (s *MemoryStore) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Run はctxがキャンセルされるまで定期的にPruneを実行する。
// バックグラウンドgoroutineとして呼び出されることを想定している。
func (s *MemoryStore) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Prune()
		}
	}
}
