package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// windowKey はカウンタを識別する(クライアント, 種別)の組。
type windowKey struct {
	client string
	class  Class
}

// counter は1つのウィンドウのカウント。
type counter struct {
	start time.Time
	count int
}

// MemoryLimiter はプロセス内でカウントする固定ウィンドウのLimiter実装。
type MemoryLimiter struct {
	mu       sync.Mutex
	table    Table
	counters map[windowKey]*counter
	now      func() time.Time
}

// MemoryOption はMemoryLimiterの設定を変更する関数。
type MemoryOption func(*MemoryLimiter)

// WithClock は現在時刻の取得関数を差し替える。
func WithClock(now func() time.Time) MemoryOption {
	return func(l *MemoryLimiter) {
		l.now = now
	}
}

// NewMemoryLimiter は新しいインメモリのLimiterを生成する。
func NewMemoryLimiter(table Table, opts ...MemoryOption) (*MemoryLimiter, error) {
	if err := table.Validate(); err != nil {
		return nil, fmt.Errorf("レート制限表が不正: %w", err)
	}
	l := &MemoryLimiter{
		table:    table,
		counters: make(map[windowKey]*counter),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Allow はカウントを1つ進めて判定する。上限に達している場合はカウントを進めない。
func (l *MemoryLimiter) Allow(_ context.Context, client string, class Class) (Decision, error) {
	p, err := l.table.policy(class)
	if err != nil {
		return Decision{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	start := windowStart(l.now(), p.Window)
	key := windowKey{client: client, class: class}
	c, ok := l.counters[key]
	if !ok || !c.start.Equal(start) {
		c = &counter{start: start}
		l.counters[key] = c
	}

	d := Decision{Class: class, Limit: p.Limit, ResetAt: start.Add(p.Window)}
	if c.count >= p.Limit {
		return d, nil
	}
	c.count++
	d.Allowed = true
	d.Remaining = p.Limit - c.count
	return d, nil
}

// Prune は終了したウィンドウのカウンタを削除し、削除件数を返す。
func (l *MemoryLimiter) Prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for key, c := range l.counters {
		if !now.Before(c.start.Add(l.table[key.class].Window)) {
			delete(l.counters, key)
			removed++
		}
	}
	return removed
}

// Run はctxがキャンセルされるまでintervalごとにPruneを実行する。
func (l *MemoryLimiter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Prune()
		}
	}
}
