package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"
)

// fakeClock はテスト用に手動で進められる時計。
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	// ウィンドウ境界の途中から始める
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 10, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func authOnlyTable(limit int) Table {
	return Table{ClassAuth: {Limit: limit, Window: time.Minute}}
}

// TestMemoryLimiter は固定ウィンドウの判定を検証する。
func TestMemoryLimiter(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("上限までは許可され、上限+1回目は拒否されること", func(t *testing.T) {
		t.Parallel()

		l, err := NewMemoryLimiter(authOnlyTable(3), WithClock(newFakeClock().Now))
		if err != nil {
			t.Fatalf("NewMemoryLimiter()でエラーが発生: %v", err)
		}

		for i := 1; i <= 3; i++ {
			d, err := l.Allow(ctx, "ip:10.0.0.1", ClassAuth)
			if err != nil {
				t.Fatalf("Allow()でエラーが発生: %v", err)
			}
			if !d.Allowed {
				t.Fatalf("%d回目が拒否された", i)
			}
			if d.Remaining != 3-i {
				t.Errorf("%d回目のRemaining = %d, want %d", i, d.Remaining, 3-i)
			}
		}

		d, err := l.Allow(ctx, "ip:10.0.0.1", ClassAuth)
		if err != nil {
			t.Fatalf("Allow()でエラーが発生: %v", err)
		}
		if d.Allowed {
			t.Error("4回目が許可された")
		}
		if d.Remaining != 0 {
			t.Errorf("Remaining = %d, want 0", d.Remaining)
		}
		if d.Limit != 3 {
			t.Errorf("Limit = %d, want 3", d.Limit)
		}
	})

	t.Run("ウィンドウ境界を越えるとカウントが0に戻ること", func(t *testing.T) {
		t.Parallel()

		clock := newFakeClock()
		l, _ := NewMemoryLimiter(authOnlyTable(2), WithClock(clock.Now))

		for range 2 {
			_, _ = l.Allow(ctx, "sub:user-1", ClassAuth)
		}
		if d, _ := l.Allow(ctx, "sub:user-1", ClassAuth); d.Allowed {
			t.Fatal("上限超過が許可された")
		}

		// 09:00:10 から 09:01:00 へ
		clock.Advance(50 * time.Second)
		d, _ := l.Allow(ctx, "sub:user-1", ClassAuth)
		if !d.Allowed {
			t.Fatal("新しいウィンドウの1回目が拒否された")
		}
		if d.Remaining != 1 {
			t.Errorf("Remaining = %d, want 1", d.Remaining)
		}
	})

	t.Run("ResetAtがウィンドウの終了時刻であること", func(t *testing.T) {
		t.Parallel()

		clock := newFakeClock()
		l, _ := NewMemoryLimiter(authOnlyTable(2), WithClock(clock.Now))

		d, _ := l.Allow(ctx, "ip:1", ClassAuth)
		want := time.Date(2026, 3, 1, 9, 1, 0, 0, time.UTC)
		if !d.ResetAt.Equal(want) {
			t.Errorf("ResetAt = %v, want %v", d.ResetAt, want)
		}
	})

	t.Run("クライアントと種別ごとに独立してカウントされること", func(t *testing.T) {
		t.Parallel()

		table := Table{
			ClassAuth: {Limit: 1, Window: time.Minute},
			ClassRead: {Limit: 1, Window: time.Minute},
		}
		l, _ := NewMemoryLimiter(table, WithClock(newFakeClock().Now))

		for _, tc := range []struct {
			client string
			class  Class
		}{
			{"ip:a", ClassAuth},
			{"ip:b", ClassAuth},
			{"ip:a", ClassRead},
		} {
			if d, _ := l.Allow(ctx, tc.client, tc.class); !d.Allowed {
				t.Errorf("(%s, %s) の1回目が拒否された", tc.client, tc.class)
			}
		}
	})

	t.Run("未定義の種別はエラーになること", func(t *testing.T) {
		t.Parallel()

		l, _ := NewMemoryLimiter(authOnlyTable(1))
		_, err := l.Allow(ctx, "ip:a", ClassAI)
		if !errors.Is(err, ErrUnknownClass) {
			t.Errorf("err = %v, want ErrUnknownClass", err)
		}
	})

	t.Run("並行リクエストでも上限を超えて許可しないこと", func(t *testing.T) {
		t.Parallel()

		l, _ := NewMemoryLimiter(authOnlyTable(10), WithClock(newFakeClock().Now))

		var wg sync.WaitGroup
		var mu sync.Mutex
		allowed := 0
		for range 100 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				d, err := l.Allow(ctx, "ip:flood", ClassAuth)
				if err != nil {
					t.Errorf("Allow()でエラーが発生: %v", err)
					return
				}
				if d.Allowed {
					mu.Lock()
					allowed++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		if allowed != 10 {
			t.Errorf("許可数 = %d, want 10", allowed)
		}
	})

	t.Run("Pruneが終了したウィンドウを削除すること", func(t *testing.T) {
		t.Parallel()

		clock := newFakeClock()
		l, _ := NewMemoryLimiter(authOnlyTable(5), WithClock(clock.Now))
		_, _ = l.Allow(ctx, "ip:old", ClassAuth)

		if removed := l.Prune(); removed != 0 {
			t.Errorf("ウィンドウ内でPrune() = %d, want 0", removed)
		}
		clock.Advance(time.Minute)
		if removed := l.Prune(); removed != 1 {
			t.Errorf("Prune() = %d, want 1", removed)
		}
	})
}

// TestTableValidate は制限表の検証を確認する。
func TestTableValidate(t *testing.T) {
	t.Parallel()

	if err := DefaultTable().Validate(); err != nil {
		t.Errorf("既定の制限表が不正: %v", err)
	}
	if err := (Table{}).Validate(); err == nil {
		t.Error("空の制限表がエラーにならない")
	}
	if err := (Table{ClassAuth: {Limit: 0, Window: time.Minute}}).Validate(); err == nil {
		t.Error("上限0がエラーにならない")
	}
	if _, err := NewMemoryLimiter(Table{ClassAuth: {Limit: 1}}); err == nil {
		t.Error("ウィンドウ幅0でNewMemoryLimiter()がエラーにならない")
	}
}

// TestDecisionSetHeaders はレート制限ヘッダーの設定を検証する。
func TestDecisionSetHeaders(t *testing.T) {
	t.Parallel()

	d := Decision{Limit: 3, Remaining: 0, ResetAt: time.Unix(1767225660, 0)}
	h := http.Header{}
	d.SetHeaders(h)

	if got := h.Get("X-RateLimit-Limit"); got != "3" {
		t.Errorf("X-RateLimit-Limit = %q, want 3", got)
	}
	if got := h.Get("X-RateLimit-Remaining"); got != "0" {
		t.Errorf("X-RateLimit-Remaining = %q, want 0", got)
	}
	if got := h.Get("X-RateLimit-Reset"); got != "1767225660" {
		t.Errorf("X-RateLimit-Reset = %q, want 1767225660", got)
	}
}
