package gateway

import (
	"errors"
	"slices"
	"testing"
)

func TestExchange_Advance(t *testing.T) {
	t.Parallel()

	t.Run("認証が必要なリクエストは全段階を順に進むこと", func(t *testing.T) {
		t.Parallel()

		x := newExchange(false)
		for _, s := range []State{StateAuthChecked, StateRateChecked, StateRouted, StateForwarded, StateCompleted} {
			if err := x.advance(s); err != nil {
				t.Fatalf("advance(%s)でエラーが発生: %v", s, err)
			}
		}
		want := []State{StateReceived, StateAuthChecked, StateRateChecked, StateRouted, StateForwarded, StateCompleted}
		if !slices.Equal(x.history, want) {
			t.Errorf("history = %v, want %v", x.history, want)
		}
	})

	t.Run("公開パスは認証を省略できること", func(t *testing.T) {
		t.Parallel()

		x := newExchange(true)
		if err := x.advance(StateRateChecked); err != nil {
			t.Fatalf("advance()でエラーが発生: %v", err)
		}
	})

	t.Run("認証が必要なリクエストは認証を省略できないこと", func(t *testing.T) {
		t.Parallel()

		x := newExchange(false)
		if err := x.advance(StateRateChecked); !errors.Is(err, ErrIllegalTransition) {
			t.Errorf("err = %v, want ErrIllegalTransition", err)
		}
		if x.state != StateReceived {
			t.Errorf("state = %s, want %s", x.state, StateReceived)
		}
	})

	t.Run("段階を飛ばす遷移は拒否されること", func(t *testing.T) {
		t.Parallel()

		x := newExchange(false)
		_ = x.advance(StateAuthChecked)
		if err := x.advance(StateForwarded); !errors.Is(err, ErrIllegalTransition) {
			t.Errorf("err = %v, want ErrIllegalTransition", err)
		}
	})

	t.Run("終端以外のどの状態からもREJECTEDへ遷移できること", func(t *testing.T) {
		t.Parallel()

		path := []State{StateAuthChecked, StateRateChecked, StateRouted, StateForwarded}
		for i := 0; i <= len(path); i++ {
			x := newExchange(false)
			for _, s := range path[:i] {
				if err := x.advance(s); err != nil {
					t.Fatalf("advance(%s)でエラーが発生: %v", s, err)
				}
			}
			if err := x.advance(StateRejected); err != nil {
				t.Errorf("%s からの拒否でエラーが発生: %v", x.state, err)
			}
		}
	})

	t.Run("終端状態からは遷移できないこと", func(t *testing.T) {
		t.Parallel()

		x := newExchange(true)
		_ = x.advance(StateRejected)
		if err := x.advance(StateRejected); !errors.Is(err, ErrIllegalTransition) {
			t.Errorf("err = %v, want ErrIllegalTransition", err)
		}
		if err := x.advance(StateRateChecked); !errors.Is(err, ErrIllegalTransition) {
			t.Errorf("err = %v, want ErrIllegalTransition", err)
		}
	})
}
