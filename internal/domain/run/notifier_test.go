package run

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubWaiter struct {
	calls   atomic.Int64
	release chan struct{}
	err     error
}

func (w *stubWaiter) WaitForNotification(ctx context.Context) error {
	w.calls.Add(1)
	if w.release != nil {
		select {
		case <-w.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return w.err
}

func TestNewNotifier(t *testing.T) {
	t.Run("requires waiter", func(t *testing.T) {
		notifier, err := NewNotifier(NotifierOptions{})
		require.ErrorIs(t, err, ErrWaiterRequired)
		assert.Nil(t, notifier)
	})

	t.Run("defaults applied", func(t *testing.T) {
		notifier, err := NewNotifier(NotifierOptions{Waiter: &stubWaiter{}})
		require.NoError(t, err)
		assert.Equal(t, time.Minute, notifier.waitWindow)
		assert.Equal(t, 250*time.Millisecond, notifier.backoff)
	})
}

func TestDefaultNotifier_Subscribe(t *testing.T) {
	t.Run("notification wakes subscriber", func(t *testing.T) {
		waiter := &stubWaiter{release: make(chan struct{})}
		notifier, err := NewNotifier(NotifierOptions{
			Waiter:     waiter,
			WaitWindow: time.Second,
			Backoff:    time.Millisecond,
		})
		require.NoError(t, err)
		defer notifier.StopAll()

		unsub, ch := notifier.Subscribe()
		defer unsub()

		waiter.release <- struct{}{}

		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			t.Fatal("expected notification")
		}
	})

	t.Run("unsubscribe closes channel", func(t *testing.T) {
		waiter := &stubWaiter{release: make(chan struct{})}
		notifier, err := NewNotifier(NotifierOptions{
			Waiter:     waiter,
			WaitWindow: time.Second,
			Backoff:    time.Millisecond,
		})
		require.NoError(t, err)
		defer notifier.StopAll()

		unsub, ch := notifier.Subscribe()
		unsub()

		select {
		case _, open := <-ch:
			assert.False(t, open)
		case <-time.After(time.Second):
			t.Fatal("expected closed channel")
		}

		// A second call is a no-op.
		unsub()
	})

	t.Run("single listener shared across subscribers", func(t *testing.T) {
		waiter := &stubWaiter{release: make(chan struct{})}
		notifier, err := NewNotifier(NotifierOptions{
			Waiter:     waiter,
			WaitWindow: time.Second,
			Backoff:    time.Millisecond,
		})
		require.NoError(t, err)
		defer notifier.StopAll()

		unsubA, chA := notifier.Subscribe()
		defer unsubA()
		unsubB, chB := notifier.Subscribe()
		defer unsubB()

		waiter.release <- struct{}{}

		for _, ch := range []<-chan struct{}{chA, chB} {
			select {
			case <-ch:
			case <-time.After(2 * time.Second):
				t.Fatal("expected notification for every subscriber")
			}
		}
	})
}

func TestDefaultNotifier_StopAll(t *testing.T) {
	waiter := &stubWaiter{release: make(chan struct{})}
	notifier, err := NewNotifier(NotifierOptions{
		Waiter:     waiter,
		WaitWindow: time.Second,
		Backoff:    time.Millisecond,
	})
	require.NoError(t, err)

	_, ch := notifier.Subscribe()
	notifier.StopAll()

	select {
	case _, open := <-ch:
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("expected closed channel after StopAll")
	}
}
