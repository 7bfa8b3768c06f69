package sse

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// loopback 測試用的stream替身，Publish的訊息直接回送給consumer端
type loopback[T any] struct {
	ch        chan PublishRequest[T]
	closeOnce sync.Once
}

func newLoopback[T any]() *loopback[T] {
	return &loopback[T]{ch: make(chan PublishRequest[T], 16)}
}

func (l *loopback[T]) Start() {}

func (l *loopback[T]) Publish(data PublishRequest[T]) error {
	l.ch <- data
	return nil
}

func (l *loopback[T]) Subscribe() <-chan PublishRequest[T] {
	return l.ch
}

func (l *loopback[T]) Close() {
	l.closeOnce.Do(func() { close(l.ch) })
}

func TestConnectionManager_PublishSubscribe(t *testing.T) {
	t.Run("訂閱者收到發布的訊息", func(t *testing.T) {
		defer goleak.VerifyNone(t)
		lb := newLoopback[string]()
		manager := NewConnectionManager[string](lb, lb)
		manager.Start()
		defer manager.Done()

		sub, err := manager.Subscribe("auction:1")
		require.NoError(t, err)

		require.NoError(t, manager.Publish("auction:1", "price updated"))

		select {
		case msg := <-sub:
			assert.Equal(t, "price updated", msg)
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for message")
		}
	})

	t.Run("訊息只送到對應頻道", func(t *testing.T) {
		defer goleak.VerifyNone(t)
		lb := newLoopback[string]()
		manager := NewConnectionManager[string](lb, lb)
		manager.Start()
		defer manager.Done()

		other, err := manager.Subscribe("auction:2")
		require.NoError(t, err)

		require.NoError(t, manager.Publish("auction:1", "price updated"))

		select {
		case <-other:
			t.Fatal("message leaked to another channel")
		case <-time.After(200 * time.Millisecond):
			// Expected timeout
		}
	})

	t.Run("取消訂閱後通道被關閉", func(t *testing.T) {
		defer goleak.VerifyNone(t)
		lb := newLoopback[string]()
		manager := NewConnectionManager[string](lb, lb)
		manager.Start()
		defer manager.Done()

		sub, err := manager.Subscribe("auction:1")
		require.NoError(t, err)

		manager.Unsubscribe("auction:1", sub)

		select {
		case _, ok := <-sub:
			assert.False(t, ok)
		case <-time.After(time.Second):
			t.Fatal("channel was not closed")
		}
	})
}

func TestConnectionManager_Done(t *testing.T) {
	t.Run("停止後拒絕操作", func(t *testing.T) {
		defer goleak.VerifyNone(t)
		lb := newLoopback[string]()
		manager := NewConnectionManager[string](lb, lb)
		manager.Start()

		sub, err := manager.Subscribe("auction:1")
		require.NoError(t, err)

		manager.Done()

		// 既有訂閱者的通道被關閉
		select {
		case _, ok := <-sub:
			assert.False(t, ok)
		case <-time.After(time.Second):
			t.Fatal("channel was not closed")
		}

		_, err = manager.Subscribe("auction:1")
		assert.ErrorIs(t, err, context.Canceled)
		assert.ErrorIs(t, manager.Publish("auction:1", "late"), context.Canceled)
	})

	t.Run("重複Done是no-op", func(t *testing.T) {
		defer goleak.VerifyNone(t)
		lb := newLoopback[string]()
		manager := NewConnectionManager[string](lb, lb)
		manager.Start()
		manager.Done()
		manager.Done()
	})
}
