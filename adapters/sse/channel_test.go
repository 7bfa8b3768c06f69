package sse

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannel_Broadcast(t *testing.T) {
	t.Run("所有訂閱者都收到訊息", func(t *testing.T) {
		channel := NewChannel[string]()
		first := channel.Subscribe()
		second := channel.Subscribe()

		var wg sync.WaitGroup
		results := make([]string, 2)
		for i, sub := range []<-chan string{first, second} {
			wg.Add(1)
			go func(i int, sub <-chan string) {
				defer wg.Done()
				results[i] = <-sub
			}(i, sub)
		}

		channel.Broadcast("hello")
		wg.Wait()

		assert.Equal(t, []string{"hello", "hello"}, results)
	})
}

func TestChannel_Unsubscribe(t *testing.T) {
	t.Run("取消訂閱後通道被關閉", func(t *testing.T) {
		channel := NewChannel[string]()
		sub := channel.Subscribe()

		channel.Unsubscribe(sub)

		select {
		case _, ok := <-sub:
			assert.False(t, ok)
		case <-time.After(time.Second):
			t.Fatal("channel was not closed")
		}
	})

	t.Run("取消訂閱未知的通道是no-op", func(t *testing.T) {
		channel := NewChannel[string]()
		other := make(chan string)
		channel.Unsubscribe(other)
	})

	t.Run("全部取消後回到idle", func(t *testing.T) {
		channel := NewChannel[string]()
		require.True(t, channel.IsIdle())

		first := channel.Subscribe()
		channel.Subscribe()
		require.False(t, channel.IsIdle())

		channel.Unsubscribe(first)
		require.False(t, channel.IsIdle())

		channel.UnsubscribeAll()
		assert.True(t, channel.IsIdle())
	})
}
