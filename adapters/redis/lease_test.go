package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupLeaseTest(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestNewLease(t *testing.T) {
	_, client := setupLeaseTest(t)

	tests := []struct {
		name    string
		client  *redis.Client
		key     string
		opts    []LeaseOption
		wantErr bool
		errMsg  string
	}{
		{
			name:   "valid configuration",
			client: client,
			key:    "lease:job",
		},
		{
			name:    "nil client",
			client:  nil,
			key:     "lease:job",
			wantErr: true,
			errMsg:  "redis client cannot be nil",
		},
		{
			name:    "empty key",
			client:  client,
			key:     "",
			wantErr: true,
			errMsg:  "key cannot be empty",
		},
		{
			name:   "min hold exceeds max hold",
			client: client,
			key:    "lease:job",
			opts: []LeaseOption{
				WithLeaseMinHold(time.Minute),
				WithLeaseMaxHold(time.Second),
			},
			wantErr: true,
			errMsg:  "minHold cannot exceed maxHold",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lease, err := NewLease(tt.client, tt.key, tt.opts...)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
				assert.Nil(t, lease)
			} else {
				assert.NoError(t, err)
				assert.NotNil(t, lease)
			}
		})
	}
}

func TestLease_Acquire(t *testing.T) {
	ctx := context.Background()

	t.Run("成功取得租約", func(t *testing.T) {
		mr, client := setupLeaseTest(t)

		lease, err := NewLease(client, "lease:job")
		require.NoError(t, err)

		ok, err := lease.Acquire(ctx)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.True(t, mr.Exists("lease:job"))
	})

	t.Run("別的實例持有時不會阻塞", func(t *testing.T) {
		_, client := setupLeaseTest(t)

		first, err := NewLease(client, "lease:job")
		require.NoError(t, err)
		second, err := NewLease(client, "lease:job")
		require.NoError(t, err)

		ok, err := first.Acquire(ctx)
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = second.Acquire(ctx)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("持有者崩潰後租約在maxHold過期", func(t *testing.T) {
		mr, client := setupLeaseTest(t)

		first, err := NewLease(client, "lease:job", WithLeaseMaxHold(10*time.Second))
		require.NoError(t, err)
		ok, err := first.Acquire(ctx)
		require.NoError(t, err)
		require.True(t, ok)

		// 模擬持有者崩潰沒有Release
		mr.FastForward(11 * time.Second)

		second, err := NewLease(client, "lease:job")
		require.NoError(t, err)
		ok, err = second.Acquire(ctx)
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestLease_Release(t *testing.T) {
	ctx := context.Background()

	t.Run("持有滿minHold後釋放會刪除key", func(t *testing.T) {
		mr, client := setupLeaseTest(t)

		lease, err := NewLease(client, "lease:job", WithLeaseMinHold(time.Millisecond))
		require.NoError(t, err)
		ok, err := lease.Acquire(ctx)
		require.NoError(t, err)
		require.True(t, ok)

		time.Sleep(5 * time.Millisecond)
		require.NoError(t, lease.Release(ctx))
		assert.False(t, mr.Exists("lease:job"))
	})

	t.Run("未滿minHold時key要活到期滿", func(t *testing.T) {
		mr, client := setupLeaseTest(t)

		lease, err := NewLease(client, "lease:job",
			WithLeaseMinHold(10*time.Second),
			WithLeaseMaxHold(30*time.Second))
		require.NoError(t, err)
		ok, err := lease.Acquire(ctx)
		require.NoError(t, err)
		require.True(t, ok)

		require.NoError(t, lease.Release(ctx))
		// key還在，同一輪內別的實例拿不到租約
		assert.True(t, mr.Exists("lease:job"))

		other, err := NewLease(client, "lease:job")
		require.NoError(t, err)
		ok, err = other.Acquire(ctx)
		require.NoError(t, err)
		assert.False(t, ok)

		// minHold期滿後就能拿到
		mr.FastForward(10 * time.Second)
		ok, err = other.Acquire(ctx)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("沒有取得租約就釋放", func(t *testing.T) {
		_, client := setupLeaseTest(t)

		lease, err := NewLease(client, "lease:job")
		require.NoError(t, err)
		assert.ErrorIs(t, lease.Release(ctx), ErrLeaseNotHeld)
	})

	t.Run("租約已被別人接手時不可釋放", func(t *testing.T) {
		mr, client := setupLeaseTest(t)

		first, err := NewLease(client, "lease:job", WithLeaseMaxHold(10*time.Second))
		require.NoError(t, err)
		ok, err := first.Acquire(ctx)
		require.NoError(t, err)
		require.True(t, ok)

		// 租約過期後被另一個實例接手
		mr.FastForward(11 * time.Second)
		second, err := NewLease(client, "lease:job")
		require.NoError(t, err)
		ok, err = second.Acquire(ctx)
		require.NoError(t, err)
		require.True(t, ok)

		assert.ErrorIs(t, first.Release(ctx), ErrLeaseNotHeld)
		assert.True(t, mr.Exists("lease:job"))
	})
}
