package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrLeaseNotHeld = errors.New("lease is not held")

// releaseLeaseScript 只在token相符時處理釋放
// 持有時間已達minHold就刪除key，否則保留key直到minHold期滿，
// 避免時鐘偏移的節點在同一輪排程內重複取得租約
var releaseLeaseScript = redis.NewScript(`
local token = redis.call('GET', KEYS[1])
if not token or token ~= ARGV[1] then
	return 0
end
local remain = tonumber(ARGV[2])
if remain <= 0 then
	redis.call('DEL', KEYS[1])
else
	redis.call('PEXPIRE', KEYS[1], remain)
end
return 1
`)

type leaseOptions struct {
	minHold time.Duration
	maxHold time.Duration
}

type LeaseOption func(*leaseOptions)

// WithLeaseMinHold 設置租約的最短持有時間
func WithLeaseMinHold(d time.Duration) LeaseOption {
	return func(o *leaseOptions) {
		o.minHold = d
	}
}

// WithLeaseMaxHold 設置租約的最長持有時間，超過後自動過期
func WithLeaseMaxHold(d time.Duration) LeaseOption {
	return func(o *leaseOptions) {
		o.maxHold = d
	}
}

// Lease 具名租約，讓叢集內同一個排程任務同一輪只有一個實例執行
// 跟互斥鎖不同的是租約不重試也不續期:搶不到就放棄這一輪，
// 持有者崩潰時租約在maxHold後自然過期
type Lease struct {
	client     *redis.Client
	key        string
	token      string
	acquiredAt time.Time
	options    leaseOptions
}

func NewLease(client *redis.Client, key string, opts ...LeaseOption) (*Lease, error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	if key == "" {
		return nil, errors.New("key cannot be empty")
	}

	// 默認選項
	options := leaseOptions{
		minHold: time.Second,
		maxHold: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.minHold > options.maxHold {
		return nil, errors.New("minHold cannot exceed maxHold")
	}

	return &Lease{
		client:  client,
		key:     key,
		options: options,
	}, nil
}

// Acquire 嘗試取得租約，返回是否取得
// 別的實例持有時直接返回false，不會阻塞等待
func (l *Lease) Acquire(ctx context.Context) (bool, error) {
	const op = "Lease.Acquire"

	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.options.maxHold).Result()
	if err != nil {
		return false, fmt.Errorf("[%s] failed to acquire lease, key=%s, err=%w", op, l.key, err)
	}
	if !ok {
		return false, nil
	}

	l.token = token
	l.acquiredAt = time.Now()
	return true, nil
}

// Release 釋放租約
// 持有未滿minHold時不刪除key，改為讓key存活到minHold期滿
func (l *Lease) Release(ctx context.Context) error {
	const op = "Lease.Release"

	if l.token == "" {
		return ErrLeaseNotHeld
	}

	remain := l.options.minHold - time.Since(l.acquiredAt)
	released, err := releaseLeaseScript.Run(ctx, l.client, []string{l.key}, l.token, remain.Milliseconds()).Int()
	l.token = ""
	if err != nil {
		return fmt.Errorf("[%s] failed to release lease, key=%s, err=%w", op, l.key, err)
	}
	if released == 0 {
		return ErrLeaseNotHeld
	}
	return nil
}
