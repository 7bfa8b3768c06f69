package redis

import (
	"context"
)

// IProducer 定義了將事實寫入stream的操作介面
type IProducer[T any] interface {
	Start()
	Publish(data T) error
	Close()
}

// IConsumer 定義了無群組、僅讀取最新訊息的消費者介面
// 用於即時推播這類可以容忍錯過舊訊息的場景
type IConsumer[T any] interface {
	Start()
	Subscribe() <-chan T
	Close()
}

// IGroupConsumer 定義了consumer group模式的消費者介面
// 訊息需要明確Done/Fail，用於不可遺漏的持久化場景
type IGroupConsumer[T any] interface {
	Start() error
	Subscribe() <-chan *Message[T]
	Close() error
}

// IAutoRenewMutex 定義了帶自動續期的分散式互斥鎖介面
type IAutoRenewMutex interface {
	Lock(ctx context.Context) (context.Context, error)
	Unlock() (bool, error)
	Valid() bool
}

// ILease 定義了具名租約介面，用於排程任務的叢集內單次執行
type ILease interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}
