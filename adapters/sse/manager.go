package sse

import (
	"context"
	"log/slog"
	"sync"

	streams "gavel/adapters/redis"
)

// ConnectionManager 管理多個SSE頻道的訂閱與發布
// 發布走Redis Stream，所有節點的consumer各自讀到同一份訊息後廣播給本地訂閱者，
// 因此連到不同節點的瀏覽器都能收到同一場拍賣的事件
type ConnectionManager[T any] struct {
	logger *slog.Logger

	mu     sync.RWMutex
	wg     sync.WaitGroup
	active bool

	producer streams.IProducer[PublishRequest[T]]
	consumer streams.IConsumer[PublishRequest[T]]
	channels map[string]IChannel[T]
}

type managerOptions struct {
	logger *slog.Logger
}

type ManagerOption func(*managerOptions)

// WithManagerLogger 設置日誌記錄器
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(o *managerOptions) {
		o.logger = logger
	}
}

// NewConnectionManager 建立一個新的連線管理器
// producer負責把訊息寫進stream，consumer負責把stream的訊息接回來廣播
func NewConnectionManager[T any](
	producer streams.IProducer[PublishRequest[T]],
	consumer streams.IConsumer[PublishRequest[T]],
	opts ...ManagerOption,
) IConnectionManager[T] {
	options := managerOptions{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&options)
	}

	return &ConnectionManager[T]{
		logger:   options.logger.With(slog.String("caller", "ConnectionManager")),
		channels: make(map[string]IChannel[T]),
		producer: producer,
		consumer: consumer,
	}
}

// Start 啟動連線管理器，開始處理訊息的接收與廣播
func (cm *ConnectionManager[T]) Start() {
	cm.mu.Lock()
	if cm.active {
		cm.mu.Unlock()
		return
	}
	cm.active = true
	cm.mu.Unlock()

	cm.producer.Start()
	cm.consumer.Start()

	cm.wg.Add(1)
	go func() {
		defer cm.wg.Done()
		for msg := range cm.consumer.Subscribe() {
			cm.mu.RLock()
			channel, ok := cm.channels[msg.Channel]
			cm.mu.RUnlock()
			if ok {
				channel.Broadcast(msg.Message)
			}
		}
	}()
}

// Done 停止連線管理器的運作
func (cm *ConnectionManager[T]) Done() {
	cm.mu.Lock()
	if !cm.active {
		cm.mu.Unlock()
		return
	}
	cm.active = false
	cm.mu.Unlock()

	cm.producer.Close()
	cm.consumer.Close()
	cm.wg.Wait()

	cm.mu.Lock()
	defer cm.mu.Unlock()
	for _, channel := range cm.channels {
		channel.UnsubscribeAll()
	}
	clear(cm.channels)
}

// Subscribe 訂閱指定的頻道，返回用於接收訊息的唯讀通道
func (cm *ConnectionManager[T]) Subscribe(channelName string) (<-chan T, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if !cm.active {
		return nil, context.Canceled
	}

	c, ok := cm.channels[channelName]
	if !ok {
		c = NewChannel[T]()
		cm.channels[channelName] = c
	}
	return c.Subscribe(), nil
}

// Publish 發布訊息到指定的頻道
func (cm *ConnectionManager[T]) Publish(channelName string, data T) error {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if !cm.active {
		return context.Canceled
	}

	return cm.producer.Publish(PublishRequest[T]{
		Channel: channelName,
		Message: data,
	})
}

// Unsubscribe 取消訂閱指定的頻道
func (cm *ConnectionManager[T]) Unsubscribe(channelName string, ch <-chan T) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	c, ok := cm.channels[channelName]
	if !ok {
		return
	}

	c.Unsubscribe(ch)
	if c.IsIdle() {
		delete(cm.channels, channelName)
	}
}
