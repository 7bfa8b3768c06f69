package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrConsumerClosed = errors.New("consumer is closed")

// Message 封裝訊息內容和ack所需資料
type Message[T any] struct {
	Data T

	client    *redis.Client
	done      bool
	messageID string
	stream    string
	group     string

	raw map[string]any
}

// Done 確認訊息已處理完成
func (m *Message[T]) Done(ctx context.Context) error {
	const op = "Message.Done"
	if m.done {
		return nil
	}
	if err := m.client.XAck(ctx, m.stream, m.group, m.messageID).Err(); err != nil {
		return fmt.Errorf("[%s] failed to ack message, err=%w", op, err)
	}
	m.done = true
	return nil
}

// Fail 將訊息連同錯誤原因移到dead-letter後ack
func (m *Message[T]) Fail(ctx context.Context, failErr error) error {
	const op = "Message.Fail"
	if m.done {
		return nil
	}

	m.raw["error"] = failErr.Error()
	if err := m.client.XAdd(ctx, &redis.XAddArgs{
		Stream: m.stream + ":dead-letter",
		Values: m.raw,
	}).Err(); err != nil {
		return fmt.Errorf("[%s] failed to move message to dead letter queue, err=%w", op, err)
	}

	if err := m.client.XAck(ctx, m.stream, m.group, m.messageID).Err(); err != nil {
		return fmt.Errorf("[%s] failed to ack failed message, err=%w", op, err)
	}
	m.done = true
	return nil
}

type groupConsumerOptions[T any] struct {
	logger         *slog.Logger
	unpackFunc     func(map[string]any) (T, error)
	bufferSize     int
	blockTimeout   time.Duration
	mutex          IAutoRenewMutex
	strictOrdering bool
}

type GroupConsumerOption[T any] func(*groupConsumerOptions[T])

// WithGroupConsumerLogger 設置日誌記錄器
func WithGroupConsumerLogger[T any](logger *slog.Logger) GroupConsumerOption[T] {
	return func(o *groupConsumerOptions[T]) {
		o.logger = logger
	}
}

// WithGroupConsumerUnpackFunc 設置訊息解析函數
func WithGroupConsumerUnpackFunc[T any](fn func(map[string]any) (T, error)) GroupConsumerOption[T] {
	return func(o *groupConsumerOptions[T]) {
		o.unpackFunc = fn
	}
}

// WithGroupConsumerBufferSize 設置下游channel的緩衝大小
func WithGroupConsumerBufferSize[T any](size int) GroupConsumerOption[T] {
	return func(o *groupConsumerOptions[T]) {
		o.bufferSize = size
	}
}

// WithGroupConsumerBlockTimeout 設置阻塞讀取超時時間
func WithGroupConsumerBlockTimeout[T any](d time.Duration) GroupConsumerOption[T] {
	return func(o *groupConsumerOptions[T]) {
		o.blockTimeout = d
	}
}

// WithGroupConsumerMutex 注入mutex (主要用於測試)
func WithGroupConsumerMutex[T any](mutex IAutoRenewMutex) GroupConsumerOption[T] {
	return func(o *groupConsumerOptions[T]) {
		o.mutex = mutex
	}
}

// WithGroupConsumerStrictOrdering 設置是否使用嚴格順序模式
// 嚴格順序模式下整個group同一時間只有一個實例在消費，
// 且每輪會優先重放pending訊息，保證訊息依序恰好送達下游一次
func WithGroupConsumerStrictOrdering[T any](strict bool) GroupConsumerOption[T] {
	return func(o *groupConsumerOptions[T]) {
		o.strictOrdering = strict
	}
}

// GroupConsumer 以consumer group模式消費stream
// 下游透過Message.Done/Fail明確回報處理結果，訊息不會默默遺失
type GroupConsumer[T any] struct {
	client        *redis.Client
	stream        string
	group         string
	consumer      string
	downStream    chan *Message[T]
	cancelFunc    context.CancelFunc
	wg            sync.WaitGroup
	closed        bool
	logger        *slog.Logger
	mutex         IAutoRenewMutex
	pendingMsgIds []string
	options       groupConsumerOptions[T]
}

func NewGroupConsumer[T any](
	client *redis.Client,
	stream, group, consumer string,
	opts ...GroupConsumerOption[T],
) (IGroupConsumer[T], error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	if stream == "" || group == "" || consumer == "" {
		return nil, errors.New("stream, group and consumer cannot be empty")
	}

	// 默認選項
	options := groupConsumerOptions[T]{
		logger:         slog.Default(),
		unpackFunc:     UnpackMessage[T],
		bufferSize:     1,
		blockTimeout:   time.Second,
		strictOrdering: false,
	}
	for _, opt := range opts {
		opt(&options)
	}

	gc := &GroupConsumer[T]{
		client:   client,
		stream:   stream,
		group:    group,
		consumer: consumer,
		closed:   true,
		logger: options.logger.With(
			slog.String("caller", "GroupConsumer"),
			slog.String("stream", stream),
			slog.String("group", group),
			slog.String("consumer", consumer),
		),
		options: options,
	}

	// 只在嚴格順序模式下需要mutex
	if options.strictOrdering {
		if options.mutex != nil {
			gc.mutex = options.mutex
		} else {
			gc.mutex = NewAutoRenewMutex(client, fmt.Sprintf("lock:%s:%s", stream, group), WithAutoRenewMutexSkipLockError(true))
		}
	}

	return gc, nil
}

func (s *GroupConsumer[T]) Start() error {
	if !s.closed {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.downStream = make(chan *Message[T], s.options.bufferSize)
	s.cancelFunc = cancel
	s.closed = false
	s.logger.Info("starting group consumer")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.logger.Info("group consumer goroutine stopped")
		defer close(s.downStream)
		defer func() {
			if s.options.strictOrdering {
				s.mutex.Unlock()
			}
		}()

		for {
			workloadContext := ctx

			// 嚴格順序模式下先拿到群組鎖才開始消費
			// workloadContext會換成帶鎖的child context，鎖失效時會收到取消信號
			if s.options.strictOrdering {
				var err error
				workloadContext, err = s.mutex.Lock(ctx)
				if err != nil {
					s.logger.Error("failed to acquire lock", slog.Any("error", err))
					if errors.Is(err, context.Canceled) {
						break
					}
					continue
				}
			}
			if err := s.consumeLoop(workloadContext); err != nil {
				if errors.Is(err, context.Canceled) && ctx.Err() != nil {
					// 外部context取消，正常退出
					break
				}
				if s.options.strictOrdering && errors.Is(err, context.Canceled) && ctx.Err() == nil {
					s.logger.Error("lock context cancelled, stopping current processing, restarting group consumer")
				} else {
					s.logger.Error("error processing messages, stopping current processing, restarting group consumer", slog.Any("error", err))
				}
				continue
			}
		}
	}()

	return nil
}

// Subscribe 訂閱Stream，返回Message通道
func (s *GroupConsumer[T]) Subscribe() <-chan *Message[T] {
	return s.downStream
}

func (s *GroupConsumer[T]) Close() error {
	if s.closed {
		return nil
	}
	s.logger.Info("closing group consumer")
	s.closed = true
	s.cancelFunc()
	s.wg.Wait()
	s.logger.Info("group consumer closed gracefully")
	return nil
}

func (s *GroupConsumer[T]) consumeLoop(ctx context.Context) error {
	if s.options.strictOrdering {
		if err := s.fetchPendingMessageIds(ctx); err != nil {
			s.logger.Error("initial pending messages fetch failed", slog.Any("error", err))
			return err
		}
	}
	for {
		message, err := s.fetchNextMessage(ctx)
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			s.logger.Error("fetch message error", slog.Any("error", err))
			if errors.Is(err, context.Canceled) {
				return err
			}
			// 其他錯誤通常是跟redis間的通訊異常，重試即可
			continue
		}
		data, err := s.options.unpackFunc(message.Values)
		if err != nil {
			// 解析失敗的問題不是出在原始資料就是解析方案，重試不會成功
			// 先把訊息移到dead-letter，繼續處理下一條
			s.logger.Error("failed to unpack message",
				slog.String("messageId", message.ID),
				slog.Any("error", err),
			)
			if deadLetterErr := s.moveToDeadLetter(ctx, message); deadLetterErr != nil {
				s.logger.Error("error moving message to dead letter",
					slog.String("messageId", message.ID),
					slog.Any("error", deadLetterErr),
				)
				// 移動失敗時訊息會以pending形式留在stream中
				// WARN: 嚴格順序模式下會在下一輪開始時優先重放這種訊息
				// 		 非嚴格順序模式會跳過pending訊息，需要手動對stream處理
				return deadLetterErr
			}
			continue
		}
		msg := &Message[T]{
			Data:      data,
			messageID: message.ID,
			stream:    s.stream,
			group:     s.group,
			client:    s.client,
			raw:       message.Values,
		}
		if err := s.moveToDownStream(ctx, msg); err != nil {
			s.logger.Error("error moving message to downstream",
				slog.String("messageId", message.ID),
				slog.Any("error", err),
			)
			// 只可能是context取消，訊息以pending形式留在stream中
			// WARN: 嚴格順序模式下會在下一輪開始時優先重放這種訊息
			// 		 非嚴格順序模式會跳過pending訊息，需要手動對stream處理
			return err
		}
	}
}

func (s *GroupConsumer[T]) fetchPendingMessageIds(ctx context.Context) error {
	s.pendingMsgIds = make([]string, 0, 1000)
	lastId := "-"

	for {
		pending, err := s.client.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: s.stream,
			Group:  s.group,
			Start:  lastId,
			End:    "+",
			Count:  100,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				break
			}
			return fmt.Errorf("error getting pending messages: %w", err)
		}

		if len(pending) == 0 {
			break
		}

		for _, p := range pending {
			s.pendingMsgIds = append(s.pendingMsgIds, p.ID)
		}
		lastId = pending[len(pending)-1].ID

		if len(pending) < 100 {
			break
		}
	}

	s.logger.Info("fetched all pending message IDs", slog.Int("count", len(s.pendingMsgIds)))
	return nil
}

func (s *GroupConsumer[T]) fetchNextMessage(ctx context.Context) (redis.XMessage, error) {
	// 優先重放pending訊息
	if len(s.pendingMsgIds) > 0 {
		id := s.pendingMsgIds[0]
		s.pendingMsgIds = s.pendingMsgIds[1:]
		messages, err := s.client.XRangeN(ctx, s.stream, id, id, 1).Result()
		if err != nil {
			return redis.XMessage{}, err
		}
		if len(messages) == 0 {
			return redis.XMessage{}, redis.Nil
		}
		return messages[0], nil
	}

	streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.group,
		Consumer: s.consumer,
		Streams:  []string{s.stream, ">"},
		Count:    1,
		Block:    s.options.blockTimeout,
	}).Result()
	if err != nil {
		return redis.XMessage{}, err
	}
	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return redis.XMessage{}, redis.Nil
	}
	return streams[0].Messages[0], nil
}

func (s *GroupConsumer[T]) moveToDeadLetter(ctx context.Context, message redis.XMessage) error {
	err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream + ":dead-letter",
		Values: message.Values,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to move message to dead letter queue: %w", err)
	}
	return s.client.XAck(ctx, s.stream, s.group, message.ID).Err()
}

func (s *GroupConsumer[T]) moveToDownStream(ctx context.Context, message *Message[T]) error {
	if ctx.Err() != nil {
		return context.Canceled
	}
	select {
	case <-ctx.Done():
		return context.Canceled
	case s.downStream <- message:
		return nil
	}
}
