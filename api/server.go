package api

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/microcosm-cc/bluemonday"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"

	streams "gavel/adapters/redis"
	"gavel/adapters/sse"
	"gavel/bidding"
	"gavel/ledger"
	"gavel/scheduler"
)

type ServerImpl struct {
	db          *gorm.DB
	redisClient *redis.Client

	snapshots    *bidding.SnapshotStore
	ledger       *ledger.Service
	processor    *bidding.Processor
	cancellation *bidding.CancellationEngine
	scheduler    *scheduler.LifecycleScheduler

	sseManager    sse.IConnectionManager[bidding.AuctionEvent]
	realtimeIn    streams.IConsumer[sse.PublishRequest[bidding.AuctionEvent]]
	realtimeOut   streams.IProducer[sse.PublishRequest[bidding.AuctionEvent]]
	endedProducer streams.IProducer[scheduler.AuctionEnded]
	notifier      streams.IProducer[scheduler.NotificationSend]
	groupConsumer streams.IGroupConsumer[bidding.BidFact]

	htmlChecker *bluemonday.Policy
	wg          sync.WaitGroup
	cancelFunc  context.CancelFunc

	config ServerConfig
}

func NewServer(config ServerConfig) (*ServerImpl, error) {
	const op = "NewServer"

	// 初始化資料庫連線
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable&search_path=%s", config.DB.User, config.DB.Password, config.DB.Host, config.DB.Port, config.DB.Database, config.DB.Schema)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		NamingStrategy: schema.NamingStrategy{
			TablePrefix: config.DB.Schema + ".",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to connect to database, err=%w", op, err)
	}

	// 初始化Redis連線
	redisClient := redis.NewClient(&redis.Options{
		Addr:     config.Redis.Addr,
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
	})

	// 出價事實stream的consumer group要先就位，腳本寫入的事實才不會漏接
	if err := redisClient.XGroupCreateMkStream(context.Background(), config.Redis.StreamKeys.Bid, config.Redis.ConsumerGroup, "0").Err(); err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("[%s] Fail to create consumer group, err=%w", op, err)
	}

	snapshots := bidding.NewSnapshotStore(redisClient, config.Redis.KeyPrefix)
	ledgerSvc := ledger.NewService(db, slog.Default())

	// 初始化SSE管理器
	// 發布與接收都走同一條realtime stream，跨節點的訂閱者才收得到彼此的事件
	realtimeOut, err := streams.NewProducer[sse.PublishRequest[bidding.AuctionEvent]](redisClient, config.Redis.StreamKeys.Realtime)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create realtime producer, err=%w", op, err)
	}
	realtimeIn, err := streams.NewConsumer[sse.PublishRequest[bidding.AuctionEvent]](redisClient, config.Redis.StreamKeys.Realtime)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create realtime consumer, err=%w", op, err)
	}
	sseManager := sse.NewConnectionManager[bidding.AuctionEvent](realtimeOut, realtimeIn, sse.WithManagerLogger(slog.Default()))

	// 初始化出價處理與取消
	processor, err := bidding.NewProcessor(snapshots, ledgerSvc, config.Redis.StreamKeys.Bid,
		bidding.WithProcessorRealtime(sseManager),
	)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create bid processor, err=%w", op, err)
	}
	cancellation, err := bidding.NewCancellationEngine(db, ledgerSvc, snapshots,
		bidding.WithEngineRealtime(sseManager),
	)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create cancellation engine, err=%w", op, err)
	}

	// 結算事實與通知共用一條event stream，以kind欄位區分
	endedProducer, err := streams.NewProducer(redisClient, config.Redis.StreamKeys.Event,
		streams.WithProducerPackFunc(packWithKind[scheduler.AuctionEnded]("auction-ended")),
	)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create auction-ended producer, err=%w", op, err)
	}
	notifier, err := streams.NewProducer(redisClient, config.Redis.StreamKeys.Event,
		streams.WithProducerPackFunc(packWithKind[scheduler.NotificationSend]("notification-send")),
	)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create notification producer, err=%w", op, err)
	}

	// 初始化生命週期排程
	startLease, err := streams.NewLease(redisClient, config.Redis.KeyPrefix+"lease:auction-start",
		streams.WithLeaseMinHold(config.Scheduler.LeaseMinHold),
		streams.WithLeaseMaxHold(config.Scheduler.LeaseMaxHold),
	)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create start lease, err=%w", op, err)
	}
	endLease, err := streams.NewLease(redisClient, config.Redis.KeyPrefix+"lease:auction-end",
		streams.WithLeaseMinHold(config.Scheduler.LeaseMinHold),
		streams.WithLeaseMaxHold(config.Scheduler.LeaseMaxHold),
	)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create end lease, err=%w", op, err)
	}
	lifecycle, err := scheduler.NewLifecycleScheduler(db, snapshots, ledgerSvc, startLease, endLease,
		scheduler.WithSchedulerInterval(config.Scheduler.Interval),
		scheduler.WithSchedulerSnapshotRetention(config.Scheduler.SnapshotRetention),
		scheduler.WithSchedulerProducers(endedProducer, notifier),
		scheduler.WithSchedulerRealtime(sseManager),
	)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create lifecycle scheduler, err=%w", op, err)
	}

	// 初始化group consumer
	// 嚴格順序模式讓出價事實依序恰好送達一次，持久化不需要再排序
	groupConsumer, err := streams.NewGroupConsumer(
		redisClient,
		config.Redis.StreamKeys.Bid,
		config.Redis.ConsumerGroup,
		config.ID,
		streams.WithGroupConsumerLogger[bidding.BidFact](slog.Default()),
		streams.WithGroupConsumerStrictOrdering[bidding.BidFact](true),
		streams.WithGroupConsumerUnpackFunc(bidding.ParseBidFact),
	)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create group consumer, err=%w", op, err)
	}

	return &ServerImpl{
		db:            db,
		redisClient:   redisClient,
		snapshots:     snapshots,
		ledger:        ledgerSvc,
		processor:     processor,
		cancellation:  cancellation,
		scheduler:     lifecycle,
		sseManager:    sseManager,
		realtimeIn:    realtimeIn,
		realtimeOut:   realtimeOut,
		endedProducer: endedProducer,
		notifier:      notifier,
		groupConsumer: groupConsumer,
		htmlChecker:   bluemonday.UGCPolicy(),
		config:        config,
	}, nil
}

func (impl *ServerImpl) Start() {
	// 啟動sse connection manager(內含realtime producer/consumer)
	impl.sseManager.Start()
	// 啟動結算事實與通知的producer
	impl.endedProducer.Start()
	impl.notifier.Start()
	// 啟動group consumer
	impl.groupConsumer.Start()
	// 啟動生命週期排程
	impl.scheduler.Start()
	// 啟動一個worker用於將出價事實持久化回資料庫
	ctx, cancel := context.WithCancel(context.Background())
	impl.cancelFunc = cancel
	slog.Info("Start bid persistence worker")
	impl.wg.Add(1)
	go func() {
		defer impl.wg.Done()
		impl.runBidWorker(ctx)
	}()
}

func (impl *ServerImpl) Close() {
	// 關閉group consumer與worker
	impl.groupConsumer.Close()
	impl.cancelFunc()
	impl.wg.Wait()
	// 關閉排程
	impl.scheduler.Close()
	// 關閉producer
	impl.endedProducer.Close()
	impl.notifier.Close()
	// 關閉sse connection manager
	impl.sseManager.Done()
}

// packWithKind 在預設codec外多蓋一個kind欄位，共用stream的consumer以此分流
func packWithKind[T any](kind string) func(T) (map[string]any, error) {
	return func(data T) (map[string]any, error) {
		values, err := streams.PackMessage(data)
		if err != nil {
			return nil, err
		}
		values["kind"] = kind
		return values, nil
	}
}
