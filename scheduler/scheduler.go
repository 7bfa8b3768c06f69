package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"gorm.io/gorm"

	streams "gavel/adapters/redis"
	"gavel/adapters/sse"
	"gavel/bidding"
	"gavel/ledger"
)

type schedulerOptions struct {
	logger            *slog.Logger
	interval          time.Duration
	snapshotRetention time.Duration
	clock             func() time.Time
	endedProducer     streams.IProducer[AuctionEnded]
	notifyProducer    streams.IProducer[NotificationSend]
	realtime          sse.IConnectionManager[bidding.AuctionEvent]
}

type SchedulerOption func(*schedulerOptions)

// WithSchedulerLogger 設置日誌記錄器
func WithSchedulerLogger(logger *slog.Logger) SchedulerOption {
	return func(o *schedulerOptions) {
		o.logger = logger
	}
}

// WithSchedulerInterval 設置輪詢間隔
func WithSchedulerInterval(d time.Duration) SchedulerOption {
	return func(o *schedulerOptions) {
		o.interval = d
	}
}

// WithSchedulerSnapshotRetention 設置拍賣結束後快照的保留期限
func WithSchedulerSnapshotRetention(d time.Duration) SchedulerOption {
	return func(o *schedulerOptions) {
		o.snapshotRetention = d
	}
}

// WithSchedulerClock 注入時鐘 (主要用於測試)
func WithSchedulerClock(clock func() time.Time) SchedulerOption {
	return func(o *schedulerOptions) {
		o.clock = clock
	}
}

// WithSchedulerProducers 設置結算事實與通知的producer
func WithSchedulerProducers(ended streams.IProducer[AuctionEnded], notify streams.IProducer[NotificationSend]) SchedulerOption {
	return func(o *schedulerOptions) {
		o.endedProducer = ended
		o.notifyProducer = notify
	}
}

// WithSchedulerRealtime 設置即時推播
func WithSchedulerRealtime(realtime sse.IConnectionManager[bidding.AuctionEvent]) SchedulerOption {
	return func(o *schedulerOptions) {
		o.realtime = realtime
	}
}

// LifecycleScheduler 拍賣生命週期排程
// 固定間隔輪詢到期的拍賣。每個任務各有一個具名租約，
// 叢集內同一輪只有一個實例真的執行，搶不到租約就跳過這一輪
type LifecycleScheduler struct {
	db         *gorm.DB
	snapshots  *bidding.SnapshotStore
	ledger     *ledger.Service
	startLease streams.ILease
	endLease   streams.ILease

	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	closed     bool
	logger     *slog.Logger
	options    schedulerOptions
}

func NewLifecycleScheduler(
	db *gorm.DB,
	snapshots *bidding.SnapshotStore,
	ledgerSvc *ledger.Service,
	startLease, endLease streams.ILease,
	opts ...SchedulerOption,
) (*LifecycleScheduler, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	if snapshots == nil {
		return nil, errors.New("snapshot store cannot be nil")
	}
	if ledgerSvc == nil {
		return nil, errors.New("ledger service cannot be nil")
	}
	if startLease == nil || endLease == nil {
		return nil, errors.New("leases cannot be nil")
	}

	// 默認選項
	options := schedulerOptions{
		logger:            slog.Default(),
		interval:          time.Minute,
		snapshotRetention: time.Hour,
		clock:             time.Now,
	}
	for _, opt := range opts {
		opt(&options)
	}

	return &LifecycleScheduler{
		db:         db,
		snapshots:  snapshots,
		ledger:     ledgerSvc,
		startLease: startLease,
		endLease:   endLease,
		closed:     true,
		logger:     options.logger.With(slog.String("caller", "LifecycleScheduler")),
		options:    options,
	}, nil
}

func (s *LifecycleScheduler) Start() {
	if !s.closed {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelFunc = cancel
	s.closed = false
	s.logger.Info("starting lifecycle scheduler", slog.Duration("interval", s.options.interval))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.logger.Info("lifecycle scheduler stopped")

		ticker := time.NewTicker(s.options.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runLeased(ctx, s.startLease, "start-due", s.startDueAuctions)
				s.runLeased(ctx, s.endLease, "end-due", s.endDueAuctions)
			}
		}
	}()
}

func (s *LifecycleScheduler) Close() {
	if s.closed {
		return
	}
	s.logger.Info("closing lifecycle scheduler")
	s.closed = true
	s.cancelFunc()
	s.wg.Wait()
	s.logger.Info("lifecycle scheduler closed")
}

// runLeased 在租約的保護下執行任務，拿不到租約就跳過這一輪
func (s *LifecycleScheduler) runLeased(ctx context.Context, lease streams.ILease, job string, run func(context.Context) error) {
	acquired, err := lease.Acquire(ctx)
	if err != nil {
		s.logger.Error("failed to acquire lease", slog.String("job", job), slog.Any("error", err))
		return
	}
	if !acquired {
		s.logger.Debug("lease held elsewhere, skipping run", slog.String("job", job))
		return
	}
	defer func() {
		if err := lease.Release(ctx); err != nil {
			s.logger.Warn("failed to release lease", slog.String("job", job), slog.Any("error", err))
		}
	}()

	if err := run(ctx); err != nil {
		s.logger.Error("job run failed", slog.String("job", job), slog.Any("error", err))
	}
}
