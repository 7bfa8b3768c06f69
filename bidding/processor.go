package bidding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"gavel/adapters/sse"
	"gavel/ledger"
)

// AcceptedBid 一筆被接受的出價
type AcceptedBid struct {
	AuctionID uuid.UUID
	UserID    uuid.UUID
	Amount    int64
	Sequence  int64
	BidTime   time.Time
}

type processorOptions struct {
	logger       *slog.Logger
	realtime     sse.IConnectionManager[AuctionEvent]
	holdAttempts int
	retryDelay   time.Duration
	clock        func() time.Time
}

type ProcessorOption func(*processorOptions)

// WithProcessorLogger 設置日誌記錄器
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(o *processorOptions) {
		o.logger = logger
	}
}

// WithProcessorRealtime 設置即時推播，接受出價後廣播給訂閱者
func WithProcessorRealtime(realtime sse.IConnectionManager[AuctionEvent]) ProcessorOption {
	return func(o *processorOptions) {
		o.realtime = realtime
	}
}

// WithProcessorHoldAttempts 設置點數保留的重試次數
func WithProcessorHoldAttempts(attempts int) ProcessorOption {
	return func(o *processorOptions) {
		o.holdAttempts = attempts
	}
}

// WithProcessorClock 注入時鐘 (主要用於測試)
func WithProcessorClock(clock func() time.Time) ProcessorOption {
	return func(o *processorOptions) {
		o.clock = clock
	}
}

// pointLedger 熱路徑需要的帳務操作，*ledger.Service實作了這個介面
type pointLedger interface {
	AvailablePoint(ctx context.Context, userID uuid.UUID) (int64, error)
	Hold(ctx context.Context, userID uuid.UUID, amount int64, reason string, auctionID uuid.UUID) error
}

// Processor 出價准入
// 熱路徑只碰redis:檢查與改價在單一Lua腳本內原子完成，
// 事實由腳本寫進stream，持久化交給背景worker
type Processor struct {
	snapshots *SnapshotStore
	ledger    pointLedger
	streamKey string
	logger    *slog.Logger
	options   processorOptions
}

func NewProcessor(snapshots *SnapshotStore, ledgerSvc pointLedger, streamKey string, opts ...ProcessorOption) (*Processor, error) {
	if snapshots == nil {
		return nil, errors.New("snapshot store cannot be nil")
	}
	if ledgerSvc == nil {
		return nil, errors.New("ledger service cannot be nil")
	}
	if streamKey == "" {
		return nil, errors.New("stream key cannot be empty")
	}

	// 默認選項
	options := processorOptions{
		logger:       slog.Default(),
		holdAttempts: 3,
		retryDelay:   50 * time.Millisecond,
		clock:        time.Now,
	}
	for _, opt := range opts {
		opt(&options)
	}

	return &Processor{
		snapshots: snapshots,
		ledger:    ledgerSvc,
		streamKey: streamKey,
		logger:    options.logger.With(slog.String("caller", "Processor")),
		options:   options,
	}, nil
}

// TryBid 嘗試出價
// 准入成功後才在資料庫保留點數；保留最終失敗時以補償腳本撤銷這筆出價，
// 快照上已經有更新的出價時只撤銷事實、不動快照
func (p *Processor) TryBid(ctx context.Context, auctionID, userID uuid.UUID, amount int64) (*AcceptedBid, error) {
	const op = "Processor.TryBid"

	now := p.options.clock()

	// 可用點數帶進腳本做准入判斷，避免明顯不足的出價搶走快照版本
	// 真正的扣保留在准入後才做，這裡讀到的值過期也不會破壞帳務
	available := int64(0)
	if value, err := p.ledger.AvailablePoint(ctx, userID); err == nil {
		available = value
	} else if !errors.Is(err, ledger.ErrAccountNotFound) {
		return nil, fmt.Errorf("[%s] failed to read available points, userID=%s, err=%w", op, userID, err)
	}

	raw, err := bidScript.Run(ctx, p.snapshots.Client(),
		[]string{p.snapshots.Key(auctionID), p.streamKey},
		userID.String(), amount, now.UnixMilli(), available, auctionID.String(),
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("[%s] bid script failed, auctionID=%s, err=%w", op, auctionID, err)
	}

	code, ok := raw[0].(int64)
	if !ok {
		return nil, fmt.Errorf("[%s] unexpected bid script reply %v", op, raw)
	}
	switch code {
	case -1:
		return nil, ErrAuctionNotFound
	case -2:
		return nil, ErrAuctionEnded
	case -3:
		return nil, ErrSelfBidding
	case -4:
		return nil, ErrNotEnoughPoint
	case 0:
		return nil, fmt.Errorf("current price is %d: %w", raw[1].(int64), ErrPriceTooLow)
	case 1:
		// fallthrough below
	default:
		return nil, fmt.Errorf("[%s] unexpected bid script code %d", op, code)
	}

	sequence := raw[1].(int64)
	prevPrice := raw[2].(int64)
	prevBidder, _ := raw[3].(string)

	if err := p.holdWithRetry(ctx, auctionID, userID, amount); err != nil {
		p.revert(ctx, auctionID, userID, sequence, prevPrice, prevBidder)
		return nil, fmt.Errorf("[%s] err=%w", op, errors.Join(ErrHoldFailed, err))
	}

	accepted := &AcceptedBid{
		AuctionID: auctionID,
		UserID:    userID,
		Amount:    amount,
		Sequence:  sequence,
		BidTime:   now,
	}
	p.publish(AuctionEvent{
		Type:      EventBidAccepted,
		AuctionID: auctionID,
		Price:     amount,
		UserID:    &userID,
		Sequence:  sequence,
		TimeMS:    now.UnixMilli(),
	})
	return accepted, nil
}

func (p *Processor) holdWithRetry(ctx context.Context, auctionID, userID uuid.UUID, amount int64) error {
	var holdErr error
	for attempt := 0; attempt < p.options.holdAttempts; attempt++ {
		holdErr = p.ledger.Hold(ctx, userID, amount, "bid hold", auctionID)
		if holdErr == nil {
			return nil
		}
		// 點數真的不夠就不必重試
		if errors.Is(holdErr, ledger.ErrNotEnoughPoint) || errors.Is(holdErr, ledger.ErrAccountNotFound) {
			return holdErr
		}
		p.logger.Warn("point hold failed, retrying",
			slog.String("auctionID", auctionID.String()),
			slog.String("userID", userID.String()),
			slog.Int("attempt", attempt+1),
			slog.Any("error", holdErr),
		)
		select {
		case <-ctx.Done():
			return errors.Join(holdErr, ctx.Err())
		case <-time.After(p.options.retryDelay):
		}
	}
	return holdErr
}

func (p *Processor) revert(ctx context.Context, auctionID, userID uuid.UUID, sequence, prevPrice int64, prevBidder string) {
	rolledBack, err := revertBidScript.Run(ctx, p.snapshots.Client(),
		[]string{p.snapshots.Key(auctionID), p.streamKey},
		sequence, prevPrice, prevBidder, auctionID.String(), userID.String(),
	).Int()
	if err != nil {
		// 事實與快照不一致只能靠人工修復，留下完整現場
		p.logger.Error("failed to revert bid",
			slog.String("auctionID", auctionID.String()),
			slog.Int64("sequence", sequence),
			slog.Any("error", err),
		)
		return
	}
	p.logger.Info("bid reverted after hold failure",
		slog.String("auctionID", auctionID.String()),
		slog.Int64("sequence", sequence),
		slog.Bool("snapshotRestored", rolledBack == 1),
	)
}

func (p *Processor) publish(event AuctionEvent) {
	if p.options.realtime == nil {
		return
	}
	if err := p.options.realtime.Publish(EventChannel(event.AuctionID), event); err != nil {
		p.logger.Warn("failed to publish realtime event",
			slog.String("auctionID", event.AuctionID.String()),
			slog.String("type", event.Type),
			slog.Any("error", err),
		)
	}
}
