package bidding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	streams "gavel/adapters/redis"
	"gavel/adapters/sse"
	"gavel/auction"
	"gavel/ledger"
	"gavel/models"
)

const (
	// FreeCancelWindow 出價後這段時間內取消免手續費
	FreeCancelWindow = 5 * time.Minute
	// NoCancelBeforeEnd 距離結束時間這麼近就不允許取消
	NoCancelBeforeEnd = 10 * time.Minute
	// 手續費為出價金額的1%，整數截斷
	cancellationFeeDivisor = 100
)

// CancellationResult 取消出價的結算結果
type CancellationResult struct {
	Fee       int64
	Refund    int64
	NewPrice  int64
	NewBidder *uuid.UUID
}

type engineOptions struct {
	logger   *slog.Logger
	realtime sse.IConnectionManager[AuctionEvent]
	newMutex func(auctionID uuid.UUID) streams.IAutoRenewMutex
	clock    func() time.Time
}

type EngineOption func(*engineOptions)

// WithEngineLogger 設置日誌記錄器
func WithEngineLogger(logger *slog.Logger) EngineOption {
	return func(o *engineOptions) {
		o.logger = logger
	}
}

// WithEngineRealtime 設置即時推播
func WithEngineRealtime(realtime sse.IConnectionManager[AuctionEvent]) EngineOption {
	return func(o *engineOptions) {
		o.realtime = realtime
	}
}

// WithEngineMutexFactory 注入mutex工廠 (主要用於測試)
func WithEngineMutexFactory(factory func(auctionID uuid.UUID) streams.IAutoRenewMutex) EngineOption {
	return func(o *engineOptions) {
		o.newMutex = factory
	}
}

// WithEngineClock 注入時鐘 (主要用於測試)
func WithEngineClock(clock func() time.Time) EngineOption {
	return func(o *engineOptions) {
		o.clock = clock
	}
}

// CancellationEngine 出價取消
// 取消是多步驟操作(帳務、出價紀錄、快照回滾)，整段在該場拍賣的
// 分散式鎖內執行，和出價腳本的交錯不會讓快照停在中間狀態
type CancellationEngine struct {
	db        *gorm.DB
	ledger    *ledger.Service
	snapshots *SnapshotStore
	logger    *slog.Logger
	options   engineOptions
}

func NewCancellationEngine(db *gorm.DB, ledgerSvc *ledger.Service, snapshots *SnapshotStore, opts ...EngineOption) (*CancellationEngine, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	if ledgerSvc == nil {
		return nil, errors.New("ledger service cannot be nil")
	}
	if snapshots == nil {
		return nil, errors.New("snapshot store cannot be nil")
	}

	// 默認選項
	options := engineOptions{
		logger: slog.Default(),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.newMutex == nil {
		options.newMutex = func(auctionID uuid.UUID) streams.IAutoRenewMutex {
			return streams.NewAutoRenewMutex(snapshots.Client(), "lock:auction:"+auctionID.String())
		}
	}

	return &CancellationEngine{
		db:        db,
		ledger:    ledgerSvc,
		snapshots: snapshots,
		logger:    options.logger.With(slog.String("caller", "CancellationEngine")),
		options:   options,
	}, nil
}

// CancelBid 取消使用者在一場拍賣的出價
// 手續費:不是最高出價者免費；最高出價者在FreeCancelWindow內免費，
// 之後收出價金額的1%(整數截斷)。結束前NoCancelBeforeEnd內不可取消
func (e *CancellationEngine) CancelBid(ctx context.Context, auctionID, userID uuid.UUID, reason string) (*CancellationResult, error) {
	const op = "CancellationEngine.CancelBid"

	now := e.options.clock()

	var record models.Auction
	if err := e.db.WithContext(ctx).First(&record, "id = ?", auctionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAuctionNotFound
		}
		return nil, fmt.Errorf("[%s] failed to load auction, auctionID=%s, err=%w", op, auctionID, err)
	}
	if record.Status != auction.StatusOngoing {
		return nil, auction.ErrNotOngoing
	}
	if !now.Before(record.EndTime.Add(-NoCancelBeforeEnd)) {
		return nil, ErrCancellationWindowClosed
	}

	var activeBids []models.Bid
	if err := e.db.WithContext(ctx).
		Where("auction_id = ? AND user_id = ? AND status = ?", auctionID, userID, models.BidStatusActive).
		Order("sequence DESC").
		Find(&activeBids).Error; err != nil {
		return nil, fmt.Errorf("[%s] failed to load bids, auctionID=%s, userID=%s, err=%w", op, auctionID, userID, err)
	}
	if len(activeBids) == 0 {
		return nil, ErrNoActiveBid
	}
	latest := activeBids[0]

	mutex := e.options.newMutex(auctionID)
	lockCtx, err := mutex.Lock(ctx)
	if err != nil {
		return nil, fmt.Errorf("[%s] failed to acquire auction lock, auctionID=%s, err=%w", op, auctionID, err)
	}
	defer mutex.Unlock()

	fee, err := e.cancellationFee(lockCtx, auctionID, userID, latest, now)
	if err != nil {
		return nil, fmt.Errorf("[%s] err=%w", op, err)
	}

	// 帳務先行:解除保留，再扣手續費
	if err := e.ledger.Release(lockCtx, userID, latest.Amount, "bid cancelled: "+reason, auctionID); err != nil {
		return nil, fmt.Errorf("[%s] failed to release hold, auctionID=%s, userID=%s, err=%w", op, auctionID, userID, err)
	}
	if fee > 0 {
		if err := e.ledger.Deduct(lockCtx, userID, fee, "cancellation fee"); err != nil {
			// 保留已解除，手續費扣不到只記錄不回滾；
			// 結果照實回報:沒收到的手續費不能算進Fee
			e.logger.Error("failed to deduct cancellation fee",
				slog.String("auctionID", auctionID.String()),
				slog.String("userID", userID.String()),
				slog.Int64("fee", fee),
				slog.Any("error", err),
			)
			fee = 0
		}
	}

	if err := e.db.WithContext(lockCtx).Model(&models.Bid{}).
		Where("auction_id = ? AND user_id = ? AND status = ?", auctionID, userID, models.BidStatusActive).
		Update("status", models.BidStatusCancelled).Error; err != nil {
		return nil, fmt.Errorf("[%s] failed to cancel bids, auctionID=%s, userID=%s, err=%w", op, auctionID, userID, err)
	}

	newPrice, newBidder, err := e.rollbackTarget(lockCtx, &record)
	if err != nil {
		return nil, fmt.Errorf("[%s] err=%w", op, err)
	}

	newBidderValue := ""
	if newBidder != nil {
		newBidderValue = newBidder.String()
	}
	rolled, err := cancelRollbackScript.Run(lockCtx, e.snapshots.Client(),
		[]string{e.snapshots.Key(auctionID)},
		userID.String(), newPrice, newBidderValue,
	).Int()
	if err != nil {
		return nil, fmt.Errorf("[%s] rollback script failed, auctionID=%s, err=%w", op, auctionID, err)
	}

	result := &CancellationResult{
		Fee:    fee,
		Refund: latest.Amount - fee,
	}
	switch rolled {
	case 1:
		// 取消者是快照上的最高出價者，快照與資料庫都換成下一順位
		result.NewPrice = newPrice
		result.NewBidder = newBidder
		if err := e.db.WithContext(lockCtx).Model(&models.Auction{}).
			Where("id = ?", auctionID).
			Updates(map[string]any{
				"current_price":     newPrice,
				"current_bidder_id": newBidder,
			}).Error; err != nil {
			return nil, fmt.Errorf("[%s] failed to update auction row, auctionID=%s, err=%w", op, auctionID, err)
		}
	case 0:
		// 取消者不是最高出價者，價格不變
		snapshot, err := e.snapshots.Current(lockCtx, auctionID)
		if err != nil {
			return nil, fmt.Errorf("[%s] err=%w", op, err)
		}
		result.NewPrice = snapshot.Price
		if result.NewBidder, err = snapshot.HighestBidder(); err != nil {
			return nil, fmt.Errorf("[%s] err=%w", op, err)
		}
	default:
		// 快照不見了，拍賣理應還在進行中
		e.logger.Error("snapshot missing during cancellation",
			slog.String("auctionID", auctionID.String()))
		result.NewPrice = newPrice
		result.NewBidder = newBidder
	}

	e.publish(AuctionEvent{
		Type:      EventBidCancelled,
		AuctionID: auctionID,
		Price:     result.NewPrice,
		UserID:    &userID,
		TimeMS:    now.UnixMilli(),
	})
	e.logger.Info("bid cancelled",
		slog.String("auctionID", auctionID.String()),
		slog.String("userID", userID.String()),
		slog.Int64("fee", fee),
		slog.Int64("newPrice", result.NewPrice),
	)
	return result, nil
}

// cancellationFee 依取消當下的身份與出價年齡計算手續費
func (e *CancellationEngine) cancellationFee(ctx context.Context, auctionID, userID uuid.UUID, latest models.Bid, now time.Time) (int64, error) {
	var top models.Bid
	err := e.db.WithContext(ctx).
		Where("auction_id = ? AND status = ?", auctionID, models.BidStatusActive).
		Order("amount DESC, bid_time ASC").
		First(&top).Error
	if err != nil {
		return 0, fmt.Errorf("failed to find highest bid, auctionID=%s, err=%w", auctionID, err)
	}

	if top.UserID != userID {
		return 0, nil
	}
	if now.Sub(latest.BidTime) < FreeCancelWindow {
		return 0, nil
	}
	return latest.Amount / cancellationFeeDivisor, nil
}

// rollbackTarget 取消者的出價作廢後，快照應該回滾到的價格與出價者
func (e *CancellationEngine) rollbackTarget(ctx context.Context, record *models.Auction) (int64, *uuid.UUID, error) {
	var next models.Bid
	err := e.db.WithContext(ctx).
		Where("auction_id = ? AND status = ?", record.ID, models.BidStatusActive).
		Order("amount DESC, bid_time ASC").
		First(&next).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// 沒有剩餘出價，回到起標價
		return record.StartingPrice, nil, nil
	}
	if err != nil {
		return 0, nil, fmt.Errorf("failed to find next highest bid, auctionID=%s, err=%w", record.ID, err)
	}
	bidder := next.UserID
	return next.Amount, &bidder, nil
}

func (e *CancellationEngine) publish(event AuctionEvent) {
	if e.options.realtime == nil {
		return
	}
	if err := e.options.realtime.Publish(EventChannel(event.AuctionID), event); err != nil {
		e.logger.Warn("failed to publish realtime event",
			slog.String("auctionID", event.AuctionID.String()),
			slog.String("type", event.Type),
			slog.Any("error", err),
		)
	}
}
