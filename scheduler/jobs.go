package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"gavel/auction"
	"gavel/bidding"
	"gavel/ledger"
	"gavel/models"
)

// startDueAuctions 把到了開始時間的拍賣推進到進行中並建立競價快照
// 單場失敗只記錄，不影響其他拍賣
func (s *LifecycleScheduler) startDueAuctions(ctx context.Context) error {
	const op = "LifecycleScheduler.startDueAuctions"

	now := s.options.clock()
	var due []models.Auction
	if err := s.db.WithContext(ctx).
		Where("status IN ? AND start_time <= ?", []auction.Status{auction.StatusApproved, auction.StatusReady}, now).
		Find(&due).Error; err != nil {
		return fmt.Errorf("[%s] failed to find due auctions, err=%w", op, err)
	}

	for i := range due {
		record := &due[i]
		if err := s.startAuction(ctx, record); err != nil {
			s.logger.Error("failed to start auction",
				slog.String("auctionID", record.ID.String()),
				slog.Any("error", err),
			)
			continue
		}
		s.logger.Info("auction started", slog.String("auctionID", record.ID.String()))
	}
	return nil
}

func (s *LifecycleScheduler) startAuction(ctx context.Context, record *models.Auction) error {
	if err := auction.Transition(record.Status, auction.StatusOngoing); err != nil {
		return err
	}
	// 先建快照再改狀態，拍賣一進行中出價就必須能成功
	if err := s.snapshots.Init(ctx, record); err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Model(record).
		Update("status", auction.StatusOngoing).Error; err != nil {
		return err
	}
	return nil
}

// endDueAuctions 結束到期的拍賣並結算
// 單場失敗只記錄，不影響其他拍賣
// ENDED也要撈:結算途中失敗或實例掛掉的拍賣會停在ENDED，下一輪重試
func (s *LifecycleScheduler) endDueAuctions(ctx context.Context) error {
	const op = "LifecycleScheduler.endDueAuctions"

	now := s.options.clock()
	var due []models.Auction
	if err := s.db.WithContext(ctx).
		Where("status IN ? AND end_time <= ?", []auction.Status{auction.StatusOngoing, auction.StatusEnded}, now).
		Find(&due).Error; err != nil {
		return fmt.Errorf("[%s] failed to find due auctions, err=%w", op, err)
	}

	for i := range due {
		record := &due[i]
		if err := s.settleAuction(ctx, record); err != nil {
			s.logger.Error("failed to settle auction",
				slog.String("auctionID", record.ID.String()),
				slog.Any("error", err),
			)
			continue
		}
	}
	return nil
}

// settleAuction 把一場到期的拍賣走完 ONGOING -> ENDED -> COMPLETED/FAILED
// 已經是ENDED的是上一輪中斷的結算，跳過狀態推進直接重試
func (s *LifecycleScheduler) settleAuction(ctx context.Context, record *models.Auction) error {
	if record.Status != auction.StatusEnded {
		if err := auction.Transition(record.Status, auction.StatusEnded); err != nil {
			return err
		}
		if err := s.db.WithContext(ctx).Model(record).
			Update("status", auction.StatusEnded).Error; err != nil {
			return err
		}
		record.Status = auction.StatusEnded
	}

	var winning models.Bid
	err := s.db.WithContext(ctx).
		Where("auction_id = ? AND status = ?", record.ID, models.BidStatusActive).
		Order("amount DESC, bid_time ASC").
		First(&winning).Error
	switch {
	case err == nil:
		return s.completeAuction(ctx, record, &winning)
	case errors.Is(err, gorm.ErrRecordNotFound):
		return s.failAuction(ctx, record)
	default:
		return fmt.Errorf("failed to find winning bid, auctionID=%s, err=%w", record.ID, err)
	}
}

// completeAuction 有人得標:結算得標者、退還其他人的保留點數
func (s *LifecycleScheduler) completeAuction(ctx context.Context, record *models.Auction, winning *models.Bid) error {
	now := s.options.clock()

	// 重試中斷的結算時，得標者的保留可能在上一輪就已經結清
	if err := s.ledger.ConfirmUse(ctx, winning.UserID, winning.Amount, record.ID); err != nil {
		if !errors.Is(err, ledger.ErrHoldNotFound) {
			return fmt.Errorf("failed to settle winner, auctionID=%s, winnerID=%s, err=%w", record.ID, winning.UserID, err)
		}
		s.logger.Warn("winner hold already settled",
			slog.String("auctionID", record.ID.String()),
			slog.String("winnerID", winning.UserID.String()),
		)
	}

	// 其他出價者的保留點數全數退還
	holds, err := s.ledger.PendingHolds(ctx, record.ID)
	if err != nil {
		return fmt.Errorf("failed to list pending holds, auctionID=%s, err=%w", record.ID, err)
	}
	for _, hold := range holds {
		if hold.UserID == winning.UserID {
			continue
		}
		if err := s.ledger.Release(ctx, hold.UserID, hold.Amount, "auction ended", record.ID); err != nil {
			// 退還失敗不中斷結算，保留會留在帳上等待修復
			s.logger.Error("failed to release loser hold",
				slog.String("auctionID", record.ID.String()),
				slog.String("userID", hold.UserID.String()),
				slog.Any("error", err),
			)
		}
	}

	if err := s.db.WithContext(ctx).Model(record).Updates(map[string]any{
		"status":            auction.StatusCompleted,
		"current_price":     winning.Amount,
		"current_bidder_id": winning.UserID,
	}).Error; err != nil {
		return fmt.Errorf("failed to complete auction, auctionID=%s, err=%w", record.ID, err)
	}

	winnerID := winning.UserID
	s.publishEnded(AuctionEnded{
		AuctionID:  record.ID,
		SellerID:   record.SellerID,
		WinnerID:   &winnerID,
		FinalPrice: winning.Amount,
		EndedAt:    now,
	})
	s.notify(NotificationSend{
		UserID:    winning.UserID,
		Message:   fmt.Sprintf("you won %q at %d points", record.Title, winning.Amount),
		Type:      NotificationBidSuccess,
		RelatedID: record.ID,
	})
	s.notify(NotificationSend{
		UserID:    record.SellerID,
		Message:   fmt.Sprintf("your auction %q sold for %d points", record.Title, winning.Amount),
		Type:      NotificationAuctionEnded,
		RelatedID: record.ID,
	})
	s.publishRealtime(bidding.AuctionEvent{
		Type:      bidding.EventAuctionEnded,
		AuctionID: record.ID,
		Price:     winning.Amount,
		UserID:    &winnerID,
		TimeMS:    now.UnixMilli(),
	})
	s.expireSnapshot(ctx, record.ID)

	s.logger.Info("auction completed",
		slog.String("auctionID", record.ID.String()),
		slog.String("winnerID", winning.UserID.String()),
		slog.Int64("finalPrice", winning.Amount),
	)
	return nil
}

// failAuction 流拍:沒有任何有效出價
func (s *LifecycleScheduler) failAuction(ctx context.Context, record *models.Auction) error {
	now := s.options.clock()

	if err := s.db.WithContext(ctx).Model(record).
		Update("status", auction.StatusFailed).Error; err != nil {
		return fmt.Errorf("failed to mark auction failed, auctionID=%s, err=%w", record.ID, err)
	}

	s.publishEnded(AuctionEnded{
		AuctionID:  record.ID,
		SellerID:   record.SellerID,
		WinnerID:   nil,
		FinalPrice: 0,
		EndedAt:    now,
	})
	s.notify(NotificationSend{
		UserID:    record.SellerID,
		Message:   fmt.Sprintf("your auction %q ended without bids", record.Title),
		Type:      NotificationAuctionFailed,
		RelatedID: record.ID,
	})
	s.publishRealtime(bidding.AuctionEvent{
		Type:      bidding.EventAuctionEnded,
		AuctionID: record.ID,
		Price:     0,
		TimeMS:    now.UnixMilli(),
	})
	s.expireSnapshot(ctx, record.ID)

	s.logger.Info("auction failed without bids", slog.String("auctionID", record.ID.String()))
	return nil
}

func (s *LifecycleScheduler) expireSnapshot(ctx context.Context, auctionID uuid.UUID) {
	if err := s.snapshots.Expire(ctx, auctionID, s.options.snapshotRetention); err != nil {
		s.logger.Warn("failed to expire snapshot",
			slog.String("auctionID", auctionID.String()),
			slog.Any("error", err),
		)
	}
}

func (s *LifecycleScheduler) publishEnded(event AuctionEnded) {
	if s.options.endedProducer == nil {
		return
	}
	if err := s.options.endedProducer.Publish(event); err != nil {
		s.logger.Warn("failed to publish auction-ended fact",
			slog.String("auctionID", event.AuctionID.String()),
			slog.Any("error", err),
		)
	}
}

func (s *LifecycleScheduler) notify(event NotificationSend) {
	if s.options.notifyProducer == nil {
		return
	}
	if err := s.options.notifyProducer.Publish(event); err != nil {
		s.logger.Warn("failed to publish notification",
			slog.String("userID", event.UserID.String()),
			slog.Any("error", err),
		)
	}
}

func (s *LifecycleScheduler) publishRealtime(event bidding.AuctionEvent) {
	if s.options.realtime == nil {
		return
	}
	if err := s.options.realtime.Publish(bidding.EventChannel(event.AuctionID), event); err != nil {
		s.logger.Warn("failed to publish realtime event",
			slog.String("auctionID", event.AuctionID.String()),
			slog.Any("error", err),
		)
	}
}
