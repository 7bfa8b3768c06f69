package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"gavel/bidding"
	"gavel/models"
)

// runBidWorker 消費出價事實並持久化回資料庫
// group consumer走嚴格順序模式，事實依sequence遞增送達，
// 唯一索引(auction_id, sequence)讓重送的事實自然冪等
func (impl *ServerImpl) runBidWorker(ctx context.Context) {
	logger := slog.Default().With(slog.String("caller", "BidPersistence"))
	defer slog.Info("Bid persistence worker stopped")
	defer impl.groupConsumer.Close()

	ch := impl.groupConsumer.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			logger.Debug("Receive bid fact",
				slog.String("kind", msg.Data.Kind),
				slog.String("auctionID", msg.Data.AuctionID.String()),
				slog.Int64("sequence", msg.Data.Sequence),
			)
			handleErr := impl.syncBidFact(ctx, msg.Data)
			if handleErr != nil {
				logger.Error("Fail to persist bid fact", slog.Any("error", handleErr))
				if err := msg.Fail(ctx, handleErr); err != nil {
					logger.Error("Fail to fail message", slog.Any("error", err))
				}
				continue
			}
			if err := msg.Done(ctx); err != nil {
				logger.Error("Persist success but fail to done message", slog.Any("error", err))
				if err := msg.Fail(ctx, err); err != nil {
					logger.Error("Persist success but fail to fail message", slog.Any("error", err))
				}
				continue
			}
			logger.Debug("Bid fact persisted")
		}
	}
}

// syncBidFact 把一筆出價事實落到資料庫並回寫拍賣列
func (impl *ServerImpl) syncBidFact(ctx context.Context, fact bidding.BidFact) error {
	switch fact.Kind {
	case bidding.FactKindAccepted:
		return impl.persistAcceptedBid(ctx, fact)
	case bidding.FactKindReverted:
		return impl.cancelRevertedBid(ctx, fact)
	default:
		return fmt.Errorf("unknown bid fact kind %q", fact.Kind)
	}
}

func (impl *ServerImpl) persistAcceptedBid(ctx context.Context, fact bidding.BidFact) error {
	return impl.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 同一人先前的有效出價被這筆取代
		if result := tx.Model(&models.Bid{}).
			Where("auction_id = ? AND user_id = ? AND status = ? AND sequence < ?",
				fact.AuctionID, fact.UserID, models.BidStatusActive, fact.Sequence).
			Update("status", models.BidStatusOutbid); result.Error != nil {
			return fmt.Errorf("fail to outbid previous bids, err=%w", result.Error)
		}
		// (auction_id, sequence)唯一，重送的事實不會寫出第二筆
		record := models.Bid{
			AuctionID: fact.AuctionID,
			UserID:    fact.UserID,
			Amount:    fact.Amount,
			BidTime:   time.UnixMilli(fact.BidTimeMS),
			Sequence:  fact.Sequence,
			Status:    models.BidStatusActive,
		}
		if result := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "auction_id"}, {Name: "sequence"}},
			DoNothing: true,
		}).Create(&record); result.Error != nil {
			return fmt.Errorf("fail to create bid record, err=%w", result.Error)
		}
		return impl.reconcileAuctionRow(tx, fact.AuctionID)
	})
}

func (impl *ServerImpl) cancelRevertedBid(ctx context.Context, fact bidding.BidFact) error {
	return impl.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// reverted事實可能比對應的accepted早到(補償緊跟在接受之後)，
		// 此時沒有可作廢的列，留給下一次重放
		result := tx.Model(&models.Bid{}).
			Where("auction_id = ? AND sequence = ? AND status = ?",
				fact.AuctionID, fact.Sequence, models.BidStatusActive).
			Update("status", models.BidStatusCancelled)
		if result.Error != nil {
			return fmt.Errorf("fail to cancel reverted bid, err=%w", result.Error)
		}
		if result.RowsAffected == 0 {
			var count int64
			if err := tx.Model(&models.Bid{}).
				Where("auction_id = ? AND sequence = ?", fact.AuctionID, fact.Sequence).
				Count(&count).Error; err != nil {
				return fmt.Errorf("fail to check reverted bid, err=%w", err)
			}
			if count == 0 {
				return fmt.Errorf("reverted bid not persisted yet, auctionID=%s, sequence=%d", fact.AuctionID, fact.Sequence)
			}
			// 已經是終態(例如使用者自己取消過)，事實冪等地吸收
		}
		return impl.reconcileAuctionRow(tx, fact.AuctionID)
	})
}

// reconcileAuctionRow 以最高的有效出價回寫拍賣列的目前價格與出價者
func (impl *ServerImpl) reconcileAuctionRow(tx *gorm.DB, auctionID uuid.UUID) error {
	var record models.Auction
	if result := tx.First(&record, "id = ?", auctionID); result.Error != nil {
		return fmt.Errorf("fail to find auction, err=%w", result.Error)
	}

	price := record.StartingPrice
	var bidderID *uuid.UUID
	var top models.Bid
	err := tx.
		Where("auction_id = ? AND status = ?", auctionID, models.BidStatusActive).
		Order("amount DESC, bid_time ASC").
		First(&top).Error
	switch {
	case err == nil:
		price = top.Amount
		bidderID = &top.UserID
	case errors.Is(err, gorm.ErrRecordNotFound):
		// 沒有有效出價，回到起標價
	default:
		return fmt.Errorf("fail to find top bid, err=%w", err)
	}

	if result := tx.Model(&models.Auction{}).
		Where("id = ?", auctionID).
		Updates(map[string]any{
			"current_price":     price,
			"current_bidder_id": bidderID,
		}); result.Error != nil {
		return fmt.Errorf("fail to reconcile auction row, err=%w", result.Error)
	}
	return nil
}
