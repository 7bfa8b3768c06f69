package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"gavel/models"
)

// Service 提供點數帳戶的託管(escrow)操作
// 所有異動都在同一個資料庫交易內完成，餘額使用帶條件的UPDATE做原子增減，
// 以RowsAffected判斷是否滿足不變量，因此不依賴資料庫方言的鎖定語法
type Service struct {
	db     *gorm.DB
	logger *slog.Logger
}

func NewService(db *gorm.DB, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		db:     db,
		logger: logger.With(slog.String("caller", "ledger.Service")),
	}
}

// AvailablePoint 回傳使用者的可用點數(TotalPoint - LockedPoint)
func (s *Service) AvailablePoint(ctx context.Context, userID uuid.UUID) (int64, error) {
	const op = "ledger.AvailablePoint"
	var account models.PointAccount
	if result := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&account); result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return 0, ErrAccountNotFound
		}
		return 0, fmt.Errorf("[%s] Fail to load point account, err=%w", op, result.Error)
	}
	return account.AvailablePoint(), nil
}

// Account 回傳使用者的點數帳戶
func (s *Service) Account(ctx context.Context, userID uuid.UUID) (models.PointAccount, error) {
	const op = "ledger.Account"
	var account models.PointAccount
	if result := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&account); result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return models.PointAccount{}, ErrAccountNotFound
		}
		return models.PointAccount{}, fmt.Errorf("[%s] Fail to load point account, err=%w", op, result.Error)
	}
	return account, nil
}

// Charge 儲值，增加TotalPoint
// 帳戶不存在時會自動建立
func (s *Service) Charge(ctx context.Context, userID uuid.UUID, amount int64) error {
	const op = "ledger.Charge"
	if amount <= 0 {
		return ErrInvalidAmount
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account := models.PointAccount{UserID: userID}
		if result := tx.Where("user_id = ?", userID).FirstOrCreate(&account); result.Error != nil {
			return fmt.Errorf("fail to find or create point account, err=%w", result.Error)
		}
		result := tx.Model(&models.PointAccount{}).
			Where("user_id = ?", userID).
			Update("total_point", gorm.Expr("total_point + ?", amount))
		if result.Error != nil {
			return fmt.Errorf("fail to increase total point, err=%w", result.Error)
		}
		return s.appendEntry(tx, userID, nil, models.TransactionTypeCharge, models.TransactionStatusCompleted, amount, "point charge")
	})
	if err != nil {
		return fmt.Errorf("[%s] err=%w", op, err)
	}
	s.logger.Info("point charged", slog.String("userID", userID.String()), slog.Int64("amount", amount))
	return nil
}

// Hold 為出價保留點數，增加LockedPoint但不動TotalPoint
// 同一使用者對同一拍賣最多只有一筆存活的保留，重複出價時會先釋放前一筆
func (s *Service) Hold(ctx context.Context, userID uuid.UUID, amount int64, reason string, auctionID uuid.UUID) error {
	const op = "ledger.Hold"
	if amount <= 0 {
		return ErrInvalidAmount
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 先釋放同一拍賣上的前一筆保留
		if err := s.releasePendingHold(tx, userID, auctionID, 0, "superseded by higher bid"); err != nil && !errors.Is(err, ErrHoldNotFound) {
			return err
		}
		// 可用點數足夠才允許增加保留
		result := tx.Model(&models.PointAccount{}).
			Where("user_id = ? AND total_point - locked_point >= ?", userID, amount).
			Update("locked_point", gorm.Expr("locked_point + ?", amount))
		if result.Error != nil {
			return fmt.Errorf("fail to increase locked point, err=%w", result.Error)
		}
		if result.RowsAffected == 0 {
			return s.missingOrInsufficient(tx, userID)
		}
		return s.appendEntry(tx, userID, &auctionID, models.TransactionTypeHold, models.TransactionStatusPending, amount, reason)
	})
	if err != nil {
		if errors.Is(err, ErrNotEnoughPoint) || errors.Is(err, ErrAccountNotFound) {
			return err
		}
		return fmt.Errorf("[%s] err=%w", op, err)
	}
	return nil
}

// Release 解除保留，減少LockedPoint，TotalPoint不變
// 用於落選、撤回與流標；amount為0時釋放整筆保留
func (s *Service) Release(ctx context.Context, userID uuid.UUID, amount int64, reason string, auctionID uuid.UUID) error {
	const op = "ledger.Release"
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.releasePendingHold(tx, userID, auctionID, amount, reason)
	})
	if err != nil {
		if errors.Is(err, ErrHoldNotFound) {
			return err
		}
		return fmt.Errorf("[%s] err=%w", op, err)
	}
	return nil
}

// ConfirmUse 得標結算，將保留的點數實際扣除
// TotalPoint與LockedPoint同時減少保留金額，保留標記為COMPLETED
// 若此時點數已不足(預先檢查允許的少見超賣情況)，回傳ErrNotEnoughPoint而非靜默忽略
func (s *Service) ConfirmUse(ctx context.Context, userID uuid.UUID, amount int64, auctionID uuid.UUID) error {
	const op = "ledger.ConfirmUse"
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		hold, err := s.findPendingHold(tx, userID, auctionID)
		if err != nil {
			return err
		}
		if amount > 0 && hold.Amount != amount {
			return ErrHoldNotFound
		}
		result := tx.Model(&models.PointAccount{}).
			Where("user_id = ? AND total_point >= ? AND locked_point >= ?", userID, hold.Amount, hold.Amount).
			Updates(map[string]any{
				"total_point":  gorm.Expr("total_point - ?", hold.Amount),
				"locked_point": gorm.Expr("locked_point - ?", hold.Amount),
			})
		if result.Error != nil {
			return fmt.Errorf("fail to confirm use, err=%w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrNotEnoughPoint
		}
		if err := s.completeHold(tx, hold); err != nil {
			return err
		}
		return s.appendEntry(tx, userID, &auctionID, models.TransactionTypeUse, models.TransactionStatusCompleted, hold.Amount, "winning bid settlement")
	})
	if err != nil {
		if errors.Is(err, ErrHoldNotFound) || errors.Is(err, ErrNotEnoughPoint) {
			return err
		}
		return fmt.Errorf("[%s] err=%w", op, err)
	}
	s.logger.Info("hold confirmed", slog.String("userID", userID.String()), slog.String("auctionID", auctionID.String()))
	return nil
}

// Deduct 直接從TotalPoint扣除，用於手續費等保留週期外的扣款
func (s *Service) Deduct(ctx context.Context, userID uuid.UUID, amount int64, reason string) error {
	const op = "ledger.Deduct"
	if amount <= 0 {
		return ErrInvalidAmount
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.PointAccount{}).
			Where("user_id = ? AND total_point - locked_point >= ?", userID, amount).
			Update("total_point", gorm.Expr("total_point - ?", amount))
		if result.Error != nil {
			return fmt.Errorf("fail to deduct point, err=%w", result.Error)
		}
		if result.RowsAffected == 0 {
			return s.missingOrInsufficient(tx, userID)
		}
		return s.appendEntry(tx, userID, nil, models.TransactionTypeUse, models.TransactionStatusCompleted, amount, reason)
	})
	if err != nil {
		if errors.Is(err, ErrNotEnoughPoint) || errors.Is(err, ErrAccountNotFound) {
			return err
		}
		return fmt.Errorf("[%s] err=%w", op, err)
	}
	return nil
}

// PendingHolds 回傳拍賣上所有存活的保留，結算時用來釋放落選者的點數
func (s *Service) PendingHolds(ctx context.Context, auctionID uuid.UUID) ([]models.PointTransaction, error) {
	const op = "ledger.PendingHolds"
	var holds []models.PointTransaction
	result := s.db.WithContext(ctx).
		Where("auction_id = ? AND type = ? AND status = ?", auctionID, models.TransactionTypeHold, models.TransactionStatusPending).
		Find(&holds)
	if result.Error != nil {
		return nil, fmt.Errorf("[%s] Fail to list pending holds, err=%w", op, result.Error)
	}
	return holds, nil
}

// releasePendingHold 在交易內解除(user, auction)的PENDING保留
// 找不到保留時回傳ErrHoldNotFound，由呼叫端決定是否視為錯誤
// (重複出價的首次本來就沒有前一筆保留)
func (s *Service) releasePendingHold(tx *gorm.DB, userID, auctionID uuid.UUID, amount int64, reason string) error {
	hold, err := s.findPendingHold(tx, userID, auctionID)
	if err != nil {
		return err
	}
	if amount > 0 && hold.Amount != amount {
		return ErrHoldNotFound
	}
	result := tx.Model(&models.PointAccount{}).
		Where("user_id = ? AND locked_point >= ?", userID, hold.Amount).
		Update("locked_point", gorm.Expr("locked_point - ?", hold.Amount))
	if result.Error != nil {
		return fmt.Errorf("fail to decrease locked point, err=%w", result.Error)
	}
	if result.RowsAffected == 0 {
		// 保留存在但鎖定點數不足，代表帳務已經不一致
		return fmt.Errorf("locked point is less than pending hold, userID=%s, auctionID=%s", userID, auctionID)
	}
	if err := s.completeHold(tx, hold); err != nil {
		return err
	}
	return s.appendEntry(tx, userID, &auctionID, models.TransactionTypeRelease, models.TransactionStatusCompleted, hold.Amount, reason)
}

// missingOrInsufficient 在帶條件的UPDATE沒有命中任何列時，
// 判斷原因是帳戶不存在還是可用點數不足
func (s *Service) missingOrInsufficient(tx *gorm.DB, userID uuid.UUID) error {
	var count int64
	if result := tx.Model(&models.PointAccount{}).Where("user_id = ?", userID).Count(&count); result.Error != nil {
		return fmt.Errorf("fail to check point account, err=%w", result.Error)
	}
	if count == 0 {
		return ErrAccountNotFound
	}
	return ErrNotEnoughPoint
}

func (s *Service) findPendingHold(tx *gorm.DB, userID, auctionID uuid.UUID) (models.PointTransaction, error) {
	var hold models.PointTransaction
	result := tx.
		Where("user_id = ? AND auction_id = ? AND type = ? AND status = ?",
			userID, auctionID, models.TransactionTypeHold, models.TransactionStatusPending).
		First(&hold)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return models.PointTransaction{}, ErrHoldNotFound
		}
		return models.PointTransaction{}, fmt.Errorf("fail to find pending hold, err=%w", result.Error)
	}
	return hold, nil
}

func (s *Service) completeHold(tx *gorm.DB, hold models.PointTransaction) error {
	result := tx.Model(&models.PointTransaction{}).
		Where("id = ? AND status = ?", hold.ID, models.TransactionStatusPending).
		Update("status", models.TransactionStatusCompleted)
	if result.Error != nil {
		return fmt.Errorf("fail to complete hold, err=%w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrHoldNotFound
	}
	return nil
}

// appendEntry 追加一筆異動紀錄，BalanceAfter蓋上異動後的TotalPoint
func (s *Service) appendEntry(tx *gorm.DB, userID uuid.UUID, auctionID *uuid.UUID, typ models.TransactionType, status models.TransactionStatus, amount int64, reason string) error {
	var account models.PointAccount
	if result := tx.Where("user_id = ?", userID).First(&account); result.Error != nil {
		return fmt.Errorf("fail to reload point account, err=%w", result.Error)
	}
	entry := models.PointTransaction{
		UserID:       userID,
		AuctionID:    auctionID,
		Type:         typ,
		Status:       status,
		Amount:       amount,
		BalanceAfter: account.TotalPoint,
		Reason:       reason,
	}
	if result := tx.Create(&entry); result.Error != nil {
		return fmt.Errorf("fail to append transaction entry, err=%w", result.Error)
	}
	return nil
}
