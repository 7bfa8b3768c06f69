package models

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// TransactionType 代表點數異動的類型
type TransactionType string

const (
	TransactionTypeCharge     TransactionType = "CHARGE"     // 儲值，增加TotalPoint
	TransactionTypeHold       TransactionType = "HOLD"       // 出價保留，增加LockedPoint
	TransactionTypeRelease    TransactionType = "RELEASE"    // 解除保留，減少LockedPoint
	TransactionTypeUse        TransactionType = "USE"        // 確認使用或扣除手續費，減少TotalPoint
	TransactionTypeSettlement TransactionType = "SETTLEMENT" // 結算轉入賣家
	TransactionTypeRefund     TransactionType = "REFUND"     // 退款
)

// TransactionStatus 代表點數異動的狀態
type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "PENDING"
	TransactionStatusCompleted TransactionStatus = "COMPLETED"
	TransactionStatusCancelled TransactionStatus = "CANCELLED"
)

// PointTransaction 代表一筆點數異動紀錄
// 僅追加，一旦進入COMPLETED/CANCELLED即不可變更
// BalanceAfter在寫入時蓋上異動後的TotalPoint，稽核時不需重算歷史
type PointTransaction struct {
	*gorm.Model

	ID           uuid.UUID         `gorm:"type:uuid;primaryKey"`
	UserID       uuid.UUID         `gorm:"type:uuid;not null;index;<-:create"`
	AuctionID    *uuid.UUID        `gorm:"type:uuid;index;<-:create"`
	Type         TransactionType   `gorm:"type:varchar(16);not null;<-:create"`
	Status       TransactionStatus `gorm:"type:varchar(16);not null"`
	Amount       int64             `gorm:"type:bigint;not null;<-:create"`
	BalanceAfter int64             `gorm:"type:bigint;not null;<-:create"`
	Reason       string            `gorm:"type:text;not null;<-:create"`

	User User `gorm:"foreignKey:UserID"`
}
