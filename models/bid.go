package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// BidStatus 代表出價紀錄的狀態
type BidStatus string

const (
	BidStatusActive    BidStatus = "ACTIVE"    // 有效出價，對應一筆PENDING的保留點數
	BidStatusCancelled BidStatus = "CANCELLED" // 已由出價者撤回
	BidStatusOutbid    BidStatus = "OUTBID"    // 被同一人的更高出價取代
)

// Bid 代表拍賣的出價紀錄
// 由出價接受事實(accepted-bid fact)的worker寫入，除狀態外不可變更
// Sequence是競價腳本分配的單調遞增序號，同一拍賣內不重複使用
type Bid struct {
	*gorm.Model

	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	AuctionID uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_bid_auction_id_sequence;<-:create"`
	UserID    uuid.UUID `gorm:"type:uuid;not null;index;<-:create"`
	Amount    int64     `gorm:"type:bigint;not null;<-:create"`
	BidTime   time.Time `gorm:"type:timestamp with time zone;not null;<-:create"`
	Sequence  int64     `gorm:"type:bigint;not null;uniqueIndex:idx_bid_auction_id_sequence;<-:create"`
	Status    BidStatus `gorm:"type:varchar(16);not null"`

	// 外鍵關聯
	User    User
	Auction Auction `gorm:"foreignKey:AuctionID"`
}
