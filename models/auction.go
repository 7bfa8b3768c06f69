package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"gavel/auction"
)

// Auction 代表拍賣系統中的一場拍賣
// 包含商品資訊、起標價、目前最高價、拍賣時段與生命週期狀態
// 進行中的權威價格在runtime snapshot，這裡的CurrentPrice由非同步worker回寫
type Auction struct {
	gorm.Model

	ID              uuid.UUID      `gorm:"type:uuid;primaryKey"`
	SellerID        uuid.UUID      `gorm:"type:uuid;not null;<-:create"`
	Title           string         `gorm:"type:varchar(255);not null"`
	Description     string         `gorm:"type:text;not null"`
	StartingPrice   int64          `gorm:"type:bigint;not null;<-:create"`
	CurrentPrice    int64          `gorm:"type:bigint;not null"`
	CurrentBidderID *uuid.UUID     `gorm:"type:uuid"`
	StartTime       time.Time      `gorm:"type:timestamp with time zone;not null"`
	EndTime         time.Time      `gorm:"type:timestamp with time zone;not null"`
	Status          auction.Status `gorm:"type:varchar(16);not null;index"`

	// 外鍵關聯
	Seller        User  `gorm:"foreignKey:SellerID"`
	CurrentBidder *User `gorm:"foreignKey:CurrentBidderID"`
	BidRecords    []Bid `gorm:"foreignKey:AuctionID"`
}
