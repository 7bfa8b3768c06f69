package scheduler

import (
	"time"

	"github.com/google/uuid"
)

// 通知種類
const (
	NotificationBidSuccess    = "BID_SUCCESS"
	NotificationAuctionEnded  = "AUCTION_ENDED"
	NotificationAuctionFailed = "AUCTION_FAILED"
)

// AuctionEnded 拍賣結束的結算事實
// 流拍時WinnerID為nil且FinalPrice為0
type AuctionEnded struct {
	AuctionID  uuid.UUID  `json:"auctionId" msgpack:"auctionId"`
	SellerID   uuid.UUID  `json:"sellerId" msgpack:"sellerId"`
	WinnerID   *uuid.UUID `json:"winnerId,omitempty" msgpack:"winnerId"`
	FinalPrice int64      `json:"finalPrice" msgpack:"finalPrice"`
	EndedAt    time.Time  `json:"endedAt" msgpack:"endedAt"`
}

// NotificationSend 要求通知服務送出一則站內通知
// 實際的投遞方式不在這個系統的範圍內
type NotificationSend struct {
	UserID    uuid.UUID `json:"userId" msgpack:"userId"`
	Message   string    `json:"message" msgpack:"message"`
	Type      string    `json:"type" msgpack:"type"`
	RelatedID uuid.UUID `json:"relatedId" msgpack:"relatedId"`
}
