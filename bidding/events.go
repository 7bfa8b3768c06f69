package bidding

import (
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

// 出價事實的種類
const (
	FactKindAccepted = "accepted"
	FactKindReverted = "reverted"
)

// BidFact 出價stream上的一筆事實
// accepted由出價腳本在接受出價的同一個原子步驟裡寫入，
// reverted表示該筆出價因點數保留失敗被撤銷
type BidFact struct {
	Kind      string
	AuctionID uuid.UUID
	UserID    uuid.UUID
	Amount    int64
	BidTimeMS int64
	Sequence  int64
}

// ParseBidFact 解析Lua腳本寫入的平面欄位
// 腳本端無法使用msgpack編碼，所以這條stream不走預設的codec
func ParseBidFact(values map[string]any) (BidFact, error) {
	const op = "ParseBidFact"

	fact := BidFact{}

	kind, err := stringField(values, "kind")
	if err != nil {
		return fact, fmt.Errorf("[%s] %w", op, err)
	}
	if kind != FactKindAccepted && kind != FactKindReverted {
		return fact, fmt.Errorf("[%s] unknown fact kind %q", op, kind)
	}
	fact.Kind = kind

	rawAuctionID, err := stringField(values, "auction_id")
	if err != nil {
		return fact, fmt.Errorf("[%s] %w", op, err)
	}
	if fact.AuctionID, err = uuid.Parse(rawAuctionID); err != nil {
		return fact, fmt.Errorf("[%s] invalid auction_id, err=%w", op, err)
	}

	rawUserID, err := stringField(values, "user_id")
	if err != nil {
		return fact, fmt.Errorf("[%s] %w", op, err)
	}
	if fact.UserID, err = uuid.Parse(rawUserID); err != nil {
		return fact, fmt.Errorf("[%s] invalid user_id, err=%w", op, err)
	}

	if fact.Sequence, err = intField(values, "sequence"); err != nil {
		return fact, fmt.Errorf("[%s] %w", op, err)
	}

	// reverted事實只帶識別欄位
	if fact.Kind == FactKindReverted {
		return fact, nil
	}

	if fact.Amount, err = intField(values, "amount"); err != nil {
		return fact, fmt.Errorf("[%s] %w", op, err)
	}
	if fact.BidTimeMS, err = intField(values, "bid_time_ms"); err != nil {
		return fact, fmt.Errorf("[%s] %w", op, err)
	}

	return fact, nil
}

func stringField(values map[string]any, field string) (string, error) {
	raw, ok := values[field].(string)
	if !ok {
		return "", fmt.Errorf("field %s not found or invalid type", field)
	}
	return raw, nil
}

func intField(values map[string]any, field string) (int64, error) {
	raw, err := stringField(values, field)
	if err != nil {
		return 0, err
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("field %s is not an integer, err=%w", field, err)
	}
	return value, nil
}

// 即時推播事件的種類
const (
	EventBidAccepted  = "BID_ACCEPTED"
	EventBidCancelled = "BID_CANCELLED"
	EventAuctionEnded = "AUCTION_ENDED"
)

// AuctionEvent 推給前端的即時事件，at-least-once，前端需容忍重複
type AuctionEvent struct {
	Type      string     `json:"type" msgpack:"type"`
	AuctionID uuid.UUID  `json:"auctionId" msgpack:"auctionId"`
	Price     int64      `json:"price" msgpack:"price"`
	UserID    *uuid.UUID `json:"userId,omitempty" msgpack:"userId"`
	Sequence  int64      `json:"sequence,omitempty" msgpack:"sequence"`
	TimeMS    int64      `json:"timeMs" msgpack:"timeMs"`
}

// EventChannel SSE頻道名稱，一場拍賣一個頻道
func EventChannel(auctionID uuid.UUID) string {
	return "auction:" + auctionID.String()
}
