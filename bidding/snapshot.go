package bidding

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"gavel/models"
)

// Snapshot 一場進行中拍賣的競價快照
// 存放在redis hash，是出價熱路徑唯一的讀寫對象
type Snapshot struct {
	Price      int64
	Bidder     string
	Sequence   int64
	EndMS      int64
	Seller     string
	StartPrice int64
}

// HighestBidder 當前最高出價者，還沒有人出價時返回nil
func (s Snapshot) HighestBidder() (*uuid.UUID, error) {
	if s.Bidder == "" {
		return nil, nil
	}
	id, err := uuid.Parse(s.Bidder)
	if err != nil {
		return nil, fmt.Errorf("invalid bidder in snapshot, err=%w", err)
	}
	return &id, nil
}

// SnapshotStore 競價快照的存取層
// 快照由排程在拍賣開始時建立，出價與回滾腳本是唯二的寫入者，
// 熱路徑上不存在就視為拍賣不在進行中，不做補種
type SnapshotStore struct {
	client *redis.Client
	prefix string
}

func NewSnapshotStore(client *redis.Client, prefix string) *SnapshotStore {
	return &SnapshotStore{client: client, prefix: prefix}
}

// Key 快照的redis key
func (s *SnapshotStore) Key(auctionID uuid.UUID) string {
	return s.prefix + "auction:" + auctionID.String()
}

// Client 底層的redis client，腳本執行時需要
func (s *SnapshotStore) Client() *redis.Client {
	return s.client
}

// Init 在拍賣開始時建立快照
// 重建時保留既有出價進度，所以用HSETNX逐欄位寫入
func (s *SnapshotStore) Init(ctx context.Context, auction *models.Auction) error {
	const op = "SnapshotStore.Init"

	key := s.Key(auction.ID)
	pipe := s.client.TxPipeline()
	pipe.HSetNX(ctx, key, "price", auction.StartingPrice)
	pipe.HSetNX(ctx, key, "bidder", "")
	pipe.HSetNX(ctx, key, "seq", 0)
	pipe.HSetNX(ctx, key, "end_ms", auction.EndTime.UnixMilli())
	pipe.HSetNX(ctx, key, "seller", auction.SellerID.String())
	pipe.HSetNX(ctx, key, "start_price", auction.StartingPrice)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("[%s] failed to init snapshot, auctionID=%s, err=%w", op, auction.ID, err)
	}
	return nil
}

// Current 讀取快照，不存在時返回ErrAuctionNotFound
func (s *SnapshotStore) Current(ctx context.Context, auctionID uuid.UUID) (Snapshot, error) {
	const op = "SnapshotStore.Current"

	values, err := s.client.HGetAll(ctx, s.Key(auctionID)).Result()
	if err != nil {
		return Snapshot{}, fmt.Errorf("[%s] failed to read snapshot, auctionID=%s, err=%w", op, auctionID, err)
	}
	if len(values) == 0 {
		return Snapshot{}, ErrAuctionNotFound
	}

	snapshot := Snapshot{Bidder: values["bidder"]}
	for field, target := range map[string]*int64{
		"price":       &snapshot.Price,
		"seq":         &snapshot.Sequence,
		"end_ms":      &snapshot.EndMS,
		"start_price": &snapshot.StartPrice,
	} {
		if _, err := fmt.Sscan(values[field], target); err != nil {
			return Snapshot{}, fmt.Errorf("[%s] corrupt snapshot field %s, auctionID=%s, err=%w", op, field, auctionID, err)
		}
	}
	snapshot.Seller = values["seller"]
	return snapshot, nil
}

// SetEnd 把快照的截止時間改寫成end
// 用於強制結束，改寫後出價腳本立即拒絕新的出價
func (s *SnapshotStore) SetEnd(ctx context.Context, auctionID uuid.UUID, end time.Time) error {
	const op = "SnapshotStore.SetEnd"

	if err := s.client.HSet(ctx, s.Key(auctionID), "end_ms", end.UnixMilli()).Err(); err != nil {
		return fmt.Errorf("[%s] failed to set snapshot end, auctionID=%s, err=%w", op, auctionID, err)
	}
	return nil
}

// Expire 給快照設定保留期限，讓遲到的讀取還能看到結束前的狀態
func (s *SnapshotStore) Expire(ctx context.Context, auctionID uuid.UUID, retention time.Duration) error {
	const op = "SnapshotStore.Expire"

	if err := s.client.PExpire(ctx, s.Key(auctionID), retention).Err(); err != nil {
		return fmt.Errorf("[%s] failed to expire snapshot, auctionID=%s, err=%w", op, auctionID, err)
	}
	return nil
}
