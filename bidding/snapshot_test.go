package bidding

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotStore(t *testing.T) {
	ctx := context.Background()

	t.Run("建立與讀取快照", func(t *testing.T) {
		mr, client := setupRedis(t)
		snapshots := NewSnapshotStore(client, "gavel:")
		db := setupDB(t)

		record := newOngoingAuction(t, db, snapshots, 1000, time.Hour)

		snapshot, err := snapshots.Current(ctx, record.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(1000), snapshot.Price)
		assert.Equal(t, int64(1000), snapshot.StartPrice)
		assert.Equal(t, "", snapshot.Bidder)
		assert.Equal(t, int64(0), snapshot.Sequence)
		assert.Equal(t, record.EndTime.UnixMilli(), snapshot.EndMS)
		assert.Equal(t, record.SellerID.String(), snapshot.Seller)

		bidder, err := snapshot.HighestBidder()
		require.NoError(t, err)
		assert.Nil(t, bidder)

		assert.True(t, mr.Exists("gavel:auction:"+record.ID.String()))
	})

	t.Run("重複建立不會覆蓋出價進度", func(t *testing.T) {
		mr, client := setupRedis(t)
		snapshots := NewSnapshotStore(client, "gavel:")
		db := setupDB(t)

		record := newOngoingAuction(t, db, snapshots, 1000, time.Hour)

		// 模擬已有出價
		key := snapshots.Key(record.ID)
		mr.HSet(key, "price", "1500")
		mr.HSet(key, "bidder", uuid.NewString())
		mr.HSet(key, "seq", "1")

		require.NoError(t, snapshots.Init(ctx, record))

		snapshot, err := snapshots.Current(ctx, record.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(1500), snapshot.Price)
		assert.Equal(t, int64(1), snapshot.Sequence)
	})

	t.Run("快照不存在", func(t *testing.T) {
		_, client := setupRedis(t)
		snapshots := NewSnapshotStore(client, "gavel:")

		_, err := snapshots.Current(ctx, uuid.New())
		assert.ErrorIs(t, err, ErrAuctionNotFound)
	})

	t.Run("保留期滿後快照消失", func(t *testing.T) {
		mr, client := setupRedis(t)
		snapshots := NewSnapshotStore(client, "gavel:")
		db := setupDB(t)

		record := newOngoingAuction(t, db, snapshots, 1000, time.Hour)
		require.NoError(t, snapshots.Expire(ctx, record.ID, time.Minute))

		mr.FastForward(2 * time.Minute)
		_, err := snapshots.Current(ctx, record.ID)
		assert.ErrorIs(t, err, ErrAuctionNotFound)
	})
}

func TestParseBidFact(t *testing.T) {
	auctionID, userID := uuid.New(), uuid.New()

	t.Run("accepted事實", func(t *testing.T) {
		fact, err := ParseBidFact(map[string]any{
			"kind":        "accepted",
			"auction_id":  auctionID.String(),
			"user_id":     userID.String(),
			"amount":      "1500",
			"bid_time_ms": "1700000000000",
			"sequence":    "3",
		})
		require.NoError(t, err)
		assert.Equal(t, BidFact{
			Kind:      FactKindAccepted,
			AuctionID: auctionID,
			UserID:    userID,
			Amount:    1500,
			BidTimeMS: 1700000000000,
			Sequence:  3,
		}, fact)
	})

	t.Run("reverted事實只帶識別欄位", func(t *testing.T) {
		fact, err := ParseBidFact(map[string]any{
			"kind":       "reverted",
			"auction_id": auctionID.String(),
			"user_id":    userID.String(),
			"sequence":   "3",
		})
		require.NoError(t, err)
		assert.Equal(t, FactKindReverted, fact.Kind)
		assert.Equal(t, int64(3), fact.Sequence)
		assert.Zero(t, fact.Amount)
	})

	tests := []struct {
		name   string
		values map[string]any
	}{
		{"未知的kind", map[string]any{"kind": "unknown"}},
		{"缺少auction_id", map[string]any{"kind": "accepted", "user_id": userID.String()}},
		{"非法的auction_id", map[string]any{"kind": "accepted", "auction_id": "not-a-uuid"}},
		{"amount不是整數", map[string]any{
			"kind": "accepted", "auction_id": auctionID.String(),
			"user_id": userID.String(), "sequence": "1",
			"amount": "abc", "bid_time_ms": "0",
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseBidFact(tt.values)
			assert.Error(t, err)
		})
	}
}
