package bidding

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"gavel/auction"
	"gavel/models"
)

const testBidStream = "gavel-bid-stream"

func setupRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func setupDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// in-memory sqlite只存在於單一連線上
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(
		&models.Auction{},
		&models.Bid{},
		&models.PointAccount{},
		&models.PointTransaction{},
	))
	return db
}

// newOngoingAuction 建立一場進行中的拍賣並回寫資料庫與快照
func newOngoingAuction(t *testing.T, db *gorm.DB, snapshots *SnapshotStore, startPrice int64, endsIn time.Duration) *models.Auction {
	t.Helper()
	record := &models.Auction{
		SellerID:      uuid.New(),
		Title:         "vintage camera",
		StartingPrice: startPrice,
		CurrentPrice:  startPrice,
		StartTime:     time.Now().Add(-time.Hour),
		EndTime:       time.Now().Add(endsIn),
		Status:        auction.StatusOngoing,
	}
	require.NoError(t, db.Create(record).Error)
	require.NoError(t, snapshots.Init(context.Background(), record))
	return record
}

// persistBid 模擬持久化worker把接受的出價落成資料庫紀錄
func persistBid(t *testing.T, db *gorm.DB, accepted *AcceptedBid) {
	t.Helper()
	require.NoError(t, db.Create(&models.Bid{
		AuctionID: accepted.AuctionID,
		UserID:    accepted.UserID,
		Amount:    accepted.Amount,
		BidTime:   accepted.BidTime,
		Sequence:  accepted.Sequence,
		Status:    models.BidStatusActive,
	}).Error)
}

// passthroughMutex 測試用的分散式鎖替身
type passthroughMutex struct {
	mu     sync.Mutex
	locked bool
	cancel context.CancelFunc
}

func (m *passthroughMutex) Lock(ctx context.Context) (context.Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lockCtx, cancel := context.WithCancel(ctx)
	m.locked = true
	m.cancel = cancel
	return lockCtx, nil
}

func (m *passthroughMutex) Unlock() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.locked {
		return false, nil
	}
	m.locked = false
	m.cancel()
	return true, nil
}

func (m *passthroughMutex) Valid() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked
}
