package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	streams "gavel/adapters/redis"
	"gavel/auction"
	"gavel/bidding"
	"gavel/ledger"
	"gavel/models"
)

const testBidStream = "gavel-bid-stream"

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	m.Run()
}

type testServer struct {
	impl   *ServerImpl
	router *gin.Engine
	mr     *miniredis.Miniredis
	client *redis.Client
	db     *gorm.DB
	ledger *ledger.Service
}

// setupServer 只組出handler與worker需要的元件，不經過NewServer
// (NewServer綁定postgres連線，測試用sqlite與miniredis替代)
func setupServer(t *testing.T) *testServer {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(
		&models.Auction{},
		&models.Bid{},
		&models.PointAccount{},
		&models.PointTransaction{},
	))

	snapshots := bidding.NewSnapshotStore(client, "gavel:")
	ledgerSvc := ledger.NewService(db, nil)

	processor, err := bidding.NewProcessor(snapshots, ledgerSvc, testBidStream)
	require.NoError(t, err)
	cancellation, err := bidding.NewCancellationEngine(db, ledgerSvc, snapshots,
		bidding.WithEngineMutexFactory(func(uuid.UUID) streams.IAutoRenewMutex {
			return &stubMutex{}
		}),
	)
	require.NoError(t, err)

	impl := &ServerImpl{
		db:           db,
		redisClient:  client,
		snapshots:    snapshots,
		ledger:       ledgerSvc,
		processor:    processor,
		cancellation: cancellation,
		htmlChecker:  bluemonday.UGCPolicy(),
	}
	router := gin.New()
	impl.RegisterRoutes(router)

	return &testServer{
		impl:   impl,
		router: router,
		mr:     mr,
		client: client,
		db:     db,
		ledger: ledgerSvc,
	}
}

// request 發送一個測試請求，userID為nil時不帶身份標頭
func (ts *testServer) request(t *testing.T, method, path string, body any, userID *uuid.UUID) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if userID != nil {
		req.Header.Set("X-User-ID", userID.String())
	}
	recorder := httptest.NewRecorder()
	ts.router.ServeHTTP(recorder, req)
	return recorder
}

func (ts *testServer) createAuction(t *testing.T, status auction.Status, startPrice int64, endsIn time.Duration) *models.Auction {
	t.Helper()
	record := &models.Auction{
		SellerID:      uuid.New(),
		Title:         "vintage camera",
		StartingPrice: startPrice,
		CurrentPrice:  startPrice,
		StartTime:     time.Now().Add(-time.Hour),
		EndTime:       time.Now().Add(endsIn),
		Status:        status,
	}
	require.NoError(t, ts.db.Create(record).Error)
	if status == auction.StatusOngoing {
		require.NoError(t, ts.impl.snapshots.Init(context.Background(), record))
	}
	return record
}

// drainBidFacts 把stream上累積的出價事實跑過一遍持久化，模擬worker追上進度
func (ts *testServer) drainBidFacts(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	messages, err := ts.client.XRange(ctx, testBidStream, "-", "+").Result()
	require.NoError(t, err)
	for _, message := range messages {
		fact, err := bidding.ParseBidFact(message.Values)
		require.NoError(t, err)
		require.NoError(t, ts.impl.syncBidFact(ctx, fact))
		require.NoError(t, ts.client.XDel(ctx, testBidStream, message.ID).Err())
	}
}

// stubMutex 測試用的分散式鎖替身
type stubMutex struct {
	mu     sync.Mutex
	locked bool
	cancel context.CancelFunc
}

func (m *stubMutex) Lock(ctx context.Context) (context.Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lockCtx, cancel := context.WithCancel(ctx)
	m.locked = true
	m.cancel = cancel
	return lockCtx, nil
}

func (m *stubMutex) Unlock() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.locked {
		return false, nil
	}
	m.locked = false
	m.cancel()
	return true, nil
}

func (m *stubMutex) Valid() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked
}
