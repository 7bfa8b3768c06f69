package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"gavel/auction"
	"gavel/bidding"
	"gavel/ledger"
	"gavel/models"
)

// RegisterRoutes 掛載所有HTTP路由
// 身份驗證交給前面的gateway，這裡只讀取它塞進來的使用者標頭
func (impl *ServerImpl) RegisterRoutes(router *gin.Engine) {
	router.POST("/auctions", impl.PostAuction)
	router.GET("/auctions/:auctionID", impl.GetAuction)
	router.DELETE("/auctions/:auctionID", impl.DeleteAuction)
	router.GET("/auctions/:auctionID/events", impl.GetAuctionEvents)
	router.POST("/auctions/:auctionID/bids", impl.PostBid)
	router.POST("/auctions/:auctionID/bids/cancellation", impl.PostCancelBid)

	admin := router.Group("/admin")
	admin.POST("/auctions/:auctionID/approve", impl.PostApproveAuction)
	admin.POST("/auctions/:auctionID/reject", impl.PostRejectAuction)
	admin.POST("/auctions/:auctionID/force-start", impl.PostForceStartAuction)
	admin.POST("/auctions/:auctionID/force-end", impl.PostForceEndAuction)

	router.GET("/points", impl.GetPoints)
	router.POST("/points/charge", impl.PostCharge)
}

// currentUser 從gateway塞進來的標頭取得使用者身份
func currentUser(c *gin.Context) (uuid.UUID, bool) {
	userID, err := uuid.Parse(c.GetHeader("X-User-ID"))
	if err != nil {
		c.Status(http.StatusUnauthorized)
		return uuid.Nil, false
	}
	return userID, true
}

func pathAuctionID(c *gin.Context) (uuid.UUID, bool) {
	auctionID, err := uuid.Parse(c.Param("auctionID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "invalid auction id"})
		return uuid.Nil, false
	}
	return auctionID, true
}

type PostAuctionRequest struct {
	Title         string     `json:"title" binding:"required"`
	Description   *string    `json:"description"`
	StartingPrice *int64     `json:"startingPrice"`
	StartTime     *time.Time `json:"startTime"`
	EndTime       time.Time  `json:"endTime" binding:"required"`
}

// Submit a new auction listing
// (POST /auctions)
func (impl *ServerImpl) PostAuction(c *gin.Context) {
	const op = "PostAuction"
	sellerID, ok := currentUser(c)
	if !ok {
		return
	}
	var request PostAuctionRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	// 處理預設值
	if request.Description == nil {
		request.Description = lo.ToPtr("")
	}
	if request.StartingPrice == nil {
		request.StartingPrice = lo.ToPtr(int64(0))
	}
	if request.StartTime == nil {
		request.StartTime = lo.ToPtr(time.Now())
	}
	// 檢查拍賣時段是否合法
	if request.StartTime.After(request.EndTime) || request.EndTime.Before(time.Now()) {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Invalid auction time"})
		return
	}
	if *request.StartingPrice < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Invalid starting price"})
		return
	}
	// 處理拍賣描述，剔除不安全的HTML
	record := models.Auction{
		SellerID:      sellerID,
		Title:         request.Title,
		Description:   impl.htmlChecker.Sanitize(*request.Description),
		StartingPrice: *request.StartingPrice,
		CurrentPrice:  *request.StartingPrice,
		StartTime:     *request.StartTime,
		EndTime:       request.EndTime,
		Status:        auction.StatusPending,
	}
	if result := impl.db.Create(&record); result.Error != nil {
		slog.Error("Fail to create auction", slog.String("op", op), slog.Any("error", result.Error))
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Header("Location", "/auctions/"+record.ID.String())
	c.Status(http.StatusCreated)
}

type BidRecordView struct {
	UserID   uuid.UUID `json:"userId"`
	Amount   int64     `json:"amount"`
	Sequence int64     `json:"sequence"`
	Status   string    `json:"status"`
	BidTime  time.Time `json:"bidTime"`
}

// Get auction details
// (GET /auctions/{auctionID})
func (impl *ServerImpl) GetAuction(c *gin.Context) {
	const op = "GetAuction"
	auctionID, ok := pathAuctionID(c)
	if !ok {
		return
	}
	var record models.Auction
	if result := impl.db.
		Preload("BidRecords", func(db *gorm.DB) *gorm.DB {
			return db.Order(clause.OrderByColumn{Column: clause.Column{Name: "sequence"}, Desc: true})
		}).
		First(&record, "id = ?", auctionID); result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			c.Status(http.StatusNotFound)
			return
		}
		slog.Error("Fail to find auction", slog.String("op", op), slog.Any("error", result.Error))
		c.Status(http.StatusInternalServerError)
		return
	}

	// 進行中的權威價格在快照上，worker回寫的資料庫價格可能落後
	currentPrice := record.CurrentPrice
	currentBidder := record.CurrentBidderID
	if record.Status == auction.StatusOngoing {
		if snapshot, err := impl.snapshots.Current(c.Request.Context(), auctionID); err == nil {
			currentPrice = snapshot.Price
			if bidder, err := snapshot.HighestBidder(); err == nil {
				currentBidder = bidder
			}
		}
	}

	bidRecords := make([]BidRecordView, len(record.BidRecords))
	for i, bid := range record.BidRecords {
		bidRecords[i] = BidRecordView{
			UserID:   bid.UserID,
			Amount:   bid.Amount,
			Sequence: bid.Sequence,
			Status:   string(bid.Status),
			BidTime:  bid.BidTime,
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"id":              record.ID,
		"sellerId":        record.SellerID,
		"title":           record.Title,
		"description":     record.Description,
		"status":          record.Status,
		"startingPrice":   record.StartingPrice,
		"currentPrice":    currentPrice,
		"currentBidderId": currentBidder,
		"startTime":       record.StartTime,
		"endTime":         record.EndTime,
		"bidRecords":      bidRecords,
	})
}

// Withdraw an auction listing before it goes live
// (DELETE /auctions/{auctionID})
func (impl *ServerImpl) DeleteAuction(c *gin.Context) {
	const op = "DeleteAuction"
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	auctionID, ok := pathAuctionID(c)
	if !ok {
		return
	}
	var record models.Auction
	if result := impl.db.First(&record, "id = ?", auctionID); result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			c.Status(http.StatusNotFound)
			return
		}
		slog.Error("Fail to find auction", slog.String("op", op), slog.Any("error", result.Error))
		c.Status(http.StatusInternalServerError)
		return
	}
	if record.SellerID != userID {
		c.Status(http.StatusForbidden)
		return
	}
	if !record.Status.Deletable() {
		c.JSON(http.StatusConflict, gin.H{"message": auction.ErrNotDeletable.Error()})
		return
	}
	if result := impl.db.Delete(&record); result.Error != nil {
		slog.Error("Fail to delete auction", slog.String("op", op), slog.Any("error", result.Error))
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Status(http.StatusNoContent)
}

type PostBidRequest struct {
	Amount int64 `json:"amount" binding:"required"`
}

// Place a bid
// (POST /auctions/{auctionID}/bids)
func (impl *ServerImpl) PostBid(c *gin.Context) {
	const op = "PostBid"
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	auctionID, ok := pathAuctionID(c)
	if !ok {
		return
	}
	var request PostBidRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}

	// 資料庫側先擋掉明顯不合法的出價，准入的最終權威仍是快照腳本
	// (worker回寫的價格只會落後不會超前，這裡多放行的由腳本拒絕)
	var record models.Auction
	if err := impl.db.First(&record, "id = ?", auctionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.Status(http.StatusNotFound)
			return
		}
		slog.Error("Fail to find auction", slog.String("op", op), slog.Any("error", err))
		c.Status(http.StatusInternalServerError)
		return
	}
	if err := auction.ValidatePlacement(record.Status, time.Now(), record.StartTime, record.EndTime, request.Amount, record.CurrentPrice); err != nil {
		switch {
		case errors.Is(err, auction.ErrNotOngoing):
			c.JSON(http.StatusConflict, gin.H{"message": err.Error()})
		case errors.Is(err, auction.ErrNotYetStarted):
			c.JSON(http.StatusForbidden, gin.H{"message": err.Error()})
		case errors.Is(err, auction.ErrAlreadyEnded):
			c.Status(http.StatusGone)
		default:
			c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		}
		return
	}

	accepted, err := impl.processor.TryBid(c.Request.Context(), auctionID, userID, request.Amount)
	switch {
	case err == nil:
		slog.Info("Higher bid occurs",
			slog.String("user", userID.String()),
			slog.Int64("bid", request.Amount),
			slog.String("auctionID", auctionID.String()),
		)
		c.JSON(http.StatusOK, gin.H{
			"sequence": accepted.Sequence,
			"amount":   accepted.Amount,
			"bidTime":  accepted.BidTime,
		})
	case errors.Is(err, bidding.ErrAuctionNotFound):
		c.Status(http.StatusNotFound)
	case errors.Is(err, bidding.ErrAuctionEnded):
		c.Status(http.StatusGone)
	case errors.Is(err, bidding.ErrPriceTooLow):
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
	case errors.Is(err, bidding.ErrSelfBidding):
		c.JSON(http.StatusForbidden, gin.H{"message": "Cannot outbid yourself"})
	case errors.Is(err, bidding.ErrNotEnoughPoint):
		c.JSON(http.StatusPaymentRequired, gin.H{"message": "Not enough points"})
	default:
		slog.Error("Fail to place bid", slog.String("op", op), slog.Any("error", err))
		c.Status(http.StatusInternalServerError)
	}
}

type PostCancelBidRequest struct {
	Reason string `json:"reason"`
}

// Cancel the caller's active bid
// (POST /auctions/{auctionID}/bids/cancellation)
func (impl *ServerImpl) PostCancelBid(c *gin.Context) {
	const op = "PostCancelBid"
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	auctionID, ok := pathAuctionID(c)
	if !ok {
		return
	}
	// reason是選填，body可以整個省略
	var request PostCancelBidRequest
	_ = c.ShouldBindJSON(&request)
	if request.Reason == "" {
		request.Reason = "cancelled by user"
	}

	result, err := impl.cancellation.CancelBid(c.Request.Context(), auctionID, userID, request.Reason)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{
			"fee":       result.Fee,
			"refund":    result.Refund,
			"newPrice":  result.NewPrice,
			"newBidder": result.NewBidder,
		})
	case errors.Is(err, bidding.ErrAuctionNotFound):
		c.Status(http.StatusNotFound)
	case errors.Is(err, auction.ErrNotOngoing):
		c.JSON(http.StatusConflict, gin.H{"message": "Auction is not ongoing"})
	case errors.Is(err, bidding.ErrCancellationWindowClosed):
		c.JSON(http.StatusForbidden, gin.H{"message": "Too close to auction end"})
	case errors.Is(err, bidding.ErrNoActiveBid):
		c.JSON(http.StatusBadRequest, gin.H{"message": "No active bid to cancel"})
	default:
		slog.Error("Fail to cancel bid", slog.String("op", op), slog.Any("error", err))
		c.Status(http.StatusInternalServerError)
	}
}

// Track auction events
// (GET /auctions/{auctionID}/events)
func (impl *ServerImpl) GetAuctionEvents(c *gin.Context) {
	const op = "GetAuctionEvents"
	auctionID, ok := pathAuctionID(c)
	if !ok {
		return
	}
	var record models.Auction
	if result := impl.db.First(&record, "id = ?", auctionID); result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			c.Status(http.StatusNotFound)
			return
		}
		slog.Error("Fail to find auction", slog.String("op", op), slog.Any("error", result.Error))
		c.Status(http.StatusInternalServerError)
		return
	}
	// 開始前5分鐘開放連線，結束的拍賣不再提供串流
	now := time.Now()
	if now.Before(record.StartTime.Add(-5 * time.Minute)) {
		c.JSON(http.StatusForbidden, gin.H{"message": "Auction has not started"})
		return
	}
	if record.Status.Terminal() || now.After(record.EndTime) {
		c.JSON(http.StatusGone, gin.H{"message": "Auction has ended"})
		return
	}
	// SSE請求合法，開始初始化串流
	w := c.Writer
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Transfer-Encoding", "chunked")
	channelName := bidding.EventChannel(auctionID)
	ch, err := impl.sseManager.Subscribe(channelName)
	if err != nil {
		slog.Error("Fail to subscribe to auction events", slog.String("op", op), slog.Any("error", err))
		c.Status(http.StatusInternalServerError)
		return
	}
LOOP:
	for {
		select {
		case <-c.Request.Context().Done():
			impl.sseManager.Unsubscribe(channelName, ch)
			break LOOP
		case event := <-ch:
			c.SSEvent(event.Type, event)
			w.Flush()
		// 30秒沒有事件就發送一個空行，確保瀏覽器和proxy不會斷開連線
		case <-time.After(30 * time.Second):
			w.WriteString("\n\n")
			w.Flush()
		}
	}
}

// Approve a pending listing
// (POST /admin/auctions/{auctionID}/approve)
func (impl *ServerImpl) PostApproveAuction(c *gin.Context) {
	impl.transitionAuction(c, auction.StatusApproved)
}

// Reject a pending listing
// (POST /admin/auctions/{auctionID}/reject)
func (impl *ServerImpl) PostRejectAuction(c *gin.Context) {
	impl.transitionAuction(c, auction.StatusRejected)
}

func (impl *ServerImpl) transitionAuction(c *gin.Context, to auction.Status) {
	const op = "transitionAuction"
	auctionID, ok := pathAuctionID(c)
	if !ok {
		return
	}
	var record models.Auction
	if result := impl.db.First(&record, "id = ?", auctionID); result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			c.Status(http.StatusNotFound)
			return
		}
		slog.Error("Fail to find auction", slog.String("op", op), slog.Any("error", result.Error))
		c.Status(http.StatusInternalServerError)
		return
	}
	if err := auction.Transition(record.Status, to); err != nil {
		c.JSON(http.StatusConflict, gin.H{"message": err.Error()})
		return
	}
	if result := impl.db.Model(&record).Update("status", to); result.Error != nil {
		slog.Error("Fail to update auction status", slog.String("op", op), slog.Any("error", result.Error))
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Status(http.StatusOK)
}

// Force an approved listing to start immediately
// (POST /admin/auctions/{auctionID}/force-start)
func (impl *ServerImpl) PostForceStartAuction(c *gin.Context) {
	const op = "PostForceStartAuction"
	auctionID, ok := pathAuctionID(c)
	if !ok {
		return
	}
	var record models.Auction
	if result := impl.db.First(&record, "id = ?", auctionID); result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			c.Status(http.StatusNotFound)
			return
		}
		slog.Error("Fail to find auction", slog.String("op", op), slog.Any("error", result.Error))
		c.Status(http.StatusInternalServerError)
		return
	}
	if err := auction.Transition(record.Status, auction.StatusOngoing); err != nil {
		c.JSON(http.StatusConflict, gin.H{"message": err.Error()})
		return
	}
	// 先建快照再改狀態，狀態一變成進行中出價就必須能成功
	if err := impl.snapshots.Init(c.Request.Context(), &record); err != nil {
		slog.Error("Fail to init snapshot", slog.String("op", op), slog.Any("error", err))
		c.Status(http.StatusInternalServerError)
		return
	}
	if result := impl.db.Model(&record).Update("status", auction.StatusOngoing); result.Error != nil {
		slog.Error("Fail to update auction status", slog.String("op", op), slog.Any("error", result.Error))
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Status(http.StatusOK)
}

// Force an ongoing auction to end at the next scheduler tick
// (POST /admin/auctions/{auctionID}/force-end)
func (impl *ServerImpl) PostForceEndAuction(c *gin.Context) {
	const op = "PostForceEndAuction"
	auctionID, ok := pathAuctionID(c)
	if !ok {
		return
	}
	var record models.Auction
	if result := impl.db.First(&record, "id = ?", auctionID); result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			c.Status(http.StatusNotFound)
			return
		}
		slog.Error("Fail to find auction", slog.String("op", op), slog.Any("error", result.Error))
		c.Status(http.StatusInternalServerError)
		return
	}
	if record.Status != auction.StatusOngoing {
		c.JSON(http.StatusConflict, gin.H{"message": "Auction is not ongoing"})
		return
	}
	// 截止時間改成現在:快照先改，新出價立即被拒；
	// 實際結算交給排程的end-due任務，和自然到期走同一條路
	now := time.Now()
	if err := impl.snapshots.SetEnd(c.Request.Context(), auctionID, now); err != nil {
		slog.Error("Fail to close snapshot", slog.String("op", op), slog.Any("error", err))
		c.Status(http.StatusInternalServerError)
		return
	}
	if result := impl.db.Model(&record).Update("end_time", now); result.Error != nil {
		slog.Error("Fail to update auction end time", slog.String("op", op), slog.Any("error", result.Error))
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Status(http.StatusAccepted)
}

// Get the caller's point account
// (GET /points)
func (impl *ServerImpl) GetPoints(c *gin.Context) {
	const op = "GetPoints"
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	account, err := impl.ledger.Account(c.Request.Context(), userID)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		// 還沒儲值過，視為零餘額帳戶
		account = models.PointAccount{UserID: userID}
	} else if err != nil {
		slog.Error("Fail to load point account", slog.String("op", op), slog.Any("error", err))
		c.Status(http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"totalPoint":     account.TotalPoint,
		"lockedPoint":    account.LockedPoint,
		"availablePoint": account.AvailablePoint(),
	})
}

type PostChargeRequest struct {
	Amount int64 `json:"amount" binding:"required"`
}

// Charge points into the caller's account
// (POST /points/charge)
func (impl *ServerImpl) PostCharge(c *gin.Context) {
	const op = "PostCharge"
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	var request PostChargeRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	err := impl.ledger.Charge(c.Request.Context(), userID, request.Amount)
	switch {
	case err == nil:
		c.Status(http.StatusOK)
	case errors.Is(err, ledger.ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"message": fmt.Sprintf("Invalid amount: %d", request.Amount)})
	default:
		slog.Error("Fail to charge points", slog.String("op", op), slog.Any("error", err))
		c.Status(http.StatusInternalServerError)
	}
}
