package bidding

import "errors"

var (
	// ErrAuctionNotFound 競價快照不存在，拍賣還沒開始或已經結束
	ErrAuctionNotFound = errors.New("auction snapshot not found")
	// ErrAuctionEnded 拍賣已過結束時間
	ErrAuctionEnded = errors.New("auction has ended")
	// ErrPriceTooLow 出價沒有高於當前價格
	ErrPriceTooLow = errors.New("bid amount is not higher than current price")
	// ErrSelfBidding 出價者已經是當前最高出價者
	ErrSelfBidding = errors.New("bidder is already the highest bidder")
	// ErrNotEnoughPoint 可用點數不足以支付出價金額
	ErrNotEnoughPoint = errors.New("not enough available points")
	// ErrNoActiveBid 使用者在這場拍賣沒有可取消的出價
	ErrNoActiveBid = errors.New("no active bid to cancel")
	// ErrCancellationWindowClosed 距離結束時間太近，不允許取消
	ErrCancellationWindowClosed = errors.New("cancellation window has closed")
	// ErrHoldFailed 出價已被撤銷，因為點數保留最終失敗
	ErrHoldFailed = errors.New("point hold failed, bid reverted")
)
