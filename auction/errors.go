package auction

import "errors"

var (
	// ErrNotOngoing 表示拍賣不在進行中
	ErrNotOngoing = errors.New("auction is not ongoing")
	// ErrNotYetStarted 表示拍賣尚未開始
	ErrNotYetStarted = errors.New("auction has not started")
	// ErrAlreadyEnded 表示拍賣已經結束
	ErrAlreadyEnded = errors.New("auction has ended")
	// ErrPriceTooLow 表示出價金額不高於目前價格
	ErrPriceTooLow = errors.New("bid amount is not higher than current price")
	// ErrNotDeletable 表示拍賣已開始，不允許刪除
	ErrNotDeletable = errors.New("auction can no longer be deleted")
)
