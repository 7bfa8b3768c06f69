package ledger

import "errors"

var (
	// ErrAccountNotFound 表示點數帳戶不存在
	ErrAccountNotFound = errors.New("point account not found")
	// ErrNotEnoughPoint 表示可用點數不足
	ErrNotEnoughPoint = errors.New("not enough point")
	// ErrHoldNotFound 表示找不到對應的PENDING保留
	ErrHoldNotFound = errors.New("pending hold not found")
	// ErrInvalidAmount 表示異動金額不是正數
	ErrInvalidAmount = errors.New("amount must be positive")
)
