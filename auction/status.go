package auction

import (
	"fmt"
	"time"
)

// Status 代表拍賣的生命週期狀態
type Status string

const (
	StatusPending   Status = "PENDING"   // 等待審核
	StatusApproved  Status = "APPROVED"  // 審核通過，等待排程開始
	StatusRejected  Status = "REJECTED"  // 審核未通過
	StatusReady     Status = "READY"     // 已就緒，等待開始時間
	StatusOngoing   Status = "ONGOING"   // 競標進行中
	StatusEnded     Status = "ENDED"     // 已截止，等待結算
	StatusCompleted Status = "COMPLETED" // 結算完成，有得標者
	StatusFailed    Status = "FAILED"    // 流標，無人出價
)

// transitions 定義了合法的狀態轉移
// 除此之外的轉移一律拒絕
var transitions = map[Status][]Status{
	StatusPending:  {StatusApproved, StatusRejected},
	StatusApproved: {StatusReady, StatusOngoing},
	StatusReady:    {StatusOngoing},
	StatusOngoing:  {StatusEnded},
	StatusEnded:    {StatusCompleted, StatusFailed},
}

// IllegalTransitionError 表示一個不合法的狀態轉移
type IllegalTransitionError struct {
	From Status
	To   Status
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal auction transition: %s -> %s", e.From, e.To)
}

// CanTransitionTo 檢查狀態是否可以轉移到next
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Transition 驗證狀態轉移，不合法時返回IllegalTransitionError
func Transition(from, to Status) error {
	if !from.CanTransitionTo(to) {
		return &IllegalTransitionError{From: from, To: to}
	}
	return nil
}

// Terminal 判斷狀態是否為終態
func (s Status) Terminal() bool {
	return s == StatusRejected || s == StatusCompleted || s == StatusFailed
}

// Deletable 判斷此狀態下是否允許軟刪除
// 只有尚未開始競標的拍賣可以刪除
func (s Status) Deletable() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected, StatusReady:
		return true
	}
	return false
}

// ValidatePlacement 檢查目前的拍賣狀態與時間是否允許出價
//   - 狀態必須是ONGOING
//   - 時間必須落在[startTime, endTime]內
//   - 金額必須嚴格高於目前價格
func ValidatePlacement(status Status, now, startTime, endTime time.Time, amount, currentPrice int64) error {
	if status != StatusOngoing {
		return ErrNotOngoing
	}
	if now.Before(startTime) {
		return ErrNotYetStarted
	}
	if now.After(endTime) {
		return ErrAlreadyEnded
	}
	if amount <= currentPrice {
		return ErrPriceTooLow
	}
	return nil
}
