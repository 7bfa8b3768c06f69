package models

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// PointAccount 代表使用者的點數帳戶
// TotalPoint是持久餘額，LockedPoint是所有PENDING保留的總和
// 可用點數 = TotalPoint - LockedPoint，不另外儲存
// 不變量: TotalPoint >= 0 且 LockedPoint <= TotalPoint
type PointAccount struct {
	gorm.Model

	UserID      uuid.UUID `gorm:"type:uuid;primaryKey;<-:create"`
	TotalPoint  int64     `gorm:"type:bigint;not null;default:0"`
	LockedPoint int64     `gorm:"type:bigint;not null;default:0"`

	User User `gorm:"foreignKey:UserID"`
}

// AvailablePoint 回傳可用點數
func (a PointAccount) AvailablePoint() int64 {
	return a.TotalPoint - a.LockedPoint
}
