package models

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// User 代表拍賣系統中的使用者
type User struct {
	gorm.Model

	ID       uuid.UUID `gorm:"type:uuid;primaryKey"`
	Username string    `gorm:"type:varchar(255);not null;<-:create"`
}
