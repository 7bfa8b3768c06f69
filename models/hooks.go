package models

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// 主鍵使用uuid v7，在建立時由應用端產生
// 以時間排序的v7可以讓索引保持append-only

func newID() (uuid.UUID, error) {
	return uuid.NewV7()
}

func (a *Auction) BeforeCreate(*gorm.DB) (err error) {
	if a.ID == uuid.Nil {
		a.ID, err = newID()
	}
	return err
}

func (b *Bid) BeforeCreate(*gorm.DB) (err error) {
	if b.ID == uuid.Nil {
		b.ID, err = newID()
	}
	return err
}

func (u *User) BeforeCreate(*gorm.DB) (err error) {
	if u.ID == uuid.Nil {
		u.ID, err = newID()
	}
	return err
}

func (t *PointTransaction) BeforeCreate(*gorm.DB) (err error) {
	if t.ID == uuid.Nil {
		t.ID, err = newID()
	}
	return err
}
