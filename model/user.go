package model

import (
	"time"

	"gorm.io/gorm"
)

const (
	UserStatusEnabled  = 1
	UserStatusDisabled = 2
)

type User struct {
	Id        int            `json:"id" gorm:"primaryKey"`
	Username  string         `json:"username" gorm:"uniqueIndex;size:64"`
	Status    int            `json:"status" gorm:"type:int;default:1"`
	CreatedAt time.Time      `json:"created_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`
}

// GetActiveUserIds returns every enabled, non-deleted user. The consistency
// auditor walks this set.
func GetActiveUserIds(db *gorm.DB) ([]int, error) {
	var ids []int
	err := db.Model(&User{}).Where("status = ?", UserStatusEnabled).Pluck("id", &ids).Error
	return ids, err
}
