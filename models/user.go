package models

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// User 代表拍賣系統中的使用者
// Balance 是還沒被託管佔用的可動用資金 (以最小面額計)
type User struct {
	gorm.Model

	ID       uuid.UUID `gorm:"type:uuid;default:public.uuid_generate_v7();primaryKey;<-:false"`
	Username string    `gorm:"type:varchar(255);not null;<-:create"`
	Balance  uint64    `gorm:"type:bigint;not null;default:0"`
}
