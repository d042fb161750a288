package models

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Item 代表一件代幣化物品的託管狀態
// Locked 為 true 時持有者不能把物品轉移到別處
type Item struct {
	gorm.Model

	ID       uuid.UUID `gorm:"type:uuid;primaryKey;<-:create"`
	HolderID uuid.UUID `gorm:"type:uuid;not null"`
	Locked   bool      `gorm:"type:boolean;not null;default:false"`

	// 外鍵關聯
	Holder User `gorm:"foreignKey:HolderID"`
}
