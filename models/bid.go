package models

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Bid 代表拍賣物品的出價紀錄，用於歷史查詢。
// 對應的資金流向記錄在escrows表，不在這裡。
type Bid struct {
	*gorm.Model

	ID        uuid.UUID `gorm:"type:uuid;default:public.uuid_generate_v7();primaryKey;<-:false"`
	Amount    uint64    `gorm:"type:bigint;not null;<-:create"`
	UserID    uuid.UUID `gorm:"type:uuid;not null;<-:create"`
	AuctionID uuid.UUID `gorm:"type:uuid;not null;<-:create"`

	// 外鍵關聯
	User    User
	Auction Auction
}
