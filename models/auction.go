package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Auction 代表一場單一物品的英式拍賣
// 持久化引擎的拍賣紀錄：ended 和目前最高出價是需要在
// 任何對外資金或物品移動定案前先落盤的兩個欄位
type Auction struct {
	gorm.Model

	ID          uuid.UUID  `gorm:"type:uuid;default:public.uuid_generate_v7();primaryKey;<-:false"`
	ItemID      uuid.UUID  `gorm:"type:uuid;not null;index;<-:create"`
	SellerID    uuid.UUID  `gorm:"type:uuid;not null;<-:create"`
	Title       string     `gorm:"type:text;not null;<-:create"`
	Description string     `gorm:"type:text;not null;<-:create"`
	MinPrice    uint64     `gorm:"type:bigint;not null;<-:create"`
	MetadataRef string     `gorm:"type:text;not null;<-:create"`
	EndTime     time.Time  `gorm:"type:timestamp with time zone;not null"`
	Ended       bool       `gorm:"type:boolean;not null;default:false"`
	CurrentBidID *uuid.UUID `gorm:"type:uuid;"`

	// 外鍵關聯
	Seller     User `gorm:"foreignKey:SellerID"`
	CurrentBid *Bid `gorm:"foreignKey:CurrentBidID"`
	BidRecords []Bid
}
