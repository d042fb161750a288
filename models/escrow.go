package models

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// 託管紀錄的狀態，held 只會單向轉移到 released 或 refunded
const (
	EscrowStateHeld     = "held"
	EscrowStateReleased = "released"
	EscrowStateRefunded = "refunded"
)

// Escrow 代表一筆資金託管紀錄
// 狀態轉移在資料庫交易內完成，重複的退款或釋放是冪等的
type Escrow struct {
	gorm.Model

	ID     uuid.UUID  `gorm:"type:uuid;default:public.uuid_generate_v7();primaryKey;<-:false"`
	FromID uuid.UUID  `gorm:"type:uuid;not null;<-:create"`
	ToID   *uuid.UUID `gorm:"type:uuid;"`
	Amount uint64     `gorm:"type:bigint;not null;<-:create"`
	State  string     `gorm:"type:varchar(16);not null;default:'held'"`

	// 外鍵關聯
	From User `gorm:"foreignKey:FromID"`
}
