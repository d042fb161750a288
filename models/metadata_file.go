package models

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// MetadataFile 代表一份已上傳的拍賣物品描述檔案
// 記錄公開 URL 以及上傳者的使用者 ID，用於上傳頻率限制
type MetadataFile struct {
	gorm.Model

	ID         uuid.UUID `gorm:"type:uuid;default:public.uuid_generate_v7();primaryKey;<-:false"`
	UploaderID uuid.UUID `gorm:"type:uuid;not null;<-:create"`
	URL        string    `gorm:"type:text;not null;<-:create"`

	Uploader *User `gorm:"foreignKey:UploaderID"`
}
