package custody

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"gavel/engine"
	"gavel/models"
)

// Custodian 實現了 engine.ItemCustodian，把物品託管狀態
// 持久化在資料庫的 items 資料表
type Custodian struct {
	db *gorm.DB
}

func NewCustodian(db *gorm.DB) (*Custodian, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	return &Custodian{db: db}, nil
}

// Lock 將物品置於上架託管狀態
// owner 不持有物品時回傳 engine.ErrNotAuthorized
func (c *Custodian) Lock(ctx context.Context, itemID, owner uuid.UUID) error {
	const op = "Custodian.Lock"
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		item := models.Item{ID: itemID}
		if result := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&item); result.Error != nil {
			if errors.Is(result.Error, gorm.ErrRecordNotFound) {
				return engine.ErrNotAuthorized
			}
			return fmt.Errorf("[%s] Fail to find item, err=%w", op, result.Error)
		}
		if item.HolderID != owner {
			return engine.ErrNotAuthorized
		}
		if item.Locked {
			return fmt.Errorf("%w: [%s] item is already in custody", engine.ErrCustodyFailure, op)
		}
		item.Locked = true
		if result := tx.Save(&item); result.Error != nil {
			return fmt.Errorf("[%s] Fail to lock item, err=%w", op, result.Error)
		}
		return nil
	})
	return err
}

// Transfer 將物品所有權交給得標者並解除託管
func (c *Custodian) Transfer(ctx context.Context, itemID, to uuid.UUID) error {
	const op = "Custodian.Transfer"
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		item := models.Item{ID: itemID}
		if result := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&item); result.Error != nil {
			return fmt.Errorf("[%s] Fail to find item, err=%w", op, result.Error)
		}
		item.HolderID = to
		item.Locked = false
		if result := tx.Save(&item); result.Error != nil {
			return fmt.Errorf("[%s] Fail to transfer item, err=%w", op, result.Error)
		}
		return nil
	})
	return err
}

// Unlock 解除託管，物品回到原持有者手上
func (c *Custodian) Unlock(ctx context.Context, itemID uuid.UUID) error {
	const op = "Custodian.Unlock"
	result := c.db.WithContext(ctx).Model(&models.Item{}).Where("id = ?", itemID).Update("locked", false)
	if result.Error != nil {
		return fmt.Errorf("[%s] Fail to unlock item, err=%w", op, result.Error)
	}
	return nil
}
