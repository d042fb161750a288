package escrow

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

// Ledger 實現了 engine.FundsEscrow，把託管紀錄和使用者
// 可動用餘額持久化在資料庫
// 每個操作都是單一交易：要嘛全部提交，要嘛全部失敗
type Ledger struct {
	db *gorm.DB
}

func NewLedger(db *gorm.DB) (*Ledger, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	return &Ledger{db: db}, nil
}

// Escrow 從 from 的餘額扣款並建立一筆 held 狀態的託管紀錄
func (l *Ledger) Escrow(ctx context.Context, from uuid.UUID, amount uint64) (uuid.UUID, error) {
	const op = "Ledger.Escrow"
	var entry models.Escrow
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		user := models.User{ID: from}
		if result := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&user); result.Error != nil {
			if errors.Is(result.Error, gorm.ErrRecordNotFound) {
				return engine.ErrInsufficientFunds
			}
			return fmt.Errorf("[%s] Fail to find user, err=%w", op, result.Error)
		}
		if user.Balance < amount {
			return engine.ErrInsufficientFunds
		}
		user.Balance -= amount
		if result := tx.Save(&user); result.Error != nil {
			return fmt.Errorf("[%s] Fail to debit user, err=%w", op, result.Error)
		}
		entry = models.Escrow{
			FromID: from,
			Amount: amount,
			State:  models.EscrowStateHeld,
		}
		if result := tx.Create(&entry); result.Error != nil {
			return fmt.Errorf("[%s] Fail to create escrow entry, err=%w", op, result.Error)
		}
		return nil
	})
	if err != nil {
		return uuid.Nil, err
	}
	return entry.ID, nil
}

// Release 將 held 狀態的託管釋放給 to
// 對同一筆託管重複釋放是冪等的
func (l *Ledger) Release(ctx context.Context, escrowID, to uuid.UUID) error {
	const op = "Ledger.Release"
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		entry := models.Escrow{ID: escrowID}
		if result := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&entry); result.Error != nil {
			return fmt.Errorf("[%s] Fail to find escrow entry, err=%w", op, result.Error)
		}
		if entry.State == models.EscrowStateReleased {
			return nil
		}
		if entry.State != models.EscrowStateHeld {
			return fmt.Errorf("%w: [%s] escrow is %s", engine.ErrCustodyFailure, op, entry.State)
		}
		entry.State = models.EscrowStateReleased
		entry.ToID = &to
		if result := tx.Save(&entry); result.Error != nil {
			return fmt.Errorf("[%s] Fail to update escrow entry, err=%w", op, result.Error)
		}
		if result := tx.Model(&models.User{}).Where("id = ?", to).
			Update("balance", gorm.Expr("balance + ?", entry.Amount)); result.Error != nil {
			return fmt.Errorf("[%s] Fail to credit recipient, err=%w", op, result.Error)
		}
		return nil
	})
}

// Refund 將 held 狀態的託管退還給原出價者
// 重試安全：已退款的託管直接回報成功
func (l *Ledger) Refund(ctx context.Context, escrowID uuid.UUID) error {
	const op = "Ledger.Refund"
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		entry := models.Escrow{ID: escrowID}
		if result := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&entry); result.Error != nil {
			return fmt.Errorf("[%s] Fail to find escrow entry, err=%w", op, result.Error)
		}
		if entry.State == models.EscrowStateRefunded {
			return nil
		}
		if entry.State != models.EscrowStateHeld {
			return fmt.Errorf("%w: [%s] escrow is %s", engine.ErrCustodyFailure, op, entry.State)
		}
		entry.State = models.EscrowStateRefunded
		if result := tx.Save(&entry); result.Error != nil {
			return fmt.Errorf("[%s] Fail to update escrow entry, err=%w", op, result.Error)
		}
		if result := tx.Model(&models.User{}).Where("id = ?", entry.FromID).
			Update("balance", gorm.Expr("balance + ?", entry.Amount)); result.Error != nil {
			return fmt.Errorf("[%s] Fail to credit bidder, err=%w", op, result.Error)
		}
		return nil
	})
}
