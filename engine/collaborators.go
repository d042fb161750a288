//go:generate mockgen -package=engine -destination=mock.go -source=collaborators.go

package engine

import (
	"context"

	"github.com/google/uuid"
)

// ItemCustodian 定義了物品所有權協作者的操作介面。
// Registry 在上架時呼叫 Lock，結算時呼叫 Transfer 或 Unlock。
type ItemCustodian interface {
	// Lock 將物品置於上架託管狀態，防止賣家在拍賣期間轉移物品。
	// 如果 owner 不持有該物品，回傳 ErrNotAuthorized。
	Lock(ctx context.Context, itemID, owner uuid.UUID) error
	// Transfer 將物品所有權轉移給得標者並解除託管。
	Transfer(ctx context.Context, itemID, to uuid.UUID) error
	// Unlock 解除託管，物品回到原持有者手上。
	Unlock(ctx context.Context, itemID uuid.UUID) error
}

// FundsEscrow 定義了資金託管協作者的操作介面。
// Registry 在每次出價時呼叫 Escrow，結算時對得標託管呼叫
// Release，對被超越的出價呼叫 Refund。
type FundsEscrow interface {
	// Escrow 從 from 託管 amount 的資金，回傳託管紀錄的識別碼。
	// 資金不足時回傳 ErrInsufficientFunds。
	Escrow(ctx context.Context, from uuid.UUID, amount uint64) (uuid.UUID, error)
	// Release 將託管的資金釋放給 to。
	Release(ctx context.Context, escrowID, to uuid.UUID) error
	// Refund 將託管的資金退還給原出價者。重複退款是冪等的。
	Refund(ctx context.Context, escrowID uuid.UUID) error
}

// RefundTask 描述一筆待補償的資金移動。
type RefundTask struct {
	ItemID   uuid.UUID `msgpack:"item_id"`
	EscrowID uuid.UUID `msgpack:"escrow_id"`
	Bidder   uuid.UUID `msgpack:"bidder"`
	Amount   uint64    `msgpack:"amount"`
}

// RefundQueue 接收同步退款失敗後需要在帶外重試的任務。
// Enqueue 不得阻塞，也不得失敗，否則失聯的前出價者
// 就能拖住整場拍賣。
type RefundQueue interface {
	Enqueue(task RefundTask)
}
