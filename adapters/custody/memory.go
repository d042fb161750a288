package custody

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"gavel/engine"
)

// MemoryCustodian 是 engine.ItemCustodian 的程序內實作，
// 用於單節點執行和測試
type MemoryCustodian struct {
	mu     sync.Mutex
	owners map[uuid.UUID]uuid.UUID
	locked map[uuid.UUID]bool
}

func NewMemoryCustodian() *MemoryCustodian {
	return &MemoryCustodian{
		owners: make(map[uuid.UUID]uuid.UUID),
		locked: make(map[uuid.UUID]bool),
	}
}

// Seed 登記物品的初始持有者
func (c *MemoryCustodian) Seed(itemID, owner uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.owners[itemID] = owner
}

// Holder 回傳物品目前的持有者
func (c *MemoryCustodian) Holder(itemID uuid.UUID) (uuid.UUID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	owner, ok := c.owners[itemID]
	return owner, ok
}

// Locked 回傳物品是否處於託管狀態
func (c *MemoryCustodian) IsLocked(itemID uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.locked[itemID]
}

func (c *MemoryCustodian) Lock(_ context.Context, itemID, owner uuid.UUID) error {
	const op = "MemoryCustodian.Lock"
	c.mu.Lock()
	defer c.mu.Unlock()
	holder, ok := c.owners[itemID]
	if !ok || holder != owner {
		return engine.ErrNotAuthorized
	}
	if c.locked[itemID] {
		return fmt.Errorf("%w: [%s] item is already in custody", engine.ErrCustodyFailure, op)
	}
	c.locked[itemID] = true
	return nil
}

func (c *MemoryCustodian) Transfer(_ context.Context, itemID, to uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.owners[itemID] = to
	c.locked[itemID] = false
	return nil
}

func (c *MemoryCustodian) Unlock(_ context.Context, itemID uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.locked[itemID] = false
	return nil
}
