package escrow

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"gavel/engine"
)

type memoryEntry struct {
	from   uuid.UUID
	amount uint64
	state  string
}

// MemoryLedger 是 engine.FundsEscrow 的程序內實作，
// 用於單節點執行和測試
type MemoryLedger struct {
	mu       sync.Mutex
	balances map[uuid.UUID]uint64
	entries  map[uuid.UUID]*memoryEntry
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		balances: make(map[uuid.UUID]uint64),
		entries:  make(map[uuid.UUID]*memoryEntry),
	}
}

// Deposit 為使用者存入可動用資金
func (l *MemoryLedger) Deposit(user uuid.UUID, amount uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[user] += amount
}

// Balance 回傳使用者目前的可動用餘額
func (l *MemoryLedger) Balance(user uuid.UUID) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[user]
}

func (l *MemoryLedger) Escrow(_ context.Context, from uuid.UUID, amount uint64) (uuid.UUID, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.balances[from] < amount {
		return uuid.Nil, engine.ErrInsufficientFunds
	}
	l.balances[from] -= amount
	id := uuid.New()
	l.entries[id] = &memoryEntry{from: from, amount: amount, state: "held"}
	return id, nil
}

func (l *MemoryLedger) Release(_ context.Context, escrowID, to uuid.UUID) error {
	const op = "MemoryLedger.Release"
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[escrowID]
	if !ok {
		return fmt.Errorf("%w: [%s] escrow not found", engine.ErrCustodyFailure, op)
	}
	if entry.state == "released" {
		return nil
	}
	if entry.state != "held" {
		return fmt.Errorf("%w: [%s] escrow is %s", engine.ErrCustodyFailure, op, entry.state)
	}
	entry.state = "released"
	l.balances[to] += entry.amount
	return nil
}

func (l *MemoryLedger) Refund(_ context.Context, escrowID uuid.UUID) error {
	const op = "MemoryLedger.Refund"
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[escrowID]
	if !ok {
		return fmt.Errorf("%w: [%s] escrow not found", engine.ErrCustodyFailure, op)
	}
	if entry.state == "refunded" {
		return nil
	}
	if entry.state != "held" {
		return fmt.Errorf("%w: [%s] escrow is %s", engine.ErrCustodyFailure, op, entry.state)
	}
	entry.state = "refunded"
	l.balances[entry.from] += entry.amount
	return nil
}
