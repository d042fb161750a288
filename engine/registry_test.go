package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// fakeCustodian 是測試用的所有權協作者，可逐一注入失敗
type fakeCustodian struct {
	mu        sync.Mutex
	owners    map[uuid.UUID]uuid.UUID
	locked    map[uuid.UUID]bool
	lockErr   error
	xferErr   error
	unlockErr error
	transfers int
	unlocks   int
}

func newFakeCustodian() *fakeCustodian {
	return &fakeCustodian{
		owners: make(map[uuid.UUID]uuid.UUID),
		locked: make(map[uuid.UUID]bool),
	}
}

func (c *fakeCustodian) Lock(_ context.Context, itemID, owner uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lockErr != nil {
		return c.lockErr
	}
	if holder, ok := c.owners[itemID]; ok && holder != owner {
		return ErrNotAuthorized
	}
	c.owners[itemID] = owner
	c.locked[itemID] = true
	return nil
}

func (c *fakeCustodian) Transfer(_ context.Context, itemID, to uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.xferErr != nil {
		return c.xferErr
	}
	c.owners[itemID] = to
	c.locked[itemID] = false
	c.transfers++
	return nil
}

func (c *fakeCustodian) Unlock(_ context.Context, itemID uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unlockErr != nil {
		return c.unlockErr
	}
	c.locked[itemID] = false
	c.unlocks++
	return nil
}

// fakeEscrow 是測試用的資金託管協作者
type fakeEscrow struct {
	mu         sync.Mutex
	held       map[uuid.UUID]uint64 // escrowID -> 託管金額
	refunded   map[uuid.UUID]uint64
	released   map[uuid.UUID]uuid.UUID // escrowID -> 收款人
	escrowErr  error
	refundErr  error
	releaseErr error
}

func newFakeEscrow() *fakeEscrow {
	return &fakeEscrow{
		held:     make(map[uuid.UUID]uint64),
		refunded: make(map[uuid.UUID]uint64),
		released: make(map[uuid.UUID]uuid.UUID),
	}
}

func (f *fakeEscrow) Escrow(_ context.Context, _ uuid.UUID, amount uint64) (uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.escrowErr != nil {
		return uuid.Nil, f.escrowErr
	}
	id := uuid.New()
	f.held[id] = amount
	return id, nil
}

func (f *fakeEscrow) Release(_ context.Context, escrowID, to uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.releaseErr != nil {
		return f.releaseErr
	}
	f.released[escrowID] = to
	delete(f.held, escrowID)
	return nil
}

func (f *fakeEscrow) Refund(_ context.Context, escrowID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refundErr != nil {
		return f.refundErr
	}
	f.refunded[escrowID] = f.held[escrowID]
	delete(f.held, escrowID)
	return nil
}

func (f *fakeEscrow) heldCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.held)
}

// fakeQueue 收集被丟進重試佇列的退款任務
type fakeQueue struct {
	mu    sync.Mutex
	tasks []RefundTask
}

func (q *fakeQueue) Enqueue(task RefundTask) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, task)
}

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func setupRegistry(t *testing.T, opts ...RegistryOption) (*Registry, *fakeCustodian, *fakeEscrow, *fixedClock) {
	custodian := newFakeCustodian()
	escrow := newFakeEscrow()
	clock := &fixedClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	opts = append([]RegistryOption{WithRegistryClock(clock.Now)}, opts...)
	registry, err := NewRegistry(custodian, escrow, opts...)
	require.NoError(t, err)
	return registry, custodian, escrow, clock
}

func TestNewRegistry(t *testing.T) {
	t.Run("nil custodian", func(t *testing.T) {
		_, err := NewRegistry(nil, newFakeEscrow())
		assert.Error(t, err)
	})
	t.Run("nil escrow", func(t *testing.T) {
		_, err := NewRegistry(newFakeCustodian(), nil)
		assert.Error(t, err)
	})
}

func TestRegistry_Start(t *testing.T) {
	seller := uuid.New()
	stranger := uuid.New()

	tests := []struct {
		name     string
		minPrice uint64
		duration time.Duration
		caller   uuid.UUID
		setup    func(registry *Registry, custodian *fakeCustodian, itemID uuid.UUID)
		wantErr  error
	}{
		{
			// 原始情境：0.1 單位 (以最小面額計) 起標，為期一天
			name:     "success",
			minPrice: 100000000000000000,
			duration: 86400 * time.Second,
			caller:   seller,
		},
		{
			name:     "zero min price",
			minPrice: 0,
			duration: time.Hour,
			caller:   seller,
			wantErr:  ErrInvalidParameters,
		},
		{
			name:     "zero duration",
			minPrice: 100,
			duration: 0,
			caller:   seller,
			wantErr:  ErrInvalidParameters,
		},
		{
			name:     "caller does not hold the item",
			minPrice: 100,
			duration: time.Hour,
			caller:   stranger,
			setup: func(_ *Registry, custodian *fakeCustodian, itemID uuid.UUID) {
				custodian.owners[itemID] = seller
			},
			wantErr: ErrNotAuthorized,
		},
		{
			name:     "custody collaborator rejects",
			minPrice: 100,
			duration: time.Hour,
			caller:   seller,
			setup: func(_ *Registry, custodian *fakeCustodian, _ uuid.UUID) {
				custodian.lockErr = errors.New("custody backend unavailable")
			},
			wantErr: ErrCustodyFailure,
		},
		{
			name:     "item already listed",
			minPrice: 100,
			duration: time.Hour,
			caller:   seller,
			setup: func(registry *Registry, _ *fakeCustodian, itemID uuid.UUID) {
				_, err := registry.Start(context.Background(), itemID, seller, 50, time.Hour, "")
				require.NoError(t, err)
			},
			wantErr: ErrAlreadyListed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// 準備測試環境
			registry, custodian, _, clock := setupRegistry(t)
			itemID := uuid.New()
			if tt.setup != nil {
				tt.setup(registry, custodian, itemID)
			}

			// 執行測試
			record, err := registry.Start(context.Background(), itemID, tt.caller, tt.minPrice, tt.duration, "s3://metadata/mock.json")

			// 驗證結果
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.minPrice, record.MinPrice)
			assert.True(t, record.EndTime.After(clock.Now()))
			assert.Equal(t, clock.Now().Add(tt.duration), record.EndTime)
			assert.False(t, record.Ended)
			assert.Zero(t, record.HighestBid)
			assert.Nil(t, record.HighestBidder)
			assert.Equal(t, tt.caller, record.Seller)
			assert.Equal(t, "s3://metadata/mock.json", record.MetadataRef)
			assert.True(t, custodian.locked[itemID])
		})
	}
}

func TestRegistry_Start_FailureLeavesNoRecord(t *testing.T) {
	// 託管鎖定失敗時必須原子性地失敗，不能留下半成品紀錄
	registry, custodian, _, _ := setupRegistry(t)
	custodian.lockErr = errors.New("boom")
	itemID := uuid.New()

	_, err := registry.Start(context.Background(), itemID, uuid.New(), 100, time.Hour, "")
	assert.ErrorIs(t, err, ErrCustodyFailure)

	_, ok := registry.Get(itemID)
	assert.False(t, ok)
}

// gateCustodian 在 Lock 進行時先通知再等待放行，用來製造
// 其他操作在託管鎖定期間排進同一物品序列化點的情境
type gateCustodian struct {
	*fakeCustodian
	entered chan struct{}
	release chan struct{}
}

func (c *gateCustodian) Lock(ctx context.Context, itemID, owner uuid.UUID) error {
	select {
	case c.entered <- struct{}{}:
	default:
	}
	<-c.release
	return c.fakeCustodian.Lock(ctx, itemID, owner)
}

func TestRegistry_Start_FailureNotVisibleToConcurrentCallers(t *testing.T) {
	defer goleak.VerifyNone(t)

	inner := newFakeCustodian()
	inner.lockErr = errors.New("custody backend down")
	custodian := &gateCustodian{
		fakeCustodian: inner,
		entered:       make(chan struct{}, 1),
		release:       make(chan struct{}),
	}
	registry, err := NewRegistry(custodian, newFakeEscrow())
	require.NoError(t, err)

	itemID := uuid.New()
	seller := uuid.New()
	bidder := uuid.New()

	startErr := make(chan error, 1)
	go func() {
		_, err := registry.Start(context.Background(), itemID, seller, 100, time.Hour, "")
		startErr <- err
	}()
	<-custodian.entered

	// 託管鎖定還沒失敗之前，讓讀取、結算、出價都先排隊；
	// 上架失敗後它們不能把還原掉的零值紀錄當成已提交狀態
	var wg sync.WaitGroup
	var gotOK bool
	var settleErr, bidErr error
	wg.Add(3)
	go func() {
		defer wg.Done()
		_, gotOK = registry.Get(itemID)
	}()
	go func() {
		defer wg.Done()
		_, settleErr = registry.Settle(context.Background(), itemID)
	}()
	go func() {
		defer wg.Done()
		bidErr = registry.Bid(context.Background(), itemID, bidder, 200)
	}()
	time.Sleep(50 * time.Millisecond)
	close(custodian.release)

	require.ErrorIs(t, <-startErr, ErrCustodyFailure)
	wg.Wait()

	assert.False(t, gotOK, "failed start must not be observable")
	assert.ErrorIs(t, settleErr, ErrAuctionNotFound)
	assert.ErrorIs(t, bidErr, ErrAuctionNotFound)
	assert.Equal(t, 0, inner.unlocks, "phantom settlement must not return the item")

	// 還原後的槽位可以重新上架，不會被誤判為已上架
	inner.mu.Lock()
	inner.lockErr = nil
	inner.mu.Unlock()
	record, err := registry.Start(context.Background(), itemID, seller, 100, time.Hour, "")
	require.NoError(t, err)
	assert.Equal(t, uint64(100), record.MinPrice)
}

func TestRegistry_Start_RelistAfterSettlement(t *testing.T) {
	// 結算過的物品可以重新上架
	registry, _, _, clock := setupRegistry(t)
	itemID := uuid.New()
	seller := uuid.New()

	_, err := registry.Start(context.Background(), itemID, seller, 100, time.Hour, "")
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)
	_, err = registry.Settle(context.Background(), itemID)
	require.NoError(t, err)

	record, err := registry.Start(context.Background(), itemID, seller, 200, time.Hour, "")
	require.NoError(t, err)
	assert.Equal(t, uint64(200), record.MinPrice)
	assert.False(t, record.Ended)
}

func TestRegistry_Bid(t *testing.T) {
	seller := uuid.New()
	bidder := uuid.New()
	other := uuid.New()

	tests := []struct {
		name    string
		bidder  uuid.UUID
		amount  uint64
		setup   func(registry *Registry, escrow *fakeEscrow, clock *fixedClock, itemID uuid.UUID)
		wantErr error
	}{
		{
			name:   "first bid at min price",
			bidder: bidder,
			amount: 100,
		},
		{
			name:    "below min price",
			bidder:  bidder,
			amount:  99,
			wantErr: ErrBidTooLow,
		},
		{
			name:   "not strictly greater than current highest",
			bidder: other,
			amount: 150,
			setup: func(registry *Registry, _ *fakeEscrow, _ *fixedClock, itemID uuid.UUID) {
				require.NoError(t, registry.Bid(context.Background(), itemID, bidder, 150))
			},
			wantErr: ErrBidTooLow,
		},
		{
			name:    "seller bids on own auction",
			bidder:  seller,
			amount:  200,
			wantErr: ErrSelfBid,
		},
		{
			name:   "bid after end time",
			bidder: bidder,
			amount: 10000,
			setup: func(_ *Registry, _ *fakeEscrow, clock *fixedClock, _ uuid.UUID) {
				clock.Advance(2 * time.Hour)
			},
			wantErr: ErrAuctionExpired,
		},
		{
			name:   "bid after settlement",
			bidder: bidder,
			amount: 10000,
			setup: func(registry *Registry, _ *fakeEscrow, clock *fixedClock, itemID uuid.UUID) {
				clock.Advance(2 * time.Hour)
				_, err := registry.Settle(context.Background(), itemID)
				require.NoError(t, err)
			},
			wantErr: ErrAuctionEnded,
		},
		{
			name:   "insufficient funds",
			bidder: bidder,
			amount: 100,
			setup: func(_ *Registry, escrow *fakeEscrow, _ *fixedClock, _ uuid.UUID) {
				escrow.escrowErr = ErrInsufficientFunds
			},
			wantErr: ErrInsufficientFunds,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// 準備測試環境
			registry, _, escrow, clock := setupRegistry(t)
			itemID := uuid.New()
			_, err := registry.Start(context.Background(), itemID, seller, 100, time.Hour, "")
			require.NoError(t, err)
			if tt.setup != nil {
				tt.setup(registry, escrow, clock, itemID)
			}
			before, ok := registry.Get(itemID)
			require.True(t, ok)

			// 執行測試
			err = registry.Bid(context.Background(), itemID, tt.bidder, tt.amount)

			// 驗證結果
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				// 被拒絕的出價不得留下任何狀態變更
				after, _ := registry.Get(itemID)
				assert.Equal(t, before, after)
				return
			}
			require.NoError(t, err)
			record, ok := registry.Get(itemID)
			require.True(t, ok)
			assert.Equal(t, tt.amount, record.HighestBid)
			require.NotNil(t, record.HighestBidder)
			assert.Equal(t, tt.bidder, *record.HighestBidder)
		})
	}
}

func TestRegistry_Bid_UnknownItem(t *testing.T) {
	registry, _, _, _ := setupRegistry(t)
	err := registry.Bid(context.Background(), uuid.New(), uuid.New(), 100)
	assert.ErrorIs(t, err, ErrAuctionNotFound)
}

func TestRegistry_Bid_OutbidRefundsPrevious(t *testing.T) {
	// 被超越的出價者的託管資金應該被退還
	registry, _, escrow, _ := setupRegistry(t)
	itemID := uuid.New()
	first, second := uuid.New(), uuid.New()

	_, err := registry.Start(context.Background(), itemID, uuid.New(), 100, time.Hour, "")
	require.NoError(t, err)

	require.NoError(t, registry.Bid(context.Background(), itemID, first, 100))
	require.NoError(t, registry.Bid(context.Background(), itemID, second, 150))

	// 只剩得標候選的一筆託管，前一筆已退款
	assert.Equal(t, 1, escrow.heldCount())
	refundedTotal := uint64(0)
	for _, amount := range escrow.refunded {
		refundedTotal += amount
	}
	assert.Equal(t, uint64(100), refundedTotal)
}

func TestRegistry_Bid_RefundFailureDoesNotBlockBid(t *testing.T) {
	// 退款失敗不得回滾或阻塞新出價，只能進重試佇列
	queue := &fakeQueue{}
	registry, _, escrow, _ := setupRegistry(t, WithRegistryRefundQueue(queue))
	itemID := uuid.New()
	first, second := uuid.New(), uuid.New()

	_, err := registry.Start(context.Background(), itemID, uuid.New(), 100, time.Hour, "")
	require.NoError(t, err)
	require.NoError(t, registry.Bid(context.Background(), itemID, first, 100))

	escrow.refundErr = errors.New("previous bidder unreachable")
	require.NoError(t, registry.Bid(context.Background(), itemID, second, 200))

	// 新出價已是權威狀態
	record, ok := registry.Get(itemID)
	require.True(t, ok)
	assert.Equal(t, uint64(200), record.HighestBid)
	assert.Equal(t, second, *record.HighestBidder)

	// 失敗的退款被排入佇列
	require.Len(t, queue.tasks, 1)
	assert.Equal(t, itemID, queue.tasks[0].ItemID)
	assert.Equal(t, first, queue.tasks[0].Bidder)
	assert.Equal(t, uint64(100), queue.tasks[0].Amount)
}

func TestRegistry_Bid_MonotonicHighestBid(t *testing.T) {
	// 任何有效出價序列下 highestBid 嚴格遞增且不低於起標價
	registry, _, _, _ := setupRegistry(t)
	itemID := uuid.New()
	_, err := registry.Start(context.Background(), itemID, uuid.New(), 100, time.Hour, "")
	require.NoError(t, err)

	last := uint64(0)
	for _, amount := range []uint64{100, 101, 250, 251, 1000} {
		require.NoError(t, registry.Bid(context.Background(), itemID, uuid.New(), amount))
		record, _ := registry.Get(itemID)
		assert.Greater(t, record.HighestBid, last)
		assert.GreaterOrEqual(t, record.HighestBid, record.MinPrice)
		last = record.HighestBid
	}
}

func TestRegistry_AntiSnipe(t *testing.T) {
	t.Run("extends when bid lands near expiry", func(t *testing.T) {
		registry, _, _, clock := setupRegistry(t, WithRegistryAntiSnipe(5*time.Minute, 10*time.Minute))
		itemID := uuid.New()
		_, err := registry.Start(context.Background(), itemID, uuid.New(), 100, time.Hour, "")
		require.NoError(t, err)
		before, _ := registry.Get(itemID)

		clock.Advance(time.Hour - time.Minute)
		require.NoError(t, registry.Bid(context.Background(), itemID, uuid.New(), 100))

		after, _ := registry.Get(itemID)
		assert.Equal(t, before.EndTime.Add(10*time.Minute), after.EndTime)
	})

	t.Run("disabled by default", func(t *testing.T) {
		registry, _, _, clock := setupRegistry(t)
		itemID := uuid.New()
		_, err := registry.Start(context.Background(), itemID, uuid.New(), 100, time.Hour, "")
		require.NoError(t, err)
		before, _ := registry.Get(itemID)

		clock.Advance(time.Hour - time.Second)
		require.NoError(t, registry.Bid(context.Background(), itemID, uuid.New(), 100))

		after, _ := registry.Get(itemID)
		assert.Equal(t, before.EndTime, after.EndTime)
	})
}

func TestRegistry_Settle(t *testing.T) {
	t.Run("winner takes item and seller takes funds", func(t *testing.T) {
		// 準備測試環境
		registry, custodian, escrow, clock := setupRegistry(t)
		itemID := uuid.New()
		seller := uuid.New()
		winner := uuid.New()
		_, err := registry.Start(context.Background(), itemID, seller, 100, time.Hour, "")
		require.NoError(t, err)
		require.NoError(t, registry.Bid(context.Background(), itemID, winner, 300))
		clock.Advance(2 * time.Hour)

		// 執行測試
		result, err := registry.Settle(context.Background(), itemID)

		// 驗證結果
		require.NoError(t, err)
		require.NotNil(t, result.Winner)
		assert.Equal(t, winner, *result.Winner)
		assert.Equal(t, uint64(300), result.Amount)
		assert.False(t, result.ItemReturned)
		assert.Equal(t, winner, custodian.owners[itemID])
		assert.False(t, custodian.locked[itemID])
		// 得標託管釋放給賣家，沒有殘留的託管
		require.Len(t, escrow.released, 1)
		for _, to := range escrow.released {
			assert.Equal(t, seller, to)
		}
		assert.Zero(t, escrow.heldCount())

		record, _ := registry.Get(itemID)
		assert.True(t, record.Ended)
	})

	t.Run("no bids returns item and moves no funds", func(t *testing.T) {
		registry, custodian, escrow, clock := setupRegistry(t)
		itemID := uuid.New()
		seller := uuid.New()
		_, err := registry.Start(context.Background(), itemID, seller, 100, time.Hour, "")
		require.NoError(t, err)
		clock.Advance(2 * time.Hour)

		result, err := registry.Settle(context.Background(), itemID)
		require.NoError(t, err)
		assert.Nil(t, result.Winner)
		assert.True(t, result.ItemReturned)
		assert.Equal(t, seller, custodian.owners[itemID])
		assert.False(t, custodian.locked[itemID])
		assert.Empty(t, escrow.released)
		assert.Empty(t, escrow.refunded)
	})

	t.Run("before end time", func(t *testing.T) {
		registry, _, _, _ := setupRegistry(t)
		itemID := uuid.New()
		_, err := registry.Start(context.Background(), itemID, uuid.New(), 100, time.Hour, "")
		require.NoError(t, err)

		_, err = registry.Settle(context.Background(), itemID)
		assert.ErrorIs(t, err, ErrAuctionNotYetEnded)
	})

	t.Run("unknown item", func(t *testing.T) {
		registry, _, _, _ := setupRegistry(t)
		_, err := registry.Settle(context.Background(), uuid.New())
		assert.ErrorIs(t, err, ErrAuctionNotFound)
	})
}

func TestRegistry_Settle_Idempotent(t *testing.T) {
	// 第二次結算必須失敗且不產生額外的資金或物品移動
	registry, custodian, escrow, clock := setupRegistry(t)
	itemID := uuid.New()
	winner := uuid.New()
	_, err := registry.Start(context.Background(), itemID, uuid.New(), 100, time.Hour, "")
	require.NoError(t, err)
	require.NoError(t, registry.Bid(context.Background(), itemID, winner, 500))
	clock.Advance(2 * time.Hour)

	_, err = registry.Settle(context.Background(), itemID)
	require.NoError(t, err)
	transfers, releases := custodian.transfers, len(escrow.released)

	_, err = registry.Settle(context.Background(), itemID)
	assert.ErrorIs(t, err, ErrAlreadySettled)
	assert.Equal(t, transfers, custodian.transfers)
	assert.Len(t, escrow.released, releases)
}

func TestRegistry_Settle_MovementFailureIsFinal(t *testing.T) {
	// 結算提交後的移動失敗回報 CustodyFailure，但終態不可逆，
	// 後續嘗試一律 AlreadySettled
	registry, custodian, _, clock := setupRegistry(t)
	itemID := uuid.New()
	_, err := registry.Start(context.Background(), itemID, uuid.New(), 100, time.Hour, "")
	require.NoError(t, err)
	require.NoError(t, registry.Bid(context.Background(), itemID, uuid.New(), 100))
	clock.Advance(2 * time.Hour)

	custodian.xferErr = errors.New("registry offline")
	_, err = registry.Settle(context.Background(), itemID)
	assert.ErrorIs(t, err, ErrCustodyFailure)

	record, _ := registry.Get(itemID)
	assert.True(t, record.Ended)
	_, err = registry.Settle(context.Background(), itemID)
	assert.ErrorIs(t, err, ErrAlreadySettled)
}

func TestRegistry_CancelIfUnstarted(t *testing.T) {
	seller := uuid.New()

	tests := []struct {
		name    string
		caller  uuid.UUID
		setup   func(registry *Registry, clock *fixedClock, itemID uuid.UUID)
		wantErr error
	}{
		{
			name:   "success before any bid",
			caller: seller,
		},
		{
			name:    "rejected for non seller",
			caller:  uuid.New(),
			wantErr: ErrNotAuthorized,
		},
		{
			name:   "rejected once a bid exists",
			caller: seller,
			setup: func(registry *Registry, _ *fixedClock, itemID uuid.UUID) {
				require.NoError(t, registry.Bid(context.Background(), itemID, uuid.New(), 100))
			},
			wantErr: ErrAuctionNotYetEnded,
		},
		{
			name:   "rejected after end time",
			caller: seller,
			setup: func(_ *Registry, clock *fixedClock, _ uuid.UUID) {
				clock.Advance(2 * time.Hour)
			},
			wantErr: ErrAuctionExpired,
		},
		{
			name:   "rejected after settlement",
			caller: seller,
			setup: func(registry *Registry, clock *fixedClock, itemID uuid.UUID) {
				clock.Advance(2 * time.Hour)
				_, err := registry.Settle(context.Background(), itemID)
				require.NoError(t, err)
			},
			wantErr: ErrAlreadySettled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// 準備測試環境
			registry, custodian, _, clock := setupRegistry(t)
			itemID := uuid.New()
			_, err := registry.Start(context.Background(), itemID, seller, 100, time.Hour, "")
			require.NoError(t, err)
			if tt.setup != nil {
				tt.setup(registry, clock, itemID)
			}

			// 執行測試
			err = registry.CancelIfUnstarted(context.Background(), itemID, tt.caller)

			// 驗證結果
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			record, ok := registry.Get(itemID)
			require.True(t, ok)
			assert.True(t, record.Ended)
			assert.False(t, custodian.locked[itemID])
		})
	}
}

func TestRegistry_Get(t *testing.T) {
	registry, _, _, _ := setupRegistry(t)
	_, ok := registry.Get(uuid.New())
	assert.False(t, ok)
}

func TestRegistry_ConcurrentBids(t *testing.T) {
	// 任意交錯的 N 筆併發出價之後，最終狀態必須等價於
	// 把被接受的出價依某個全序逐筆套用的結果：
	// 沒有遺失更新，也沒有雙重接受
	defer goleak.VerifyNone(t)
	registry, _, escrow, _ := setupRegistry(t)
	itemID := uuid.New()
	_, err := registry.Start(context.Background(), itemID, uuid.New(), 1, time.Hour, "")
	require.NoError(t, err)

	const bidders = 64
	var wg sync.WaitGroup
	accepted := make([]uint64, bidders)
	for i := 0; i < bidders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			amount := uint64(i + 1)
			if err := registry.Bid(context.Background(), itemID, uuid.New(), amount); err == nil {
				accepted[i] = amount
			} else {
				assert.ErrorIs(t, err, ErrBidTooLow)
			}
		}(i)
	}
	wg.Wait()

	// 最終最高價必須是所有被接受出價中的最大值，
	// 而最大的出價 (bidders) 在任何交錯下都一定會被接受
	var maxAccepted uint64
	for _, amount := range accepted {
		if amount > maxAccepted {
			maxAccepted = amount
		}
	}
	record, ok := registry.Get(itemID)
	require.True(t, ok)
	assert.Equal(t, uint64(bidders), record.HighestBid)
	assert.Equal(t, maxAccepted, record.HighestBid)

	// 除了最終得標候選之外，所有被接受的託管都已退款
	assert.Equal(t, 1, escrow.heldCount())
}

func TestRegistry_ConcurrentStartAndSettle(t *testing.T) {
	// 併發的重複結算恰好成功一次
	defer goleak.VerifyNone(t)
	registry, _, _, clock := setupRegistry(t)
	itemID := uuid.New()
	_, err := registry.Start(context.Background(), itemID, uuid.New(), 1, time.Hour, "")
	require.NoError(t, err)
	require.NoError(t, registry.Bid(context.Background(), itemID, uuid.New(), 10))
	clock.Advance(2 * time.Hour)

	const attempts = 16
	var wg sync.WaitGroup
	var successes, alreadySettled int64
	var mu sync.Mutex
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := registry.Settle(context.Background(), itemID)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
			} else if errors.Is(err, ErrAlreadySettled) {
				alreadySettled++
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, successes)
	assert.EqualValues(t, attempts-1, alreadySettled)
}
