package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Registry 獨佔擁有 itemID 到拍賣紀錄的映射，並實作完整的
// 拍賣狀態機：上架、出價、結算、未起標取消。
// 同一個物品的所有變更操作都會被序列化成某個全序，一次執行一個；
// 不同物品之間的操作則完全平行，沒有跨物品的共用鎖。
type Registry struct {
	mu    sync.RWMutex
	table map[uuid.UUID]*entry

	custodian ItemCustodian
	escrow    FundsEscrow
	logger    *slog.Logger
	options   registryOptions
}

// entry 是一個物品的拍賣狀態，entry.mu 是該物品變更操作的序列化點。
// committed 在 Start 成功提交紀錄時才設為 true；在那之前排隊等到
// 這個 entry 的操作，拿到鎖後必須把未提交的 entry 當作不存在。
type entry struct {
	mu        sync.Mutex
	committed bool
	record    Record
	escrowID  uuid.UUID // 目前最高出價對應的託管紀錄
}

func NewRegistry(custodian ItemCustodian, escrow FundsEscrow, opts ...RegistryOption) (*Registry, error) {
	if custodian == nil {
		return nil, errors.New("item custodian cannot be nil")
	}
	if escrow == nil {
		return nil, errors.New("funds escrow cannot be nil")
	}

	// 默認選項
	options := registryOptions{
		logger: slog.Default(),
		clock:  time.Now,
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}

	return &Registry{
		table:     make(map[uuid.UUID]*entry),
		custodian: custodian,
		escrow:    escrow,
		logger:    options.logger.With(slog.String("caller", "Registry")),
		options:   options,
	}, nil
}

// Start 為物品建立一場新的拍賣。
// 物品託管鎖定成功之後紀錄才會提交；鎖定失敗的話整個操作
// 原子性地失敗，不會留下任何紀錄。
func (r *Registry) Start(ctx context.Context, itemID, seller uuid.UUID, minPrice uint64, duration time.Duration, metadataRef string) (Record, error) {
	const op = "Registry.Start"
	if minPrice == 0 || duration <= 0 {
		return Record{}, ErrInvalidParameters
	}

	// 預留拍賣槽位：持有 entry.mu 直到紀錄提交或還原，
	// 讓其他併發操作在槽位初始化完成前都排在後面。
	// 檢查舊紀錄時不能同時持有 table 鎖，否則會和還原路徑
	// 形成相反的鎖定順序。
	e := &entry{}
	e.mu.Lock()
	var prev *entry
	for {
		r.mu.Lock()
		prev = r.table[itemID]
		if prev == nil {
			r.table[itemID] = e
			r.mu.Unlock()
			break
		}
		r.mu.Unlock()

		prev.mu.Lock()
		active := prev.committed && !prev.record.Ended
		prev.mu.Unlock()
		if active {
			return Record{}, ErrAlreadyListed
		}

		r.mu.Lock()
		if r.table[itemID] != prev {
			// 槽位被其他操作換掉了，重新檢查
			r.mu.Unlock()
			continue
		}
		r.table[itemID] = e
		r.mu.Unlock()
		break
	}

	restore := func() {
		r.mu.Lock()
		if prev != nil {
			r.table[itemID] = prev
		} else {
			delete(r.table, itemID)
		}
		r.mu.Unlock()
		e.mu.Unlock()
	}

	// 請求所有權協作者把物品置於上架託管狀態
	if err := r.custodian.Lock(ctx, itemID, seller); err != nil {
		restore()
		if errors.Is(err, ErrNotAuthorized) {
			return Record{}, err
		}
		return Record{}, fmt.Errorf("%w: [%s] fail to lock item, err=%v", ErrCustodyFailure, op, err)
	}

	now := r.options.clock()
	e.record = Record{
		ItemID:      itemID,
		Seller:      seller,
		MinPrice:    minPrice,
		MetadataRef: metadataRef,
		CreatedAt:   now,
		EndTime:     now.Add(duration),
		Ended:       false,
		HighestBid:  0,
	}
	e.committed = true
	record := e.record
	e.mu.Unlock()

	r.logger.Info("Auction started",
		slog.String("itemID", itemID.String()),
		slog.String("seller", seller.String()),
		slog.Uint64("minPrice", minPrice),
		slog.Time("endTime", record.EndTime))
	return record, nil
}

// Bid 對物品出價。新出價一旦通過前置檢查並提交就是權威的；
// 前一位最高出價者的退款即使失敗也不會回滾或阻塞新出價，
// 只會被丟進重試佇列。
func (r *Registry) Bid(ctx context.Context, itemID, bidder uuid.UUID, amount uint64) error {
	const op = "Registry.Bid"
	e, ok := r.acquire(itemID)
	if !ok {
		return ErrAuctionNotFound
	}
	defer e.mu.Unlock()

	// 前置檢查，任何一項不過都不產生狀態變更
	if e.record.Ended {
		return ErrAuctionEnded
	}
	now := r.options.clock()
	if !now.Before(e.record.EndTime) {
		return ErrAuctionExpired
	}
	if bidder == e.record.Seller {
		return ErrSelfBid
	}
	if amount < e.record.MinPrice || amount <= e.record.HighestBid {
		return ErrBidTooLow
	}

	// 託管新出價的資金，失敗代表前置條件不成立，直接放棄
	escrowID, err := r.escrow.Escrow(ctx, bidder, amount)
	if err != nil {
		if errors.Is(err, ErrInsufficientFunds) {
			return err
		}
		return fmt.Errorf("%w: [%s] fail to escrow funds, err=%v", ErrCustodyFailure, op, err)
	}

	prevBidder := e.record.HighestBidder
	prevEscrow := e.escrowID
	prevAmount := e.record.HighestBid

	// 先提交狀態，再做剩下的對外資金移動
	e.record.HighestBid = amount
	e.record.HighestBidder = &bidder
	e.escrowID = escrowID

	// 防狙擊延長
	if r.options.antiSnipeThreshold > 0 && e.record.EndTime.Sub(now) < r.options.antiSnipeThreshold {
		e.record.EndTime = e.record.EndTime.Add(r.options.antiSnipeGrace)
		r.logger.Info("Auction extended by anti-snipe policy",
			slog.String("itemID", itemID.String()),
			slog.Time("endTime", e.record.EndTime))
	}

	r.logger.Info("Higher bid occurs",
		slog.String("itemID", itemID.String()),
		slog.String("bidder", bidder.String()),
		slog.Uint64("bid", amount))

	// 退還被超越的託管資金；失敗不影響已提交的新出價
	if prevBidder != nil {
		if err := r.escrow.Refund(ctx, prevEscrow); err != nil {
			r.logger.Warn("Fail to refund outbid escrow, queue for retry",
				slog.String("itemID", itemID.String()),
				slog.String("escrowID", prevEscrow.String()),
				slog.Any("error", err))
			r.enqueueRefund(RefundTask{
				ItemID:   itemID,
				EscrowID: prevEscrow,
				Bidder:   *prevBidder,
				Amount:   prevAmount,
			})
		}
	}
	return nil
}

// Settle 結算拍賣。冪等：第一次成功的呼叫把 ended 從 false
// 轉為 true，之後的任何結算嘗試都回傳 ErrAlreadySettled，
// 不會再移動任何資金或物品。
func (r *Registry) Settle(ctx context.Context, itemID uuid.UUID) (SettlementResult, error) {
	const op = "Registry.Settle"
	e, ok := r.acquire(itemID)
	if !ok {
		return SettlementResult{}, ErrAuctionNotFound
	}
	defer e.mu.Unlock()

	if e.record.Ended {
		return SettlementResult{}, ErrAlreadySettled
	}
	if r.options.clock().Before(e.record.EndTime) {
		return SettlementResult{}, ErrAuctionNotYetEnded
	}

	// 先提交終態，再執行對外的資金和物品移動
	e.record.Ended = true

	result := SettlementResult{ItemID: itemID}
	var moveErr error
	if e.record.HighestBidder != nil {
		winner := *e.record.HighestBidder
		result.Winner = &winner
		result.Amount = e.record.HighestBid
		if err := r.escrow.Release(ctx, e.escrowID, e.record.Seller); err != nil {
			moveErr = fmt.Errorf("fail to release winning escrow, err=%w", err)
		}
		if err := r.custodian.Transfer(ctx, itemID, winner); err != nil {
			moveErr = errors.Join(moveErr, fmt.Errorf("fail to transfer item, err=%w", err))
		}
	} else {
		// 流標：物品退回賣家，沒有資金移動
		result.ItemReturned = true
		if err := r.custodian.Unlock(ctx, itemID); err != nil {
			moveErr = fmt.Errorf("fail to return item, err=%w", err)
		}
	}

	if moveErr != nil {
		// 結算已定案，移動失敗留給帶外對帳處理
		r.logger.Error("Settlement committed but movement failed",
			slog.String("itemID", itemID.String()),
			slog.Any("error", moveErr))
		return result, fmt.Errorf("%w: [%s] %v", ErrCustodyFailure, op, moveErr)
	}

	r.logger.Info("Auction settled",
		slog.String("itemID", itemID.String()),
		slog.Bool("sold", result.Winner != nil),
		slog.Uint64("amount", result.Amount))
	return result, nil
}

// CancelIfUnstarted 是賣家的逃生口：只有在還沒有任何出價、
// 也還沒到結束時間的情況下允許取消。一旦有出價就拒絕，
// 保護出價者不被釣魚式下架。
func (r *Registry) CancelIfUnstarted(ctx context.Context, itemID, caller uuid.UUID) error {
	const op = "Registry.CancelIfUnstarted"
	e, ok := r.acquire(itemID)
	if !ok {
		return ErrAuctionNotFound
	}
	defer e.mu.Unlock()

	if e.record.Ended {
		return ErrAlreadySettled
	}
	if caller != e.record.Seller {
		return ErrNotAuthorized
	}
	if e.record.HighestBid > 0 {
		return ErrAuctionNotYetEnded
	}
	if !r.options.clock().Before(e.record.EndTime) {
		return ErrAuctionExpired
	}

	e.record.Ended = true
	if err := r.custodian.Unlock(ctx, itemID); err != nil {
		r.logger.Error("Cancel committed but unlock failed",
			slog.String("itemID", itemID.String()),
			slog.Any("error", err))
		return fmt.Errorf("%w: [%s] fail to return item, err=%v", ErrCustodyFailure, op, err)
	}

	r.logger.Info("Auction cancelled", slog.String("itemID", itemID.String()))
	return nil
}

// Get 回傳物品拍賣紀錄的快照，只反映最新已提交的狀態。
func (r *Registry) Get(itemID uuid.UUID) (Record, bool) {
	e, ok := r.acquire(itemID)
	if !ok {
		return Record{}, false
	}
	defer e.mu.Unlock()
	record := e.record
	if record.HighestBidder != nil {
		bidder := *record.HighestBidder
		record.HighestBidder = &bidder
	}
	return record, true
}

// acquire 取得物品的 entry 並鎖定其序列化點。
// 從未提交就被還原的 entry 視同不存在：呼叫端可能在 Start 的
// 託管鎖定期間就拿到指標排隊，醒來後不能把零值紀錄當真。
func (r *Registry) acquire(itemID uuid.UUID) (*entry, bool) {
	r.mu.RLock()
	e, ok := r.table[itemID]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	e.mu.Lock()
	if !e.committed {
		e.mu.Unlock()
		return nil, false
	}
	return e, true
}

func (r *Registry) enqueueRefund(task RefundTask) {
	if r.options.refundQueue == nil {
		r.logger.Error("No refund queue configured, refund requires manual reconciliation",
			slog.String("itemID", task.ItemID.String()),
			slog.String("escrowID", task.EscrowID.String()),
			slog.Uint64("amount", task.Amount))
		return
	}
	r.options.refundQueue.Enqueue(task)
}
