package engine

import (
	"time"

	"github.com/google/uuid"
)

// Record 代表單一物品的拍賣紀錄
// 這份紀錄只是純粹的中繼資料，資金和物品的實際託管都委託給外部協作者
type Record struct {
	// ItemID 是被拍賣物品的唯一識別碼，建立後不可變
	ItemID uuid.UUID
	// Seller 是發起拍賣的賣家，建立後不可變
	Seller uuid.UUID
	// MinPrice 是可接受的最低出價，建立後不可變
	MinPrice uint64
	// MetadataRef 是物品描述文件的位置，引擎不解讀其內容
	MetadataRef string
	// CreatedAt 是拍賣建立的時間
	CreatedAt time.Time
	// EndTime 是出價的截止時間；除非設定了防狙擊延長，否則不可變
	EndTime time.Time
	// Ended 表示拍賣是否已結算，只會從 false 單向轉為 true
	Ended bool
	// HighestBid 是目前最高出價，單調遞增；0 代表還沒有人出價
	HighestBid uint64
	// HighestBidder 是目前最高出價者；第一筆有效出價前為 nil
	HighestBidder *uuid.UUID
}

// SettlementResult 描述一次成功結算的產出，
// 供呼叫端轉交給外部系統使用。
type SettlementResult struct {
	ItemID uuid.UUID
	// Winner 是得標者；流標時為 nil
	Winner *uuid.UUID
	// Amount 是得標金額；流標時為 0
	Amount uint64
	// ItemReturned 表示物品是否因為流標而退回給賣家
	ItemReturned bool
}
