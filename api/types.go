package api

import (
	"time"

	"github.com/google/uuid"
)

// BidInfo 是寫入出價stream的紀錄，
// 持久化worker會把它轉成資料庫裡的出價歷史。
type BidInfo struct {
	ItemID    uuid.UUID   `msgpack:"item_id"`
	AuctionID uuid.UUID   `msgpack:"auction_id"`
	User      BidInfoUser `msgpack:"user"`
	Amount    uint64      `msgpack:"amount"`
	CreatedAt time.Time   `msgpack:"created_at"`
}

type BidInfoUser struct {
	ID   uuid.UUID `msgpack:"id"`
	Name string    `msgpack:"name"`
}

// BidEvent 是推送給拍賣觀看者的即時事件。
type BidEvent struct {
	Bid  uint64    `json:"bid" msgpack:"bid"`
	User string    `json:"user" msgpack:"user"`
	Time time.Time `json:"time" msgpack:"time"`
}

// StartAuctionRequest 是上架拍賣的請求內容。
type StartAuctionRequest struct {
	ItemID          uuid.UUID `json:"itemID" binding:"required"`
	Title           string    `json:"title" binding:"required"`
	Description     *string   `json:"description"`
	MinPrice        uint64    `json:"minPrice"`
	DurationSeconds int64     `json:"durationSeconds"`
	MetadataRef     *string   `json:"metadataRef"`
}

// PlaceBidRequest 是出價的請求內容。
type PlaceBidRequest struct {
	Bid uint64 `json:"bid" binding:"required"`
}

// AuctionSummary 是拍賣列表的單筆輸出。
type AuctionSummary struct {
	ID         uuid.UUID `json:"id"`
	ItemID     uuid.UUID `json:"itemID"`
	Title      string    `json:"title"`
	CurrentBid uint64    `json:"currentBid"`
	EndTime    time.Time `json:"endTime"`
	IsEnded    bool      `json:"isEnded"`
}

// AuctionDetail 是單場拍賣的完整輸出。
type AuctionDetail struct {
	ID          uuid.UUID  `json:"id"`
	ItemID      uuid.UUID  `json:"itemID"`
	Seller      uuid.UUID  `json:"seller"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	MinPrice    uint64     `json:"minPrice"`
	MetadataRef string     `json:"metadataRef"`
	EndTime     time.Time  `json:"endTime"`
	Ended       bool       `json:"ended"`
	HighestBid  uint64     `json:"highestBid"`
	HighestBidder *uuid.UUID `json:"highestBidder,omitempty"`
	BidRecords  []BidEvent `json:"bidRecords"`
}

// SettlementResponse 是結算操作的輸出。
type SettlementResponse struct {
	ItemID       uuid.UUID  `json:"itemID"`
	Winner       *uuid.UUID `json:"winner,omitempty"`
	Amount       uint64     `json:"amount"`
	ItemReturned bool       `json:"itemReturned"`
}
