package engine

import "errors"

// 拍賣引擎對外暴露的錯誤類型
// 所有錯誤都是呼叫端可以恢復的，不會導致 Registry 本身失效
var (
	// ErrInvalidParameters 表示起標價或拍賣時長為零
	ErrInvalidParameters = errors.New("invalid auction parameters")
	// ErrNotAuthorized 表示呼叫者不持有該物品或沒有上架的權限
	ErrNotAuthorized = errors.New("caller is not authorized")
	// ErrAlreadyListed 表示該物品已有進行中的拍賣
	ErrAlreadyListed = errors.New("item is already listed")
	// ErrAuctionNotFound 表示該物品沒有拍賣紀錄
	ErrAuctionNotFound = errors.New("auction not found")
	// ErrAuctionEnded 表示拍賣已經結算，紀錄不再接受任何出價
	ErrAuctionEnded = errors.New("auction has ended")
	// ErrAuctionExpired 表示拍賣已超過結束時間，等待結算中
	ErrAuctionExpired = errors.New("auction has expired")
	// ErrBidTooLow 表示出價低於起標價，或沒有嚴格高於目前最高出價
	ErrBidTooLow = errors.New("bid is too low")
	// ErrSelfBid 表示賣家試圖對自己的拍賣出價
	ErrSelfBid = errors.New("seller cannot bid on own auction")
	// ErrInsufficientFunds 表示出價者的資金不足以託管
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrAuctionNotYetEnded 表示拍賣還沒超過結束時間，不能結算
	ErrAuctionNotYetEnded = errors.New("auction has not yet ended")
	// ErrAlreadySettled 表示拍賣已經被成功結算過一次
	ErrAlreadySettled = errors.New("auction is already settled")
	// ErrCustodyFailure 表示外部託管協作者拒絕或失敗
	ErrCustodyFailure = errors.New("custody operation failed")
)
