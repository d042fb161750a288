package api

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	internalS3 "gavel/adapters/s3"
	"gavel/adapters/stream"
	"gavel/engine"
	"gavel/models"
)

const accessTokenCookie = "access_token"

// RegisterRoutes 把所有拍賣操作掛到router上
func (impl *ServerImpl) RegisterRoutes(router *gin.Engine) {
	router.POST("/auction/item", impl.PostAuctionItem)
	router.GET("/auction/item/:itemID", impl.GetAuctionItem)
	router.GET("/auction/items", impl.GetAuctionItems)
	router.POST("/auction/item/:itemID/bids", impl.PostAuctionItemBids)
	router.POST("/auction/item/:itemID/settle", impl.PostAuctionItemSettle)
	router.DELETE("/auction/item/:itemID", impl.DeleteAuctionItem)
	router.GET("/auction/item/:itemID/events", impl.GetAuctionItemEvents)
	router.POST("/metadata", impl.PostMetadata)
}

// authorize 從cookie解析並驗證access token
func (impl *ServerImpl) authorize(c *gin.Context) (*JWT, bool) {
	tokenString, err := c.Cookie(accessTokenCookie)
	if err != nil {
		return nil, false
	}
	token, err := ParseAndValidateJWT(tokenString, impl.config.Auth.PrivateKey, impl.config.Auth.Issuer, impl.config.Auth.Audience)
	if err != nil {
		slog.Error("Fail to parse and validate JWT", slog.Any("error", err))
		return nil, false
	}
	return token, true
}

// Start a new auction
// (POST /auction/item)
func (impl *ServerImpl) PostAuctionItem(c *gin.Context) {
	const op = "PostAuctionItem"
	// 檢查使用者是否有權限上架
	token, ok := impl.authorize(c)
	if !ok {
		c.Status(http.StatusUnauthorized)
		return
	}
	var request StartAuctionRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Invalid request body"})
		return
	}
	// 處理拍賣描述
	if request.Description != nil {
		request.Description = lo.ToPtr(impl.htmlChecker.Sanitize(*request.Description))
	}
	// 處理預設值
	if request.Description == nil {
		request.Description = lo.ToPtr("")
	}
	if request.MetadataRef == nil {
		request.MetadataRef = lo.ToPtr("")
	}

	// 向引擎上架拍賣
	seller := uuid.MustParse(token.Subject)
	duration := time.Duration(request.DurationSeconds) * time.Second
	record, err := impl.registry.Start(c.Request.Context(), request.ItemID, seller, request.MinPrice, duration, *request.MetadataRef)
	switch {
	case errors.Is(err, engine.ErrInvalidParameters):
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	case errors.Is(err, engine.ErrAlreadyListed):
		c.JSON(http.StatusConflict, gin.H{"message": "Item is already listed"})
		return
	case errors.Is(err, engine.ErrNotAuthorized):
		c.Status(http.StatusForbidden)
		return
	case err != nil:
		c.Error(fmt.Errorf("[%s] Fail to start auction, err=%w", op, err))
		c.Status(http.StatusInternalServerError)
		return
	}

	// 儲存拍賣紀錄
	auction := models.Auction{
		ItemID:      record.ItemID,
		SellerID:    record.Seller,
		Title:       request.Title,
		Description: *request.Description,
		MinPrice:    record.MinPrice,
		MetadataRef: record.MetadataRef,
		EndTime:     record.EndTime,
	}
	if result := impl.db.Create(&auction); result.Error != nil {
		// 引擎已上架，資料庫落盤失敗只影響歷史查詢
		c.Error(fmt.Errorf("[%s] Fail to persist auction, err=%w", op, result.Error))
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Header("Location", auction.ID.String())
	c.Status(http.StatusCreated)
}

// Get auction details
// (GET /auction/item/{itemID})
func (impl *ServerImpl) GetAuctionItem(c *gin.Context) {
	const op = "GetAuctionItem"
	itemID, err := uuid.Parse(c.Param("itemID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Invalid item ID"})
		return
	}
	// 先查引擎的最新快照
	record, ok := impl.registry.Get(itemID)
	if !ok {
		c.Status(http.StatusNotFound)
		return
	}
	// 再查資料庫的拍賣敘述和出價歷史
	auction := models.Auction{}
	result := impl.db.
		Preload(
			"BidRecords",
			func(db *gorm.DB) *gorm.DB {
				return db.Order(clause.OrderByColumn{Column: clause.Column{Name: "created_at"}, Desc: true})
			}).
		Preload("BidRecords.User").
		Where("item_id = ?", itemID).
		Order(clause.OrderByColumn{Column: clause.Column{Name: "created_at"}, Desc: true}).
		First(&auction)
	if result.Error != nil && !errors.Is(result.Error, gorm.ErrRecordNotFound) {
		c.Error(fmt.Errorf("[%s] Fail to find auction, err=%w", op, result.Error))
		c.Status(http.StatusInternalServerError)
		return
	}

	bidRecords := make([]BidEvent, len(auction.BidRecords))
	for i, bid := range auction.BidRecords {
		bidRecords[i] = BidEvent{
			Bid:  bid.Amount,
			User: bid.User.Username,
			Time: bid.CreatedAt,
		}
	}
	c.JSON(http.StatusOK, AuctionDetail{
		ID:            auction.ID,
		ItemID:        record.ItemID,
		Seller:        record.Seller,
		Title:         auction.Title,
		Description:   auction.Description,
		MinPrice:      record.MinPrice,
		MetadataRef:   record.MetadataRef,
		EndTime:       record.EndTime,
		Ended:         record.Ended,
		HighestBid:    record.HighestBid,
		HighestBidder: record.HighestBidder,
		BidRecords:    bidRecords,
	})
}

// List auctions
// (GET /auction/items)
func (impl *ServerImpl) GetAuctionItems(c *gin.Context) {
	const op = "GetAuctionItems"
	now := time.Now()
	// 建立查詢
	query := impl.db.Joins("CurrentBid").Model(&models.Auction{})
	//  - title
	if title, ok := c.GetQuery("title"); ok {
		query = query.Where("title LIKE ?", "%"+title+"%")
	}
	//  - min_price
	if from, ok := c.GetQuery("minPriceFrom"); ok {
		query = query.Where("min_price >= ?", from)
	}
	if to, ok := c.GetQuery("minPriceTo"); ok {
		query = query.Where("min_price <= ?", to)
	}
	//  - end_time
	if from, ok := c.GetQuery("endTimeFrom"); ok {
		query = query.Where("end_time >= ?", from)
	}
	if to, ok := c.GetQuery("endTimeTo"); ok {
		query = query.Where("end_time <= ?", to)
	}
	//  - current_bid
	// 目前最高價記錄在另一張表(bids)，需要join查詢，
	// 還沒有人出價時用起標價來篩選
	if from, ok := c.GetQuery("currentBidFrom"); ok {
		query = query.Where(`"CurrentBid".amount >= ? OR current_bid_id IS NULL AND min_price >= ?`, from, from)
	}
	if to, ok := c.GetQuery("currentBidTo"); ok {
		query = query.Where(`"CurrentBid".amount <= ? OR current_bid_id IS NULL AND min_price <= ?`, to, to)
	}
	//  - sort
	sortKey, desc := "title", false
	switch c.DefaultQuery("sortKey", "title") {
	case "title":
		sortKey = "title"
	case "endTime":
		sortKey = "end_time"
	case "minPrice":
		sortKey = "min_price"
	default:
		c.JSON(http.StatusBadRequest, gin.H{"message": "Invalid sort key"})
		return
	}
	desc = c.DefaultQuery("sortOrder", "asc") == "desc"
	query = query.Order(clause.OrderBy{Columns: []clause.OrderByColumn{
		{Column: clause.Column{Name: sortKey}, Desc: desc},
		{Column: clause.Column{Name: "id"}, Desc: false},
	}})
	//  - cursor
	if lastItemID, ok := c.GetQuery("lastItemID"); ok {
		var cursor string
		if result := impl.db.Model(&models.Auction{}).Select(sortKey).Where("id = ?", lastItemID).First(&cursor); result.Error != nil {
			if errors.Is(result.Error, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusBadRequest, gin.H{"message": "Last item not found"})
				return
			}
			c.Error(fmt.Errorf("[%s] Fail to find last item, err=%w", op, result.Error))
			c.Status(http.StatusInternalServerError)
			return
		}
		if desc {
			query = query.Where(sortKey+" < ?", cursor)
		} else {
			query = query.Where(sortKey+" > ?", cursor)
		}
		query = query.Or(sortKey+" = ? AND id > ?", cursor, lastItemID)
	}
	//  - size
	size := 20
	if rawSize, ok := c.GetQuery("size"); ok {
		if _, err := fmt.Sscanf(rawSize, "%d", &size); err != nil || size < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"message": "Invalid size"})
			return
		}
	}
	query = query.Limit(size)
	//  - excludeEnded
	if c.DefaultQuery("excludeEnded", "false") == "true" {
		query = query.Where("ended = ? AND end_time > ?", false, now)
	}

	// 查詢拍賣
	var auctions []models.Auction
	if result := query.Find(&auctions); result.Error != nil {
		c.Error(fmt.Errorf("[%s] Fail to list auctions, err=%w", op, result.Error))
		c.Status(http.StatusInternalServerError)
		return
	}
	if len(auctions) == 0 {
		c.Status(http.StatusNotFound)
		return
	}
	output := make([]AuctionSummary, len(auctions))
	for i, auction := range auctions {
		currentBid := auction.MinPrice
		if auction.CurrentBid != nil {
			currentBid = auction.CurrentBid.Amount
		}
		output[i] = AuctionSummary{
			ID:         auction.ID,
			ItemID:     auction.ItemID,
			Title:      auction.Title,
			CurrentBid: currentBid,
			EndTime:    auction.EndTime,
			IsEnded:    auction.Ended || now.After(auction.EndTime),
		}
	}
	c.JSON(http.StatusOK, gin.H{"count": len(output), "items": output})
}

// Place a bid
// (POST /auction/item/{itemID}/bids)
func (impl *ServerImpl) PostAuctionItemBids(c *gin.Context) {
	const op = "PostAuctionItemBids"
	itemID, err := uuid.Parse(c.Param("itemID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Invalid item ID"})
		return
	}
	// 檢查使用者是否可以出價
	token, ok := impl.authorize(c)
	if !ok {
		c.Status(http.StatusUnauthorized)
		return
	}
	var request PlaceBidRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Invalid request body"})
		return
	}

	// 取得Redis上物品的出價鎖，跨節點序列化同一場拍賣的出價
	lockKey := fmt.Sprintf("%sauction:%s:lock", impl.config.Redis.KeyPrefix, itemID)
	dMutex := stream.NewItemMutex(impl.redisClient, lockKey)
	lockCtx, err := dMutex.Lock(c.Request.Context())
	if err != nil {
		c.Error(fmt.Errorf("[%s] Fail to acquire bid lock, err=%w", op, err))
		c.Status(http.StatusInternalServerError)
		return
	}
	defer func() {
		if _, err := dMutex.Unlock(); err != nil {
			slog.Warn("Fail to release bid lock", slog.String("op", op), slog.Any("error", err))
		}
	}()

	// 向引擎出價
	bidder := uuid.MustParse(token.Subject)
	err = impl.registry.Bid(lockCtx, itemID, bidder, request.Bid)
	switch {
	case errors.Is(err, engine.ErrAuctionNotFound):
		c.Status(http.StatusNotFound)
		return
	case errors.Is(err, engine.ErrAuctionEnded), errors.Is(err, engine.ErrAuctionExpired):
		c.JSON(http.StatusGone, gin.H{"message": "Auction has ended"})
		return
	case errors.Is(err, engine.ErrSelfBid):
		c.JSON(http.StatusForbidden, gin.H{"message": "Seller cannot bid on own item"})
		return
	case errors.Is(err, engine.ErrBidTooLow):
		c.JSON(http.StatusBadRequest, gin.H{"message": "Bid is not higher than current price"})
		return
	case errors.Is(err, engine.ErrInsufficientFunds):
		c.JSON(http.StatusPaymentRequired, gin.H{"message": "Insufficient funds"})
		return
	case err != nil:
		c.Error(fmt.Errorf("[%s] Fail to place bid, err=%w", op, err))
		c.Status(http.StatusInternalServerError)
		return
	}
	slog.Info("Higher bid occurs", slog.String("user", token.Subject), slog.Uint64("bid", request.Bid), slog.String("itemID", itemID.String()))

	// 找到拍賣紀錄，把出價送進持久化stream和SSE廣播
	auction := models.Auction{}
	if result := impl.db.Where("item_id = ? AND ended = ?", itemID, false).
		Order(clause.OrderByColumn{Column: clause.Column{Name: "created_at"}, Desc: true}).
		First(&auction); result.Error != nil {
		c.Error(fmt.Errorf("[%s] Bid accepted but fail to find auction record, err=%w", op, result.Error))
		c.Status(http.StatusOK)
		return
	}
	bidInfo := BidInfo{
		ItemID:    itemID,
		AuctionID: auction.ID,
		User: BidInfoUser{
			ID:   bidder,
			Name: token.Username,
		},
		Amount:    request.Bid,
		CreatedAt: time.Now(),
	}
	if err := impl.bidPublisher.Publish(bidInfo); err != nil {
		slog.Error("Bid accepted but fail to publish record", slog.String("op", op), slog.Any("error", err))
	}
	if err := impl.sseManager.Publish(itemID.String(), BidEvent{
		Bid:  bidInfo.Amount,
		User: bidInfo.User.Name,
		Time: bidInfo.CreatedAt,
	}); err != nil {
		slog.Error("Bid accepted but fail to broadcast event", slog.String("op", op), slog.Any("error", err))
	}
	c.Status(http.StatusOK)
}

// Settle an ended auction
// (POST /auction/item/{itemID}/settle)
func (impl *ServerImpl) PostAuctionItemSettle(c *gin.Context) {
	const op = "PostAuctionItemSettle"
	itemID, err := uuid.Parse(c.Param("itemID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Invalid item ID"})
		return
	}
	result, err := impl.registry.Settle(c.Request.Context(), itemID)
	switch {
	case errors.Is(err, engine.ErrAuctionNotFound):
		c.Status(http.StatusNotFound)
		return
	case errors.Is(err, engine.ErrAuctionNotYetEnded):
		c.JSON(http.StatusConflict, gin.H{"message": "Auction has not ended yet"})
		return
	case errors.Is(err, engine.ErrAlreadySettled):
		c.JSON(http.StatusConflict, gin.H{"message": "Auction is already settled"})
		return
	case errors.Is(err, engine.ErrCustodyFailure):
		// 結算已定案，資產移動失敗由帶外對帳處理
		c.Error(fmt.Errorf("[%s] Settlement final but asset movement failed, err=%w", op, err))
		c.JSON(http.StatusBadGateway, gin.H{"message": "Settlement recorded, asset movement pending"})
		return
	case err != nil:
		c.Error(fmt.Errorf("[%s] Fail to settle auction, err=%w", op, err))
		c.Status(http.StatusInternalServerError)
		return
	}

	// 更新資料庫的拍賣狀態
	if dbResult := impl.db.Model(&models.Auction{}).
		Where("item_id = ? AND ended = ?", itemID, false).
		Update("ended", true); dbResult.Error != nil {
		slog.Error("Settlement final but fail to persist state", slog.String("op", op), slog.Any("error", dbResult.Error))
	}
	c.JSON(http.StatusOK, SettlementResponse{
		ItemID:       result.ItemID,
		Winner:       result.Winner,
		Amount:       result.Amount,
		ItemReturned: result.ItemReturned,
	})
}

// Cancel an auction with no bids
// (DELETE /auction/item/{itemID})
func (impl *ServerImpl) DeleteAuctionItem(c *gin.Context) {
	const op = "DeleteAuctionItem"
	itemID, err := uuid.Parse(c.Param("itemID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Invalid item ID"})
		return
	}
	token, ok := impl.authorize(c)
	if !ok {
		c.Status(http.StatusUnauthorized)
		return
	}
	caller := uuid.MustParse(token.Subject)
	err = impl.registry.CancelIfUnstarted(c.Request.Context(), itemID, caller)
	switch {
	case errors.Is(err, engine.ErrAuctionNotFound):
		c.Status(http.StatusNotFound)
		return
	case errors.Is(err, engine.ErrNotAuthorized):
		c.Status(http.StatusForbidden)
		return
	case errors.Is(err, engine.ErrAuctionNotYetEnded):
		c.JSON(http.StatusConflict, gin.H{"message": "Auction already has bids"})
		return
	case errors.Is(err, engine.ErrAuctionExpired):
		c.JSON(http.StatusGone, gin.H{"message": "Auction has expired, settle it instead"})
		return
	case errors.Is(err, engine.ErrAlreadySettled):
		c.JSON(http.StatusConflict, gin.H{"message": "Auction is already settled"})
		return
	case err != nil:
		c.Error(fmt.Errorf("[%s] Fail to cancel auction, err=%w", op, err))
		c.Status(http.StatusInternalServerError)
		return
	}

	if dbResult := impl.db.Model(&models.Auction{}).
		Where("item_id = ? AND ended = ?", itemID, false).
		Update("ended", true); dbResult.Error != nil {
		slog.Error("Cancel final but fail to persist state", slog.String("op", op), slog.Any("error", dbResult.Error))
	}
	c.Status(http.StatusNoContent)
}

// Track auction events
// (GET /auction/item/{itemID}/events)
func (impl *ServerImpl) GetAuctionItemEvents(c *gin.Context) {
	const op = "GetAuctionItemEvents"
	itemID, err := uuid.Parse(c.Param("itemID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Invalid item ID"})
		return
	}
	// 檢查拍賣是否存在且還在進行中
	record, ok := impl.registry.Get(itemID)
	if !ok {
		c.Status(http.StatusNotFound)
		return
	}
	if record.Ended || time.Now().After(record.EndTime) {
		c.JSON(http.StatusGone, gin.H{"message": "Auction has ended"})
		return
	}
	// SSE請求合法，開始初始化串流
	w := c.Writer
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Transfer-Encoding", "chunked")
	ch, err := impl.sseManager.Subscribe(itemID.String())
	if err != nil {
		c.Error(fmt.Errorf("[%s] Fail to subscribe to item events, err=%w", op, err))
		c.Status(http.StatusInternalServerError)
		return
	}
	for {
		select {
		case <-w.CloseNotify():
			impl.sseManager.Unsubscribe(itemID.String(), ch)
			return
		case event := <-ch:
			c.SSEvent("bid", event)
			w.Flush()
		// 30秒沒有事件就發送一個空行，確保瀏覽器和proxy不會斷開連線
		case <-time.After(30 * time.Second):
			w.WriteString("\n\n")
			w.Flush()
		}
	}
}

// Upload auction metadata
// (POST /metadata)
func (impl *ServerImpl) PostMetadata(c *gin.Context) {
	const op = "PostMetadata"
	// 檢查使用者是否可以上傳metadata
	token, ok := impl.authorize(c)
	if !ok {
		c.Status(http.StatusUnauthorized)
		return
	}
	//  - 檢查是否達到上傳限制
	userID := uuid.MustParse(token.Subject)
	var uploadedCount int64
	if result := impl.db.Model(&models.MetadataFile{}).
		Where("uploader_id = ? AND created_at > ?", userID, time.Now().Add(-1*time.Hour)).
		Count(&uploadedCount); result.Error != nil {
		c.Error(fmt.Errorf("[%s] Fail to count uploaded files, err=%w", op, result.Error))
		c.Status(http.StatusInternalServerError)
		return
	}
	if impl.config.S3.RateLimitPerHour > 0 && uploadedCount >= impl.config.S3.RateLimitPerHour {
		c.Status(http.StatusTooManyRequests)
		return
	}
	// 限制上傳內容
	// 	1. 小於5MB
	// 	2. MIME類型為不含腳本的圖片或JSON描述檔
	body := internalS3.NewMaxSizeReader(c.Request.Body, 5<<20)
	file, err := io.ReadAll(body)
	if errors.As(err, &internalS3.ErrSizeLimitType) {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	if err != nil {
		c.Error(fmt.Errorf("[%s] Fail to read request body, err=%w", op, err))
		c.Status(http.StatusInternalServerError)
		return
	}
	contentType := http.DetectContentType(file)
	if contentType == "text/plain; charset=utf-8" && c.ContentType() == "application/json" {
		contentType = "application/json"
	}
	ok, extension := internalS3.CheckSecureMetadataAndGetExtension(contentType)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Unsupported content type"})
		return
	}

	// 上傳到S3並記錄
	path := fmt.Sprintf("metadata/%s.%s", uuid.NewString(), extension)
	publicURL, err := impl.s3Operator.UploadFileToS3(c.Request.Context(), path, contentType, file)
	if err != nil {
		c.Error(fmt.Errorf("[%s] Fail to upload metadata, err=%w", op, err))
		c.Status(http.StatusInternalServerError)
		return
	}
	metadataFile := models.MetadataFile{
		UploaderID: userID,
		URL:        publicURL,
	}
	if result := impl.db.Create(&metadataFile); result.Error != nil {
		c.Error(fmt.Errorf("[%s] Fail to record metadata upload, err=%w", op, result.Error))
		c.Status(http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"url": publicURL})
}
