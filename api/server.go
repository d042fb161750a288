package api

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	awsCfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/microcosm-cc/bluemonday"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"

	"gavel/adapters/custody"
	"gavel/adapters/escrow"
	internalS3 "gavel/adapters/s3"
	"gavel/adapters/sse"
	"gavel/adapters/stream"
	"gavel/engine"
	"gavel/models"
)

// 暫時性錯誤重新排隊的次數上限，超過後進dead-letter
const maxTaskAttempts = 3

type ServerImpl struct {
	registry    *engine.Registry
	ledger      *escrow.Ledger
	sseManager  sse.IConnectionManager[BidEvent]
	s3Operator  *internalS3.S3Operator
	htmlChecker *bluemonday.Policy
	redisClient *redis.Client
	db          *gorm.DB

	bidPublisher    stream.IPublisher[BidInfo]
	refundPublisher stream.IPublisher[engine.RefundTask]
	bidWorkers      stream.IWorkerGroup[BidInfo]
	refundWorkers   stream.IWorkerGroup[engine.RefundTask]

	wg         sync.WaitGroup
	cancelFunc context.CancelFunc

	config ServerConfig
}

func NewServer(config ServerConfig) (*ServerImpl, error) {
	const op = "NewServer"

	// 初始化S3客戶端
	s3Cfg, err := awsCfg.LoadDefaultConfig(
		context.Background(),
		awsCfg.WithBaseEndpoint(config.S3.Endpoint),
		awsCfg.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(config.S3.AccessKeyID, config.S3.SecretAccessKey, "")),
		awsCfg.WithRegion("auto"),
	)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to load AWS config, err=%w", op, err)
	}
	s3Operator, err := internalS3.NewS3Operator(s3.NewFromConfig(s3Cfg), config.S3.Bucket, config.S3.PublicBaseURL)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create S3 operator, err=%w", op, err)
	}

	// 初始化資料庫連線
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable&search_path=%s", config.DB.User, config.DB.Password, config.DB.Host, config.DB.Port, config.DB.Database, config.DB.Schema)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		NamingStrategy: schema.NamingStrategy{
			TablePrefix: config.DB.Schema + ".",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to connect to database, err=%w", op, err)
	}
	if err := db.AutoMigrate(
		&models.User{},
		&models.Item{},
		&models.Escrow{},
		&models.Auction{},
		&models.Bid{},
		&models.MetadataFile{},
	); err != nil {
		return nil, fmt.Errorf("[%s] Fail to migrate database schema, err=%w", op, err)
	}

	// 初始化Redis連線
	redisClient := redis.NewClient(&redis.Options{
		Addr:     config.Redis.Addr,
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
	})

	// 初始化SSE管理器
	sseManager, err := sse.NewConnectionManager[BidEvent](redisClient, config.Redis.StreamKeys.SSE, slog.Default())
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create sse connection manager, err=%w", op, err)
	}

	// 初始化出價持久化的stream
	bidPublisher, err := stream.NewPublisher[BidInfo](redisClient, config.Redis.StreamKeys.Bids)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create bid publisher, err=%w", op, err)
	}
	bidWorkers, err := stream.NewWorkerGroup[BidInfo](
		redisClient,
		config.Redis.StreamKeys.Bids,
		config.Redis.ConsumerGroup,
		config.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create bid worker group, err=%w", op, err)
	}

	// 初始化退款補償的stream
	refundPublisher, err := stream.NewPublisher[engine.RefundTask](redisClient, config.Redis.StreamKeys.Refunds)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create refund publisher, err=%w", op, err)
	}
	refundWorkers, err := stream.NewWorkerGroup[engine.RefundTask](
		redisClient,
		config.Redis.StreamKeys.Refunds,
		config.Redis.ConsumerGroup,
		config.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create refund worker group, err=%w", op, err)
	}

	// 初始化拍賣引擎
	custodian, err := custody.NewCustodian(db)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create item custodian, err=%w", op, err)
	}
	ledger, err := escrow.NewLedger(db)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create funds escrow ledger, err=%w", op, err)
	}
	registryOpts := []engine.RegistryOption{
		engine.WithRegistryLogger(slog.Default()),
		engine.WithRegistryRefundQueue(&streamRefundQueue{publisher: refundPublisher, logger: slog.Default()}),
	}
	if config.Engine.AntiSnipeThreshold > 0 && config.Engine.AntiSnipeGrace > 0 {
		registryOpts = append(registryOpts, engine.WithRegistryAntiSnipe(config.Engine.AntiSnipeThreshold, config.Engine.AntiSnipeGrace))
	}
	registry, err := engine.NewRegistry(custodian, ledger, registryOpts...)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create auction registry, err=%w", op, err)
	}

	return &ServerImpl{
		registry:        registry,
		ledger:          ledger,
		sseManager:      sseManager,
		s3Operator:      s3Operator,
		htmlChecker:     bluemonday.UGCPolicy(),
		redisClient:     redisClient,
		db:              db,
		bidPublisher:    bidPublisher,
		refundPublisher: refundPublisher,
		bidWorkers:      bidWorkers,
		refundWorkers:   refundWorkers,
		config:          config,
	}, nil
}

func (impl *ServerImpl) Start() error {
	const op = "Server.Start"
	impl.bidPublisher.Start()
	impl.refundPublisher.Start()
	impl.sseManager.Start()
	if err := impl.bidWorkers.Start(); err != nil {
		return fmt.Errorf("[%s] Fail to start bid worker group, err=%w", op, err)
	}
	if err := impl.refundWorkers.Start(); err != nil {
		return fmt.Errorf("[%s] Fail to start refund worker group, err=%w", op, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	impl.cancelFunc = cancel

	// 啟動一個worker把stream中的出價紀錄存回資料庫
	slog.Info("Start bid persistence worker")
	impl.wg.Add(1)
	go func() {
		defer impl.wg.Done()
		defer slog.Info("Bid persistence worker stopped")
		impl.runBidPersistence(ctx)
	}()

	// 啟動一個worker重試同步退款失敗的補償任務
	slog.Info("Start refund retry worker")
	impl.wg.Add(1)
	go func() {
		defer impl.wg.Done()
		defer slog.Info("Refund retry worker stopped")
		impl.runRefundRetry(ctx)
	}()
	return nil
}

func (impl *ServerImpl) runBidPersistence(ctx context.Context) {
	logger := slog.Default().With(slog.String("caller", "BidPersistence"))
	ch := impl.bidWorkers.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-ch:
			if !ok {
				return
			}
			logger.Debug("Receive bid record")
			handleErr := impl.persistBid(task.Data)
			if handleErr == nil {
				if err := task.Done(ctx); err != nil {
					logger.Error("Persist success but fail to done task", slog.Any("error", err))
				}
				continue
			}
			logger.Error("Fail to persist bid", slog.Any("error", handleErr), slog.Int("attempt", task.Attempt))
			if task.Attempt < maxTaskAttempts {
				if err := task.Retry(ctx); err != nil {
					logger.Error("Fail to requeue bid record", slog.Any("error", err))
				}
				continue
			}
			if err := task.Fail(ctx, handleErr); err != nil {
				logger.Error("Fail to dead-letter bid record", slog.Any("error", err))
			}
		}
	}
}

// persistBid 把一筆出價寫進資料庫，並在它仍是最高價時
// 更新拍賣的目前出價。stream不保證順序，較低的舊出價
// 只會落歷史表，不會蓋掉較高的現價。
func (impl *ServerImpl) persistBid(info BidInfo) error {
	record := models.Bid{
		UserID:    info.User.ID,
		Amount:    info.Amount,
		AuctionID: info.AuctionID,
	}
	return impl.db.Transaction(func(tx *gorm.DB) error {
		auction := models.Auction{ID: info.AuctionID}
		if result := tx.Preload("CurrentBid").First(&auction); result.Error != nil {
			return fmt.Errorf("fail to find auction, err=%w", result.Error)
		}
		if result := tx.Create(&record); result.Error != nil {
			return fmt.Errorf("fail to create bid record, err=%w", result.Error)
		}
		if shouldAdvanceCurrentBid(auction.CurrentBid, info.Amount) {
			if result := tx.Model(&auction).Update("current_bid_id", record.ID); result.Error != nil {
				return fmt.Errorf("fail to update current bid, err=%w", result.Error)
			}
		}
		return nil
	})
}

// shouldAdvanceCurrentBid 判斷一筆出價是否要成為拍賣現價。
// 還沒有現價時任何入帳的出價都算數 (引擎已擋掉低於起標價的)，
// 有現價時只接受嚴格更高的，亂序送達的舊出價不會倒退現價。
func shouldAdvanceCurrentBid(current *models.Bid, amount uint64) bool {
	if current == nil {
		return true
	}
	return current.Amount < amount
}

func (impl *ServerImpl) runRefundRetry(ctx context.Context) {
	logger := slog.Default().With(slog.String("caller", "RefundRetry"))
	ch := impl.refundWorkers.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-ch:
			if !ok {
				return
			}
			logger.Debug("Receive refund task", slog.String("escrowID", task.Data.EscrowID.String()))
			handleErr := impl.ledger.Refund(ctx, task.Data.EscrowID)
			if handleErr == nil {
				logger.Info("Refund compensated",
					slog.String("escrowID", task.Data.EscrowID.String()),
					slog.String("bidder", task.Data.Bidder.String()),
					slog.Uint64("amount", task.Data.Amount))
				if err := task.Done(ctx); err != nil {
					logger.Error("Refund success but fail to done task", slog.Any("error", err))
				}
				continue
			}
			logger.Error("Fail to refund escrow", slog.Any("error", handleErr), slog.Int("attempt", task.Attempt))
			if task.Attempt < maxTaskAttempts {
				if err := task.Retry(ctx); err != nil {
					logger.Error("Fail to requeue refund task", slog.Any("error", err))
				}
				continue
			}
			// 用盡重試次數，進dead-letter等待帶外對帳
			if err := task.Fail(ctx, handleErr); err != nil {
				logger.Error("Fail to dead-letter refund task", slog.Any("error", err))
			}
		}
	}
}

func (impl *ServerImpl) Close() {
	if impl.cancelFunc != nil {
		impl.cancelFunc()
	}
	impl.bidWorkers.Close()
	impl.refundWorkers.Close()
	impl.wg.Wait()
	impl.bidPublisher.Close()
	impl.refundPublisher.Close()
	impl.sseManager.Done()
}

// streamRefundQueue 把退款補償任務寫進Redis Stream。
// Enqueue只把任務交給發布端的無界緩衝，不會阻塞出價路徑。
type streamRefundQueue struct {
	publisher stream.IPublisher[engine.RefundTask]
	logger    *slog.Logger
}

func (q *streamRefundQueue) Enqueue(task engine.RefundTask) {
	if err := q.publisher.Publish(task); err != nil {
		// 發布端已關閉才會走到這裡，留下紀錄供帶外對帳
		q.logger.Error("Fail to enqueue refund task",
			slog.String("escrowID", task.EscrowID.String()),
			slog.String("bidder", task.Bidder.String()),
			slog.Uint64("amount", task.Amount),
			slog.Any("error", err))
	}
}
