package sse

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"gavel/adapters/stream"
)

// connectionManager 管理多個拍賣頻道的訂閱與發布。
// 事件先寫入 Redis Stream 再由每個節點各自追讀廣播，
// 讓多個服務實例上的觀看者都能收到同一場拍賣的出價。
type connectionManager[T any] struct {
	logger *slog.Logger

	mu     sync.RWMutex   // 保護 active 和 channels 的讀寫
	wg     sync.WaitGroup // 用於等待廣播 goroutine 完成
	active bool

	publisher  *stream.Publisher[BroadcastRequest[T]]
	subscriber *stream.Subscriber[BroadcastRequest[T]]
	channels   map[string]IChannel[T]
}

// NewConnectionManager 建立一個新的連線管理器。
// streamKey 是承載廣播事件的 Redis Stream 鍵值。
func NewConnectionManager[T any](redisClient *redis.Client, streamKey string, logger *slog.Logger) (IConnectionManager[T], error) {
	const op = "NewConnectionManager"
	if logger == nil {
		logger = slog.Default()
	}

	publisher, err := stream.NewPublisher[BroadcastRequest[T]](
		redisClient, streamKey,
		stream.WithPublisherLogger[BroadcastRequest[T]](logger),
	)
	if err != nil {
		return nil, fmt.Errorf("[%s] failed to create publisher: %w", op, err)
	}
	subscriber, err := stream.NewSubscriber[BroadcastRequest[T]](
		redisClient, streamKey,
		stream.WithSubscriberLogger[BroadcastRequest[T]](logger),
	)
	if err != nil {
		return nil, fmt.Errorf("[%s] failed to create subscriber: %w", op, err)
	}

	return &connectionManager[T]{
		logger:     logger.With(slog.String("caller", "ConnectionManager")),
		channels:   make(map[string]IChannel[T]),
		publisher:  publisher,
		subscriber: subscriber,
		active:     true,
	}, nil
}

// Start 啟動連線管理器，開始處理事件的接收與廣播。
// 應在呼叫其他方法前先呼叫此方法。
func (cm *connectionManager[T]) Start() {
	cm.publisher.Start()
	cm.subscriber.Start()

	cm.wg.Add(1)
	go func() {
		defer cm.wg.Done()
		for msg := range cm.subscriber.Subscribe() {
			cm.mu.RLock()
			if channel, ok := cm.channels[msg.Channel]; ok {
				channel.Broadcast(msg.Message)
			}
			cm.mu.RUnlock()
		}
	}()
}

// Done 停止連線管理器的運作。
func (cm *connectionManager[T]) Done() {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if !cm.active {
		return
	}

	cm.active = false
	cm.publisher.Close()
	cm.subscriber.Close()
	cm.wg.Wait()
	for _, channel := range cm.channels {
		channel.UnsubscribeAll()
	}
	clear(cm.channels)
}

// Subscribe 訂閱指定的頻道，返回接收事件的唯讀通道。
func (cm *connectionManager[T]) Subscribe(channelName string) (<-chan T, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if !cm.active {
		return nil, context.Canceled
	}

	c, ok := cm.channels[channelName]
	if !ok {
		c = NewChannel[T]()
		cm.channels[channelName] = c
	}
	return c.Subscribe(), nil
}

// Publish 發布事件到指定的頻道。
func (cm *connectionManager[T]) Publish(channelName string, data T) error {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if !cm.active {
		return context.Canceled
	}

	return cm.publisher.Publish(BroadcastRequest[T]{
		Channel: channelName,
		Message: data,
	})
}

// Unsubscribe 取消訂閱指定的頻道。
func (cm *connectionManager[T]) Unsubscribe(channelName string, ch <-chan T) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	c, ok := cm.channels[channelName]
	if !ok {
		return
	}

	c.Unsubscribe(ch)
	if c.IsIdle() {
		delete(cm.channels, channelName)
	}
}
