package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrWorkerClosed = errors.New("worker is closed")
)

// Task 封裝一筆待處理的 stream entry 和確認它所需的資料。
// 處理結果透過 Done / Retry / Fail 三者之一回報：
//   - Done  處理成功，entry 從 pending 移除
//   - Retry 暫時性失敗，entry 帶著遞增的 attempt 重新排隊
//   - Fail  永久性失敗，entry 移到 dead-letter 等待帶外對帳
type Task[T any] struct {
	Data T
	// Attempt 是這筆 entry 已經被重新排隊的次數
	Attempt int

	client  *redis.Client
	done    bool
	entryID string
	stream  string
	group   string

	raw map[string]any
}

// Done 確認任務已處理完成
func (t *Task[T]) Done(ctx context.Context) error {
	const op = "Task.Done"
	if t.done {
		return nil
	}
	if err := t.client.XAck(ctx, t.stream, t.group, t.entryID).Err(); err != nil {
		return fmt.Errorf("[%s] failed to ack entry: %w", op, err)
	}
	t.done = true
	return nil
}

// Retry 把任務帶著遞增的 attempt 重新寫回 stream 尾端，
// 再確認原本的 entry。重新排隊成功前不會 ack，所以任務
// 不會遺失，最壞情況是重複處理。
func (t *Task[T]) Retry(ctx context.Context) error {
	const op = "Task.Retry"
	if t.done {
		return nil
	}

	values := make(map[string]any, len(t.raw))
	for k, v := range t.raw {
		values[k] = v
	}
	values[entryAttemptField] = strconv.Itoa(t.Attempt + 1)
	if err := t.client.XAdd(ctx, &redis.XAddArgs{
		Stream: t.stream,
		Values: values,
	}).Err(); err != nil {
		return fmt.Errorf("[%s] failed to requeue entry: %w", op, err)
	}

	if err := t.client.XAck(ctx, t.stream, t.group, t.entryID).Err(); err != nil {
		return fmt.Errorf("[%s] failed to ack requeued entry: %w", op, err)
	}
	t.done = true
	return nil
}

// Fail 把任務移到 dead-letter stream 等待帶外對帳
func (t *Task[T]) Fail(ctx context.Context, failErr error) error {
	const op = "Task.Fail"
	if t.done {
		return nil
	}

	values := make(map[string]any, len(t.raw)+1)
	for k, v := range t.raw {
		values[k] = v
	}
	values[entryErrorField] = failErr.Error()
	if err := t.client.XAdd(ctx, &redis.XAddArgs{
		Stream: t.stream + ":dead-letter",
		Values: values,
	}).Err(); err != nil {
		return fmt.Errorf("[%s] failed to move entry to dead letter: %w", op, err)
	}

	if err := t.client.XAck(ctx, t.stream, t.group, t.entryID).Err(); err != nil {
		return fmt.Errorf("[%s] failed to ack failed entry: %w", op, err)
	}
	t.done = true
	return nil
}

type workerGroupOptions[T any] struct {
	logger       *slog.Logger
	decodeFunc   func(map[string]any) (T, error)
	bufferSize   int
	blockTimeout time.Duration
}

type WorkerGroupOption[T any] func(*workerGroupOptions[T])

// WithWorkerGroupLogger 設置日誌記錄器
func WithWorkerGroupLogger[T any](logger *slog.Logger) WorkerGroupOption[T] {
	return func(o *workerGroupOptions[T]) {
		o.logger = logger
	}
}

// WithWorkerGroupDecodeFunc 設置事件解析函數
func WithWorkerGroupDecodeFunc[T any](fn func(map[string]any) (T, error)) WorkerGroupOption[T] {
	return func(o *workerGroupOptions[T]) {
		o.decodeFunc = fn
	}
}

// WithWorkerGroupBufferSize 設置下游channel的緩衝大小
func WithWorkerGroupBufferSize[T any](size int) WorkerGroupOption[T] {
	return func(o *workerGroupOptions[T]) {
		o.bufferSize = size
	}
}

// WithWorkerGroupBlockTimeout 設置阻塞讀取超時時間
func WithWorkerGroupBlockTimeout[T any](d time.Duration) WorkerGroupOption[T] {
	return func(o *workerGroupOptions[T]) {
		o.blockTimeout = d
	}
}

// WorkerGroup 以 consumer group 的方式消費 stream，
// 同一個 group 裡每筆 entry 只會被一個 worker 拿到，
// 用於出價持久化和退款重試這類恰好一次的工作
type WorkerGroup[T any] struct {
	client     *redis.Client
	stream     string
	group      string
	consumer   string
	downStream chan *Task[T]
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	closed     bool
	logger     *slog.Logger
	options    workerGroupOptions[T]
}

func NewWorkerGroup[T any](
	client *redis.Client,
	stream, group, consumer string,
	opts ...WorkerGroupOption[T],
) (*WorkerGroup[T], error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	if stream == "" || group == "" || consumer == "" {
		return nil, errors.New("stream, group and consumer cannot be empty")
	}

	// 默認選項
	options := workerGroupOptions[T]{
		logger:       slog.Default(),
		decodeFunc:   DecodeEntry[T],
		bufferSize:   1,
		blockTimeout: time.Second,
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}

	return &WorkerGroup[T]{
		logger:   options.logger.With(slog.String("caller", "WorkerGroup"), slog.String("stream", stream), slog.String("group", group), slog.String("consumer", consumer)),
		client:   client,
		stream:   stream,
		group:    group,
		consumer: consumer,
		closed:   true,
		options:  options,
	}, nil
}

func (w *WorkerGroup[T]) Start() error {
	const op = "WorkerGroup.Start"
	if !w.closed {
		return nil
	}

	// 建立 consumer group，已存在的話繼續沿用
	err := w.client.XGroupCreateMkStream(context.Background(), w.stream, w.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("[%s] failed to create consumer group: %w", op, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.downStream = make(chan *Task[T], w.options.bufferSize)
	w.cancelFunc = cancel
	w.closed = false
	w.logger.Info("starting worker group")

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer w.logger.Info("worker group goroutine stopped")
		defer close(w.downStream)

		for {
			select {
			case <-ctx.Done():
				return
			default:
				if err := w.consumeNext(ctx); err != nil {
					if errors.Is(err, context.Canceled) {
						return
					}
					w.logger.Error("consume entry error", slog.Any("error", err))
				}
			}
		}
	}()
	return nil
}

func (w *WorkerGroup[T]) consumeNext(ctx context.Context) error {
	streams, err := w.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    w.group,
		Consumer: w.consumer,
		Streams:  []string{w.stream, ">"},
		Count:    1,
		Block:    w.options.blockTimeout,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return err
	}
	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return nil
	}
	entry := streams[0].Messages[0]

	task := &Task[T]{
		Attempt: entryAttempt(entry.Values),
		client:  w.client,
		entryID: entry.ID,
		stream:  w.stream,
		group:   w.group,
		raw:     entry.Values,
	}

	data, err := w.options.decodeFunc(entry.Values)
	if err != nil {
		// 解析失敗不會因為重試而成功，直接送 dead-letter
		w.logger.Error("failed to decode entry",
			slog.String("entryId", entry.ID),
			slog.Any("error", err))
		if failErr := task.Fail(ctx, err); failErr != nil {
			return failErr
		}
		return nil
	}
	task.Data = data

	select {
	case <-ctx.Done():
		// entry 會以 pending 的形式留在 stream，重啟後由 XAUTOCLAIM 或
		// 相同 consumer 名稱重新取得
		return ctx.Err()
	case w.downStream <- task:
		w.logger.Debug("task sent to downstream", slog.String("entryId", entry.ID))
		return nil
	}
}

// Subscribe 訂閱任務流
func (w *WorkerGroup[T]) Subscribe() <-chan *Task[T] {
	return w.downStream
}

func (w *WorkerGroup[T]) Close() error {
	if w.closed {
		return nil
	}
	w.logger.Info("closing worker group")
	w.closed = true
	w.cancelFunc()
	w.wg.Wait()
	w.logger.Info("worker group closed gracefully")
	return nil
}
