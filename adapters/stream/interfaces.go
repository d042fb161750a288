//go:generate mockgen -package=stream -destination=mock.go -source=interfaces.go

package stream

import (
	"context"
)

// IPublisher 定義了 Publisher 的操作介面
type IPublisher[T any] interface {
	Start()
	Publish(data T) error
	Close()
}

// ISubscriber 定義了 Subscriber 的操作介面
type ISubscriber[T any] interface {
	Start()
	Subscribe() <-chan T
	Close()
}

// IWorkerGroup 定義了 WorkerGroup 的操作介面
type IWorkerGroup[T any] interface {
	Start() error
	Subscribe() <-chan *Task[T]
	Close() error
}

// IItemMutex 定義了帶自動續期功能的分散式鎖的操作介面
type IItemMutex interface {
	Lock(ctx context.Context) (context.Context, error)
	Unlock() (bool, error)
	Valid() bool
}
