package engine

import (
	"log/slog"
	"time"
)

type registryOptions struct {
	logger             *slog.Logger
	clock              func() time.Time
	refundQueue        RefundQueue
	antiSnipeThreshold time.Duration
	antiSnipeGrace     time.Duration
}

type RegistryOption func(*registryOptions)

// WithRegistryLogger 設置日誌記錄器
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(o *registryOptions) {
		o.logger = logger
	}
}

// WithRegistryClock 注入時鐘 (主要用於測試)
// 引擎只會拿時鐘的當前讀值和 EndTime 比較，自己不量測時間
func WithRegistryClock(clock func() time.Time) RegistryOption {
	return func(o *registryOptions) {
		o.clock = clock
	}
}

// WithRegistryRefundQueue 設置退款失敗時的帶外重試佇列
func WithRegistryRefundQueue(queue RefundQueue) RegistryOption {
	return func(o *registryOptions) {
		o.refundQueue = queue
	}
}

// WithRegistryAntiSnipe 啟用防狙擊延長：出價時若距離結束時間
// 不足 threshold，則把 EndTime 往後延 grace。預設不啟用。
func WithRegistryAntiSnipe(threshold, grace time.Duration) RegistryOption {
	return func(o *registryOptions) {
		o.antiSnipeThreshold = threshold
		o.antiSnipeGrace = grace
	}
}
