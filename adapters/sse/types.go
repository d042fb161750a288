package sse

// BroadcastRequest 表示一個跨節點的廣播請求，
// 包含目標頻道名稱和要推送的事件。
type BroadcastRequest[T any] struct {
	Channel string `msgpack:"channel"`
	Message T      `msgpack:"message"`
}
