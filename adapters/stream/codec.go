package stream

import (
	"encoding/base64"
	"errors"
	"fmt"
	"reflect"
	"strconv"

	"github.com/vmihailenco/msgpack/v5"
)

var (
	ErrPointerType = errors.New("pointer type is not allowed")
)

// stream entry 的欄位名稱
const (
	entryDataField    = "data"
	entryAttemptField = "attempt"
	entryErrorField   = "error"
)

// EncodeEntry 把 struct 序列化成可以寫入 stream 的欄位映射
// payload 走 msgpack 再 base64，避免 redis 對二進位值的限制
func EncodeEntry[T any](data T) (map[string]any, error) {
	// stream 欄位映射無法表達 nil，不接受指標類型
	if reflect.TypeOf(data).Kind() == reflect.Ptr {
		return nil, ErrPointerType
	}

	bytes, err := msgpack.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("msgpack marshal error: %w", err)
	}

	return map[string]any{
		entryDataField: base64.StdEncoding.EncodeToString(bytes),
	}, nil
}

// DecodeEntry 把 stream 欄位映射還原成 struct
func DecodeEntry[T any](values map[string]any) (T, error) {
	var result T

	if reflect.TypeOf(result).Kind() == reflect.Ptr {
		return result, ErrPointerType
	}

	if len(values) == 0 {
		return result, nil
	}

	dataStr, ok := values[entryDataField].(string)
	if !ok {
		return result, fmt.Errorf("data field not found or invalid type")
	}

	bytes, err := base64.StdEncoding.DecodeString(dataStr)
	if err != nil {
		return result, fmt.Errorf("base64 decode error: %w", err)
	}

	if err := msgpack.Unmarshal(bytes, &result); err != nil {
		return result, fmt.Errorf("msgpack unmarshal error: %w", err)
	}

	return result, nil
}

// entryAttempt 讀取 entry 的已重試次數，沒有該欄位時視為 0
func entryAttempt(values map[string]any) int {
	raw, ok := values[entryAttemptField].(string)
	if !ok {
		return 0
	}
	attempt, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return attempt
}
