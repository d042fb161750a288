package s3

import (
	"fmt"
	"io"
)

var ErrSizeLimitType *SizeLimitError

// SizeLimitError 表示上傳內容超過了允許的大小上限
type SizeLimitError struct {
	Limit int64
}

func (e *SizeLimitError) Error() string {
	return fmt.Sprintf("upload exceeds limit of %s", FormatBytes(e.Limit))
}

// NewMaxSizeReader 包裝一個 io.Reader 並限制可讀取的總長度，
// 超過上限時返回 SizeLimitError。用於在讀進記憶體前就擋掉
// 過大的metadata上傳。
func NewMaxSizeReader(r io.Reader, maxSize int64) io.Reader {
	return &maxSizeReader{reader: r, limit: maxSize, remaining: maxSize}
}

type maxSizeReader struct {
	reader    io.Reader
	limit     int64
	remaining int64
}

func (r *maxSizeReader) Read(p []byte) (n int, err error) {
	if len(p) == 0 {
		return 0, nil
	}
	// 最多只讀剩餘額度加一個byte，多出來的那個byte
	// 用來判斷來源是否超過上限
	if int64(len(p)) > r.remaining+1 {
		p = p[:r.remaining+1]
	}
	n, err = r.reader.Read(p)

	if int64(n) <= r.remaining {
		r.remaining -= int64(n)
		return n, err
	}

	// 讀到了額度外的那個byte，來源超過上限
	n = int(r.remaining)
	r.remaining = 0
	return n, &SizeLimitError{r.limit}
}
