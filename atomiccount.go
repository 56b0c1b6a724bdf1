package livetorrent

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync/atomic"
)

// Count is a simple atomic int64 counter, used throughout the session's
// stats for fields that need concurrent, low-overhead increments: fetched
// bytes, peer-state totals, per-peer error counts, and so on.
type Count struct {
	n int64
}

var _ fmt.Stringer = (*Count)(nil)

func (c *Count) Add(n int64) {
	atomic.AddInt64(&c.n, n)
}

func (c *Count) Int64() int64 {
	return atomic.LoadInt64(&c.n)
}

func (c *Count) String() string {
	return strconv.FormatInt(c.Int64(), 10)
}

func (c *Count) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Int64())
}
