// Package balance picks the channel that takes the next invocation.
package balance

import (
	"errors"
	"math"
	"sync/atomic"
)

// ErrNoAvailableWorker is returned when there is nothing to select from.
var ErrNoAvailableWorker = errors.New("no available worker")

// RoundRobin selects items in rotation. The zero value is ready to use and it
// is safe for concurrent callers. It never inspects the items it is given.
type RoundRobin[T any] struct {
	cursor atomic.Int64
}

// Select returns the next item. With maxProcessCount == 1 it always returns
// the first item without touching the cursor. The modulus is taken against
// the current length, so growth or shrinkage between calls is tolerated.
func (r *RoundRobin[T]) Select(items []T, maxProcessCount int) (T, error) {
	var zero T
	if len(items) == 0 {
		return zero, ErrNoAvailableWorker
	}
	if maxProcessCount == 1 {
		return items[0], nil
	}

	n := r.cursor.Add(1)
	if n < 0 || n == math.MaxInt64 {
		r.cursor.Store(0)
		n = 0
	}
	return items[n%int64(len(items))], nil
}
