package workerspool

import (
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_Run(t *testing.T) {
	for _, parallelism := range []int{0, 1, 3, -1} {
		pool := New()
		pool.SetMaxParallelism(parallelism)
		const n = 17
		var count atomic.Int32
		seen := make([]int32, n)
		pool.Run(n, func(i int) {
			count.Add(1)
			atomic.AddInt32(&seen[i], 1)
		})
		assert.Equalf(t, int32(n), count.Load(), "parallelism=%d", parallelism)
		for i, s := range seen {
			require.Equalf(t, int32(1), s, "parallelism=%d, task %d", parallelism, i)
		}
	}
}

func TestPool_Limit(t *testing.T) {
	pool := New()
	pool.SetMaxParallelism(2)
	var running, maxRunning atomic.Int32
	pool.Run(20, func(i int) {
		r := running.Add(1)
		for {
			m := maxRunning.Load()
			if r <= m || maxRunning.CompareAndSwap(m, r) {
				break
			}
		}
		running.Add(-1)
	})
	assert.LessOrEqual(t, maxRunning.Load(), int32(2))
}

func TestPool_RunE(t *testing.T) {
	pool := New()
	err := pool.RunE(5, func(i int) error {
		if i == 3 {
			return errors.New("task 3 failed")
		}
		return nil
	})
	require.ErrorContains(t, err, "task 3 failed")

	pool.SetMaxParallelism(0)
	var order []int
	require.NoError(t, pool.RunE(3, func(i int) error {
		order = append(order, i)
		return nil
	}))
	assert.Equal(t, []int{0, 1, 2}, order)
}
