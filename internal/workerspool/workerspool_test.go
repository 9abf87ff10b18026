package workerspool

import (
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_WaitToStart(t *testing.T) {
	pool := New()
	wantTasks := 5
	pool.SetMaxParallelism(wantTasks)

	var count atomic.Int32
	var wg sync.WaitGroup
	wg.Add(wantTasks)
	for range wantTasks {
		pool.WaitToStart(func() {
			defer wg.Done()
			count.Add(1)
			runtime.Gosched()
		})
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		// Success
	case <-time.After(time.Second):
		t.Fatal("Timeout before all tasks were executed.")
	}
	assert.Equal(t, int32(wantTasks), count.Load())

	// No parallelism: inline.
	pool.SetMaxParallelism(0)
	count.Store(0)
	pool.WaitToStart(func() { count.Add(1) })
	assert.Equal(t, int32(1), count.Load())
}

func TestPool_RunGroups(t *testing.T) {
	for _, parallelism := range []int{-1, 0, 1, 3, 16} {
		pool := New()
		pool.SetMaxParallelism(parallelism)
		const numGroups = 100
		seen := make([]atomic.Int32, numGroups)
		err := pool.RunGroups(numGroups, func(group int) error {
			seen[group].Add(1)
			return nil
		})
		require.NoError(t, err)
		for ii := range seen {
			assert.Equalf(t, int32(1), seen[ii].Load(), "parallelism=%d, group %d", parallelism, ii)
		}
	}
}

func TestPool_RunGroupsError(t *testing.T) {
	pool := New()
	pool.SetMaxParallelism(4)
	var count atomic.Int32
	err := pool.RunGroups(1000, func(group int) error {
		count.Add(1)
		if group == 10 {
			return errors.Errorf("group %d failed", group)
		}
		return nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "group 10 failed")
	assert.Less(t, int(count.Load()), 1000)

	require.NoError(t, pool.RunGroups(0, func(int) error { return errors.New("never called") }))
}
