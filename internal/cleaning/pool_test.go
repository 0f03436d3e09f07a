package cleaning

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultWorkers(t *testing.T) {
	assert.Equal(t, 1, DefaultWorkers(1))
	assert.LessOrEqual(t, DefaultWorkers(4), 4)
	assert.GreaterOrEqual(t, DefaultWorkers(0), 1)
}

func TestWorkerPoolRunsSubmittedTasks(t *testing.T) {
	pool := NewWorkerPool(2, 10, nil)
	defer pool.Close()

	var ran int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		err := pool.Submit(Task{Name: "count", Run: func() {
			defer wg.Done()
			atomic.AddInt32(&ran, 1)
		}})
		require.NoError(t, err)
	}
	wg.Wait()

	assert.Equal(t, int32(5), atomic.LoadInt32(&ran))
}

func TestWorkerPoolSubmitAfterClose(t *testing.T) {
	pool := NewWorkerPool(1, 1, nil)
	pool.Close()

	err := pool.Submit(Task{Name: "late", Run: func() {}})
	assert.ErrorIs(t, err, ErrPoolClosed)
	assert.True(t, pool.IsClosed())
}

func TestWorkerPoolFullQueue(t *testing.T) {
	pool := NewWorkerPool(1, 1, nil)
	defer pool.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, pool.Submit(Task{Name: "block", Run: func() {
		close(started)
		<-release
	}}))
	<-started

	// Worker is busy; the single buffer slot takes one more task.
	require.NoError(t, pool.Submit(Task{Name: "queued", Run: func() {}}))

	err := pool.Submit(Task{Name: "overflow", Run: func() {}})
	assert.ErrorIs(t, err, ErrPoolFull)

	close(release)
}

func TestWorkerPoolCloseWaitsForRunningTasks(t *testing.T) {
	pool := NewWorkerPool(2, 10, nil)

	var finished int32
	started := make(chan struct{}, 2)
	for i := 0; i < 2; i++ {
		require.NoError(t, pool.Submit(Task{Name: "slow", Run: func() {
			started <- struct{}{}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&finished, 1)
		}}))
	}
	<-started
	<-started
	pool.Close()

	assert.Equal(t, int32(2), atomic.LoadInt32(&finished))
}
