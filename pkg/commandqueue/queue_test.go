package commandqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harun/theatreblood/internal/tracing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandQueue_BasicEnqueue(t *testing.T) {
	cq := New("main")
	defer cq.Close()

	executed := false
	result, err := cq.Enqueue(context.Background(), "main", func(ctx context.Context) (any, error) {
		executed = true
		return "result", nil
	}, nil)

	assert.NoError(t, err)
	assert.Equal(t, "result", result)
	assert.True(t, executed)
}

func TestCommandQueue_TaskError(t *testing.T) {
	cq := New("main")
	defer cq.Close()

	expectedErr := errors.New("task failed")
	result, err := cq.Enqueue(context.Background(), "main", func(ctx context.Context) (any, error) {
		return nil, expectedErr
	}, nil)

	assert.Equal(t, expectedErr, err)
	assert.Nil(t, result)
}

func TestCommandQueue_StoreInContext(t *testing.T) {
	cq := New("modified")
	defer cq.Close()

	store, err := cq.Enqueue(context.Background(), "modified", func(ctx context.Context) (any, error) {
		return tracing.GetStore(ctx), nil
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, "modified", store)
}

func TestCommandQueue_SerialExecution(t *testing.T) {
	cq := New("main")
	defer cq.Close()

	var active, maxActive int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = cq.Enqueue(context.Background(), "main", func(ctx context.Context) (any, error) {
				n := atomic.AddInt32(&active, 1)
				for {
					m := atomic.LoadInt32(&maxActive)
					if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&active, -1)
				return nil, nil
			}, nil)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxActive))
}

func TestCommandQueue_FIFOWithinLane(t *testing.T) {
	cq := New("main")
	defer cq.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_, _ = cq.Enqueue(context.Background(), "main", func(ctx context.Context) (any, error) {
			close(started)
			<-release
			return nil, nil
		}, nil)
	}()
	<-started

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = cq.Enqueue(context.Background(), "main", func(ctx context.Context) (any, error) {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil, nil
			}, nil)
		}()
		require.Eventually(t, func() bool { return cq.Pending("main") == i+1 }, time.Second, time.Millisecond)
	}

	close(release)
	wg.Wait()

	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestCommandQueue_ConcurrentLanes(t *testing.T) {
	cq := New("main", "modified")
	defer cq.Close()

	bothRunning := make(chan struct{})
	var running int32

	task := func(ctx context.Context) (any, error) {
		if atomic.AddInt32(&running, 1) == 2 {
			close(bothRunning)
		}
		select {
		case <-bothRunning:
			return nil, nil
		case <-time.After(time.Second):
			return nil, errors.New("lanes did not overlap")
		}
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, lane := range []string{"main", "modified"} {
		i, lane := i, lane
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = cq.Enqueue(context.Background(), lane, task, nil)
		}()
	}
	wg.Wait()

	assert.NoError(t, errs[0])
	assert.NoError(t, errs[1])
}

func TestCommandQueue_CancelledBeforeStart(t *testing.T) {
	cq := New("main")
	defer cq.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ran := false
	_, err := cq.Enqueue(ctx, "main", func(ctx context.Context) (any, error) {
		ran = true
		return nil, nil
	}, nil)

	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, ran)
}

func TestCommandQueue_UnknownLane(t *testing.T) {
	cq := New("main")
	defer cq.Close()

	_, err := cq.Enqueue(context.Background(), "archive", func(ctx context.Context) (any, error) {
		return nil, nil
	}, nil)
	assert.ErrorIs(t, err, ErrUnknownLane)
	assert.Equal(t, 0, cq.Pending("archive"))
}

func TestCommandQueue_Stats(t *testing.T) {
	cq := New("main", "modified", "inserted")
	defer cq.Close()

	_, err := cq.Enqueue(context.Background(), "main", func(ctx context.Context) (any, error) {
		return nil, nil
	}, nil)
	require.NoError(t, err)
	_, err = cq.Enqueue(context.Background(), "main", func(ctx context.Context) (any, error) {
		return nil, errors.New("boom")
	}, nil)
	require.Error(t, err)

	stats := cq.Stats()
	assert.Len(t, stats, 3)
	assert.Equal(t, uint64(1), stats["main"].Completed)
	assert.Equal(t, uint64(1), stats["main"].Failed)
	assert.Equal(t, 0, stats["inserted"].Pending)
}

func TestCommandQueue_CloseWaitsForQueuedWrites(t *testing.T) {
	cq := New("main")

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_, _ = cq.Enqueue(context.Background(), "main", func(ctx context.Context) (any, error) {
			close(started)
			<-release
			return nil, nil
		}, nil)
	}()
	<-started

	var ran atomic.Bool
	go func() {
		_, _ = cq.Enqueue(context.Background(), "main", func(ctx context.Context) (any, error) {
			ran.Store(true)
			return nil, nil
		}, nil)
	}()
	require.Eventually(t, func() bool { return cq.Pending("main") == 1 }, time.Second, time.Millisecond)

	closed := make(chan struct{})
	go func() {
		_ = cq.Close()
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("Close returned while a write was running")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	<-closed
	assert.True(t, ran.Load())
}

func TestCommandQueue_WarnAfter(t *testing.T) {
	cq := New("main")
	defer cq.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_, _ = cq.Enqueue(context.Background(), "main", func(ctx context.Context) (any, error) {
			close(started)
			<-release
			return nil, nil
		}, nil)
	}()
	<-started

	waited := make(chan int, 1)
	go func() {
		_, _ = cq.Enqueue(context.Background(), "main", func(ctx context.Context) (any, error) {
			return nil, nil
		}, &TaskOptions{
			WarnAfter: 10 * time.Millisecond,
			OnWait:    func(_ time.Duration, pos int) { waited <- pos },
		})
	}()

	select {
	case pos := <-waited:
		assert.Equal(t, 0, pos)
	case <-time.After(time.Second):
		t.Fatal("OnWait was not called")
	}
	close(release)
}

func TestCommandQueue_StatsWhileBusy(t *testing.T) {
	cq := New("main")
	defer cq.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_, _ = cq.Enqueue(context.Background(), "main", func(ctx context.Context) (any, error) {
			close(started)
			<-release
			return nil, nil
		}, nil)
		close(done)
	}()
	<-started
	go func() {
		_, _ = cq.Enqueue(context.Background(), "main", func(ctx context.Context) (any, error) {
			return nil, nil
		}, nil)
	}()
	require.Eventually(t, func() bool { return cq.Pending("main") == 1 }, time.Second, time.Millisecond)

	stats := cq.Stats()["main"]
	assert.True(t, stats.Busy)
	assert.Equal(t, 1, stats.Pending)

	close(release)
	<-done
	require.Eventually(t, func() bool {
		s := cq.Stats()["main"]
		return !s.Busy && s.Completed == 2
	}, time.Second, time.Millisecond)
}

func TestCommandQueue_Closed(t *testing.T) {
	cq := New("main")
	require.NoError(t, cq.Close())

	_, err := cq.Enqueue(context.Background(), "main", func(ctx context.Context) (any, error) {
		return nil, nil
	}, nil)
	assert.ErrorIs(t, err, ErrClosed)
}
