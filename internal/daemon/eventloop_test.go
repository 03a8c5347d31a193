package daemon

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEventLoop(t *testing.T) {
	d := createTestDaemon(t, testConfig(t))

	loop := NewEventLoop(d)
	assert.Equal(t, d, loop.daemon)
	assert.Equal(t, 30*time.Second, loop.interval)
}

func TestEventLoopRunStopsOnCancel(t *testing.T) {
	d := createTestDaemon(t, testConfig(t))
	require.NoError(t, d.GetRepository().Open())
	defer d.GetRepository().Close()

	loop := NewEventLoop(d)
	loop.interval = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("event loop did not stop")
	}
}
