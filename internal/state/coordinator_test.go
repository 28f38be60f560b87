package state

import (
	"context"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShutdownTransitionsOnce(t *testing.T) {
	c := NewCoordinator()
	assert.Equal(t, Running, c.State())
	assert.False(t, c.Stopping())

	assert.True(t, c.Shutdown())
	assert.False(t, c.Shutdown())
	assert.Equal(t, ShuttingDown, c.State())
	assert.True(t, c.Stopping())

	select {
	case <-c.Done():
	default:
		t.Fatal("done channel should be closed after shutdown")
	}

	c.Stop()
	assert.Equal(t, Stopped, c.State())
	assert.False(t, c.Shutdown(), "no way back from stopped")
	assert.Equal(t, Stopped, c.State())
}

func TestStopWithoutShutdownClosesDone(t *testing.T) {
	c := NewCoordinator()
	c.Stop()

	assert.Equal(t, Stopped, c.State())
	_, open := <-c.Done()
	assert.False(t, open)
}

func TestListenRepeatedSignalsAreNoOps(t *testing.T) {
	c := NewCoordinator()
	ch := make(chan os.Signal)
	ctx, cancel := context.WithCancel(context.Background())

	finished := make(chan struct{})
	go func() {
		c.listen(ctx, ch)
		close(finished)
	}()

	ch <- syscall.SIGINT
	ch <- syscall.SIGTERM
	ch <- syscall.SIGINT
	assert.Equal(t, ShuttingDown, c.State())

	cancel()
	<-finished
	assert.Equal(t, ShuttingDown, c.State())
}

func TestWatchHandlesProcessSignal(t *testing.T) {
	c := NewCoordinator()
	stop := c.Watch(context.Background(), syscall.SIGUSR1)
	defer stop()

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGUSR1))

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("signal did not trigger shutdown")
	}
	assert.Equal(t, ShuttingDown, c.State())
}

func TestSleepReturnsEarlyOnShutdown(t *testing.T) {
	c := NewCoordinator()
	go func() {
		time.Sleep(20 * time.Millisecond)
		c.Shutdown()
	}()

	started := time.Now()
	assert.False(t, c.Sleep(context.Background(), time.Minute))
	assert.Less(t, time.Since(started), 10*time.Second)
}

func TestSleepCompletes(t *testing.T) {
	c := NewCoordinator()
	assert.True(t, c.Sleep(context.Background(), time.Millisecond))
	assert.True(t, c.Sleep(context.Background(), 0))
}

func TestSleepHonoursContext(t *testing.T) {
	c := NewCoordinator()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.False(t, c.Sleep(ctx, time.Minute))
	assert.Equal(t, Running, c.State())
}
