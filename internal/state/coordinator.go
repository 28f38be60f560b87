package state

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
)

type State int32

const (
	Running State = iota
	ShuttingDown
	Stopped
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case ShuttingDown:
		return "shutting_down"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Coordinator tracks the process lifecycle. It only moves forward:
// Running -> ShuttingDown -> Stopped.
type Coordinator struct {
	state     atomic.Int32
	done      chan struct{}
	closeOnce sync.Once
}

func NewCoordinator() *Coordinator {
	return &Coordinator{done: make(chan struct{})}
}

// Watch turns the given signals (SIGINT and SIGTERM when none are given) into a
// shutdown request until ctx ends or the returned stop func is called.
func (c *Coordinator) Watch(ctx context.Context, signals ...os.Signal) (stop func()) {
	if len(signals) == 0 {
		signals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}

	ch := make(chan os.Signal, 2)
	signal.Notify(ch, signals...)

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.listen(ctx, ch)
	}()

	return func() {
		signal.Stop(ch)
		cancel()
		wg.Wait()
	}
}

func (c *Coordinator) listen(ctx context.Context, ch <-chan os.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-ch:
			if c.Shutdown() {
				log.Warnf("🛑 Received %v, finishing in-flight work before exit", sig)
				continue
			}
			log.Warnf("🛑 Received %v again, already %s", sig, c.State())
		}
	}
}

// Shutdown requests a graceful stop. It reports whether this call made the
// transition; later calls are no-ops.
func (c *Coordinator) Shutdown() bool {
	if !c.state.CompareAndSwap(int32(Running), int32(ShuttingDown)) {
		return false
	}
	c.closeDone()
	return true
}

// Stop marks the process stopped once every phase has returned.
func (c *Coordinator) Stop() {
	c.state.Store(int32(Stopped))
	c.closeDone()
}

// Done is closed as soon as a shutdown has been requested.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

func (c *Coordinator) Stopping() bool {
	return c.State() != Running
}

func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// Sleep waits for d and reports whether the full delay elapsed. It returns
// false early on shutdown or when ctx ends.
func (c *Coordinator) Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return !c.Stopping() && ctx.Err() == nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-c.done:
		return false
	case <-ctx.Done():
		return false
	}
}

func (c *Coordinator) closeDone() {
	c.closeOnce.Do(func() { close(c.done) })
}
