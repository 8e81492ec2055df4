package xrelay

import (
	"context"
	"sync"
)

// ThreadedConsumer runs a Consumer's loop on its own goroutine.
//
// Stop is cooperative: it interrupts a pending receive, lets the in-flight
// message batch finish (listeners are never cancelled) and waits for the loop
// to exit.
type ThreadedConsumer struct {
	consumer *Consumer

	mu      sync.Mutex
	running bool
	stop    func()
	done    chan struct{}
	err     error
}

// NewThreadedConsumer wraps c. The consumer must not be driven by Run at the same time.
func NewThreadedConsumer(c *Consumer) *ThreadedConsumer {
	done := make(chan struct{})
	close(done)
	return &ThreadedConsumer{consumer: c, done: done}
}

// Threaded is shorthand for NewThreadedConsumer(c).
func (c *Consumer) Threaded() *ThreadedConsumer { return NewThreadedConsumer(c) }

func (t *ThreadedConsumer) Consumer() *Consumer { return t.consumer }

// Start launches the loop and returns immediately.
func (t *ThreadedConsumer) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		return ErrAlreadyRunning
	}
	c := t.consumer
	if c.relay.closed.Load() {
		return ErrRelayClosed
	}
	if !c.looping.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	stopCh := make(chan struct{})
	recvCtx, cancelRecv := context.WithCancel(context.Background())
	done := make(chan struct{})

	t.running = true
	t.err = nil
	t.done = done
	t.stop = sync.OnceFunc(func() {
		close(stopCh)
		cancelRecv()
	})

	go func() {
		defer close(done)
		err := c.loop(recvCtx, context.Background(), stopCh)
		cancelRecv()

		// Both flags flip together so a Start never sees a half-stopped loop.
		t.mu.Lock()
		c.looping.Store(false)
		t.running = false
		t.err = err
		t.mu.Unlock()
	}()

	c.relay.logger.Debug().Str("queue", c.queue).Msg("xrelay: threaded consumer started")
	return nil
}

// Stop asks the loop to exit and waits for it, or for ctx to end.
// Stopping a consumer that is not running is a no-op.
func (t *ThreadedConsumer) Stop(ctx context.Context) error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return nil
	}
	stop, done := t.stop, t.done
	t.mu.Unlock()

	stop()

	select {
	case <-done:
		t.consumer.relay.logger.Debug().Str("queue", t.consumer.queue).Msg("xrelay: threaded consumer stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the current loop has exited.
func (t *ThreadedConsumer) Done() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

// Running reports whether the loop is active.
func (t *ThreadedConsumer) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// Err returns the error the last loop exited with, if any.
func (t *ThreadedConsumer) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}
