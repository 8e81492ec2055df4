package xrelay

import (
	"context"
	"hash/maphash"
	"sync"
	"sync/atomic"
	"time"
)

// ObserverPool delivers BusEvents to observers on background goroutines.
//
// Events are sharded by queue (publish events by topic), so observers see the
// lifecycle of one queue in order: receive, then each message outcome, then
// consume_done. Enqueueing never blocks; an event arriving at a full shard is
// dropped and counted.
type ObserverPool struct {
	shards []chan *BusEvent
	seed   maphash.Seed
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closed    atomic.Bool
	dropped   atomic.Uint64
	processed atomic.Uint64
	panics    atomic.Uint64
}

// NewObserverPool starts workers goroutines sharing bufferSize slots.
// Zero values default to 4 workers and 1000 slots.
func NewObserverPool(ctx context.Context, workers, bufferSize int) *ObserverPool {
	if workers < 1 {
		workers = 4
	}
	if bufferSize < 1 {
		bufferSize = 1000
	}
	per := bufferSize / workers
	if per < 1 {
		per = 1
	}

	poolCtx, cancel := context.WithCancel(ctx)
	op := &ObserverPool{
		shards: make([]chan *BusEvent, workers),
		seed:   maphash.MakeSeed(),
		ctx:    poolCtx,
		cancel: cancel,
	}
	for i := range op.shards {
		op.shards[i] = make(chan *BusEvent, per)
		op.wg.Add(1)
		go op.worker(op.shards[i])
	}
	return op
}

// Notify queues e for the given observers and returns immediately.
func (op *ObserverPool) Notify(e BusEvent, observers []Observer) {
	if len(observers) == 0 {
		return
	}
	if op.closed.Load() {
		op.dropped.Add(1)
		return
	}
	e.observers = append([]Observer(nil), observers...)

	select {
	case op.shard(e) <- &e:
	default:
		op.dropped.Add(1)
	}
}

func (op *ObserverPool) shard(e BusEvent) chan *BusEvent {
	if len(op.shards) == 1 {
		return op.shards[0]
	}
	key := e.Queue
	if key == "" {
		key = e.Topic
	}
	return op.shards[shardFor(op.seed, key, len(op.shards))]
}

// shardFor maps key onto one of n workers. The same key always lands on the
// same worker for a given seed.
func shardFor(seed maphash.Seed, key string, n int) int {
	if n <= 1 {
		return 0
	}
	return int(maphash.String(seed, key) % uint64(n))
}

func (op *ObserverPool) worker(ch chan *BusEvent) {
	defer op.wg.Done()
	for {
		select {
		case <-op.ctx.Done():
			for {
				select {
				case e := <-ch:
					op.deliver(e)
				default:
					return
				}
			}
		case e := <-ch:
			op.deliver(e)
		}
	}
}

func (op *ObserverPool) deliver(e *BusEvent) {
	if e == nil {
		return
	}
	for _, obs := range e.observers {
		if !safeNotify(obs, *e) {
			op.panics.Add(1)
		}
	}
	op.processed.Add(1)
}

// safeNotify reports false when the observer panicked.
func safeNotify(obs Observer, e BusEvent) (ok bool) {
	if obs == nil {
		return true
	}
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	obs.OnEvent(e)
	return true
}

// Close stops accepting events and waits up to timeout for queued ones to be
// delivered. Closing twice is a no-op.
func (op *ObserverPool) Close(timeout time.Duration) error {
	if op.closed.Swap(true) {
		return nil
	}
	op.cancel()

	done := make(chan struct{})
	go func() {
		op.wg.Wait()
		close(done)
	}()

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-done:
		return nil
	case <-t.C:
		return ErrObserverPoolShutdownTimeout
	}
}

func (op *ObserverPool) Stats() PoolStats {
	st := PoolStats{
		Dropped:        op.dropped.Load(),
		Processed:      op.processed.Load(),
		ObserverPanics: op.panics.Load(),
		Workers:        len(op.shards),
	}
	for _, ch := range op.shards {
		st.ActiveEvents += len(ch)
		st.BufferSize += cap(ch)
	}
	return st
}
