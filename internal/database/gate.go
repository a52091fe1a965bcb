package database

import (
	"context"
	"fmt"

	"sync"

	"github.com/zjrosen/ripple/internal/log"
)

// gate is the concurrency gate (idle queue): a single runner goroutine
// executes submitted operations strictly in submission order, which makes
// it the serialization point for metadata-store and local-store mutations.
// It provides no cross-instance exclusion; races between instances are
// resolved by storage conflict detection.
type gate struct {
	database string

	mu     sync.Mutex
	queue  []*gateJob
	busy   bool
	closed bool
	idleCh chan struct{} // closed whenever no operation is queued or in flight
	wake   chan struct{}
}

type gateJob struct {
	ctx    context.Context
	name   string
	fn     func(context.Context) error
	result chan error
}

func newGate(database string) *gate {
	idle := make(chan struct{})
	close(idle) // a fresh gate is idle
	g := &gate{
		database: database,
		idleCh:   idle,
		wake:     make(chan struct{}, 1),
	}
	go g.run()
	return g
}

// Run schedules fn on the gate and waits for its outcome. Operations are
// executed in submission order. There is no mid-operation cancellation:
// once submitted, fn runs to completion even if ctx is cancelled; ctx is
// handed to fn for its own storage calls.
func (g *gate) Run(ctx context.Context, name string, fn func(context.Context) error) error {
	job := &gateJob{ctx: ctx, name: name, fn: fn, result: make(chan error, 1)}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return &InstanceDestroyedError{Database: g.database, Operation: name}
	}
	if len(g.queue) == 0 && !g.busy {
		// Leaving the idle state: arm a fresh idle barrier.
		g.idleCh = make(chan struct{})
	}
	g.queue = append(g.queue, job)
	g.mu.Unlock()

	select {
	case g.wake <- struct{}{}:
	default:
	}

	return <-job.result
}

// Idle blocks until no operation is queued or in flight, or ctx ends.
// Destroy waits on this before tearing resources down.
func (g *gate) Idle(ctx context.Context) error {
	for {
		g.mu.Lock()
		ch := g.idleCh
		g.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}

		g.mu.Lock()
		idle := len(g.queue) == 0 && !g.busy
		g.mu.Unlock()
		if idle {
			return nil
		}
		// A new operation slipped in; wait on the replacement barrier.
	}
}

// Close flips the destroyed flag: queued operations fail with
// InstanceDestroyedError and later submissions fail fast. The operation
// currently in flight, if any, runs to completion first.
func (g *gate) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	pending := g.queue
	g.queue = nil
	g.mu.Unlock()

	for _, job := range pending {
		job.result <- &InstanceDestroyedError{Database: g.database, Operation: job.name}
	}
	select {
	case g.wake <- struct{}{}:
	default:
	}
}

func (g *gate) run() {
	for {
		g.mu.Lock()
		if len(g.queue) == 0 {
			if g.closed {
				g.mu.Unlock()
				return
			}
			g.mu.Unlock()
			<-g.wake
			continue
		}
		job := g.queue[0]
		g.queue = g.queue[1:]
		g.busy = true
		g.mu.Unlock()

		job.result <- g.execute(job)

		g.mu.Lock()
		g.busy = false
		if len(g.queue) == 0 {
			g.markIdleLocked()
		}
		g.mu.Unlock()
	}
}

func (g *gate) execute(job *gateJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error(log.CatGate, "operation panicked", "database", g.database, "operation", job.name, "panic", r)
			err = fmt.Errorf("operation %q panicked: %v", job.name, r)
		}
	}()
	return job.fn(job.ctx)
}

func (g *gate) markIdleLocked() {
	select {
	case <-g.idleCh:
		// already idle
	default:
		close(g.idleCh)
	}
}

// runExclusive runs a result-bearing operation through the gate.
func runExclusive[T any](ctx context.Context, g *gate, name string, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := g.Run(ctx, name, func(ctx context.Context) error {
		var innerErr error
		out, innerErr = fn(ctx)
		return innerErr
	})
	return out, err
}
