package database

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGate_RunReturnsOperationOutcome(t *testing.T) {
	g := newGate("shop")
	defer g.Close()

	err := g.Run(context.Background(), "ok", func(ctx context.Context) error { return nil })
	require.NoError(t, err)

	boom := errors.New("boom")
	err = g.Run(context.Background(), "fail", func(ctx context.Context) error { return boom })
	require.ErrorIs(t, err, boom)
}

func TestGate_ExecutesInSubmissionOrder(t *testing.T) {
	g := newGate("shop")
	defer g.Close()

	var mu sync.Mutex
	var order []int

	release := make(chan struct{})
	var wg sync.WaitGroup

	// The first operation blocks the runner so the rest stack up in the
	// queue in submission order.
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = g.Run(context.Background(), "first", func(ctx context.Context) error {
			<-release
			mu.Lock()
			order = append(order, 0)
			mu.Unlock()
			return nil
		})
	}()

	// Give the first operation time to occupy the runner.
	time.Sleep(50 * time.Millisecond)

	for i := 1; i <= 5; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = g.Run(context.Background(), "op", func(ctx context.Context) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}()
		// Serialize the submissions themselves so the expected order is known.
		time.Sleep(20 * time.Millisecond)
	}

	close(release)
	wg.Wait()

	require.Equal(t, []int{0, 1, 2, 3, 4, 5}, order, "operations must run in submission order")
}

func TestGate_IdleResolvesWhenDrained(t *testing.T) {
	g := newGate("shop")
	defer g.Close()

	// A fresh gate is idle.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, g.Idle(ctx))

	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = g.Run(context.Background(), "slow", func(ctx context.Context) error {
			<-release
			return nil
		})
	}()

	time.Sleep(50 * time.Millisecond)

	// While the operation is in flight Idle must block.
	busyCtx, busyCancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer busyCancel()
	require.ErrorIs(t, g.Idle(busyCtx), context.DeadlineExceeded)

	close(release)
	<-done

	idleCtx, idleCancel := context.WithTimeout(context.Background(), time.Second)
	defer idleCancel()
	require.NoError(t, g.Idle(idleCtx), "gate must report idle after draining")
}

func TestGate_ClosedGateFailsFast(t *testing.T) {
	g := newGate("shop")
	g.Close()

	err := g.Run(context.Background(), "late", func(ctx context.Context) error { return nil })

	var destroyed *InstanceDestroyedError
	require.ErrorAs(t, err, &destroyed)
	require.Equal(t, "shop", destroyed.Database)
	require.Equal(t, "late", destroyed.Operation)
}

func TestGate_CloseFailsQueuedOperations(t *testing.T) {
	g := newGate("shop")

	release := make(chan struct{})
	firstDone := make(chan error, 1)
	go func() {
		firstDone <- g.Run(context.Background(), "inflight", func(ctx context.Context) error {
			<-release
			return nil
		})
	}()
	time.Sleep(50 * time.Millisecond)

	queuedDone := make(chan error, 1)
	go func() {
		queuedDone <- g.Run(context.Background(), "queued", func(ctx context.Context) error { return nil })
	}()
	time.Sleep(50 * time.Millisecond)

	g.Close()
	close(release)

	require.NoError(t, <-firstDone, "the in-flight operation runs to completion")

	var destroyed *InstanceDestroyedError
	require.ErrorAs(t, <-queuedDone, &destroyed, "queued operations fail on close")
}

func TestGate_CloseIdempotent(t *testing.T) {
	g := newGate("shop")
	g.Close()
	require.NotPanics(t, func() { g.Close() })
}

func TestGate_RecoversFromPanickingOperation(t *testing.T) {
	g := newGate("shop")
	defer g.Close()

	err := g.Run(context.Background(), "panics", func(ctx context.Context) error {
		panic("kaboom")
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "panicked")

	// The runner survives and keeps serving.
	require.NoError(t, g.Run(context.Background(), "after", func(ctx context.Context) error { return nil }))
}

func TestGate_RunExclusiveCarriesResult(t *testing.T) {
	g := newGate("shop")
	defer g.Close()

	value, err := runExclusive(context.Background(), g, "compute", func(ctx context.Context) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	require.Equal(t, 42, value)
}
