package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubWorker blocks until cancelled unless dieImmediately is set.
type stubWorker struct {
	name           string
	dieImmediately bool
	starts         atomic.Int32
}

func (w *stubWorker) Name() string { return w.name }

func (w *stubWorker) Run(ctx context.Context) error {
	w.starts.Add(1)
	if w.dieImmediately {
		return errors.New("boom")
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestSupervisorStopsOnCancel(t *testing.T) {
	alive := &stubWorker{name: "alive"}
	sup := NewSupervisor(alive)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	require.Eventually(t, func() bool {
		return sup.Healthy()["alive"]
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not stop")
	}
	assert.Equal(t, int32(1), alive.starts.Load())
}

func TestSupervisorReportsDeadWorker(t *testing.T) {
	dead := &stubWorker{name: "dead", dieImmediately: true}
	alive := &stubWorker{name: "alive"}
	sup := NewSupervisor(dead, alive)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.Run(ctx)

	require.Eventually(t, func() bool {
		h := sup.Healthy()
		return h["alive"] && !h["dead"]
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSupervisorRestartsDeadWorker(t *testing.T) {
	dead := &stubWorker{name: "dead", dieImmediately: true}
	sup := NewSupervisor(dead)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup.start(ctx, dead)

	require.Eventually(t, func() bool {
		return !sup.Healthy()["dead"]
	}, 2*time.Second, 10*time.Millisecond)

	// The liveness poll path brings it back.
	sup.restartDead(ctx)
	require.Eventually(t, func() bool {
		return dead.starts.Load() == 2
	}, 2*time.Second, 10*time.Millisecond)

	// Once the context is gone, dead workers stay down.
	cancel()
	require.Eventually(t, func() bool {
		return !sup.Healthy()["dead"]
	}, 2*time.Second, 10*time.Millisecond)
	sup.restartDead(ctx)
	assert.Equal(t, int32(2), dead.starts.Load())
}

func TestSupervisorContainsPanics(t *testing.T) {
	panicky := &panicWorker{}
	sup := NewSupervisor(panicky)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup.start(ctx, panicky)

	require.Eventually(t, func() bool {
		return !sup.Healthy()["panicky"]
	}, 2*time.Second, 10*time.Millisecond)
}

type panicWorker struct{}

func (w *panicWorker) Name() string { return "panicky" }

func (w *panicWorker) Run(ctx context.Context) error { panic("kaboom") }
