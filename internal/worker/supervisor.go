package worker

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

// Worker is a restartable long-running service. Run blocks until the
// context is cancelled or the worker dies; the supervisor restarts dead
// workers in place.
type Worker interface {
	Name() string
	Run(ctx context.Context) error
}

const (
	healthPollInterval = 30 * time.Second
	shutdownGrace      = 10 * time.Second
)

// Supervisor runs a set of workers as independent goroutines, polls their
// liveness, and restarts any that stop while the supervisor itself is
// still running. A worker panic is contained to that worker.
type Supervisor struct {
	workers []Worker

	mu      sync.Mutex
	running map[string]chan struct{} // closed when the worker goroutine exits
	wg      sync.WaitGroup
}

// NewSupervisor creates a supervisor over the given workers.
func NewSupervisor(workers ...Worker) *Supervisor {
	return &Supervisor{
		workers: workers,
		running: make(map[string]chan struct{}),
	}
}

// Run starts every worker and blocks until the context is cancelled or a
// termination signal arrives, then stops the workers and waits up to the
// grace period for each to exit.
func (s *Supervisor) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	for _, w := range s.workers {
		s.start(ctx, w)
	}
	log.Info().Int("workers", len(s.workers)).Msg("Supervisor started")

	ticker := time.NewTicker(healthPollInterval)
	defer ticker.Stop()

	for {
		select {
		case sig := <-sigCh:
			log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
			cancel()
			s.awaitShutdown()
			return nil
		case <-ctx.Done():
			s.awaitShutdown()
			return ctx.Err()
		case <-ticker.C:
			s.restartDead(ctx)
		}
	}
}

func (s *Supervisor) start(ctx context.Context, w Worker) {
	done := make(chan struct{})
	s.mu.Lock()
	s.running[w.Name()] = done
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Str("worker", w.Name()).
					Msg("Worker panicked")
			}
		}()

		if err := w.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Str("worker", w.Name()).Msg("Worker exited with error")
		}
	}()
}

// restartDead restarts any worker whose goroutine has exited while the
// supervisor is still live.
func (s *Supervisor) restartDead(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	for _, w := range s.workers {
		s.mu.Lock()
		done := s.running[w.Name()]
		s.mu.Unlock()

		select {
		case <-done:
			log.Warn().Str("worker", w.Name()).Msg("Worker found dead, restarting")
			s.start(ctx, w)
		default:
		}
	}
}

// Healthy reports per-worker liveness for the monitor endpoint.
func (s *Supervisor) Healthy() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	health := make(map[string]bool, len(s.workers))
	for _, w := range s.workers {
		done, ok := s.running[w.Name()]
		if !ok {
			health[w.Name()] = false
			continue
		}
		select {
		case <-done:
			health[w.Name()] = false
		default:
			health[w.Name()] = true
		}
	}
	return health
}

func (s *Supervisor) awaitShutdown() {
	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		log.Info().Msg("All workers stopped")
	case <-time.After(shutdownGrace):
		// Goroutines cannot be killed; anything still running is abandoned
		// and the process exits without it.
		log.Warn().Dur("grace", shutdownGrace).Msg("Shutdown grace exceeded, abandoning stuck workers")
	}
}
