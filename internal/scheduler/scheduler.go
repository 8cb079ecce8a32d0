// Package scheduler paces record dispatch: it writes job timetables, moves
// due records onto the transport and recovers records lost in transit.
package scheduler

import (
	"context"
	"log/slog"
	"sync"

	"github.com/openjobspec/ojs-pacer/internal/state"
	"github.com/openjobspec/ojs-pacer/internal/transport"
)

// Scheduler runs the dispatcher and the recovery sweep as independent loops.
type Scheduler struct {
	dispatcher *Dispatcher
	recovery   *Recovery

	cancel   context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a scheduler over repo publishing through pub.
func New(repo *state.Repository, pub transport.Publisher, cfg Config) *Scheduler {
	return &Scheduler{
		dispatcher: NewDispatcher(repo, pub, cfg),
		recovery:   NewRecovery(repo, cfg),
	}
}

// Start launches both loops in the background.
func (s *Scheduler) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	if err := s.recovery.Start(ctx); err != nil {
		cancel()
		return err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.dispatcher.Run(ctx)
	}()

	slog.Info("scheduler started")
	return nil
}

// Stop halts both loops and waits for them. It is safe to call more than once.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		if s.recovery != nil {
			s.recovery.Stop()
		}
		s.wg.Wait()
		slog.Info("scheduler stopped")
	})
}
