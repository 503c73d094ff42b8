package profile

import (
	"context"
	"fmt"

	"github.com/book-expert/logger"
	"github.com/robfig/cron/v3"
)

// Sweeper periodically completes deletions interrupted by a crash.
type Sweeper struct {
	registry *Registry
	cron     *cron.Cron
	log      *logger.Logger
}

// NewSweeper schedules Sweep on the given cron expression, which accepts
// the standard five fields and descriptors such as "@every 10m".
func NewSweeper(ctx context.Context, registry *Registry, schedule string, log *logger.Logger) (*Sweeper, error) {
	sweeper := &Sweeper{registry: registry, cron: cron.New(), log: log}

	_, err := sweeper.cron.AddFunc(schedule, func() {
		_, sweepErr := sweeper.Sweep(ctx)
		if sweepErr != nil {
			log.Error("Profile sweep failed: %v", sweepErr)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to schedule profile sweep '%s': %w", schedule, err)
	}

	return sweeper, nil
}

// Start runs the schedule in the background.
func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop halts the schedule and waits for a running sweep to return.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// Sweep finishes every pending deletion and returns how many it completed.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	voiceIDs, err := s.registry.store.WithStage(ctx, StageDeleting)
	if err != nil {
		return 0, err
	}

	completed := 0

	for _, voiceID := range voiceIDs {
		s.log.Info("[%s] Completing interrupted deletion", voiceID)

		err = s.registry.finishDelete(ctx, voiceID)
		if err != nil {
			return completed, fmt.Errorf("failed to complete deletion of '%s': %w", voiceID, err)
		}

		completed++
	}

	return completed, nil
}
