package cron

import (
	"context"
	"fmt"
	"time"
)

type Pruner interface {
	Prune(maxAge time.Duration) int
}

type CacheSweeper interface {
	SweepCache() int
}

// RegisterHousekeeping adds the guard-prune and summary-cache-sweep jobs.
// A nil collaborator skips its job.
func RegisterHousekeeping(s *Service, schedule string, guard Pruner, guardTTL time.Duration, cache CacheSweeper) error {
	if guard != nil {
		err := s.AddJob(JobGuardPrune, schedule, func(context.Context) (string, error) {
			return fmt.Sprintf("pruned %d entries older than %s", guard.Prune(guardTTL), guardTTL), nil
		})
		if err != nil {
			return err
		}
	}
	if cache != nil {
		err := s.AddJob(JobSummaryCacheSweep, schedule, func(context.Context) (string, error) {
			return fmt.Sprintf("swept %d expired summaries", cache.SweepCache()), nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}
