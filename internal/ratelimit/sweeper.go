package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Sweeper periodically prunes the limiter's buckets.
type Sweeper struct {
	cron   *cron.Cron
	logger zerolog.Logger
}

// NewSweeper schedules limiter.Sweep every interval.
func NewSweeper(limiter *Limiter, interval time.Duration, logger zerolog.Logger) (*Sweeper, error) {
	c := cron.New()
	spec := fmt.Sprintf("@every %s", interval)
	if _, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), interval)
		defer cancel()
		limiter.Sweep(ctx)
	}); err != nil {
		return nil, fmt.Errorf("schedule rate limit sweep: %w", err)
	}
	return &Sweeper{cron: c, logger: logger}, nil
}

func (s *Sweeper) Start() {
	s.cron.Start()
	s.logger.Info().Msg("rate limit sweeper started")
}

// Stop halts scheduling and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}
