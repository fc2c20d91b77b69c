package idempotency

import (
	"context"
	"log"
	"time"
)

// Sweeper periodically deletes expired records on backends that keep them
// around (the read paths already treat them as absent). Backends with native
// key expiry do not implement the capability and the sweeper stays idle.
type Sweeper struct {
	driver   Driver
	interval time.Duration
	logger   *log.Logger
	nowFunc  func() time.Time
}

func NewSweeper(driver Driver, interval time.Duration, logger *log.Logger) *Sweeper {
	if logger == nil {
		logger = log.Default()
	}
	return &Sweeper{
		driver:   driver,
		interval: interval,
		logger:   logger,
		nowFunc:  time.Now,
	}
}

func (s *Sweeper) Start(ctx context.Context) {
	deleter, ok := s.driver.(expiryDeleter)
	if !ok || s.interval <= 0 {
		return
	}
	go s.loop(ctx, deleter)
}

func (s *Sweeper) loop(ctx context.Context, deleter expiryDeleter) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := deleter.DeleteExpired(ctx, s.nowFunc().UTC())
			if err != nil {
				s.logger.Printf("idempotency sweep failed: %v", err)
				continue
			}
			if removed > 0 {
				s.logger.Printf("idempotency sweep removed %d expired records", removed)
			}
		}
	}
}
