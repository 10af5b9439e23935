// Package scheduler runs the periodic session expiry sweep.
package scheduler

import (
	"context"
	"time"

	"fintrust/pkg/logger"
)

// Sweeper is anything that can reap expired sessions.
type Sweeper interface {
	SweepExpiredSessions(ctx context.Context) (int64, error)
}

// SessionSweeper drives the expiry sweep on a fixed interval. Sessions whose
// lifetime passed between sweeps are still rejected by validation; the sweep
// only settles their stored state.
type SessionSweeper struct {
	sweeper  Sweeper
	interval time.Duration
	logger   logger.Logger
	stop     chan struct{}
}

func NewSessionSweeper(sweeper Sweeper, interval time.Duration, log logger.Logger) *SessionSweeper {
	return &SessionSweeper{
		sweeper:  sweeper,
		interval: interval,
		logger:   log,
		stop:     make(chan struct{}),
	}
}

func (s *SessionSweeper) Start() {
	ticker := time.NewTicker(s.interval)
	go func() {
		for {
			select {
			case <-ticker.C:
				s.sweep()
			case <-s.stop:
				ticker.Stop()
				return
			}
		}
	}()
	s.logger.Info("Session sweeper started", map[string]interface{}{
		"interval": s.interval.String(),
	})
}

func (s *SessionSweeper) Stop() {
	close(s.stop)
}

func (s *SessionSweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := s.sweeper.SweepExpiredSessions(ctx); err != nil {
		s.logger.Error("Session sweep failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
}
