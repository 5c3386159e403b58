package server

import (
	"log/slog"
	"time"
)

// Sweeper reclaims expired auth requests and OTP records on an interval.
// Correctness never depends on it: every read re-checks expiry, and the
// broker and verifier purge opportunistically on successful calls. This is
// purely storage reclamation.
type Sweeper struct {
	store    Store
	interval time.Duration
	logger   *slog.Logger
}

// NewSweeper constructs a sweeper. A non-positive interval disables it.
func NewSweeper(store Store, interval time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{store: store, interval: interval, logger: logger}
}

// Start launches the background sweep loop.
func (s *Sweeper) Start(stop <-chan struct{}) {
	if s.interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.sweep()
			case <-stop:
				return
			}
		}
	}()
}

func (s *Sweeper) sweep() {
	now := time.Now()
	if err := s.store.PurgeExpiredAuthRequests(now); err != nil {
		s.logger.Warn("sweep auth requests", "error", err)
	}
	if err := s.store.PurgeExpiredOTPs(now); err != nil {
		s.logger.Warn("sweep otps", "error", err)
	}
}
