package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"
)

const sweepRetryDelay = 30 * time.Second

// Sweeper runs Service.Sweep on a cron schedule until its context ends.
// Lazy expiry in Validate stays the source of truth; sweeping only keeps
// the table small.
type Sweeper struct {
	svc    *Service
	cron   string
	logger *slog.Logger
	now    func() time.Time
	after  func(time.Duration) <-chan time.Time

	// OnSweep, when set, receives the number of rows removed by each run.
	OnSweep func(removed int64)

	mu      sync.Mutex
	running bool
}

func NewSweeper(svc *Service, cron string, logger *slog.Logger) (*Sweeper, error) {
	if svc == nil {
		return nil, errors.New("session service is required")
	}
	if !gronx.IsValid(cron) {
		return nil, errors.New("invalid sweep cron expression")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Sweeper{
		svc:    svc,
		cron:   cron,
		logger: logger,
		now:    time.Now,
		after:  time.After,
	}, nil
}

// Run blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Info("session_sweep_enabled", "cron", s.cron)
	for {
		next, err := gronx.NextTickAfter(s.cron, s.now(), false)
		if err != nil {
			s.logger.Error("session_sweep_nexttick_failed", "cron", s.cron, "error", err)
			select {
			case <-s.after(sweepRetryDelay):
			case <-ctx.Done():
				return
			}
			continue
		}

		wait := next.Sub(s.now())
		if wait < 0 {
			wait = 0
		}
		select {
		case <-s.after(wait):
			s.RunOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce sweeps immediately. Overlapping calls are skipped.
func (s *Sweeper) RunOnce(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	removed, err := s.svc.Sweep(ctx)
	if err != nil {
		s.logger.Error("session_sweep_failed", "error", err)
		return
	}
	if s.OnSweep != nil {
		s.OnSweep(removed)
	}
	s.logger.Debug("session_sweep_done", "removed", removed)
}
