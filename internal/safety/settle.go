package safety

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/global-data-controller/osd-equalizer/internal/ceph"
	"github.com/global-data-controller/osd-equalizer/internal/logging"
	"github.com/global-data-controller/osd-equalizer/internal/models"
	"github.com/global-data-controller/osd-equalizer/internal/telemetry"
)

// SettleConfig paces the settlement wait
type SettleConfig struct {
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// DefaultSettleConfig returns the default settlement pacing
func DefaultSettleConfig() SettleConfig {
	return SettleConfig{
		InitialDelay: 5 * time.Second,
		PollInterval: 2 * time.Second,
		Timeout:      30 * time.Minute,
	}
}

// Settler waits for placement groups to finish peering
type Settler struct {
	plane  ceph.ControlPlane
	config SettleConfig
	logger logging.Logger
}

// NewSettler creates a settler. Zero poll interval or timeout take the defaults.
func NewSettler(plane ceph.ControlPlane, config SettleConfig, logger logging.Logger) *Settler {
	defaults := DefaultSettleConfig()
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Settler{plane: plane, config: config, logger: logger.Named("settle")}
}

// AwaitSettled blocks until the cluster reports no peering placement groups.
// It waits InitialDelay first, then polls every PollInterval. When Timeout
// passes without settling it returns an error wrapping models.ErrStuckPeering.
func (s *Settler) AwaitSettled(ctx context.Context) error {
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, "safety.await_settled")
	defer span.End()

	if s.config.InitialDelay > 0 {
		timer := time.NewTimer(s.config.InitialDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	deadline := time.NewTimer(s.config.Timeout)
	defer deadline.Stop()

	limiter := rate.NewLimiter(rate.Every(s.config.PollInterval), 1)
	polls := 0
	for {
		next := time.NewTimer(limiter.Reserve().Delay())
		select {
		case <-ctx.Done():
			next.Stop()
			return ctx.Err()
		case <-deadline.C:
			next.Stop()
			span.RecordError(models.ErrStuckPeering)
			return fmt.Errorf("%w: still peering after %s (%d polls)", models.ErrStuckPeering, s.config.Timeout, polls)
		case <-next.C:
		}

		polls++
		peering, err := s.plane.IsPeering(ctx)
		if err != nil {
			return err
		}
		if !peering {
			telemetry.RecordDuration(ctx, "osdeq_settle", start)
			s.logger.Debug(ctx, "Placement groups settled",
				zap.Int("polls", polls),
				zap.Duration("elapsed", time.Since(start)))
			return nil
		}
		s.logger.Debug(ctx, "Placement groups peering", zap.Int("polls", polls))
	}
}
