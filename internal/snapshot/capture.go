// Package snapshot captures cluster state for one optimizer round.
//
// Device ids, capacities and pool divisors are queried once and reused for
// the whole run. Weights and the placement group map are queried on every
// Capture.
package snapshot

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/global-data-controller/osd-equalizer/internal/ceph"
	"github.com/global-data-controller/osd-equalizer/internal/logging"
	"github.com/global-data-controller/osd-equalizer/internal/models"
	"github.com/global-data-controller/osd-equalizer/internal/telemetry"
)

// Capturer builds ClusterSnapshots from a control plane
type Capturer struct {
	plane  ceph.ControlPlane
	logger logging.Logger
	now    func() time.Time

	mu     sync.Mutex
	static *models.StaticState
}

// NewCapturer creates a capturer. A nil logger discards output.
func NewCapturer(plane ceph.ControlPlane, logger logging.Logger) *Capturer {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Capturer{
		plane:  plane,
		logger: logger.Named("snapshot"),
		now:    time.Now,
	}
}

// Static returns the static state, querying it on first use
func (c *Capturer) Static(ctx context.Context) (*models.StaticState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.static != nil {
		return c.static, nil
	}

	ids, err := c.plane.ListDeviceIDs(ctx)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, models.InvalidSnapshotf("cluster reports no devices")
	}
	capacities, err := c.plane.DeviceCapacities(ctx)
	if err != nil {
		return nil, err
	}
	divisors, err := c.plane.PoolRedundancyDivisors(ctx)
	if err != nil {
		return nil, err
	}

	sorted := append([]int(nil), ids...)
	sort.Ints(sorted)

	var total int64
	for _, id := range sorted {
		capacity, ok := capacities[id]
		if !ok {
			return nil, models.InvalidSnapshotf("no capacity reported for osd.%d", id)
		}
		if capacity <= 0 {
			return nil, models.InvalidSnapshotf("osd.%d has capacity %d", id, capacity)
		}
		total += capacity
	}
	for pool, divisor := range divisors {
		if divisor < 1 {
			return nil, models.InvalidSnapshotf("pool %d has redundancy divisor %d", pool, divisor)
		}
	}

	c.static = &models.StaticState{
		DeviceIDs:  sorted,
		Capacities: capacities,
		Divisors:   divisors,
	}
	c.logger.Info(ctx, "Captured static cluster state",
		zap.Int("devices", len(sorted)),
		zap.Int("pools", len(divisors)),
		zap.String("raw_capacity", humanize.IBytes(uint64(total))))
	return c.static, nil
}

// Capture returns a fresh snapshot. Collaborator failures are returned
// unchanged; inconsistent data yields models.ErrInvalidSnapshot.
func (c *Capturer) Capture(ctx context.Context) (*models.ClusterSnapshot, error) {
	start := c.now()
	defer func() {
		telemetry.RecordDuration(ctx, "osdeq_capture", start)
	}()

	static, err := c.Static(ctx)
	if err != nil {
		return nil, err
	}

	weights, err := c.plane.DeviceWeights(ctx)
	if err != nil {
		return nil, err
	}
	for _, id := range static.DeviceIDs {
		if _, ok := weights[id]; !ok {
			return nil, models.InvalidSnapshotf("no weight reported for osd.%d", id)
		}
	}

	pgs, err := c.plane.PlacementGroupMap(ctx)
	if err != nil {
		return nil, err
	}
	if err := validatePlacementGroups(static, pgs); err != nil {
		return nil, err
	}

	c.logger.Debug(ctx, "Captured cluster snapshot", zap.Int("placement_groups", len(pgs)))
	return &models.ClusterSnapshot{
		Static:          static,
		Weights:         weights,
		PlacementGroups: pgs,
		CapturedAt:      c.now(),
	}, nil
}

func validatePlacementGroups(static *models.StaticState, pgs map[string]models.PlacementGroup) error {
	for id, pg := range pgs {
		pool, err := pg.PoolID()
		if err != nil {
			return models.NewCollaboratorError("pg dump", err)
		}
		if _, ok := static.Divisors[pool]; !ok {
			return models.InvalidSnapshotf("placement group %s belongs to unknown pool %d", id, pool)
		}
		if pg.SizeBytes < 0 {
			return models.InvalidSnapshotf("placement group %s has negative size %d", id, pg.SizeBytes)
		}
		for _, device := range pg.Devices {
			if _, ok := static.Capacities[device]; !ok {
				return models.InvalidSnapshotf("placement group %s is held by unknown osd.%d", id, device)
			}
		}
	}
	return nil
}
