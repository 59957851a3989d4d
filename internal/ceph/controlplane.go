// Package ceph talks to the cluster control plane.
//
// ControlPlane is the typed query surface the optimizer consumes. CLI
// implements it over the ceph command-line tool using its JSON output, so no
// column-position parsing is involved. A running optimizer assumes exclusive
// ownership of the cluster's weight map and data-movement flags: running two
// instances against the same cluster is unsupported.
package ceph

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/global-data-controller/osd-equalizer/internal/models"
)

// ControlPlane is the cluster command/control surface used by the optimizer.
// Every method may fail; failures are always *models.CollaboratorError values,
// while empty-but-valid answers (no PGs peering) are successes.
type ControlPlane interface {
	// Static for the run
	ListDeviceIDs(ctx context.Context) ([]int, error)
	DeviceCapacities(ctx context.Context) (map[int]int64, error)
	PoolRedundancyDivisors(ctx context.Context) (map[int]int, error)

	// Refreshed every round
	DeviceWeights(ctx context.Context) (map[int]float64, error)
	PlacementGroupMap(ctx context.Context) (map[string]models.PlacementGroup, error)
	IsPeering(ctx context.Context) (bool, error)

	// Mutations
	SetDataMovementGate(ctx context.Context, on bool) error
	ExportWeightMap(ctx context.Context) (models.WeightMap, error)
	ImportWeightMap(ctx context.Context, m models.WeightMap) error
	ReweightDevice(ctx context.Context, id int, weight float64) error
}

// RetryConfig defines retry behavior for control-plane calls
type RetryConfig struct {
	MaxAttempts   int           `json:"max_attempts" mapstructure:"max_attempts"`
	InitialDelay  time.Duration `json:"initial_delay" mapstructure:"initial_delay"`
	MaxDelay      time.Duration `json:"max_delay" mapstructure:"max_delay"`
	BackoffFactor float64       `json:"backoff_factor" mapstructure:"backoff_factor"`
	Jitter        bool          `json:"jitter" mapstructure:"jitter"`
}

// DefaultRetryConfig returns a sensible default retry configuration
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  500 * time.Millisecond,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
	}
}

// NextDelay calculates the next delay for exponential backoff with jitter
func (r *RetryConfig) NextDelay(attempt int) time.Duration {
	delay := time.Duration(float64(r.InitialDelay) * math.Pow(r.BackoffFactor, float64(attempt)))
	if delay > r.MaxDelay {
		delay = r.MaxDelay
	}
	if r.Jitter {
		jitter := time.Duration(rand.Float64() * float64(delay) * 0.1)
		delay = delay + jitter
	}
	return delay
}
