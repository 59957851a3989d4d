package snapshot

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/global-data-controller/osd-equalizer/internal/ceph/cephtest"
	"github.com/global-data-controller/osd-equalizer/internal/logging"
	"github.com/global-data-controller/osd-equalizer/internal/models"
)

const tib = int64(1) << 40

func newCapturer(t *testing.T, sim *cephtest.Simulator) *Capturer {
	return NewCapturer(sim, logging.NewFromZap(zaptest.NewLogger(t)))
}

func TestCaptureQueriesStaticStateOnce(t *testing.T) {
	sim := cephtest.NewSimulator(cephtest.Config{
		Capacities: map[int]int64{2: tib, 0: tib, 1: 2 * tib},
		Divisors:   map[int]int{1: 1},
		PGs:        cephtest.UniformPGs(1, 16, 1<<30, 2),
	})
	capturer := newCapturer(t, sim)
	ctx := context.Background()

	first, err := capturer.Capture(ctx)
	require.NoError(t, err)
	second, err := capturer.Capture(ctx)
	require.NoError(t, err)

	assert.Equal(t, []int{0, 1, 2}, first.Static.DeviceIDs)
	assert.Same(t, first.Static, second.Static)
	assert.Len(t, first.PlacementGroups, 16)

	assert.Equal(t, 1, sim.CallCount(cephtest.OpListDeviceIDs))
	assert.Equal(t, 1, sim.CallCount(cephtest.OpDeviceCapacities))
	assert.Equal(t, 1, sim.CallCount(cephtest.OpPoolDivisors))
	assert.Equal(t, 2, sim.CallCount(cephtest.OpDeviceWeights))
	assert.Equal(t, 2, sim.CallCount(cephtest.OpPlacementGroupMap))
}

func TestCaptureSeesWeightChanges(t *testing.T) {
	sim := cephtest.NewSimulator(cephtest.Config{
		Capacities: map[int]int64{0: tib, 1: tib},
		Divisors:   map[int]int{1: 1},
	})
	capturer := newCapturer(t, sim)
	ctx := context.Background()

	before, err := capturer.Capture(ctx)
	require.NoError(t, err)
	require.NoError(t, sim.ReweightDevice(ctx, 1, 0.5))
	after, err := capturer.Capture(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1.0, before.Weights[1])
	assert.Equal(t, 0.5, after.Weights[1])
}

func TestCaptureCollaboratorFailures(t *testing.T) {
	ops := []string{
		cephtest.OpListDeviceIDs,
		cephtest.OpDeviceCapacities,
		cephtest.OpPoolDivisors,
		cephtest.OpDeviceWeights,
		cephtest.OpPlacementGroupMap,
	}

	for _, op := range ops {
		t.Run(op, func(t *testing.T) {
			sim := cephtest.NewSimulator(cephtest.Config{
				Capacities: map[int]int64{0: tib},
				Divisors:   map[int]int{1: 1},
			})
			cause := errors.New("mon down")
			sim.Fail(op, cause)

			_, err := newCapturer(t, sim).Capture(context.Background())
			require.Error(t, err)
			assert.ErrorIs(t, err, models.ErrCollaborator)
			assert.ErrorIs(t, err, cause)
		})
	}
}

func TestCaptureStaticFailureIsRetriedNextCall(t *testing.T) {
	sim := cephtest.NewSimulator(cephtest.Config{
		Capacities: map[int]int64{0: tib},
		Divisors:   map[int]int{1: 1},
	})
	sim.Fail(cephtest.OpDeviceCapacities, errors.New("timeout"))
	capturer := newCapturer(t, sim)

	_, err := capturer.Capture(context.Background())
	require.Error(t, err)

	snap, err := capturer.Capture(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{0}, snap.Static.DeviceIDs)
}

func TestCaptureInvalidSnapshots(t *testing.T) {
	tests := []struct {
		name   string
		config cephtest.Config
	}{
		{
			name:   "no devices",
			config: cephtest.Config{Divisors: map[int]int{1: 1}},
		},
		{
			name: "zero capacity",
			config: cephtest.Config{
				Capacities: map[int]int64{0: tib, 1: 0},
				Weights:    map[int]float64{1: 1.0},
				Divisors:   map[int]int{1: 1},
			},
		},
		{
			name: "placement group in unknown pool",
			config: cephtest.Config{
				Capacities: map[int]int64{0: tib},
				Divisors:   map[int]int{1: 1},
				PGs:        []cephtest.PG{{Pool: 9, Shard: 0, Size: 1 << 30, Fixed: []int{0}}},
			},
		},
		{
			name: "placement group on unknown device",
			config: cephtest.Config{
				Capacities: map[int]int64{0: tib},
				Divisors:   map[int]int{1: 1},
				PGs:        []cephtest.PG{{Pool: 1, Shard: 0, Size: 1 << 30, Fixed: []int{7}}},
			},
		},
		{
			name: "zero divisor",
			config: cephtest.Config{
				Capacities: map[int]int64{0: tib},
				Divisors:   map[int]int{1: 0},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sim := cephtest.NewSimulator(tt.config)
			_, err := newCapturer(t, sim).Capture(context.Background())
			require.Error(t, err)
			assert.ErrorIs(t, err, models.ErrInvalidSnapshot)
		})
	}
}
