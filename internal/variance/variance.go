// Package variance turns a cluster snapshot into per-device fill variance.
//
// A device's attributed usage is the sum over the placement groups it holds
// of size / pool divisor. Fill is usage / capacity and variance is fill
// divided by the unweighted mean fill of all devices, so a perfectly
// balanced cluster reports 1.0 everywhere.
package variance

import (
	"math"
	"sort"

	"github.com/global-data-controller/osd-equalizer/internal/models"
)

// Compute returns the variance of every device in the snapshot
func Compute(snap *models.ClusterSnapshot) (map[int]float64, error) {
	usage, err := AttributedUsage(snap)
	if err != nil {
		return nil, err
	}

	fills := make(map[int]float64, len(usage))
	var sum float64
	for _, id := range snap.Static.DeviceIDs {
		capacity := snap.Static.Capacities[id]
		if capacity <= 0 {
			return nil, models.InvalidSnapshotf("osd.%d has capacity %d", id, capacity)
		}
		fill := usage[id] / float64(capacity)
		fills[id] = fill
		sum += fill
	}

	mean := sum / float64(len(fills))
	if mean <= 0 || math.IsNaN(mean) || math.IsInf(mean, 0) {
		return nil, models.InvalidSnapshotf("mean fill is %v, no data is placed", mean)
	}

	variances := make(map[int]float64, len(fills))
	for id, fill := range fills {
		v := fill / mean
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, models.InvalidSnapshotf("osd.%d variance is %v", id, v)
		}
		variances[id] = v
	}
	return variances, nil
}

// AttributedUsage returns the bytes attributed to every device
func AttributedUsage(snap *models.ClusterSnapshot) (map[int]float64, error) {
	if snap == nil || snap.Static == nil || len(snap.Static.DeviceIDs) == 0 {
		return nil, models.InvalidSnapshotf("snapshot has no devices")
	}

	usage := make(map[int]float64, len(snap.Static.DeviceIDs))
	for _, id := range snap.Static.DeviceIDs {
		usage[id] = 0
	}

	for pgID, pg := range snap.PlacementGroups {
		pool, err := pg.PoolID()
		if err != nil {
			return nil, models.InvalidSnapshotf("%v", err)
		}
		divisor, ok := snap.Static.Divisors[pool]
		if !ok {
			return nil, models.InvalidSnapshotf("placement group %s belongs to unknown pool %d", pgID, pool)
		}
		if divisor < 1 {
			return nil, models.InvalidSnapshotf("pool %d has redundancy divisor %d", pool, divisor)
		}
		share := float64(pg.SizeBytes) / float64(divisor)
		for _, device := range pg.Devices {
			if _, ok := usage[device]; !ok {
				return nil, models.InvalidSnapshotf("placement group %s is held by unknown osd.%d", pgID, device)
			}
			usage[device] += share
		}
	}
	return usage, nil
}

// Deviation is |1 - v|
func Deviation(v float64) float64 {
	return math.Abs(1 - v)
}

// MaxDeviation returns the score of a variance map: the largest |1 - v|
func MaxDeviation(variances map[int]float64) float64 {
	var worst float64
	for _, v := range variances {
		if d := Deviation(v); d > worst {
			worst = d
		}
	}
	return worst
}

// Entry is one device's variance
type Entry struct {
	Device    int
	Variance  float64
	Deviation float64
}

// Ranked returns the devices ordered by deviation, largest first. Equal
// deviations are ordered by lowest device id.
func Ranked(variances map[int]float64) []Entry {
	entries := make([]Entry, 0, len(variances))
	for id, v := range variances {
		entries = append(entries, Entry{Device: id, Variance: v, Deviation: Deviation(v)})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Deviation != entries[j].Deviation {
			return entries[i].Deviation > entries[j].Deviation
		}
		return entries[i].Device < entries[j].Device
	})
	return entries
}
