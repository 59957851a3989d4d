// Package planner decides which devices to reweight in a round and by how much.
package planner

import (
	"fmt"
	"math"
	"strings"

	"github.com/global-data-controller/osd-equalizer/internal/models"
	"github.com/global-data-controller/osd-equalizer/internal/variance"
)

// Strategy selects the devices adjusted per round
type Strategy string

const (
	// SingleWorst adjusts the one device with the largest |1 - variance|
	SingleWorst Strategy = "single-worst"
	// TopK adjusts the k devices with the largest |1 - variance|
	TopK Strategy = "top-k"
	// ThresholdSweep adjusts every device outside [1 - tau, 1 + tau]
	ThresholdSweep Strategy = "threshold-sweep"
)

// DefaultStepFraction is the weight fraction moved per unit of deviation
const DefaultStepFraction = 0.01

// ParseStrategy converts a configuration value into a Strategy
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case SingleWorst:
		return SingleWorst, nil
	case TopK:
		return TopK, nil
	case ThresholdSweep:
		return ThresholdSweep, nil
	}
	return "", models.Configurationf("unknown reweight strategy %q", s)
}

// Params tune one planning call
type Params struct {
	Strategy Strategy
	// K is the device count for TopK, at least 1
	K int
	// Tolerance is tau for ThresholdSweep
	Tolerance float64
	// DeadBand excludes devices with |1 - variance| <= DeadBand in every strategy
	DeadBand     float64
	StepFraction float64
}

// Validate reports inconsistent parameters as configuration errors
func (p Params) Validate() error {
	if _, err := ParseStrategy(string(p.Strategy)); err != nil {
		return err
	}
	if p.Strategy == TopK && p.K < 1 {
		return models.Configurationf("top-k needs k >= 1, got %d", p.K)
	}
	if !(p.StepFraction > 0 && p.StepFraction <= 1) {
		return models.Configurationf("step fraction must be in (0, 1], got %v", p.StepFraction)
	}
	if p.Tolerance < 0 || math.IsNaN(p.Tolerance) {
		return models.Configurationf("tolerance must be >= 0, got %v", p.Tolerance)
	}
	if p.DeadBand < 0 || math.IsNaN(p.DeadBand) {
		return models.Configurationf("dead band must be >= 0, got %v", p.DeadBand)
	}
	return nil
}

// Plan returns this round's moves, worst device first. Devices with equal
// deviation are ordered by lowest id. Devices missing from weights are
// skipped, as are moves that would leave the weight unchanged.
func Plan(variances map[int]float64, weights map[int]float64, params Params) ([]models.Move, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	limit := len(variances)
	switch params.Strategy {
	case SingleWorst:
		limit = 1
	case TopK:
		limit = params.K
	}

	var moves []models.Move
	for _, entry := range variance.Ranked(variances) {
		if len(moves) >= limit {
			break
		}
		if entry.Deviation <= params.DeadBand {
			// ranked by deviation, nothing further is eligible
			break
		}
		if params.Strategy == ThresholdSweep && entry.Deviation <= params.Tolerance {
			break
		}

		weight, ok := weights[entry.Device]
		if !ok {
			continue
		}
		next := NextWeight(weight, entry.Variance, params.StepFraction)
		if next == weight {
			continue
		}
		moves = append(moves, models.Move{
			Device:    entry.Device,
			Variance:  entry.Variance,
			OldWeight: weight,
			NewWeight: next,
		})
	}
	return moves, nil
}

// NextWeight applies delta = weight * |1 - v| * step, lowering overfull
// devices and raising underfull ones. The result never goes below zero.
func NextWeight(weight, v, step float64) float64 {
	delta := weight * variance.Deviation(v) * step
	switch {
	case v > 1:
		return math.Max(0, weight-delta)
	case v < 1:
		return weight + delta
	}
	return weight
}

// Describe formats moves for logs
func Describe(moves []models.Move) string {
	parts := make([]string, len(moves))
	for i, m := range moves {
		parts[i] = m.String()
	}
	return fmt.Sprintf("[%s]", strings.Join(parts, "; "))
}
