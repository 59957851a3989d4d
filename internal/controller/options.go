package controller

import (
	"math"
	"strings"

	"github.com/global-data-controller/osd-equalizer/internal/models"
	"github.com/global-data-controller/osd-equalizer/internal/planner"
)

// TerminationMode selects what happens when patience runs out
type TerminationMode string

const (
	// BoundedAttempts gives up once patience is exhausted
	BoundedAttempts TerminationMode = "bounded-attempts"
	// TargetTolerance relaxes the active tolerance by bisection until the
	// current score is within NearSuccessEpsilon of it
	TargetTolerance TerminationMode = "target-tolerance"
)

// ParseTerminationMode converts a configuration value into a TerminationMode
func ParseTerminationMode(s string) (TerminationMode, error) {
	switch TerminationMode(strings.ToLower(strings.TrimSpace(s))) {
	case BoundedAttempts:
		return BoundedAttempts, nil
	case TargetTolerance:
		return TargetTolerance, nil
	}
	return "", models.Configurationf("unknown termination mode %q", s)
}

// Options is the immutable configuration of one controller
type Options struct {
	Cluster string

	// TargetTolerance is the score at or below which the run succeeds
	TargetTolerance float64
	StepFraction    float64
	Strategy        planner.Strategy
	TopK            int
	// SweepTolerance is tau for threshold-sweep; zero uses the active tolerance
	SweepTolerance float64
	DeadBand       float64

	Termination TerminationMode
	// MaxStallAttempts is the patience: non-improving rounds tolerated in a row
	MaxStallAttempts   int
	MaxRounds          int
	NearSuccessEpsilon float64
}

// DefaultOptions returns the defaults used when nothing is configured
func DefaultOptions() Options {
	return Options{
		Cluster:            "ceph",
		TargetTolerance:    0.05,
		StepFraction:       planner.DefaultStepFraction,
		Strategy:           planner.SingleWorst,
		TopK:               1,
		Termination:        BoundedAttempts,
		MaxStallAttempts:   10,
		MaxRounds:          1000,
		NearSuccessEpsilon: 0.001,
	}
}

// Validate reports inconsistent options as configuration errors
func (o Options) Validate() error {
	if err := o.plannerParams(o.TargetTolerance).Validate(); err != nil {
		return err
	}
	if o.TargetTolerance < 0 || math.IsNaN(o.TargetTolerance) || math.IsInf(o.TargetTolerance, 0) {
		return models.Configurationf("target tolerance must be a finite value >= 0, got %v", o.TargetTolerance)
	}
	if o.SweepTolerance < 0 || math.IsNaN(o.SweepTolerance) {
		return models.Configurationf("sweep tolerance must be >= 0, got %v", o.SweepTolerance)
	}
	if o.NearSuccessEpsilon < 0 || math.IsNaN(o.NearSuccessEpsilon) {
		return models.Configurationf("near success epsilon must be >= 0, got %v", o.NearSuccessEpsilon)
	}
	if o.Strategy == planner.ThresholdSweep && o.TargetTolerance > 0 && o.DeadBand >= o.TargetTolerance {
		return models.Configurationf("dead band %v must be below the target tolerance %v", o.DeadBand, o.TargetTolerance)
	}
	if _, err := ParseTerminationMode(string(o.Termination)); err != nil {
		return err
	}
	if o.MaxStallAttempts < 0 {
		return models.Configurationf("max stall attempts must be >= 0, got %d", o.MaxStallAttempts)
	}
	if o.MaxRounds < 1 {
		return models.Configurationf("max rounds must be >= 1, got %d", o.MaxRounds)
	}
	return nil
}

// plannerParams builds the planner parameters for the given active tolerance
func (o Options) plannerParams(activeTolerance float64) planner.Params {
	tau := o.SweepTolerance
	if tau <= 0 {
		tau = activeTolerance
	}
	k := o.TopK
	if o.Strategy != planner.TopK && k < 1 {
		k = 1
	}
	return planner.Params{
		Strategy:     o.Strategy,
		K:            k,
		Tolerance:    tau,
		DeadBand:     o.DeadBand,
		StepFraction: o.StepFraction,
	}
}
