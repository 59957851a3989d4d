package controller

import (
	"context"
	"errors"

	"github.com/global-data-controller/osd-equalizer/internal/models"
)

// Observer receives run lifecycle notifications. Errors are logged by the
// controller and never abort a run.
type Observer interface {
	RunStarted(ctx context.Context, info models.RunInfo) error
	RoundCompleted(ctx context.Context, report models.RoundReport) error
	Improved(ctx context.Context, report models.RoundReport) error
	Committed(ctx context.Context, result models.RunResult) error
}

// Observers fans notifications out to every member
type Observers []Observer

func (o Observers) RunStarted(ctx context.Context, info models.RunInfo) error {
	var errs []error
	for _, obs := range o {
		errs = append(errs, obs.RunStarted(ctx, info))
	}
	return errors.Join(errs...)
}

func (o Observers) RoundCompleted(ctx context.Context, report models.RoundReport) error {
	var errs []error
	for _, obs := range o {
		errs = append(errs, obs.RoundCompleted(ctx, report))
	}
	return errors.Join(errs...)
}

func (o Observers) Improved(ctx context.Context, report models.RoundReport) error {
	var errs []error
	for _, obs := range o {
		errs = append(errs, obs.Improved(ctx, report))
	}
	return errors.Join(errs...)
}

func (o Observers) Committed(ctx context.Context, result models.RunResult) error {
	var errs []error
	for _, obs := range o {
		errs = append(errs, obs.Committed(ctx, result))
	}
	return errors.Join(errs...)
}

var _ Observer = Observers(nil)
