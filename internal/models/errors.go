package models

import (
	"errors"
	"fmt"
)

// Error kinds shared by all optimizer components. Match them with errors.Is.
var (
	// ErrCollaborator is returned when a control-plane call fails or returns malformed data.
	ErrCollaborator = errors.New("control plane failure")

	// ErrStuckPeering is returned when placement groups do not settle within the settlement budget.
	ErrStuckPeering = errors.New("placement groups stuck peering")

	// ErrInvalidSnapshot is returned when a snapshot holds values that break the variance math.
	ErrInvalidSnapshot = errors.New("invalid cluster snapshot")

	// ErrConfiguration is returned for inconsistent tolerance, step or budget parameters.
	ErrConfiguration = errors.New("invalid configuration")
)

// CollaboratorError wraps a failed control-plane operation
type CollaboratorError struct {
	Op  string
	Err error
}

// NewCollaboratorError wraps err as a failure of op. A nil err yields nil.
func NewCollaboratorError(op string, err error) error {
	if err == nil {
		return nil
	}
	var ce *CollaboratorError
	if errors.As(err, &ce) && ce.Op == op {
		return err
	}
	return &CollaboratorError{Op: op, Err: err}
}

func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrCollaborator, e.Op, e.Err)
}

func (e *CollaboratorError) Unwrap() error {
	return e.Err
}

// Is makes every CollaboratorError match ErrCollaborator
func (e *CollaboratorError) Is(target error) bool {
	return target == ErrCollaborator
}

// InvalidSnapshotf builds an error wrapping ErrInvalidSnapshot
func InvalidSnapshotf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidSnapshot, fmt.Sprintf(format, args...))
}

// Configurationf builds an error wrapping ErrConfiguration
func Configurationf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}
