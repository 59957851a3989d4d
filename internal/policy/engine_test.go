package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/global-data-controller/osd-equalizer/internal/logging"
	"github.com/global-data-controller/osd-equalizer/internal/models"
)

func newGuard(t *testing.T, config GuardConfig) *MoveGuard {
	guard, err := NewMoveGuard(context.Background(), config, logging.NewFromZap(zaptest.NewLogger(t)))
	require.NoError(t, err)
	return guard
}

func TestMoveGuardWeightBounds(t *testing.T) {
	guard := newGuard(t, GuardConfig{Enabled: true, MinWeight: 0.1, MaxWeight: 4.0, MaxStepFraction: 0.05})
	assert.Equal(t, "weight-bounds.rego", guard.Source())

	tests := []struct {
		name    string
		move    models.Move
		allowed bool
		reason  string
	}{
		{
			name:    "small decrease",
			move:    models.Move{Device: 0, Variance: 1.2, OldWeight: 1.0, NewWeight: 0.998},
			allowed: true,
		},
		{
			name:    "below minimum",
			move:    models.Move{Device: 3, Variance: 3.0, OldWeight: 0.1, NewWeight: 0.098},
			allowed: false,
			reason:  "below minimum",
		},
		{
			name:    "above maximum",
			move:    models.Move{Device: 4, Variance: 0.5, OldWeight: 3.99, NewWeight: 4.01},
			allowed: false,
			reason:  "above maximum",
		},
		{
			name:    "step too large",
			move:    models.Move{Device: 5, Variance: 0.1, OldWeight: 1.0, NewWeight: 1.09},
			allowed: false,
			reason:  "exceeds",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision, err := guard.Check(context.Background(), tt.move, 1)
			require.NoError(t, err)
			assert.Equal(t, tt.allowed, decision.Allowed)
			assert.Equal(t, tt.move, decision.Move)
			if tt.allowed {
				assert.Empty(t, decision.Reasons)
				return
			}
			require.Len(t, decision.Reasons, 1)
			assert.Contains(t, decision.Reasons[0], tt.reason)
		})
	}
}

func TestMoveGuardZeroMaximumDisablesBound(t *testing.T) {
	guard := newGuard(t, GuardConfig{Enabled: true})

	decision, err := guard.Check(context.Background(), models.Move{Device: 1, OldWeight: 9.0, NewWeight: 9.5}, 2)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestMoveGuardDecreaseOnlyTemplate(t *testing.T) {
	guard := newGuard(t, GuardConfig{Enabled: true, Template: "decrease-only"})
	ctx := context.Background()

	up, err := guard.Check(ctx, models.Move{Device: 2, OldWeight: 1.0, NewWeight: 1.01}, 1)
	require.NoError(t, err)
	assert.False(t, up.Allowed)
	assert.Equal(t, []string{"osd.2 weight increase refused"}, up.Reasons)

	down, err := guard.Check(ctx, models.Move{Device: 2, OldWeight: 1.0, NewWeight: 0.99}, 1)
	require.NoError(t, err)
	assert.True(t, down.Allowed)
}

func TestMoveGuardFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "moves.rego")
	module := `
package osdeq.moves

import rego.v1

protected := {7}

deny contains "protected device" if {
	protected[input.move.device]
}
`
	require.NoError(t, os.WriteFile(path, []byte(module), 0o600))
	guard := newGuard(t, GuardConfig{Enabled: true, File: path})
	ctx := context.Background()

	vetoed, err := guard.Check(ctx, models.Move{Device: 7, OldWeight: 1, NewWeight: 0.99}, 1)
	require.NoError(t, err)
	assert.False(t, vetoed.Allowed)
	assert.Equal(t, []string{"protected device"}, vetoed.Reasons)

	allowed, err := guard.Check(ctx, models.Move{Device: 6, OldWeight: 1, NewWeight: 0.99}, 1)
	require.NoError(t, err)
	assert.True(t, allowed.Allowed)
}

func TestNewMoveGuardErrors(t *testing.T) {
	ctx := context.Background()

	_, err := NewMoveGuard(ctx, GuardConfig{Template: "nope"}, nil)
	assert.ErrorIs(t, err, models.ErrConfiguration)

	_, err = NewMoveGuard(ctx, GuardConfig{File: filepath.Join(t.TempDir(), "missing.rego")}, nil)
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "broken.rego")
	require.NoError(t, os.WriteFile(path, []byte("this is not valid rego syntax"), 0o600))
	_, err = NewMoveGuard(ctx, GuardConfig{File: path}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid move policy")
}

func TestTemplatesCompile(t *testing.T) {
	for name := range Templates {
		t.Run(name, func(t *testing.T) {
			_, err := NewMoveGuard(context.Background(), GuardConfig{Template: name}, nil)
			assert.NoError(t, err)
		})
	}
}

func TestAllowAll(t *testing.T) {
	decision, err := AllowAll{}.Check(context.Background(), models.Move{Device: 1, NewWeight: -5}, 1)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}
