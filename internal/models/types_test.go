package models

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePoolID(t *testing.T) {
	tests := []struct {
		name    string
		pgID    string
		want    int
		wantErr bool
	}{
		{name: "replicated pg", pgID: "1.2f", want: 1},
		{name: "large pool id", pgID: "42.0", want: 42},
		{name: "erasure shard suffix", pgID: "7.1as2", want: 7},
		{name: "missing dot", pgID: "12", wantErr: true},
		{name: "empty pool", pgID: ".3", wantErr: true},
		{name: "non numeric pool", pgID: "abc.1", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePoolID(tt.pgID)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestWeightMap(t *testing.T) {
	t.Run("NewWeightMap copies input", func(t *testing.T) {
		raw := []byte{1, 2, 3}
		m := NewWeightMap(raw)
		raw[0] = 9

		assert.Equal(t, []byte{1, 2, 3}, m.Data)
	})

	t.Run("Clone shares no memory", func(t *testing.T) {
		m := NewWeightMap([]byte("crush"))
		c := m.Clone()
		c.Data[0] = 'C'

		assert.True(t, m.Equal(NewWeightMap([]byte("crush"))))
		assert.False(t, m.Equal(c))
	})

	t.Run("IsZero", func(t *testing.T) {
		assert.True(t, WeightMap{}.IsZero())
		assert.False(t, NewWeightMap([]byte{0}).IsZero())
	})
}

func TestCandidateBetterThan(t *testing.T) {
	best := &Candidate{Score: 0.5}

	assert.True(t, (&Candidate{Score: 0.4}).BetterThan(best))
	assert.False(t, (&Candidate{Score: 0.5}).BetterThan(best), "equal scores are not an improvement")
	assert.False(t, (&Candidate{Score: 0.6}).BetterThan(best))
	assert.True(t, (&Candidate{Score: 10}).BetterThan(nil))
}

func TestMove(t *testing.T) {
	m := Move{Device: 3, Variance: 1.2, OldWeight: 1.0, NewWeight: 0.998}

	assert.InDelta(t, -0.002, m.Delta(), 1e-12)
	assert.Contains(t, m.String(), "osd.3")
}

func TestCollaboratorError(t *testing.T) {
	cause := errors.New("exit status 22")
	err := NewCollaboratorError("osd ls", cause)

	assert.True(t, errors.Is(err, ErrCollaborator))
	assert.True(t, errors.Is(err, cause))
	assert.False(t, errors.Is(err, ErrInvalidSnapshot))
	assert.Contains(t, err.Error(), "osd ls")

	wrapped := fmt.Errorf("round 3: %w", err)
	var ce *CollaboratorError
	require.True(t, errors.As(wrapped, &ce))
	assert.Equal(t, "osd ls", ce.Op)

	assert.Nil(t, NewCollaboratorError("osd ls", nil))
	assert.Same(t, err, NewCollaboratorError("osd ls", err))
}

func TestErrorHelpers(t *testing.T) {
	assert.True(t, errors.Is(InvalidSnapshotf("device %d has zero capacity", 4), ErrInvalidSnapshot))
	assert.True(t, errors.Is(Configurationf("step fraction %v", 2.0), ErrConfiguration))
}
