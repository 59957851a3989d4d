// Package weightmap keeps the original and best-known weight maps of a run.
//
// The store never aliases map bytes: every blob is copied on the way in and
// on the way out. Remember only accepts strictly better scores, so the
// remembered score never increases during a run.
package weightmap

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/global-data-controller/osd-equalizer/internal/ceph"
	"github.com/global-data-controller/osd-equalizer/internal/logging"
	"github.com/global-data-controller/osd-equalizer/internal/models"
)

// ErrNoOriginal is returned when the original map was never recorded
var ErrNoOriginal = errors.New("original weight map not recorded")

// StoreConfig configures a Store
type StoreConfig struct {
	RunID       string
	Cluster     string
	Checkpoints CheckpointStore
	Logger      logging.Logger
}

// Store holds the original and best weight maps
type Store struct {
	plane       ceph.ControlPlane
	checkpoints CheckpointStore
	logger      logging.Logger
	runID       string
	cluster     string
	now         func() time.Time

	mu       sync.RWMutex
	original *models.Candidate
	best     *models.Candidate
	history  []float64
}

// NewStore creates a store. A nil checkpoint store keeps state in memory only.
func NewStore(plane ceph.ControlPlane, config StoreConfig) *Store {
	if config.Logger == nil {
		config.Logger = logging.NewNop()
	}
	if config.Checkpoints == nil {
		config.Checkpoints = NewMemoryCheckpointStore()
	}
	return &Store{
		plane:       plane,
		checkpoints: config.Checkpoints,
		logger:      config.Logger.Named("weightmap"),
		runID:       config.RunID,
		cluster:     config.Cluster,
		now:         time.Now,
	}
}

// Snapshot exports the live weight map
func (s *Store) Snapshot(ctx context.Context) (models.WeightMap, error) {
	m, err := s.plane.ExportWeightMap(ctx)
	if err != nil {
		return models.WeightMap{}, err
	}
	return m.Clone(), nil
}

// Restore imports m into the cluster
func (s *Store) Restore(ctx context.Context, m models.WeightMap) error {
	return s.plane.ImportWeightMap(ctx, m.Clone())
}

// RecordOriginal stores the pre-run map and makes it the initial best
func (s *Store) RecordOriginal(ctx context.Context, m models.WeightMap, score float64) error {
	if m.IsZero() {
		return fmt.Errorf("original weight map is empty")
	}

	s.mu.Lock()
	if s.original != nil {
		s.mu.Unlock()
		return fmt.Errorf("original weight map already recorded")
	}
	original := &models.Candidate{Map: m.Clone(), Score: score, Round: 0, RecordedAt: s.now()}
	s.original = original
	best := *original
	best.Map = m.Clone()
	s.best = &best
	s.history = append(s.history, score)
	checkpoint := s.checkpointLocked()
	s.mu.Unlock()

	s.saveCheckpoint(ctx, checkpoint)
	return nil
}

// Remember stores m as the best map iff score is strictly lower than the
// current best. It reports whether m was stored.
func (s *Store) Remember(ctx context.Context, m models.WeightMap, score float64, round int) (bool, error) {
	candidate := &models.Candidate{Map: m.Clone(), Score: score, Round: round, RecordedAt: s.now()}

	s.mu.Lock()
	if s.original == nil {
		s.mu.Unlock()
		return false, ErrNoOriginal
	}
	if !candidate.BetterThan(s.best) {
		s.mu.Unlock()
		return false, nil
	}
	s.best = candidate
	s.history = append(s.history, score)
	checkpoint := s.checkpointLocked()
	s.mu.Unlock()

	s.logger.Info(ctx, "Remembered improved weight map",
		zap.Int("round", round),
		zap.Float64("score", score))
	s.saveCheckpoint(ctx, checkpoint)
	return true, nil
}

// Best returns a copy of the best candidate, nil before RecordOriginal
func (s *Store) Best() *models.Candidate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneCandidate(s.best)
}

// Original returns a copy of the original candidate, nil before RecordOriginal
func (s *Store) Original() *models.Candidate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneCandidate(s.original)
}

// History returns every remembered score in order, starting with the original
func (s *Store) History() []float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]float64(nil), s.history...)
}

// Choose returns the candidate to install: the best map when it beats the
// original, the original otherwise
func (s *Store) Choose() (*models.Candidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.original == nil {
		return nil, ErrNoOriginal
	}
	if s.best != nil && s.best.BetterThan(s.original) {
		return cloneCandidate(s.best), nil
	}
	return cloneCandidate(s.original), nil
}

// Commit installs the chosen candidate and drops the checkpoint. The
// caller's cancellation is ignored.
func (s *Store) Commit(ctx context.Context) (*models.Candidate, error) {
	ctx = context.WithoutCancel(ctx)

	chosen, err := s.Choose()
	if err != nil {
		return nil, err
	}
	if err := s.Restore(ctx, chosen.Map); err != nil {
		return chosen, fmt.Errorf("installing weight map from round %d: %w", chosen.Round, err)
	}

	if err := s.checkpoints.DeleteCheckpoint(ctx); err != nil {
		s.logger.Warn(ctx, "Failed to delete checkpoint", zap.Error(err))
	}
	s.logger.Info(ctx, "Installed weight map",
		zap.Int("round", chosen.Round),
		zap.Float64("score", chosen.Score),
		zap.Bool("original", chosen.Round == 0))
	return chosen, nil
}

func (s *Store) checkpointLocked() *Checkpoint {
	checkpoint := &Checkpoint{
		RunID:     s.runID,
		Cluster:   s.cluster,
		Original:  *cloneCandidate(s.original),
		UpdatedAt: s.now(),
	}
	if s.best != nil && s.best.Round > 0 {
		checkpoint.Best = cloneCandidate(s.best)
	}
	return checkpoint
}

// saveCheckpoint persists checkpoint. Failures are logged: the in-memory
// candidates stay authoritative for the running process.
func (s *Store) saveCheckpoint(ctx context.Context, checkpoint *Checkpoint) {
	if err := s.checkpoints.SaveCheckpoint(ctx, checkpoint); err != nil {
		s.logger.Warn(ctx, "Failed to save checkpoint", zap.Error(err))
	}
}

func cloneCandidate(c *models.Candidate) *models.Candidate {
	if c == nil {
		return nil
	}
	clone := *c
	clone.Map = c.Map.Clone()
	return &clone
}
