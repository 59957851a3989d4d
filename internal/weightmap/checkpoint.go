package weightmap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/global-data-controller/osd-equalizer/internal/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrNoCheckpoint is returned when no checkpoint has been saved
var ErrNoCheckpoint = errors.New("no checkpoint")

// Checkpoint is the persisted state needed to recover a crashed run
type Checkpoint struct {
	RunID     string            `json:"run_id"`
	Cluster   string            `json:"cluster"`
	Original  models.Candidate  `json:"original"`
	Best      *models.Candidate `json:"best,omitempty"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Recovery returns the map a recovery should install: the best candidate
// when it beats the original, the original otherwise
func (c *Checkpoint) Recovery() models.Candidate {
	if c.Best != nil && c.Best.BetterThan(&c.Original) {
		return *c.Best
	}
	return c.Original
}

// CheckpointStore persists the checkpoint of the running optimizer
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, checkpoint *Checkpoint) error
	LoadCheckpoint(ctx context.Context) (*Checkpoint, error)
	DeleteCheckpoint(ctx context.Context) error
}

// MemoryCheckpointStore implements CheckpointStore in memory.
// This is suitable for tests and dry runs.
type MemoryCheckpointStore struct {
	mu         sync.RWMutex
	checkpoint []byte
	saves      int
}

// NewMemoryCheckpointStore creates a new memory-based checkpoint store
func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{}
}

// SaveCheckpoint stores a copy of checkpoint
func (m *MemoryCheckpointStore) SaveCheckpoint(ctx context.Context, checkpoint *Checkpoint) error {
	if checkpoint == nil {
		return fmt.Errorf("checkpoint cannot be nil")
	}
	data, err := json.Marshal(checkpoint)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoint = data
	m.saves++
	return nil
}

// LoadCheckpoint returns a copy of the stored checkpoint
func (m *MemoryCheckpointStore) LoadCheckpoint(ctx context.Context) (*Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.checkpoint == nil {
		return nil, ErrNoCheckpoint
	}
	return decodeCheckpoint(m.checkpoint)
}

// DeleteCheckpoint removes the stored checkpoint
func (m *MemoryCheckpointStore) DeleteCheckpoint(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoint = nil
	return nil
}

// Saves returns how many checkpoints have been written
func (m *MemoryCheckpointStore) Saves() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.saves
}

// FileCheckpointStore keeps the checkpoint in a JSON file. Writes go to a
// temporary file in the same directory and are renamed into place.
type FileCheckpointStore struct {
	path string
	mu   sync.Mutex
}

// NewFileCheckpointStore creates a file-backed checkpoint store at path
func NewFileCheckpointStore(path string) *FileCheckpointStore {
	return &FileCheckpointStore{path: path}
}

// Path returns the checkpoint file location
func (f *FileCheckpointStore) Path() string {
	return f.path
}

// SaveCheckpoint atomically replaces the checkpoint file
func (f *FileCheckpointStore) SaveCheckpoint(ctx context.Context, checkpoint *Checkpoint) error {
	if checkpoint == nil {
		return fmt.Errorf("checkpoint cannot be nil")
	}
	data, err := json.MarshalIndent(checkpoint, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close checkpoint: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("failed to install checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint reads the checkpoint file
func (f *FileCheckpointStore) LoadCheckpoint(ctx context.Context) (*Checkpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoCheckpoint
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	return decodeCheckpoint(data)
}

// DeleteCheckpoint removes the checkpoint file. A missing file is not an error.
func (f *FileCheckpointStore) DeleteCheckpoint(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}

func decodeCheckpoint(data []byte) (*Checkpoint, error) {
	var checkpoint Checkpoint
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	if checkpoint.Original.Map.IsZero() {
		return nil, fmt.Errorf("checkpoint has no original weight map")
	}
	return &checkpoint, nil
}
