package models

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// NoDevice is the CRUSH placeholder id reported in a PG's up set when a shard has no device.
const NoDevice = 2147483647

// Device is the observed state of a single OSD
type Device struct {
	ID            int     `json:"id"`
	Weight        float64 `json:"weight"`
	CapacityBytes int64   `json:"capacity_bytes"`
	UsedBytes     float64 `json:"attributed_bytes"`
	Fill          float64 `json:"fill"`
	Variance      float64 `json:"variance"`
	Deviation     float64 `json:"deviation"`
}

// PlacementGroup represents a unit of data distribution
type PlacementGroup struct {
	ID        string `json:"id"`
	SizeBytes int64  `json:"size_bytes"`
	Devices   []int  `json:"devices"`
}

// PoolID returns the pool part of a "<pool>.<shard>" placement group id
func (pg PlacementGroup) PoolID() (int, error) {
	return ParsePoolID(pg.ID)
}

// ParsePoolID extracts the pool id from a placement group id of form "<pool-id>.<shard>"
func ParsePoolID(pgID string) (int, error) {
	poolPart, _, found := strings.Cut(pgID, ".")
	if !found || poolPart == "" {
		return 0, fmt.Errorf("malformed placement group id %q", pgID)
	}
	id, err := strconv.Atoi(poolPart)
	if err != nil {
		return 0, fmt.Errorf("malformed placement group id %q: %w", pgID, err)
	}
	return id, nil
}

// StaticState holds the data assumed invariant for a whole run
type StaticState struct {
	DeviceIDs  []int         `json:"device_ids"`
	Capacities map[int]int64 `json:"capacities"`
	Divisors   map[int]int   `json:"divisors"`
}

// ClusterSnapshot bundles static and per-round cluster state. A snapshot is
// current for exactly one round and must not be modified after capture.
type ClusterSnapshot struct {
	Static          *StaticState              `json:"static"`
	Weights         map[int]float64           `json:"weights"`
	PlacementGroups map[string]PlacementGroup `json:"placement_groups"`
	CapturedAt      time.Time                 `json:"captured_at"`
}

// WeightMap is an opaque serialized weight map. The bytes are owned by the
// value; use Clone before handing them to code that may mutate them.
type WeightMap struct {
	Data []byte `json:"data"`
}

// NewWeightMap copies data into a new WeightMap
func NewWeightMap(data []byte) WeightMap {
	return WeightMap{Data: bytes.Clone(data)}
}

// Clone returns a copy that shares no memory with m
func (m WeightMap) Clone() WeightMap {
	return NewWeightMap(m.Data)
}

// Equal reports whether both maps hold identical bytes
func (m WeightMap) Equal(other WeightMap) bool {
	return bytes.Equal(m.Data, other.Data)
}

// IsZero reports whether the map holds no data
func (m WeightMap) IsZero() bool {
	return len(m.Data) == 0
}

// Candidate is a weight map tagged with the maximum deviation score it produced.
// Lower scores are better.
type Candidate struct {
	Map        WeightMap `json:"map"`
	Score      float64   `json:"score"`
	Round      int       `json:"round"`
	RecordedAt time.Time `json:"recorded_at"`
}

// BetterThan reports whether c has a strictly lower score than other
func (c *Candidate) BetterThan(other *Candidate) bool {
	if other == nil {
		return true
	}
	return c.Score < other.Score
}

// Move is a single planned weight change
type Move struct {
	Device    int     `json:"device"`
	Variance  float64 `json:"variance"`
	OldWeight float64 `json:"old_weight"`
	NewWeight float64 `json:"new_weight"`
}

// Delta returns the signed weight change of the move
func (m Move) Delta() float64 {
	return m.NewWeight - m.OldWeight
}

func (m Move) String() string {
	return fmt.Sprintf("osd.%d variance=%.4f weight %.5f -> %.5f", m.Device, m.Variance, m.OldWeight, m.NewWeight)
}
