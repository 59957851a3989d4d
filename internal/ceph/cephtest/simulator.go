// Package cephtest provides an in-memory cluster that implements
// ceph.ControlPlane for tests.
package cephtest

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
	jsoniter "github.com/json-iterator/go"

	"github.com/global-data-controller/osd-equalizer/internal/ceph"
	"github.com/global-data-controller/osd-equalizer/internal/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Operation names used for fault injection and the call log
const (
	OpListDeviceIDs     = "ListDeviceIDs"
	OpDeviceCapacities  = "DeviceCapacities"
	OpDeviceWeights     = "DeviceWeights"
	OpPoolDivisors      = "PoolRedundancyDivisors"
	OpPlacementGroupMap = "PlacementGroupMap"
	OpIsPeering         = "IsPeering"
	OpSetGate           = "SetDataMovementGate"
	OpExportWeightMap   = "ExportWeightMap"
	OpImportWeightMap   = "ImportWeightMap"
	OpReweightDevice    = "ReweightDevice"
)

// PG describes a simulated placement group
type PG struct {
	Pool     int
	Shard    int
	Size     int64
	Replicas int
	// Fixed pins the PG to these devices regardless of weights
	Fixed []int
}

// ID returns the "<pool>.<shard>" identifier
func (p PG) ID() string {
	return fmt.Sprintf("%d.%x", p.Pool, p.Shard)
}

// Config describes the initial cluster
type Config struct {
	Capacities map[int]int64
	Weights    map[int]float64
	Divisors   map[int]int
	PGs        []PG
	// PeeringPolls is how many IsPeering calls report true after each weight change
	PeeringPolls int
	// Fluid adds one PG per device whose size follows the device weight
	Fluid *Fluid
}

// Fluid models data that follows weights exactly: device d holds a PG of
// weight(d) * BytesPerWeight bytes in Pool. Lowering a weight always lowers
// the device's fill.
type Fluid struct {
	Pool           int
	BytesPerWeight float64
}

// Simulator is a deterministic in-memory cluster. Placement follows a
// straw2-like draw: every device draws ln(u)/weight for each PG and the
// highest draws hold the replicas, so lowering a device's weight moves data
// off it.
type Simulator struct {
	mu sync.Mutex

	capacities   map[int]int64
	weights      map[int]float64
	divisors     map[int]int
	pgs          []PG
	peeringPolls int
	peeringLeft  int
	fluid        *Fluid

	gate        bool
	gateHistory []bool
	imports     []models.WeightMap
	calls       []string
	faults      map[string][]error
	sticky      map[string]error
	stuck       bool
}

// NewSimulator creates a simulator from config. Missing weights default to
// the device's capacity in TiB, as ceph does.
func NewSimulator(config Config) *Simulator {
	s := &Simulator{
		capacities:   make(map[int]int64, len(config.Capacities)),
		weights:      make(map[int]float64, len(config.Capacities)),
		divisors:     make(map[int]int, len(config.Divisors)),
		pgs:          append([]PG(nil), config.PGs...),
		peeringPolls: config.PeeringPolls,
		fluid:        config.Fluid,
		faults:       make(map[string][]error),
		sticky:       make(map[string]error),
	}
	for id, capacity := range config.Capacities {
		s.capacities[id] = capacity
		if w, ok := config.Weights[id]; ok {
			s.weights[id] = w
		} else {
			s.weights[id] = float64(capacity) / float64(int64(1)<<40)
		}
	}
	for pool, divisor := range config.Divisors {
		s.divisors[pool] = divisor
	}
	return s
}

// Fail queues errors returned by the next calls of op, one per call
func (s *Simulator) Fail(op string, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = append(s.faults[op], errs...)
}

// FailAlways makes every subsequent call of op fail with err
func (s *Simulator) FailAlways(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sticky[op] = err
}

// StickPeering makes IsPeering report true forever
func (s *Simulator) StickPeering() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stuck = true
}

// GateOn reports whether the data movement gate is currently set
func (s *Simulator) GateOn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gate
}

// GateHistory returns every gate transition in call order
func (s *Simulator) GateHistory() []bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bool(nil), s.gateHistory...)
}

// Imports returns every weight map imported so far
func (s *Simulator) Imports() []models.WeightMap {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.WeightMap, len(s.imports))
	for i, m := range s.imports {
		out[i] = m.Clone()
	}
	return out
}

// Calls returns the operation log
func (s *Simulator) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// CallCount returns how often op was called
func (s *Simulator) CallCount(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c == op {
			n++
		}
	}
	return n
}

// Weights returns a copy of the current weights
func (s *Simulator) Weights() map[int]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyWeights(s.weights)
}

// SetWeight changes a weight without going through the control plane
func (s *Simulator) SetWeight(id int, weight float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.weights[id] = weight
}

func (s *Simulator) enter(op string) error {
	s.calls = append(s.calls, op)
	if queue := s.faults[op]; len(queue) > 0 {
		s.faults[op] = queue[1:]
		return models.NewCollaboratorError(op, queue[0])
	}
	if err, ok := s.sticky[op]; ok {
		return models.NewCollaboratorError(op, err)
	}
	return nil
}

func (s *Simulator) ListDeviceIDs(ctx context.Context) ([]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpListDeviceIDs); err != nil {
		return nil, err
	}
	return s.deviceIDs(), nil
}

func (s *Simulator) DeviceCapacities(ctx context.Context) (map[int]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpDeviceCapacities); err != nil {
		return nil, err
	}
	out := make(map[int]int64, len(s.capacities))
	for id, c := range s.capacities {
		out[id] = c
	}
	return out, nil
}

func (s *Simulator) DeviceWeights(ctx context.Context) (map[int]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpDeviceWeights); err != nil {
		return nil, err
	}
	return copyWeights(s.weights), nil
}

func (s *Simulator) PoolRedundancyDivisors(ctx context.Context) (map[int]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpPoolDivisors); err != nil {
		return nil, err
	}
	out := make(map[int]int, len(s.divisors))
	for pool, d := range s.divisors {
		out[pool] = d
	}
	return out, nil
}

func (s *Simulator) PlacementGroupMap(ctx context.Context) (map[string]models.PlacementGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpPlacementGroupMap); err != nil {
		return nil, err
	}
	out := make(map[string]models.PlacementGroup, len(s.pgs))
	for _, pg := range s.pgs {
		id := pg.ID()
		out[id] = models.PlacementGroup{
			ID:        id,
			SizeBytes: pg.Size,
			Devices:   s.place(pg),
		}
	}
	if s.fluid != nil {
		for _, id := range s.deviceIDs() {
			pgID := fmt.Sprintf("%d.%x", s.fluid.Pool, id)
			out[pgID] = models.PlacementGroup{
				ID:        pgID,
				SizeBytes: int64(s.weights[id] * s.fluid.BytesPerWeight),
				Devices:   []int{id},
			}
		}
	}
	return out, nil
}

func (s *Simulator) IsPeering(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpIsPeering); err != nil {
		return false, err
	}
	if s.stuck {
		return true, nil
	}
	if s.peeringLeft > 0 {
		s.peeringLeft--
		return true, nil
	}
	return false, nil
}

func (s *Simulator) SetDataMovementGate(ctx context.Context, on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpSetGate); err != nil {
		return err
	}
	s.gate = on
	s.gateHistory = append(s.gateHistory, on)
	return nil
}

// ExportWeightMap serializes the weights. Equal weights always give
// byte-identical maps.
func (s *Simulator) ExportWeightMap(ctx context.Context) (models.WeightMap, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpExportWeightMap); err != nil {
		return models.WeightMap{}, err
	}
	data, err := encodeWeights(s.weights)
	if err != nil {
		return models.WeightMap{}, models.NewCollaboratorError(OpExportWeightMap, err)
	}
	return models.NewWeightMap(data), nil
}

func (s *Simulator) ImportWeightMap(ctx context.Context, m models.WeightMap) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpImportWeightMap); err != nil {
		return err
	}
	weights, err := DecodeWeights(m)
	if err != nil {
		return models.NewCollaboratorError(OpImportWeightMap, err)
	}
	s.weights = weights
	s.imports = append(s.imports, m.Clone())
	s.peeringLeft = s.peeringPolls
	return nil
}

func (s *Simulator) ReweightDevice(ctx context.Context, id int, weight float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpReweightDevice); err != nil {
		return err
	}
	if _, ok := s.capacities[id]; !ok {
		return models.NewCollaboratorError(OpReweightDevice, fmt.Errorf("osd.%d does not exist", id))
	}
	if weight < 0 || math.IsNaN(weight) || math.IsInf(weight, 0) {
		return models.NewCollaboratorError(OpReweightDevice, fmt.Errorf("invalid weight %v", weight))
	}
	s.weights[id] = weight
	s.peeringLeft = s.peeringPolls
	return nil
}

func (s *Simulator) deviceIDs() []int {
	ids := make([]int, 0, len(s.capacities))
	for id := range s.capacities {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// place selects the up set of pg. Devices with zero weight never hold data.
func (s *Simulator) place(pg PG) []int {
	if len(pg.Fixed) > 0 {
		return append([]int(nil), pg.Fixed...)
	}

	type draw struct {
		id    int
		value float64
	}
	draws := make([]draw, 0, len(s.capacities))
	for _, id := range s.deviceIDs() {
		w := s.weights[id]
		if w <= 0 {
			continue
		}
		draws = append(draws, draw{id: id, value: math.Log(unitHash(pg.Pool, pg.Shard, id)) / w})
	}
	sort.Slice(draws, func(i, j int) bool {
		if draws[i].value != draws[j].value {
			return draws[i].value > draws[j].value
		}
		return draws[i].id < draws[j].id
	})

	replicas := pg.Replicas
	if replicas < 1 {
		replicas = 1
	}
	if replicas > len(draws) {
		replicas = len(draws)
	}
	up := make([]int, replicas)
	for i := range up {
		up[i] = draws[i].id
	}
	return up
}

// unitHash maps (pool, shard, device) to a value in (0, 1]
func unitHash(pool, shard, device int) float64 {
	var buf [24]byte
	binary.LittleEndian.PutUint64(buf[0:], uint64(pool))
	binary.LittleEndian.PutUint64(buf[8:], uint64(shard))
	binary.LittleEndian.PutUint64(buf[16:], uint64(device))
	h := xxhash.Sum64(buf[:]) >> 11
	return (float64(h) + 1) / float64(uint64(1)<<53)
}

// encodeWeights writes weights as a JSON object with sorted keys
func encodeWeights(weights map[int]float64) ([]byte, error) {
	encoded := make(map[string]float64, len(weights))
	for id, w := range weights {
		encoded[strconv.Itoa(id)] = w
	}
	return json.Marshal(encoded)
}

// DecodeWeights reads a weight map produced by the simulator
func DecodeWeights(m models.WeightMap) (map[int]float64, error) {
	var encoded map[string]float64
	if err := json.Unmarshal(m.Data, &encoded); err != nil {
		return nil, fmt.Errorf("decoding weight map: %w", err)
	}
	weights := make(map[int]float64, len(encoded))
	for key, w := range encoded {
		id, err := strconv.Atoi(key)
		if err != nil {
			return nil, fmt.Errorf("decoding weight map key %q: %w", key, err)
		}
		weights[id] = w
	}
	return weights, nil
}

func copyWeights(in map[int]float64) map[int]float64 {
	out := make(map[int]float64, len(in))
	for id, w := range in {
		out[id] = w
	}
	return out
}

var _ ceph.ControlPlane = (*Simulator)(nil)

// Heal removes queued and permanent faults of op
func (s *Simulator) Heal(op string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.faults, op)
	delete(s.sticky, op)
}

// UniformPGs builds count replicated PGs of size bytes in pool
func UniformPGs(pool, count int, size int64, replicas int) []PG {
	pgs := make([]PG, count)
	for i := range pgs {
		pgs[i] = PG{Pool: pool, Shard: i, Size: size, Replicas: replicas}
	}
	return pgs
}
