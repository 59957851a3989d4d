package ceph

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/global-data-controller/osd-equalizer/internal/logging"
	"github.com/global-data-controller/osd-equalizer/internal/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("ceph-control-plane")

// DefaultGateFlags are the OSD map flags that suppress data movement
var DefaultGateFlags = []string{"nobackfill", "norecover"}

// CLIConfig holds configuration for the ceph CLI control plane
type CLIConfig struct {
	Binary         string
	Cluster        string
	ConfFile       string
	User           string
	CommandTimeout time.Duration
	GateFlags      []string
	TempDir        string
	RetryConfig    *RetryConfig
	Executor       Executor
	Logger         logging.Logger
}

// CLI implements ControlPlane by running the ceph command-line tool
type CLI struct {
	binary      string
	baseArgs    []string
	timeout     time.Duration
	gateFlags   []string
	tempDir     string
	retryConfig *RetryConfig
	exec        Executor
	logger      logging.Logger
}

// NewCLI creates a ceph CLI control plane
func NewCLI(config *CLIConfig) *CLI {
	if config.Binary == "" {
		config.Binary = "ceph"
	}
	if config.Cluster == "" {
		config.Cluster = "ceph"
	}
	if config.CommandTimeout == 0 {
		config.CommandTimeout = 2 * time.Minute
	}
	if len(config.GateFlags) == 0 {
		config.GateFlags = DefaultGateFlags
	}
	if config.RetryConfig == nil {
		config.RetryConfig = DefaultRetryConfig()
	}
	if config.RetryConfig.MaxAttempts < 1 {
		config.RetryConfig.MaxAttempts = 1
	}
	if config.Executor == nil {
		config.Executor = ExecExecutor{}
	}
	if config.Logger == nil {
		config.Logger = logging.NewNop()
	}

	base := []string{"--cluster", config.Cluster}
	if config.ConfFile != "" {
		base = append(base, "--conf", config.ConfFile)
	}
	if config.User != "" {
		base = append(base, "--id", config.User)
	}

	return &CLI{
		binary:      config.Binary,
		baseArgs:    base,
		timeout:     config.CommandTimeout,
		gateFlags:   config.GateFlags,
		tempDir:     config.TempDir,
		retryConfig: config.RetryConfig,
		exec:        config.Executor,
		logger:      config.Logger,
	}
}

// run executes one ceph command with the per-command timeout
func (c *CLI) run(ctx context.Context, jsonOutput bool, args ...string) ([]byte, error) {
	full := make([]string, 0, len(c.baseArgs)+len(args)+2)
	full = append(full, c.baseArgs...)
	full = append(full, args...)
	if jsonOutput {
		full = append(full, "-f", "json")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	c.logger.Debug(ctx, "Executing ceph command", zap.Strings("args", full))
	return c.exec.Run(ctx, c.binary, full...)
}

// withRetry executes fn with retry logic and wraps the final failure as a CollaboratorError
func (c *CLI) withRetry(ctx context.Context, operation string, fn func() error) error {
	ctx, span := tracer.Start(ctx, "ceph_cli_retry",
		trace.WithAttributes(attribute.String("operation", operation)))
	defer span.End()

	var lastErr error
	attempts := 0
	for attempt := 0; attempt < c.retryConfig.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := c.retryConfig.NextDelay(attempt - 1)
			c.logger.Debug(ctx, "Retrying ceph command",
				zap.String("operation", operation),
				zap.Int("attempt", attempt+1),
				zap.Duration("delay", delay))

			select {
			case <-ctx.Done():
				return models.NewCollaboratorError(operation, ctx.Err())
			case <-time.After(delay):
			}
		}

		attempts++
		err := fn()
		if err == nil {
			if attempt > 0 {
				c.logger.Info(ctx, "Ceph command succeeded after retry",
					zap.String("operation", operation),
					zap.Int("attempts", attempt+1))
			}
			return nil
		}

		lastErr = err
		if !c.isRetryableError(ctx, err) {
			break
		}

		c.logger.Warn(ctx, "Ceph command failed",
			zap.String("operation", operation),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}

	span.RecordError(lastErr)
	return models.NewCollaboratorError(operation, fmt.Errorf("failed after %d attempts: %w", attempts, lastErr))
}

// isRetryableError determines if an error should trigger a retry
func (c *CLI) isRetryableError(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var m *errMalformed
	return !errors.As(err, &m)
}

// ListDeviceIDs returns the sorted OSD ids
func (c *CLI) ListDeviceIDs(ctx context.Context) ([]int, error) {
	var ids []int
	err := c.withRetry(ctx, "osd ls", func() error {
		out, err := c.run(ctx, true, "osd", "ls")
		if err != nil {
			return err
		}
		ids = nil
		if err := json.Unmarshal(out, &ids); err != nil {
			return malformed(err, "decoding osd ls")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Ints(ids)
	return ids, nil
}

func (c *CLI) osdDF(ctx context.Context) (*osdDFResponse, error) {
	var resp osdDFResponse
	err := c.withRetry(ctx, "osd df", func() error {
		out, err := c.run(ctx, true, "osd", "df")
		if err != nil {
			return err
		}
		resp = osdDFResponse{}
		if err := json.Unmarshal(out, &resp); err != nil {
			return malformed(err, "decoding osd df")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// DeviceCapacities returns the raw capacity of every OSD in bytes
func (c *CLI) DeviceCapacities(ctx context.Context) (map[int]int64, error) {
	resp, err := c.osdDF(ctx)
	if err != nil {
		return nil, err
	}
	capacities := make(map[int]int64, len(resp.Nodes))
	for _, node := range resp.Nodes {
		capacities[node.ID] = node.KB * 1024
	}
	return capacities, nil
}

// DeviceWeights returns the CRUSH weight of every OSD
func (c *CLI) DeviceWeights(ctx context.Context) (map[int]float64, error) {
	resp, err := c.osdDF(ctx)
	if err != nil {
		return nil, err
	}
	weights := make(map[int]float64, len(resp.Nodes))
	for _, node := range resp.Nodes {
		weights[node.ID] = node.CrushWeight
	}
	return weights, nil
}

// PoolRedundancyDivisors returns 1 for replicated pools and k for erasure-coded pools
func (c *CLI) PoolRedundancyDivisors(ctx context.Context) (map[int]int, error) {
	var divisors map[int]int
	err := c.withRetry(ctx, "osd dump", func() error {
		out, err := c.run(ctx, true, "osd", "dump")
		if err != nil {
			return err
		}
		var resp osdDumpResponse
		if err := json.Unmarshal(out, &resp); err != nil {
			return malformed(err, "decoding osd dump")
		}

		divisors = make(map[int]int, len(resp.Pools))
		for _, pool := range resp.Pools {
			switch pool.Type {
			case poolTypeReplicated:
				divisors[pool.Pool] = 1
			case poolTypeErasure:
				profile, ok := resp.ErasureCodeProfiles[pool.ErasureCodeProfile]
				if !ok {
					return malformed(fmt.Errorf("profile %q not found", pool.ErasureCodeProfile),
						fmt.Sprintf("pool %d", pool.Pool))
				}
				k, err := erasureDataChunks(profile)
				if err != nil {
					return malformed(err, fmt.Sprintf("pool %d", pool.Pool))
				}
				divisors[pool.Pool] = k
			default:
				return malformed(fmt.Errorf("unknown pool type %d", pool.Type), fmt.Sprintf("pool %d", pool.Pool))
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return divisors, nil
}

// PlacementGroupMap returns every PG with its size and up set
func (c *CLI) PlacementGroupMap(ctx context.Context) (map[string]models.PlacementGroup, error) {
	var pgs map[string]models.PlacementGroup
	err := c.withRetry(ctx, "pg dump", func() error {
		out, err := c.run(ctx, true, "pg", "dump", "pgs")
		if err != nil {
			return err
		}
		stats, err := decodePGStats(out)
		if err != nil {
			return err
		}

		pgs = make(map[string]models.PlacementGroup, len(stats))
		for _, stat := range stats {
			if stat.PGID == "" {
				return malformed(errors.New("entry without pgid"), "decoding pg dump")
			}
			devices := make([]int, 0, len(stat.Up))
			for _, osd := range stat.Up {
				if osd == models.NoDevice {
					continue
				}
				devices = append(devices, osd)
			}
			pgs[stat.PGID] = models.PlacementGroup{
				ID:        stat.PGID,
				SizeBytes: stat.StatSum.NumBytes,
				Devices:   devices,
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pgs, nil
}

// IsPeering reports whether any PG is in a peering state
func (c *CLI) IsPeering(ctx context.Context) (bool, error) {
	peering := false
	err := c.withRetry(ctx, "status", func() error {
		out, err := c.run(ctx, true, "status")
		if err != nil {
			return err
		}
		var resp statusResponse
		if err := json.Unmarshal(out, &resp); err != nil {
			return malformed(err, "decoding status")
		}
		peering = false
		for _, state := range resp.PGMap.PGsByState {
			if state.Count > 0 && strings.Contains(state.StateName, "peering") {
				peering = true
				break
			}
		}
		return nil
	})
	return peering, err
}

// SetDataMovementGate sets or unsets the data movement flags. Setting an
// already-set flag is a no-op for the cluster.
func (c *CLI) SetDataMovementGate(ctx context.Context, on bool) error {
	verb := "unset"
	if on {
		verb = "set"
	}
	for _, flag := range c.gateFlags {
		err := c.withRetry(ctx, "osd "+verb+" "+flag, func() error {
			_, err := c.run(ctx, false, "osd", verb, flag)
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// ExportWeightMap returns the compiled CRUSH map
func (c *CLI) ExportWeightMap(ctx context.Context) (models.WeightMap, error) {
	var data []byte
	err := c.withRetry(ctx, "osd getcrushmap", func() error {
		f, err := os.CreateTemp(c.tempDir, "crushmap-*.bin")
		if err != nil {
			return err
		}
		path := f.Name()
		f.Close()
		defer os.Remove(path)

		if _, err := c.run(ctx, false, "osd", "getcrushmap", "-o", path); err != nil {
			return err
		}
		data, err = os.ReadFile(path)
		if err != nil {
			return err
		}
		if len(data) == 0 {
			return malformed(errors.New("empty crush map"), "reading crush map")
		}
		return nil
	})
	if err != nil {
		return models.WeightMap{}, err
	}
	return models.NewWeightMap(data), nil
}

// ImportWeightMap installs a compiled CRUSH map
func (c *CLI) ImportWeightMap(ctx context.Context, m models.WeightMap) error {
	if m.IsZero() {
		return models.NewCollaboratorError("osd setcrushmap", errors.New("refusing to import an empty crush map"))
	}
	return c.withRetry(ctx, "osd setcrushmap", func() error {
		f, err := os.CreateTemp(c.tempDir, "crushmap-*.bin")
		if err != nil {
			return err
		}
		path := f.Name()
		defer os.Remove(path)

		if _, err := f.Write(m.Data); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
		_, err = c.run(ctx, false, "osd", "setcrushmap", "-i", path)
		return err
	})
}

// ReweightDevice sets the CRUSH weight of one OSD
func (c *CLI) ReweightDevice(ctx context.Context, id int, weight float64) error {
	op := fmt.Sprintf("osd crush reweight osd.%d", id)
	if weight < 0 || math.IsNaN(weight) || math.IsInf(weight, 0) {
		return models.NewCollaboratorError(op, fmt.Errorf("invalid weight %v", weight))
	}
	return c.withRetry(ctx, op, func() error {
		_, err := c.run(ctx, false, "osd", "crush", "reweight",
			fmt.Sprintf("osd.%d", id), strconv.FormatFloat(weight, 'f', -1, 64))
		return err
	})
}

var _ ControlPlane = (*CLI)(nil)
