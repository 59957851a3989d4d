package ceph

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/global-data-controller/osd-equalizer/internal/logging"
	"github.com/global-data-controller/osd-equalizer/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// scriptedExecutor answers ceph commands with canned output keyed by the
// command words (everything after the base args, without "-f json").
type scriptedExecutor struct {
	mu        sync.Mutex
	responses map[string][]byte
	failures  map[string][]error
	crushMap  []byte
	imported  []byte
	calls     [][]string
}

func newScriptedExecutor() *scriptedExecutor {
	return &scriptedExecutor{
		responses: make(map[string][]byte),
		failures:  make(map[string][]error),
	}
}

func (e *scriptedExecutor) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.calls = append(e.calls, append([]string{name}, args...))
	words := commandWords(args)
	key := strings.Join(words, " ")

	if queue := e.failures[key]; len(queue) > 0 {
		e.failures[key] = queue[1:]
		return nil, queue[0]
	}

	switch {
	case strings.HasPrefix(key, "osd getcrushmap -o "):
		return nil, os.WriteFile(words[3], e.crushMap, 0o600)
	case strings.HasPrefix(key, "osd setcrushmap -i "):
		data, err := os.ReadFile(words[3])
		if err != nil {
			return nil, err
		}
		e.imported = data
		return nil, nil
	}

	if out, ok := e.responses[key]; ok {
		return out, nil
	}
	return []byte{}, nil
}

func (e *scriptedExecutor) fail(key string, errs ...error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures[key] = append(e.failures[key], errs...)
}

func (e *scriptedExecutor) commands() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.calls))
	for _, call := range e.calls {
		out = append(out, strings.Join(commandWords(call[1:]), " "))
	}
	return out
}

// commandWords strips the connection flags and the output format
func commandWords(args []string) []string {
	var words []string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--cluster", "--conf", "--id", "-f":
			i++
			continue
		}
		words = append(words, args[i])
	}
	return words
}

func newTestCLI(t *testing.T, exec Executor) *CLI {
	return NewCLI(&CLIConfig{
		Cluster:  "lab",
		ConfFile: "/etc/ceph/lab.conf",
		User:     "admin",
		TempDir:  t.TempDir(),
		RetryConfig: &RetryConfig{
			MaxAttempts:   3,
			InitialDelay:  time.Millisecond,
			MaxDelay:      5 * time.Millisecond,
			BackoffFactor: 2.0,
		},
		Executor: exec,
		Logger:   logging.NewFromZap(zaptest.NewLogger(t)),
	})
}

const osdDFOutput = `{
  "nodes": [
    {"id": 0, "name": "osd.0", "kb": 1073741824, "crush_weight": 1.0},
    {"id": 1, "name": "osd.1", "kb": 1073741824, "crush_weight": 0.97},
    {"id": 2, "name": "osd.2", "kb": 2147483648, "crush_weight": 2.0}
  ],
  "summary": {"total_kb": 4294967296}
}`

const osdDumpOutput = `{
  "epoch": 42,
  "pools": [
    {"pool": 1, "pool_name": "rbd", "type": 1, "size": 3, "erasure_code_profile": ""},
    {"pool": 2, "pool_name": "ec-data", "type": 3, "size": 5, "erasure_code_profile": "ec32"}
  ],
  "erasure_code_profiles": {
    "default": {"k": "2", "m": "2", "plugin": "jerasure"},
    "ec32": {"k": "3", "m": "2", "plugin": "jerasure"}
  }
}`

func TestNewCLIDefaults(t *testing.T) {
	cli := NewCLI(&CLIConfig{RetryConfig: &RetryConfig{MaxAttempts: 0}})

	assert.Equal(t, "ceph", cli.binary)
	assert.Equal(t, []string{"--cluster", "ceph"}, cli.baseArgs)
	assert.Equal(t, 2*time.Minute, cli.timeout)
	assert.Equal(t, DefaultGateFlags, cli.gateFlags)
	assert.Equal(t, 1, cli.retryConfig.MaxAttempts)
	assert.IsType(t, ExecExecutor{}, cli.exec)
}

func TestCLIPassesConnectionFlags(t *testing.T) {
	exec := newScriptedExecutor()
	exec.responses["osd ls"] = []byte(`[2, 0, 1]`)
	cli := newTestCLI(t, exec)

	ids, err := cli.ListDeviceIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, ids)

	require.Len(t, exec.calls, 1)
	assert.Equal(t, []string{
		"ceph", "--cluster", "lab", "--conf", "/etc/ceph/lab.conf", "--id", "admin",
		"osd", "ls", "-f", "json",
	}, exec.calls[0])
}

func TestCLIDeviceCapacitiesAndWeights(t *testing.T) {
	exec := newScriptedExecutor()
	exec.responses["osd df"] = []byte(osdDFOutput)
	cli := newTestCLI(t, exec)
	ctx := context.Background()

	capacities, err := cli.DeviceCapacities(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[int]int64{0: 1 << 40, 1: 1 << 40, 2: 2 << 40}, capacities)

	weights, err := cli.DeviceWeights(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[int]float64{0: 1.0, 1: 0.97, 2: 2.0}, weights)
}

func TestCLIPoolRedundancyDivisors(t *testing.T) {
	tests := []struct {
		name     string
		output   string
		expected map[int]int
		wantErr  bool
	}{
		{
			name:     "replicated and erasure pools",
			output:   osdDumpOutput,
			expected: map[int]int{1: 1, 2: 3},
		},
		{
			name:    "missing erasure profile",
			output:  `{"pools": [{"pool": 4, "type": 3, "erasure_code_profile": "gone"}], "erasure_code_profiles": {}}`,
			wantErr: true,
		},
		{
			name:    "unknown pool type",
			output:  `{"pools": [{"pool": 5, "type": 7}]}`,
			wantErr: true,
		},
		{
			name:    "profile without k",
			output:  `{"pools": [{"pool": 6, "type": 3, "erasure_code_profile": "odd"}], "erasure_code_profiles": {"odd": {"m": "1"}}}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := newScriptedExecutor()
			exec.responses["osd dump"] = []byte(tt.output)
			cli := newTestCLI(t, exec)

			divisors, err := cli.PoolRedundancyDivisors(context.Background())
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, models.ErrCollaborator)
				// malformed output is not retried
				assert.Len(t, exec.calls, 1)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, divisors)
		})
	}
}

func TestCLIPlacementGroupMap(t *testing.T) {
	tests := []struct {
		name   string
		output string
	}{
		{
			name: "wrapped layout",
			output: `{"pg_ready": true, "pg_stats": [
				{"pgid": "1.0", "state": "active+clean", "stat_sum": {"num_bytes": 1024}, "up": [0, 1, 2], "acting": [0, 1, 2]},
				{"pgid": "2.1f", "state": "active+undersized", "stat_sum": {"num_bytes": 4096}, "up": [2, 2147483647, 0], "acting": [2, 0]}
			]}`,
		},
		{
			name: "bare array layout",
			output: `[
				{"pgid": "1.0", "state": "active+clean", "stat_sum": {"num_bytes": 1024}, "up": [0, 1, 2]},
				{"pgid": "2.1f", "state": "active+undersized", "stat_sum": {"num_bytes": 4096}, "up": [2, 2147483647, 0]}
			]`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := newScriptedExecutor()
			exec.responses["pg dump pgs"] = []byte(tt.output)
			cli := newTestCLI(t, exec)

			pgs, err := cli.PlacementGroupMap(context.Background())
			require.NoError(t, err)
			require.Len(t, pgs, 2)
			assert.Equal(t, models.PlacementGroup{ID: "1.0", SizeBytes: 1024, Devices: []int{0, 1, 2}}, pgs["1.0"])
			assert.Equal(t, models.PlacementGroup{ID: "2.1f", SizeBytes: 4096, Devices: []int{2, 0}}, pgs["2.1f"])
		})
	}
}

func TestCLIPlacementGroupMapMalformed(t *testing.T) {
	exec := newScriptedExecutor()
	exec.responses["pg dump pgs"] = []byte(`{"pg_stats": [{"state": "active+clean", "up": [0]}]}`)
	cli := newTestCLI(t, exec)

	_, err := cli.PlacementGroupMap(context.Background())
	require.Error(t, err)

	var collabErr *models.CollaboratorError
	require.ErrorAs(t, err, &collabErr)
	assert.Equal(t, "pg dump", collabErr.Op)
}

func TestCLIIsPeering(t *testing.T) {
	tests := []struct {
		name     string
		output   string
		expected bool
	}{
		{
			name:     "all clean",
			output:   `{"pgmap": {"pgs_by_state": [{"state_name": "active+clean", "count": 128}]}}`,
			expected: false,
		},
		{
			name:     "peering in progress",
			output:   `{"pgmap": {"pgs_by_state": [{"state_name": "active+clean", "count": 120}, {"state_name": "peering", "count": 8}]}}`,
			expected: true,
		},
		{
			name:     "remapped peering counts",
			output:   `{"pgmap": {"pgs_by_state": [{"state_name": "remapped+peering", "count": 3}]}}`,
			expected: true,
		},
		{
			name:     "no pgs at all",
			output:   `{"pgmap": {"pgs_by_state": []}}`,
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := newScriptedExecutor()
			exec.responses["status"] = []byte(tt.output)
			cli := newTestCLI(t, exec)

			peering, err := cli.IsPeering(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.expected, peering)
		})
	}
}

func TestCLISetDataMovementGate(t *testing.T) {
	exec := newScriptedExecutor()
	cli := newTestCLI(t, exec)
	ctx := context.Background()

	require.NoError(t, cli.SetDataMovementGate(ctx, true))
	require.NoError(t, cli.SetDataMovementGate(ctx, false))

	assert.Equal(t, []string{
		"osd set nobackfill",
		"osd set norecover",
		"osd unset nobackfill",
		"osd unset norecover",
	}, exec.commands())

	for _, call := range exec.calls {
		assert.NotContains(t, call, "-f", "gate commands do not request json output")
	}
}

func TestCLIRetriesTransientFailures(t *testing.T) {
	exec := newScriptedExecutor()
	exec.responses["osd ls"] = []byte(`[0, 1]`)
	exec.fail("osd ls", errors.New("connection timed out"), errors.New("connection timed out"))
	cli := newTestCLI(t, exec)

	ids, err := cli.ListDeviceIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, ids)
	assert.Len(t, exec.calls, 3)
}

func TestCLIGivesUpAfterMaxAttempts(t *testing.T) {
	exec := newScriptedExecutor()
	cause := errors.New("monclient: hunting for new mon")
	exec.fail("osd set nobackfill", cause, cause, cause, cause)
	cli := newTestCLI(t, exec)

	err := cli.SetDataMovementGate(context.Background(), true)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrCollaborator)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "failed after 3 attempts")
	assert.Len(t, exec.calls, 3)
}

func TestCLIDoesNotRetryCancelledContext(t *testing.T) {
	exec := newScriptedExecutor()
	exec.fail("status", context.Canceled)
	cli := newTestCLI(t, exec)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := cli.IsPeering(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrCollaborator)
	assert.Len(t, exec.calls, 1)
}

func TestCLIWeightMapRoundTrip(t *testing.T) {
	exec := newScriptedExecutor()
	exec.crushMap = []byte{0x00, 0x01, 0xfe, 0xff, 0x42}
	cli := newTestCLI(t, exec)
	ctx := context.Background()

	exported, err := cli.ExportWeightMap(ctx)
	require.NoError(t, err)
	assert.Equal(t, exec.crushMap, exported.Data)

	require.NoError(t, cli.ImportWeightMap(ctx, exported))
	assert.Equal(t, exec.crushMap, exec.imported)

	// temporary files are removed
	entries, err := os.ReadDir(cli.tempDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCLIExportEmptyWeightMap(t *testing.T) {
	exec := newScriptedExecutor()
	cli := newTestCLI(t, exec)

	_, err := cli.ExportWeightMap(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrCollaborator)
	assert.Len(t, exec.calls, 1)
}

func TestCLIImportRejectsEmptyMap(t *testing.T) {
	exec := newScriptedExecutor()
	cli := newTestCLI(t, exec)

	err := cli.ImportWeightMap(context.Background(), models.WeightMap{})
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrCollaborator)
	assert.Empty(t, exec.calls)
}

func TestCLIReweightDevice(t *testing.T) {
	exec := newScriptedExecutor()
	cli := newTestCLI(t, exec)
	ctx := context.Background()

	require.NoError(t, cli.ReweightDevice(ctx, 7, 0.98))
	assert.Equal(t, []string{"osd crush reweight osd.7 0.98"}, exec.commands())

	err := cli.ReweightDevice(ctx, 7, -1)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrCollaborator)
	assert.Len(t, exec.calls, 1)
}

func TestRetryConfigNextDelay(t *testing.T) {
	config := &RetryConfig{
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      time.Second,
		BackoffFactor: 2.0,
	}

	assert.Equal(t, 100*time.Millisecond, config.NextDelay(0))
	assert.Equal(t, 200*time.Millisecond, config.NextDelay(1))
	assert.Equal(t, 400*time.Millisecond, config.NextDelay(2))
	assert.Equal(t, time.Second, config.NextDelay(10))

	config.Jitter = true
	delay := config.NextDelay(1)
	assert.GreaterOrEqual(t, delay, 200*time.Millisecond)
	assert.LessOrEqual(t, delay, 220*time.Millisecond)
}
