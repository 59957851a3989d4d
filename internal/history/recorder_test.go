package history

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ydb-platform/ydb-go-sdk/v3/table/types"
	"go.uber.org/zap/zaptest"

	"github.com/global-data-controller/osd-equalizer/internal/logging"
	"github.com/global-data-controller/osd-equalizer/internal/models"
)

func TestNewDisabledReturnsNop(t *testing.T) {
	recorder, err := New(context.Background(), Config{}, nil)
	require.NoError(t, err)
	assert.IsType(t, Nop{}, recorder)

	ctx := context.Background()
	assert.NoError(t, recorder.EnsureSchema(ctx))
	assert.NoError(t, recorder.RunStarted(ctx, models.RunInfo{RunID: "r"}))
	assert.NoError(t, recorder.RoundCompleted(ctx, models.RoundReport{RunID: "r"}))
	assert.NoError(t, recorder.Improved(ctx, models.RoundReport{RunID: "r"}))
	assert.NoError(t, recorder.Committed(ctx, models.RunResult{RunID: "r"}))
	runs, err := recorder.RecentRuns(ctx, "ceph", 5)
	assert.NoError(t, err)
	assert.Empty(t, runs)
	assert.NoError(t, recorder.Close(ctx))
}

func TestOpenRequiresDSN(t *testing.T) {
	_, err := Open(context.Background(), Config{Enabled: true}, nil)
	assert.ErrorIs(t, err, models.ErrConfiguration)
}

func TestSchemaStatementsCreateBothTables(t *testing.T) {
	require.Len(t, SchemaStatements, 2)
	assert.Contains(t, SchemaStatements[0], RunsTable)
	assert.Contains(t, SchemaStatements[1], RoundsTable)
	for _, stmt := range SchemaStatements {
		assert.True(t, strings.HasPrefix(strings.TrimSpace(stmt), "CREATE TABLE IF NOT EXISTS"))
	}
}

func TestRoundValues(t *testing.T) {
	completed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	report := models.RoundReport{
		RunID:           "run-1",
		Round:           3,
		State:           models.StateImprovedThisRound,
		Moves:           []models.Move{{Device: 2, Variance: 1.1, OldWeight: 1, NewWeight: 0.999}},
		Vetoed:          1,
		Score:           0.08,
		BestScore:       0.08,
		ActiveTolerance: 0.05,
		Improved:        true,
		Duration:        1500 * time.Millisecond,
		CompletedAt:     completed,
	}

	values, err := roundValues(report)
	require.NoError(t, err)

	assert.Equal(t, types.UTF8Value("run-1"), values["$run_id"])
	assert.Equal(t, types.Int32Value(3), values["$round"])
	assert.Equal(t, types.UTF8Value("ImprovedThisRound"), values["$state"])
	assert.Equal(t, types.Int64Value(1500), values["$duration_ms"])
	assert.Equal(t, types.BoolValue(true), values["$improved"])
	assert.Equal(t, types.TimestampValueFromTime(completed), values["$completed_at"])
	assert.Equal(t,
		types.JSONValue(`[{"device":2,"variance":1.1,"old_weight":1,"new_weight":0.999}]`),
		values["$moves"])

	// every declared parameter is bound
	for name := range values {
		assert.Contains(t, upsertRound, "DECLARE "+name+" AS")
	}
	assert.Len(t, values, strings.Count(upsertRound, "DECLARE "))
}

func TestRunValuesMatchDeclarations(t *testing.T) {
	started := runStartedValues(models.RunInfo{RunID: "run-1", Cluster: "ceph", Devices: 12})
	assert.Len(t, started, strings.Count(upsertRunStarted, "DECLARE "))
	assert.Equal(t, types.Int32Value(12), started["$devices"])
	assert.Equal(t, types.UTF8Value(string(models.StateRunning)), started["$state"])

	committed := committedValues(models.RunResult{RunID: "run-1", Outcome: models.StateGaveUp, RolledBack: true})
	assert.Len(t, committed, strings.Count(upsertRunCommitted, "DECLARE "))
	assert.Equal(t, types.UTF8Value("GaveUp"), committed["$state"])
	assert.Equal(t, types.BoolValue(true), committed["$rolled_back"])
}

// TestYDBRecorder_Integration runs against a real YDB instance.
// Set OSDEQ_YDB_DSN to run it.
func TestYDBRecorder_Integration(t *testing.T) {
	dsn := os.Getenv("OSDEQ_YDB_DSN")
	if dsn == "" {
		t.Skip("OSDEQ_YDB_DSN not set, skipping integration tests")
	}

	ctx := context.Background()
	logger := logging.NewFromZap(zaptest.NewLogger(t))
	recorder, err := Open(ctx, Config{Enabled: true, DSN: dsn}, logger)
	require.NoError(t, err)
	defer recorder.Close(ctx)

	require.NoError(t, recorder.EnsureSchema(ctx))

	runID := uuid.NewString()
	cluster := "it-" + runID[:8]
	started := time.Now().UTC().Truncate(time.Microsecond)

	require.NoError(t, recorder.RunStarted(ctx, models.RunInfo{
		RunID: runID, Cluster: cluster, Strategy: "single-worst", Devices: 3, OriginalScore: 0.3, StartedAt: started,
	}))
	require.NoError(t, recorder.RoundCompleted(ctx, models.RoundReport{
		RunID: runID, Round: 1, State: models.StateImprovedThisRound, Score: 0.2, BestScore: 0.2, CompletedAt: time.Now(),
	}))
	require.NoError(t, recorder.Committed(ctx, models.RunResult{
		RunID: runID, Outcome: models.StateTargetReached, Rounds: 1, BestScore: 0.2, InstalledScore: 0.2,
		InstalledRound: 1, FinishedAt: time.Now(),
	}))

	runs, err := recorder.RecentRuns(ctx, cluster, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, runID, runs[0].RunID)
	assert.Equal(t, "TargetReached", runs[0].State)
	assert.Equal(t, 1, runs[0].Rounds)
	assert.InDelta(t, 0.3, runs[0].OriginalScore, 1e-9)
	assert.InDelta(t, 0.2, runs[0].InstalledScore, 1e-9)
	assert.False(t, runs[0].RolledBack)
}
