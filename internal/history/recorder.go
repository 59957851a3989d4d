package history

import (
	"context"
	"fmt"
	"sort"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/ydb-platform/ydb-go-sdk/v3"
	"github.com/ydb-platform/ydb-go-sdk/v3/table"
	"github.com/ydb-platform/ydb-go-sdk/v3/table/result/named"
	"github.com/ydb-platform/ydb-go-sdk/v3/table/types"
	"go.uber.org/zap"

	"github.com/global-data-controller/osd-equalizer/internal/logging"
	"github.com/global-data-controller/osd-equalizer/internal/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Config holds the YDB connection settings
type Config struct {
	Enabled bool `mapstructure:"enabled"`
	// DSN is the YDB connection string, e.g. grpc://localhost:2136/local
	DSN   string `mapstructure:"dsn"`
	Token string `mapstructure:"token"`
	// Timeout bounds every write so a slow database never stalls a round
	Timeout time.Duration `mapstructure:"timeout"`
}

// Recorder persists run history. Its notification methods match the
// controller's observer.
type Recorder interface {
	RunStarted(ctx context.Context, info models.RunInfo) error
	RoundCompleted(ctx context.Context, report models.RoundReport) error
	Improved(ctx context.Context, report models.RoundReport) error
	Committed(ctx context.Context, result models.RunResult) error
	EnsureSchema(ctx context.Context) error
	RecentRuns(ctx context.Context, cluster string, limit int) ([]RunSummary, error)
	Close(ctx context.Context) error
}

// New opens a YDB recorder, or returns a Nop recorder when history is disabled
func New(ctx context.Context, config Config, logger logging.Logger) (Recorder, error) {
	if !config.Enabled {
		return Nop{}, nil
	}
	return Open(ctx, config, logger)
}

// YDBRecorder stores runs and rounds in YDB tables
type YDBRecorder struct {
	driver  *ydb.Driver
	timeout time.Duration
	logger  logging.Logger
}

// Open connects to YDB
func Open(ctx context.Context, config Config, logger logging.Logger) (*YDBRecorder, error) {
	if config.DSN == "" {
		return nil, models.Configurationf("history dsn is required when history is enabled")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}

	var opts []ydb.Option
	if config.Token != "" {
		opts = append(opts, ydb.WithAccessTokenCredentials(config.Token))
	}

	driver, err := ydb.Open(ctx, config.DSN, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to YDB: %w", err)
	}

	logger.Info(ctx, "Connected to YDB", zap.String("database", driver.Name()))
	return &YDBRecorder{driver: driver, timeout: config.Timeout, logger: logger.Named("history")}, nil
}

// EnsureSchema creates the history tables when they do not exist
func (r *YDBRecorder) EnsureSchema(ctx context.Context) error {
	err := r.driver.Table().Do(ctx, func(ctx context.Context, s table.Session) error {
		for _, stmt := range SchemaStatements {
			if err := s.ExecuteSchemeQuery(ctx, stmt); err != nil {
				return fmt.Errorf("failed to execute statement '%s': %w", stmt, err)
			}
		}
		return nil
	}, table.WithIdempotent())
	if err != nil {
		return fmt.Errorf("failed to setup history schema: %w", err)
	}
	r.logger.Info(ctx, "History schema ready", zap.Strings("tables", []string{RunsTable, RoundsTable}))
	return nil
}

// RunStarted inserts the run row with its original score
func (r *YDBRecorder) RunStarted(ctx context.Context, info models.RunInfo) error {
	return r.write(ctx, "run started", upsertRunStarted, runStartedValues(info))
}

// RoundCompleted stores one round and refreshes the run's progress
func (r *YDBRecorder) RoundCompleted(ctx context.Context, report models.RoundReport) error {
	values, err := roundValues(report)
	if err != nil {
		return err
	}
	return r.write(ctx, "round completed", upsertRound, values)
}

// Improved is recorded through RoundCompleted, which stores the best score
func (r *YDBRecorder) Improved(ctx context.Context, report models.RoundReport) error {
	return nil
}

// Committed records the outcome and the installed map of the run
func (r *YDBRecorder) Committed(ctx context.Context, result models.RunResult) error {
	return r.write(ctx, "committed", upsertRunCommitted, committedValues(result))
}

// RecentRuns returns the latest runs of cluster, newest first
func (r *YDBRecorder) RecentRuns(ctx context.Context, cluster string, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	params := queryParams(map[string]types.Value{
		"$cluster": types.UTF8Value(cluster),
		"$limit":   types.Uint64Value(uint64(limit)),
	})

	var runs []RunSummary
	err := r.driver.Table().Do(ctx, func(ctx context.Context, s table.Session) error {
		runs = runs[:0]
		_, res, err := s.Execute(ctx, table.DefaultTxControl(), selectRecentRuns, params)
		if err != nil {
			return err
		}
		defer res.Close()

		for res.NextResultSet(ctx) {
			for res.NextRow() {
				var (
					run                                 RunSummary
					rounds                              int32
					clusterName, strategy, state, cause *string
				)
				if err := res.ScanNamed(
					named.Required("run_id", &run.RunID),
					named.Optional("cluster", &clusterName),
					named.Optional("strategy", &strategy),
					named.Optional("state", &state),
					named.OptionalWithDefault("rounds", &rounds),
					named.OptionalWithDefault("original_score", &run.OriginalScore),
					named.OptionalWithDefault("best_score", &run.BestScore),
					named.OptionalWithDefault("installed_score", &run.InstalledScore),
					named.OptionalWithDefault("rolled_back", &run.RolledBack),
					named.Optional("error", &cause),
					named.OptionalWithDefault("started_at", &run.StartedAt),
					named.OptionalWithDefault("finished_at", &run.FinishedAt),
				); err != nil {
					return err
				}
				run.Cluster = deref(clusterName)
				run.Strategy = deref(strategy)
				run.State = deref(state)
				run.Error = deref(cause)
				run.Rounds = int(rounds)
				runs = append(runs, run)
			}
		}
		return res.Err()
	}, table.WithIdempotent())
	if err != nil {
		return nil, fmt.Errorf("failed to query run history: %w", err)
	}
	return runs, nil
}

// Close closes the YDB driver
func (r *YDBRecorder) Close(ctx context.Context) error {
	return r.driver.Close(ctx)
}

func (r *YDBRecorder) write(ctx context.Context, what, query string, values map[string]types.Value) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	params := queryParams(values)
	err := r.driver.Table().Do(ctx, func(ctx context.Context, s table.Session) error {
		_, _, err := s.Execute(ctx, table.DefaultTxControl(), query, params)
		return err
	}, table.WithIdempotent())
	if err != nil {
		return fmt.Errorf("failed to record %s: %w", what, err)
	}
	r.logger.Debug(ctx, "History recorded", zap.String("event", what))
	return nil
}

func runStartedValues(info models.RunInfo) map[string]types.Value {
	return map[string]types.Value{
		"$run_id":           types.UTF8Value(info.RunID),
		"$cluster":          types.UTF8Value(info.Cluster),
		"$strategy":         types.UTF8Value(info.Strategy),
		"$termination_mode": types.UTF8Value(info.TerminationMode),
		"$target_tolerance": types.DoubleValue(info.TargetTolerance),
		"$devices":          types.Int32Value(int32(info.Devices)),
		"$state":            types.UTF8Value(string(models.StateRunning)),
		"$original_score":   types.DoubleValue(info.OriginalScore),
		"$started_at":       types.TimestampValueFromTime(info.StartedAt),
	}
}

func roundValues(report models.RoundReport) (map[string]types.Value, error) {
	moves, err := json.Marshal(report.Moves)
	if err != nil {
		return nil, fmt.Errorf("encoding moves of round %d: %w", report.Round, err)
	}
	return map[string]types.Value{
		"$run_id":           types.UTF8Value(report.RunID),
		"$round":            types.Int32Value(int32(report.Round)),
		"$state":            types.UTF8Value(string(report.State)),
		"$moves":            types.JSONValue(string(moves)),
		"$vetoed":           types.Int32Value(int32(report.Vetoed)),
		"$score":            types.DoubleValue(report.Score),
		"$best_score":       types.DoubleValue(report.BestScore),
		"$active_tolerance": types.DoubleValue(report.ActiveTolerance),
		"$stall":            types.Int32Value(int32(report.Stall)),
		"$improved":         types.BoolValue(report.Improved),
		"$duration_ms":      types.Int64Value(report.Duration.Milliseconds()),
		"$completed_at":     types.TimestampValueFromTime(report.CompletedAt),
	}, nil
}

func committedValues(result models.RunResult) map[string]types.Value {
	return map[string]types.Value{
		"$run_id":          types.UTF8Value(result.RunID),
		"$state":           types.UTF8Value(string(result.Outcome)),
		"$rounds":          types.Int32Value(int32(result.Rounds)),
		"$best_score":      types.DoubleValue(result.BestScore),
		"$installed_score": types.DoubleValue(result.InstalledScore),
		"$installed_round": types.Int32Value(int32(result.InstalledRound)),
		"$rolled_back":     types.BoolValue(result.RolledBack),
		"$error":           types.UTF8Value(result.Error),
		"$finished_at":     types.TimestampValueFromTime(result.FinishedAt),
	}
}

// queryParams builds parameters in name order
func queryParams(values map[string]types.Value) *table.QueryParameters {
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	opts := make([]table.ParameterOption, 0, len(names))
	for _, name := range names {
		opts = append(opts, table.ValueParam(name, values[name]))
	}
	return table.NewQueryParameters(opts...)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// Nop discards history
type Nop struct{}

func (Nop) RunStarted(ctx context.Context, info models.RunInfo) error          { return nil }
func (Nop) RoundCompleted(ctx context.Context, report models.RoundReport) error { return nil }
func (Nop) Improved(ctx context.Context, report models.RoundReport) error       { return nil }
func (Nop) Committed(ctx context.Context, result models.RunResult) error        { return nil }
func (Nop) EnsureSchema(ctx context.Context) error                              { return nil }

func (Nop) RecentRuns(ctx context.Context, cluster string, limit int) ([]RunSummary, error) {
	return nil, nil
}

func (Nop) Close(ctx context.Context) error { return nil }

var (
	_ Recorder = Nop{}
	_ Recorder = (*YDBRecorder)(nil)
)
