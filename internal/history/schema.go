// Package history records optimizer runs and their rounds in YDB.
package history

import (
	"time"
)

// Table names
const (
	RunsTable   = "osdeq_runs"
	RoundsTable = "osdeq_rounds"
)

// SchemaStatements creates the history tables
var SchemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS osdeq_runs (
		run_id Utf8 NOT NULL,
		cluster Utf8,
		strategy Utf8,
		termination_mode Utf8,
		target_tolerance Double,
		devices Int32,
		state Utf8,
		rounds Int32,
		original_score Double,
		best_score Double,
		installed_score Double,
		installed_round Int32,
		rolled_back Bool,
		error Utf8,
		started_at Timestamp,
		finished_at Timestamp,
		PRIMARY KEY (run_id)
	)`,
	`CREATE TABLE IF NOT EXISTS osdeq_rounds (
		run_id Utf8 NOT NULL,
		round Int32 NOT NULL,
		state Utf8,
		moves Json,
		vetoed Int32,
		score Double,
		best_score Double,
		active_tolerance Double,
		stall Int32,
		improved Bool,
		duration_ms Int64,
		completed_at Timestamp,
		PRIMARY KEY (run_id, round)
	)`,
}

const upsertRunStarted = `
DECLARE $run_id AS Utf8;
DECLARE $cluster AS Utf8;
DECLARE $strategy AS Utf8;
DECLARE $termination_mode AS Utf8;
DECLARE $target_tolerance AS Double;
DECLARE $devices AS Int32;
DECLARE $state AS Utf8;
DECLARE $original_score AS Double;
DECLARE $started_at AS Timestamp;

UPSERT INTO osdeq_runs (run_id, cluster, strategy, termination_mode, target_tolerance, devices, state, rounds, original_score, best_score, started_at)
VALUES ($run_id, $cluster, $strategy, $termination_mode, $target_tolerance, $devices, $state, 0, $original_score, $original_score, $started_at);
`

const upsertRound = `
DECLARE $run_id AS Utf8;
DECLARE $round AS Int32;
DECLARE $state AS Utf8;
DECLARE $moves AS Json;
DECLARE $vetoed AS Int32;
DECLARE $score AS Double;
DECLARE $best_score AS Double;
DECLARE $active_tolerance AS Double;
DECLARE $stall AS Int32;
DECLARE $improved AS Bool;
DECLARE $duration_ms AS Int64;
DECLARE $completed_at AS Timestamp;

UPSERT INTO osdeq_rounds (run_id, round, state, moves, vetoed, score, best_score, active_tolerance, stall, improved, duration_ms, completed_at)
VALUES ($run_id, $round, $state, $moves, $vetoed, $score, $best_score, $active_tolerance, $stall, $improved, $duration_ms, $completed_at);

UPSERT INTO osdeq_runs (run_id, rounds, best_score)
VALUES ($run_id, $round, $best_score);
`

const upsertRunCommitted = `
DECLARE $run_id AS Utf8;
DECLARE $state AS Utf8;
DECLARE $rounds AS Int32;
DECLARE $best_score AS Double;
DECLARE $installed_score AS Double;
DECLARE $installed_round AS Int32;
DECLARE $rolled_back AS Bool;
DECLARE $error AS Utf8;
DECLARE $finished_at AS Timestamp;

UPSERT INTO osdeq_runs (run_id, state, rounds, best_score, installed_score, installed_round, rolled_back, error, finished_at)
VALUES ($run_id, $state, $rounds, $best_score, $installed_score, $installed_round, $rolled_back, $error, $finished_at);
`

const selectRecentRuns = `
DECLARE $cluster AS Utf8;
DECLARE $limit AS Uint64;

SELECT run_id, cluster, strategy, state, rounds, original_score, best_score, installed_score, rolled_back, error, started_at, finished_at
FROM osdeq_runs
WHERE cluster = $cluster
ORDER BY started_at DESC
LIMIT $limit;
`

// RunSummary is one row of the runs table
type RunSummary struct {
	RunID          string    `json:"run_id"`
	Cluster        string    `json:"cluster"`
	Strategy       string    `json:"strategy"`
	State          string    `json:"state"`
	Rounds         int       `json:"rounds"`
	OriginalScore  float64   `json:"original_score"`
	BestScore      float64   `json:"best_score"`
	InstalledScore float64   `json:"installed_score"`
	RolledBack     bool      `json:"rolled_back"`
	Error          string    `json:"error,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at,omitempty"`
}
