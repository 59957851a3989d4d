package models

import "time"

// State is a convergence controller state
type State string

const (
	StateRunning           State = "Running"
	StateImprovedThisRound State = "ImprovedThisRound"
	StateStalled           State = "Stalled"
	StateTargetReached     State = "TargetReached"
	StateGaveUp            State = "GaveUp"
	StateCommitted         State = "Committed"
)

// RunInfo describes a run when it starts
type RunInfo struct {
	RunID           string    `json:"run_id"`
	Cluster         string    `json:"cluster"`
	Strategy        string    `json:"strategy"`
	TerminationMode string    `json:"termination_mode"`
	TargetTolerance float64   `json:"target_tolerance"`
	Devices         int       `json:"devices"`
	OriginalScore   float64   `json:"original_score"`
	StartedAt       time.Time `json:"started_at"`
}

// RoundReport describes one completed round
type RoundReport struct {
	RunID           string        `json:"run_id"`
	Round           int           `json:"round"`
	State           State         `json:"state"`
	Moves           []Move        `json:"moves"`
	Vetoed          int           `json:"vetoed"`
	Score           float64       `json:"score"`
	BestScore       float64       `json:"best_score"`
	ActiveTolerance float64       `json:"active_tolerance"`
	Stall           int           `json:"stall"`
	Improved        bool          `json:"improved"`
	Duration        time.Duration `json:"duration"`
	CompletedAt     time.Time     `json:"completed_at"`
}

// RunResult describes a committed run
type RunResult struct {
	RunID string `json:"run_id"`
	// Outcome is TargetReached or GaveUp, the state the run committed from
	Outcome         State     `json:"outcome"`
	Rounds          int       `json:"rounds"`
	OriginalScore   float64   `json:"original_score"`
	BestScore       float64   `json:"best_score"`
	InstalledScore  float64   `json:"installed_score"`
	InstalledRound  int       `json:"installed_round"`
	RolledBack      bool      `json:"rolled_back"`
	ActiveTolerance float64   `json:"active_tolerance"`
	Error           string    `json:"error,omitempty"`
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at"`
}

// Progress is a point-in-time view of a running controller
type Progress struct {
	RunID           string    `json:"run_id"`
	State           State     `json:"state"`
	Round           int       `json:"round"`
	Stall           int       `json:"stall"`
	ActiveTolerance float64   `json:"active_tolerance"`
	OriginalScore   float64   `json:"original_score"`
	BestScore       float64   `json:"best_score"`
	CurrentScore    float64   `json:"current_score"`
	StartedAt       time.Time `json:"started_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}
