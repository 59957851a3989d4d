// Package controller drives the optimization rounds.
//
// A run holds the data movement gate for its whole duration. Each round plans
// moves, applies them one by one with a settlement wait after each, captures
// a fresh snapshot and scores it. Strictly better scores are remembered. When
// the run ends, for any reason, the best map is installed if it beats the
// original and the original is installed otherwise; then the gate is released.
package controller

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/global-data-controller/osd-equalizer/internal/ceph"
	"github.com/global-data-controller/osd-equalizer/internal/logging"
	"github.com/global-data-controller/osd-equalizer/internal/models"
	"github.com/global-data-controller/osd-equalizer/internal/planner"
	"github.com/global-data-controller/osd-equalizer/internal/policy"
	"github.com/global-data-controller/osd-equalizer/internal/safety"
	"github.com/global-data-controller/osd-equalizer/internal/snapshot"
	"github.com/global-data-controller/osd-equalizer/internal/telemetry"
	"github.com/global-data-controller/osd-equalizer/internal/variance"
	"github.com/global-data-controller/osd-equalizer/internal/weightmap"
)

// Process exit codes
const (
	ExitOK      = 0
	ExitFailure = 1
	ExitGaveUp  = 2
	ExitForced  = 130
)

// ExitCode maps the outcome of Run to a process exit status
func ExitCode(result *models.RunResult, err error, strict bool) int {
	if err != nil {
		return ExitFailure
	}
	if strict && result != nil && result.Outcome == models.StateGaveUp {
		return ExitGaveUp
	}
	return ExitOK
}

// Config holds the collaborators of a Controller
type Config struct {
	Options Options
	RunID   string
	Plane   ceph.ControlPlane
	Settler *safety.Settler
	// Store defaults to an in-memory store over Plane
	Store *weightmap.Store
	// Guard defaults to policy.AllowAll
	Guard    policy.Guard
	Observer Observer
	Logger   logging.Logger
}

// Controller runs the convergence loop against one cluster
type Controller struct {
	opts     Options
	runID    string
	plane    ceph.ControlPlane
	capturer *snapshot.Capturer
	settler  *safety.Settler
	store    *weightmap.Store
	guard    policy.Guard
	observer Observer
	logger   logging.Logger

	mu       sync.RWMutex
	progress models.Progress
	ran      bool
}

// runState is the mutable state of one run
type runState struct {
	round     int
	stall     int
	activeTol float64
	score     float64
	original  float64
	variances map[int]float64
	weights   map[int]float64
	outcome   models.State
	startedAt time.Time
}

// New validates the options and creates a controller
func New(config Config) (*Controller, error) {
	if err := config.Options.Validate(); err != nil {
		return nil, err
	}
	if config.Plane == nil {
		return nil, errors.New("controller needs a control plane")
	}
	if config.Logger == nil {
		config.Logger = logging.NewNop()
	}
	if config.RunID == "" {
		config.RunID = uuid.NewString()
	}
	logger := config.Logger.With(zap.String("run_id", config.RunID))

	if config.Settler == nil {
		config.Settler = safety.NewSettler(config.Plane, safety.DefaultSettleConfig(), logger)
	}
	if config.Store == nil {
		config.Store = weightmap.NewStore(config.Plane, weightmap.StoreConfig{
			RunID:   config.RunID,
			Cluster: config.Options.Cluster,
			Logger:  logger,
		})
	}
	if config.Guard == nil {
		config.Guard = policy.AllowAll{}
	}
	if config.Observer == nil {
		config.Observer = Observers(nil)
	}

	return &Controller{
		opts:     config.Options,
		runID:    config.RunID,
		plane:    config.Plane,
		capturer: snapshot.NewCapturer(config.Plane, logger),
		settler:  config.Settler,
		store:    config.Store,
		guard:    config.Guard,
		observer: config.Observer,
		logger:   logger.Named("controller"),
		progress: models.Progress{RunID: config.RunID},
	}, nil
}

// RunID returns the identifier of this controller's run
func (c *Controller) RunID() string {
	return c.runID
}

// Progress returns the current progress of the run
func (c *Controller) Progress() models.Progress {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.progress
}

func (c *Controller) update(fn func(p *models.Progress)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.progress)
	c.progress.UpdatedAt = time.Now()
}

func (c *Controller) setState(state models.State) {
	c.update(func(p *models.Progress) { p.State = state })
}

// Run executes one optimization run. Cancelling ctx stops the run between
// rounds; the commit still happens and ctx's error is returned. A controller
// runs at most once.
func (c *Controller) Run(ctx context.Context) (*models.RunResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	if c.ran {
		c.mu.Unlock()
		return nil, errors.New("controller already ran")
	}
	c.ran = true
	c.mu.Unlock()

	// in-flight rounds are not interrupted
	work := context.WithoutCancel(ctx)

	gate, err := safety.Enter(work, c.plane, c.logger)
	if err != nil {
		return nil, fmt.Errorf("entering data movement gate: %w", err)
	}
	defer gate.Release(work)

	run := &runState{
		activeTol: c.opts.TargetTolerance,
		startedAt: time.Now(),
	}
	c.update(func(p *models.Progress) {
		p.State = models.StateRunning
		p.StartedAt = run.startedAt
		p.ActiveTolerance = run.activeTol
	})

	if err := c.start(work, run); err != nil {
		// nothing was mutated yet, there is no map to install
		return nil, errors.Join(err, gate.Release(work))
	}

	loopErr := c.loop(ctx, work, run)
	if loopErr != nil {
		c.logger.Error(work, "Run aborted, committing best known map", zap.Error(loopErr))
	}
	result, commitErr := c.commit(work, run, gate, loopErr)
	return result, errors.Join(loopErr, commitErr)
}

// start captures the initial state and records the original map
func (c *Controller) start(ctx context.Context, run *runState) error {
	snap, err := c.capturer.Capture(ctx)
	if err != nil {
		return fmt.Errorf("capturing initial snapshot: %w", err)
	}
	variances, err := variance.Compute(snap)
	if err != nil {
		return err
	}
	score := variance.MaxDeviation(variances)

	original, err := c.store.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("exporting original weight map: %w", err)
	}
	if err := c.store.RecordOriginal(ctx, original, score); err != nil {
		return err
	}

	run.score = score
	run.original = score
	run.variances = variances
	run.weights = snap.Weights

	c.update(func(p *models.Progress) {
		p.OriginalScore = score
		p.BestScore = score
		p.CurrentScore = score
	})
	c.recordScores(ctx, score, score)

	c.logger.Info(ctx, "Starting optimization",
		zap.String("cluster", c.opts.Cluster),
		zap.Int("devices", len(variances)),
		zap.Float64("score", score),
		zap.Float64("target_tolerance", c.opts.TargetTolerance),
		zap.String("strategy", string(c.opts.Strategy)),
		zap.String("termination", string(c.opts.Termination)))

	c.notify(ctx, "run started", c.observer.RunStarted(ctx, models.RunInfo{
		RunID:           c.runID,
		Cluster:         c.opts.Cluster,
		Strategy:        string(c.opts.Strategy),
		TerminationMode: string(c.opts.Termination),
		TargetTolerance: c.opts.TargetTolerance,
		Devices:         len(variances),
		OriginalScore:   score,
		StartedAt:       run.startedAt,
	}))
	return nil
}

// loop runs rounds until a terminal state. It returns the error that ended
// the run early, if any; run.outcome is always set.
func (c *Controller) loop(ctx, work context.Context, run *runState) error {
	for {
		if run.score <= run.activeTol {
			run.outcome = toleranceOutcome(run.score, c.opts.TargetTolerance)
			c.logger.Info(work, "Active tolerance reached",
				zap.Float64("score", run.score),
				zap.Float64("active_tolerance", run.activeTol),
				zap.String("outcome", string(run.outcome)),
				zap.Int("rounds", run.round))
			return nil
		}
		if run.round >= c.opts.MaxRounds {
			run.outcome = models.StateGaveUp
			c.logger.Warn(work, "Round budget exhausted", zap.Int("max_rounds", c.opts.MaxRounds))
			return nil
		}
		if err := ctx.Err(); err != nil {
			run.outcome = models.StateGaveUp
			c.logger.Warn(work, "Run cancelled between rounds", zap.Int("rounds", run.round))
			return err
		}

		moves, err := planner.Plan(run.variances, run.weights, c.opts.plannerParams(run.activeTol))
		if err != nil {
			run.outcome = models.StateGaveUp
			return err
		}
		if len(moves) == 0 {
			run.outcome = models.StateGaveUp
			c.logger.Warn(work, "No device is eligible for reweighting",
				zap.Float64("score", run.score),
				zap.Float64("dead_band", c.opts.DeadBand))
			return nil
		}

		if err := c.round(work, run, moves); err != nil {
			run.outcome = models.StateGaveUp
			return fmt.Errorf("round %d: %w", run.round, err)
		}

		if done := c.afterRound(work, run); done {
			return nil
		}
	}
}

// toleranceOutcome labels a run whose score met the active tolerance. Only
// the configured target counts as reached; a tolerance relaxed by bisection
// is a near-success.
func toleranceOutcome(score, target float64) models.State {
	if score <= target {
		return models.StateTargetReached
	}
	return models.StateGaveUp
}

// round applies moves, waits for settlement and scores the result
func (c *Controller) round(ctx context.Context, run *runState, moves []models.Move) error {
	run.round++
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, "controller.round",
		trace.WithAttributes(attribute.Int("round", run.round), attribute.Int("planned_moves", len(moves))))
	defer span.End()

	c.update(func(p *models.Progress) {
		p.State = models.StateRunning
		p.Round = run.round
	})

	c.logger.Debug(ctx, "Planned moves",
		zap.Int("round", run.round),
		zap.String("moves", planner.Describe(moves)))

	applied := make([]models.Move, 0, len(moves))
	vetoed := 0
	for _, move := range moves {
		decision, err := c.guard.Check(ctx, move, run.round)
		if err != nil {
			span.RecordError(err)
			return err
		}
		if !decision.Allowed {
			vetoed++
			continue
		}

		c.logger.Info(ctx, "Reweighting device",
			zap.Int("round", run.round),
			zap.Int("osd", move.Device),
			zap.Float64("variance", move.Variance),
			zap.Float64("old_weight", move.OldWeight),
			zap.Float64("new_weight", move.NewWeight))
		if err := c.plane.ReweightDevice(ctx, move.Device, move.NewWeight); err != nil {
			span.RecordError(err)
			return err
		}
		applied = append(applied, move)
		telemetry.IncrementCounter(ctx, "osdeq_reweights_total")

		if err := c.settler.AwaitSettled(ctx); err != nil {
			span.RecordError(err)
			return err
		}
	}
	if vetoed > 0 {
		telemetry.AddCounter(ctx, "osdeq_vetoed_moves_total", int64(vetoed))
	}

	improved := false
	if len(applied) > 0 {
		snap, err := c.capturer.Capture(ctx)
		if err != nil {
			return err
		}
		variances, err := variance.Compute(snap)
		if err != nil {
			return err
		}
		run.variances = variances
		run.weights = snap.Weights
		run.score = variance.MaxDeviation(variances)

		if best := c.store.Best(); run.score < best.Score {
			m, err := c.store.Snapshot(ctx)
			if err != nil {
				return err
			}
			improved, err = c.store.Remember(ctx, m, run.score, run.round)
			if err != nil {
				return err
			}
		}
	}

	state := models.StateRunning
	if improved {
		run.stall = 0
		state = models.StateImprovedThisRound
		telemetry.IncrementCounter(ctx, "osdeq_improvements_total")
	} else {
		run.stall++
	}

	best := c.store.Best().Score
	c.update(func(p *models.Progress) {
		p.State = state
		p.Stall = run.stall
		p.CurrentScore = run.score
		p.BestScore = best
	})
	telemetry.IncrementCounter(ctx, "osdeq_rounds_total", attribute.String("strategy", string(c.opts.Strategy)))
	c.recordScores(ctx, run.score, best)

	report := models.RoundReport{
		RunID:           c.runID,
		Round:           run.round,
		State:           state,
		Moves:           applied,
		Vetoed:          vetoed,
		Score:           run.score,
		BestScore:       best,
		ActiveTolerance: run.activeTol,
		Stall:           run.stall,
		Improved:        improved,
		Duration:        time.Since(start),
		CompletedAt:     time.Now(),
	}
	c.logger.Info(ctx, "Round completed",
		zap.Int("round", run.round),
		zap.Int("moves", len(applied)),
		zap.Int("vetoed", vetoed),
		zap.Float64("score", run.score),
		zap.Float64("best_score", best),
		zap.Int("stall", run.stall),
		zap.Bool("improved", improved))

	c.notify(ctx, "round completed", c.observer.RoundCompleted(ctx, report))
	if improved {
		c.notify(ctx, "improved", c.observer.Improved(ctx, report))
	}
	c.setState(models.StateRunning)
	return nil
}

// afterRound applies the termination policy once patience is exhausted. It
// reports whether the run is over.
func (c *Controller) afterRound(ctx context.Context, run *runState) bool {
	if run.stall <= c.opts.MaxStallAttempts {
		return false
	}
	c.setState(models.StateStalled)

	switch c.opts.Termination {
	case TargetTolerance:
		if math.Abs(run.score-run.activeTol) <= c.opts.NearSuccessEpsilon {
			run.outcome = models.StateGaveUp
			c.logger.Info(ctx, "Stalled within epsilon of the active tolerance",
				zap.Float64("score", run.score),
				zap.Float64("active_tolerance", run.activeTol))
			return true
		}
		previous := run.activeTol
		run.activeTol = (run.activeTol + run.score) / 2
		run.stall = 0
		c.update(func(p *models.Progress) {
			p.State = models.StateRunning
			p.ActiveTolerance = run.activeTol
			p.Stall = 0
		})
		c.logger.Info(ctx, "Relaxing tolerance",
			zap.Float64("previous", previous),
			zap.Float64("active_tolerance", run.activeTol),
			zap.Float64("score", run.score))
		return false
	default:
		run.outcome = models.StateGaveUp
		c.logger.Warn(ctx, "Giving up after stalled rounds",
			zap.Int("stall", run.stall),
			zap.Float64("score", run.score))
		return true
	}
}

// commit installs the chosen map and releases the gate
func (c *Controller) commit(ctx context.Context, run *runState, gate *safety.Gate, runErr error) (*models.RunResult, error) {
	c.setState(run.outcome)

	chosen, commitErr := c.store.Commit(ctx)
	releaseErr := gate.Release(ctx)

	result := &models.RunResult{
		RunID:           c.runID,
		Outcome:         run.outcome,
		Rounds:          run.round,
		OriginalScore:   run.original,
		ActiveTolerance: run.activeTol,
		StartedAt:       run.startedAt,
		FinishedAt:      time.Now(),
	}
	if best := c.store.Best(); best != nil {
		result.BestScore = best.Score
	}
	if chosen != nil {
		result.InstalledScore = chosen.Score
		result.InstalledRound = chosen.Round
		result.RolledBack = chosen.Round == 0
	}
	if err := errors.Join(runErr, commitErr, releaseErr); err != nil {
		result.Error = err.Error()
	}

	c.setState(models.StateCommitted)
	c.logger.Info(ctx, "Run committed",
		zap.String("outcome", string(result.Outcome)),
		zap.Int("rounds", result.Rounds),
		zap.Float64("original_score", result.OriginalScore),
		zap.Float64("installed_score", result.InstalledScore),
		zap.Bool("rolled_back", result.RolledBack))
	c.notify(ctx, "committed", c.observer.Committed(ctx, *result))

	return result, errors.Join(commitErr, releaseErr)
}

func (c *Controller) recordScores(ctx context.Context, current, best float64) {
	telemetry.SetGauge(ctx, "osdeq_max_deviation", current)
	telemetry.SetGauge(ctx, "osdeq_best_deviation", best)
}

func (c *Controller) notify(ctx context.Context, event string, err error) {
	if err != nil {
		c.logger.Warn(ctx, "Observer failed", zap.String("event", event), zap.Error(err))
	}
}
