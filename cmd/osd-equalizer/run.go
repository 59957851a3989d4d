package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/global-data-controller/osd-equalizer/internal/bootstrap"
	"github.com/global-data-controller/osd-equalizer/internal/ceph"
	"github.com/global-data-controller/osd-equalizer/internal/config"
	"github.com/global-data-controller/osd-equalizer/internal/controller"
	"github.com/global-data-controller/osd-equalizer/internal/logging"
	"github.com/global-data-controller/osd-equalizer/internal/models"
	"github.com/global-data-controller/osd-equalizer/internal/policy"
	"github.com/global-data-controller/osd-equalizer/internal/safety"
	"github.com/global-data-controller/osd-equalizer/internal/weightmap"
)

// emergencyReleaseTimeout bounds the gate release after a second signal
const emergencyReleaseTimeout = 30 * time.Second

// forceExit terminates the process after a second signal
var forceExit = os.Exit

func newRunCommand(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the optimizer until the target is reached or it gives up",
		Long: `Run gates data movement, then reweights the most unbalanced OSDs round by round.
Every round waits for peering to settle before measuring again. On exit the
best weight map seen is installed, or the original when nothing improved.

The first SIGINT or SIGTERM stops after the current round and commits as
usual. A second signal releases the gate and exits with status 130.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOptimizer(cmd, *configFile)
		},
	}
}

func runOptimizer(cmd *cobra.Command, configFile string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	b := bootstrap.New()
	if err := b.Initialize(ctx, configFile, cmd.Flags()); err != nil {
		return &exitError{code: controller.ExitFailure, err: err}
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer stopCancel()
		b.Stop(stopCtx)
	}()

	cfg := b.Config
	logger := b.Logger
	plane := newControlPlane(cfg, logger)

	ctl, err := newController(ctx, cfg, plane, b.Observer(), logger)
	if err != nil {
		return &exitError{code: controller.ExitFailure, err: err}
	}

	if err := b.Start(ctx, ctl); err != nil {
		return &exitError{code: controller.ExitFailure, err: err}
	}

	stopSignals := handleSignals(cancel, plane, logger)
	defer stopSignals()

	logger.Info(ctx, "Optimizer starting",
		zap.String("version", version),
		zap.String("run_id", ctl.RunID()),
		zap.String("cluster", cfg.Ceph.Cluster))

	result, runErr := ctl.Run(ctx)
	if result != nil {
		printResult(cmd.OutOrStdout(), result)
	}

	code := controller.ExitCode(result, runErr, cfg.Optimizer.Strict)
	if code == controller.ExitOK {
		return nil
	}
	if runErr == nil && code == controller.ExitGaveUp {
		runErr = fmt.Errorf("gave up with score %.4f above target %.4f", result.InstalledScore, cfg.Optimizer.TargetTolerance)
	}
	return &exitError{code: code, err: runErr}
}

// newController assembles the controller and its collaborators from cfg
func newController(ctx context.Context, cfg *config.Config, plane ceph.ControlPlane, observer controller.Observer, logger logging.Logger) (*controller.Controller, error) {
	opts, err := cfg.ControllerOptions()
	if err != nil {
		return nil, err
	}
	runID := uuid.NewString()

	var guard policy.Guard = policy.AllowAll{}
	if cfg.Policy.Enabled {
		moveGuard, err := policy.NewMoveGuard(ctx, cfg.Policy, logger)
		if err != nil {
			return nil, err
		}
		guard = moveGuard
		logger.Info(ctx, "Move policy loaded", zap.String("policy", moveGuard.Source()))
	}

	store := weightmap.NewStore(plane, weightmap.StoreConfig{
		RunID:       runID,
		Cluster:     cfg.Ceph.Cluster,
		Checkpoints: checkpointStore(cfg),
		Logger:      logger,
	})

	return controller.New(controller.Config{
		Options:  opts,
		RunID:    runID,
		Plane:    plane,
		Settler:  safety.NewSettler(plane, cfg.Settlement, logger),
		Store:    store,
		Guard:    guard,
		Observer: observer,
		Logger:   logger,
	})
}

func checkpointStore(cfg *config.Config) weightmap.CheckpointStore {
	if cfg.Checkpoint.Path == "" {
		return weightmap.NewMemoryCheckpointStore()
	}
	return weightmap.NewFileCheckpointStore(cfg.Checkpoint.Path)
}

// handleSignals cancels the run on the first signal. A second signal lifts
// the data movement gate and terminates the process with ExitForced.
func handleSignals(cancel context.CancelFunc, plane ceph.ControlPlane, logger logging.Logger) (stop func()) {
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})

	go func() {
		select {
		case sig := <-sigChan:
			logger.Warn(context.Background(), "Signal received, stopping after the current round",
				zap.String("signal", sig.String()))
			cancel()
		case <-done:
			return
		}

		select {
		case sig := <-sigChan:
			logger.Error(context.Background(), "Second signal received, releasing gate and exiting",
				zap.String("signal", sig.String()))
			emergencyRelease(plane, logger)
			logger.Sync()
			forceExit(controller.ExitForced)
		case <-done:
		}
	}()

	return func() {
		signal.Stop(sigChan)
		close(done)
	}
}

// emergencyRelease lifts the gate without waiting for the controller
func emergencyRelease(plane ceph.ControlPlane, logger logging.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), emergencyReleaseTimeout)
	defer cancel()
	if err := plane.SetDataMovementGate(ctx, false); err != nil {
		logger.Error(ctx, "Failed to release data movement gate", zap.Error(err))
	}
}

func printResult(w io.Writer, result *models.RunResult) {
	fmt.Fprintf(w, "run %s: %s after %d rounds in %s\n",
		result.RunID, result.Outcome, result.Rounds,
		result.FinishedAt.Sub(result.StartedAt).Round(time.Millisecond))
	fmt.Fprintf(w, "  original score:  %.4f\n", result.OriginalScore)
	fmt.Fprintf(w, "  best score:      %.4f\n", result.BestScore)
	if result.RolledBack {
		fmt.Fprintf(w, "  installed:       original weights (no improvement)\n")
	} else {
		fmt.Fprintf(w, "  installed:       round %d, score %.4f\n", result.InstalledRound, result.InstalledScore)
	}
	if result.Error != "" {
		fmt.Fprintf(w, "  error:           %s\n", result.Error)
	}
}
