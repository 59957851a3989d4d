package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/global-data-controller/osd-equalizer/internal/bootstrap"
	"github.com/global-data-controller/osd-equalizer/internal/ceph"
	"github.com/global-data-controller/osd-equalizer/internal/controller"
	"github.com/global-data-controller/osd-equalizer/internal/logging"
	"github.com/global-data-controller/osd-equalizer/internal/models"
	"github.com/global-data-controller/osd-equalizer/internal/weightmap"
)

func newRestoreCommand(configFile *string) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Install the checkpointed weight map of a crashed run and lift the gate",
		Long: `Restore recovers from a run that died without committing. It installs the
best weight map recorded in the checkpoint, or the original map when the
best never beat it, then lifts the data movement gate and removes the
checkpoint.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			b := bootstrap.New()
			if err := b.Initialize(ctx, *configFile, cmd.Flags()); err != nil {
				return &exitError{code: controller.ExitFailure, err: err}
			}
			defer b.Stop(ctx)

			if b.Config.Checkpoint.Path == "" {
				return &exitError{code: controller.ExitFailure, err: models.Configurationf("checkpoint.path is required")}
			}
			store := weightmap.NewFileCheckpointStore(b.Config.Checkpoint.Path)
			plane := newControlPlane(b.Config, b.Logger)

			installed, err := restoreCheckpoint(ctx, plane, store, b.Config.Ceph.Cluster, force, b.Logger)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "restored weight map from round %d (score %.4f) of run %s\n",
				installed.Round, installed.Score, installed.RunID)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "restore a checkpoint written for a different cluster")
	return cmd
}

// restoredCandidate is what restoreCheckpoint installed
type restoredCandidate struct {
	models.Candidate
	RunID string
}

// restoreCheckpoint installs the recovery map of the checkpoint, lifts the
// gate and deletes the checkpoint. The gate is lifted even when the import
// fails.
func restoreCheckpoint(ctx context.Context, plane ceph.ControlPlane, store weightmap.CheckpointStore, cluster string, force bool, logger logging.Logger) (*restoredCandidate, error) {
	checkpoint, err := store.LoadCheckpoint(ctx)
	if err != nil {
		if errors.Is(err, weightmap.ErrNoCheckpoint) {
			return nil, fmt.Errorf("nothing to restore: %w", err)
		}
		return nil, err
	}
	if checkpoint.Cluster != cluster && !force {
		return nil, models.Configurationf("checkpoint belongs to cluster %q, not %q", checkpoint.Cluster, cluster)
	}

	recovery := checkpoint.Recovery()
	ctx = context.WithoutCancel(ctx)

	importErr := plane.ImportWeightMap(ctx, recovery.Map)
	if importErr != nil {
		importErr = models.NewCollaboratorError("import weight map", importErr)
	}
	var releaseErr error
	if err := plane.SetDataMovementGate(ctx, false); err != nil {
		releaseErr = models.NewCollaboratorError("release gate", err)
	}
	if err := errors.Join(importErr, releaseErr); err != nil {
		return nil, err
	}

	if err := store.DeleteCheckpoint(ctx); err != nil {
		logger.Warn(ctx, "Failed to delete checkpoint", zap.Error(err))
	}
	logger.Info(ctx, "Checkpoint restored",
		zap.String("run_id", checkpoint.RunID),
		zap.Int("round", recovery.Round),
		zap.Float64("score", recovery.Score))

	return &restoredCandidate{Candidate: recovery, RunID: checkpoint.RunID}, nil
}
