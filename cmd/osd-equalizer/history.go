package main

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/global-data-controller/osd-equalizer/internal/bootstrap"
	"github.com/global-data-controller/osd-equalizer/internal/controller"
	"github.com/global-data-controller/osd-equalizer/internal/history"
	"github.com/global-data-controller/osd-equalizer/internal/models"
)

// initHistory bootstraps and insists that run history is enabled
func initHistory(cmd *cobra.Command, configFile string) (*bootstrap.Bootstrap, error) {
	b := bootstrap.New()
	if err := b.Initialize(cmd.Context(), configFile, cmd.Flags()); err != nil {
		return nil, &exitError{code: controller.ExitFailure, err: err}
	}
	if !b.Config.History.Enabled {
		b.Stop(cmd.Context())
		return nil, &exitError{
			code: controller.ExitFailure,
			err:  models.Configurationf("run history is disabled, set history.enabled"),
		}
	}
	return b, nil
}

func newHistorySchemaCommand(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "history-schema",
		Short: "Create the run history tables in YDB",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := initHistory(cmd, *configFile)
			if err != nil {
				return err
			}
			defer b.Stop(cmd.Context())

			if err := b.History.EnsureSchema(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "history tables %s and %s are ready\n", history.RunsTable, history.RoundsTable)
			return nil
		},
	}
}

func newHistoryCommand(configFile *string) *cobra.Command {
	var (
		limit  int
		format string
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent optimizer runs of the cluster",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := initHistory(cmd, *configFile)
			if err != nil {
				return err
			}
			defer b.Stop(cmd.Context())

			runs, err := b.History.RecentRuns(cmd.Context(), b.Config.Ceph.Cluster, limit)
			if err != nil {
				return err
			}
			return writeRuns(cmd.OutOrStdout(), runs, format, time.Now())
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "number of runs to list")
	cmd.Flags().StringVar(&format, "format", "table", "output format: table or json")
	return cmd
}

func writeRuns(w io.Writer, runs []history.RunSummary, format string, now time.Time) error {
	switch format {
	case "json":
		if runs == nil {
			runs = []history.RunSummary{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(runs)
	case "table":
	default:
		return fmt.Errorf("unknown output format %q", format)
	}

	table := tablewriter.NewWriter(w)
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	table.SetHeader([]string{"run", "started", "strategy", "state", "rounds", "original", "best", "installed", "rolled back"})
	for _, run := range runs {
		table.Append([]string{
			run.RunID,
			humanize.RelTime(run.StartedAt, now, "ago", "from now"),
			run.Strategy,
			run.State,
			strconv.Itoa(run.Rounds),
			strconv.FormatFloat(run.OriginalScore, 'f', 4, 64),
			strconv.FormatFloat(run.BestScore, 'f', 4, 64),
			strconv.FormatFloat(run.InstalledScore, 'f', 4, 64),
			strconv.FormatBool(run.RolledBack),
		})
	}
	table.Render()
	fmt.Fprintf(w, "(%d run%s)\n", len(runs), plural(len(runs)))
	return nil
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}
