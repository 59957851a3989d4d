// Command osd-equalizer evens out OSD utilization of a Ceph cluster by
// iteratively adjusting the CRUSH weights of its most over- and underfull devices.
//
// Only one optimizer may run against a cluster at a time: concurrent runs
// would fight over the data movement gate and the weight map.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/global-data-controller/osd-equalizer/internal/ceph"
	"github.com/global-data-controller/osd-equalizer/internal/config"
	"github.com/global-data-controller/osd-equalizer/internal/controller"
	"github.com/global-data-controller/osd-equalizer/internal/logging"
)

// Set by the linker
var (
	version = "dev"
	commit  = "none"
)

// newControlPlane builds the cluster adapter. Tests replace it with a simulator.
var newControlPlane = func(cfg *config.Config, logger logging.Logger) ceph.ControlPlane {
	return ceph.NewCLI(cfg.CLIConfig(logger))
}

// exitError carries a process exit status out of a command
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}

// execute runs the command line and returns the process exit status
func execute(args []string, stdout, stderr io.Writer) int {
	root := newRootCommand()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.Execute()
	if err == nil {
		return controller.ExitOK
	}

	var exit *exitError
	if errors.As(err, &exit) {
		if exit.err != nil {
			fmt.Fprintln(root.ErrOrStderr(), "Error:", exit.err)
		}
		return exit.code
	}
	fmt.Fprintln(root.ErrOrStderr(), "Error:", err)
	return controller.ExitFailure
}

func newRootCommand() *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:   "osd-equalizer",
		Short: "Equalize OSD utilization by adjusting CRUSH weights",
		Long: `osd-equalizer adjusts the CRUSH weights of the OSDs furthest from the mean
fill, round by round, until every device's fill is within the target
tolerance of the cluster mean. It then installs the best weight map it
observed.

Data movement is gated (nobackfill, norecover) for the whole run. Only one
optimizer may run against a cluster at a time.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "path to a YAML configuration file")
	addConfigFlags(flags)

	root.AddCommand(
		newRunCommand(&configFile),
		newInspectCommand(&configFile),
		newRestoreCommand(&configFile),
		newHistoryCommand(&configFile),
		newHistorySchemaCommand(&configFile),
		newVersionCommand(),
	)
	return root
}

// addConfigFlags registers every flag listed in config.FlagKeys
func addConfigFlags(flags *pflag.FlagSet) {
	defaults := controller.DefaultOptions()

	flags.String("cluster", defaults.Cluster, "ceph cluster name")
	flags.String("ceph-binary", "ceph", "path to the ceph CLI")
	flags.String("ceph-conf", "", "ceph configuration file")
	flags.String("ceph-user", "", "ceph client user")

	flags.Float64("target-tolerance", defaults.TargetTolerance, "stop once every |1 - variance| is at most this value")
	flags.Float64("step-fraction", defaults.StepFraction, "fraction of a device's deviation applied to its weight per move")
	flags.String("strategy", string(defaults.Strategy), "reweight strategy: single-worst, top-k or threshold-sweep")
	flags.Int("top-k", defaults.TopK, "devices adjusted per round by the top-k strategy")
	flags.Float64("sweep-tolerance", 0, "deviation above which threshold-sweep adjusts a device (0 uses the target tolerance)")
	flags.Float64("dead-band", 0, "deviations at or below this value are never adjusted")
	flags.String("termination-mode", string(defaults.Termination), "bounded-attempts or target-tolerance")
	flags.Int("max-stall-attempts", defaults.MaxStallAttempts, "non-improving rounds tolerated before giving up or relaxing")
	flags.Int("max-rounds", defaults.MaxRounds, "hard limit on rounds")
	flags.Float64("near-success-epsilon", defaults.NearSuccessEpsilon, "target-tolerance mode gives up within this distance of the active tolerance")
	flags.Bool("strict", false, "exit with status 2 when the run gives up")

	flags.Duration("settle-timeout", 0, "how long to wait for peering to finish after each move")
	flags.String("checkpoint", "", "path of the best weight map checkpoint")
	flags.String("policy-file", "", "rego policy vetoing unsafe moves")
	flags.String("log-level", "info", "debug, info, warn or error")
	flags.String("log-format", "json", "json or console")
	flags.Int("status-port", 0, "status server port")
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "osd-equalizer %s (%s)\n", version, commit)
		},
	}
}
