package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/dustin/go-humanize"
	jsoniter "github.com/json-iterator/go"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/global-data-controller/osd-equalizer/internal/bootstrap"
	"github.com/global-data-controller/osd-equalizer/internal/controller"
	"github.com/global-data-controller/osd-equalizer/internal/models"
	"github.com/global-data-controller/osd-equalizer/internal/snapshot"
	"github.com/global-data-controller/osd-equalizer/internal/variance"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// InspectReport is the inspect output
type InspectReport struct {
	Cluster string          `json:"cluster"`
	Score   float64         `json:"score"`
	Devices []models.Device `json:"devices"`
}

func newInspectCommand(configFile *string) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Show the fill variance of every OSD without changing anything",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			b := bootstrap.New()
			if err := b.Initialize(ctx, *configFile, cmd.Flags()); err != nil {
				return &exitError{code: controller.ExitFailure, err: err}
			}
			defer b.Stop(ctx)

			plane := newControlPlane(b.Config, b.Logger)
			snap, err := snapshot.NewCapturer(plane, b.Logger).Capture(ctx)
			if err != nil {
				return err
			}
			report, err := buildInspectReport(b.Config.Ceph.Cluster, snap)
			if err != nil {
				return err
			}
			return writeInspectReport(cmd.OutOrStdout(), report, format)
		},
	}

	cmd.Flags().StringVar(&format, "format", "table", "output format: table or json")
	return cmd
}

// buildInspectReport ranks the devices of snap by deviation
func buildInspectReport(cluster string, snap *models.ClusterSnapshot) (*InspectReport, error) {
	variances, err := variance.Compute(snap)
	if err != nil {
		return nil, err
	}
	usage, err := variance.AttributedUsage(snap)
	if err != nil {
		return nil, err
	}

	report := &InspectReport{Cluster: cluster, Score: variance.MaxDeviation(variances)}
	for _, entry := range variance.Ranked(variances) {
		capacity := snap.Static.Capacities[entry.Device]
		report.Devices = append(report.Devices, models.Device{
			ID:            entry.Device,
			Weight:        snap.Weights[entry.Device],
			CapacityBytes: capacity,
			UsedBytes:     usage[entry.Device],
			Fill:          usage[entry.Device] / float64(capacity),
			Variance:      entry.Variance,
			Deviation:     entry.Deviation,
		})
	}
	return report, nil
}

func writeInspectReport(w io.Writer, report *InspectReport, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	case "table":
	default:
		return fmt.Errorf("unknown output format %q", format)
	}

	table := tablewriter.NewWriter(w)
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	table.SetHeader([]string{"osd", "weight", "capacity", "attributed", "fill", "variance", "|1-v|"})
	for _, d := range report.Devices {
		table.Append([]string{
			"osd." + strconv.Itoa(d.ID),
			strconv.FormatFloat(d.Weight, 'f', 5, 64),
			humanize.IBytes(uint64(d.CapacityBytes)),
			humanize.IBytes(uint64(d.UsedBytes)),
			strconv.FormatFloat(d.Fill*100, 'f', 2, 64) + "%",
			strconv.FormatFloat(d.Variance, 'f', 4, 64),
			strconv.FormatFloat(d.Deviation, 'f', 4, 64),
		})
	}
	table.Render()
	fmt.Fprintf(w, "cluster %s: %d devices, score %.4f\n", report.Cluster, len(report.Devices), report.Score)
	return nil
}
