package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"medqueue/internal/analytics"
	"medqueue/internal/auth"
	"medqueue/internal/model"
	"medqueue/internal/reconcile"
)

func newHistoryCommand(cfgPath *string, asJSON *bool) *cobra.Command {
	var serviceID, doctorID int64
	cmd := &cobra.Command{
		Use:   "history <phone>",
		Short: "Look up a patient's past visits",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd.Context(), *cfgPath)
			if err != nil {
				return err
			}
			defer rt.Close()
			if _, err := rt.authorize(auth.ScreenHistory); err != nil {
				return err
			}

			h := reconcile.NewHistory(rt.api.Patients, &rt.log)
			defer h.Close()
			rows, err := h.Search(rt.ctx, reconcile.HistoryQuery{Phone: args[0], ServiceID: serviceID, DoctorID: doctorID})
			if err != nil {
				return rt.err(err)
			}
			if *asJSON {
				return printJSON(cmd.OutOrStdout(), rows)
			}
			return printHistoryTable(cmd.OutOrStdout(), rows)
		},
	}
	cmd.Flags().Int64Var(&serviceID, "service", 0, "Only visits to this department")
	cmd.Flags().Int64Var(&doctorID, "doctor", 0, "Only visits to this doctor")
	return cmd
}

func newReportCommand(cfgPath *string) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Export today's tokens as CSV",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd.Context(), *cfgPath)
			if err != nil {
				return err
			}
			defer rt.Close()
			if _, err := rt.authorize(auth.ScreenAdmin); err != nil {
				return err
			}

			now := time.Now()
			completed, waiting, err := todaysTokens(rt.ctx, rt.api.Tokens)
			if err != nil {
				return rt.err(fmt.Errorf("download daily report: %w", err))
			}
			if out == "" {
				out = analytics.DailyReportFilename(now)
			}
			if out == "-" {
				return analytics.WriteDailyReport(cmd.OutOrStdout(), completed, waiting, now)
			}
			if err := writeReportFile(out, func(f *os.File) error {
				return analytics.WriteDailyReport(f, completed, waiting, now)
			}); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "Output file, - for stdout (defaults to the dated report name)")
	return cmd
}

func newPeakHoursCommand(cfgPath *string, asJSON *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "peak-hours",
		Short: "Show today's registrations per hour",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd.Context(), *cfgPath)
			if err != nil {
				return err
			}
			defer rt.Close()
			if _, err := rt.authorize(auth.ScreenAdmin); err != nil {
				return err
			}

			completed, waiting, err := todaysTokens(rt.ctx, rt.api.Tokens)
			if err != nil {
				return rt.err(err)
			}
			buckets := analytics.PeakHours(completed, waiting, time.Now())
			if *asJSON {
				return printJSON(cmd.OutOrStdout(), buckets)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "HOUR\tTOKENS")
			for _, b := range buckets {
				fmt.Fprintf(w, "%s\t%d\n", b.Label(), b.Count)
			}
			return w.Flush()
		},
	}
}

func newBottlenecksCommand(cfgPath *string, asJSON *bool) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "bottlenecks",
		Short: "Show departments whose projected wait exceeds the threshold",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd.Context(), *cfgPath)
			if err != nil {
				return err
			}
			defer rt.Close()
			if _, err := rt.authorize(auth.ScreenAdmin); err != nil {
				return err
			}

			stats, err := rt.api.Admin.ServiceStats(rt.ctx)
			if err != nil {
				return rt.err(err)
			}
			loads := analytics.Bottlenecks(stats)
			if all {
				loads = analytics.ServiceLoads(stats)
			}
			if *asJSON {
				return printJSON(cmd.OutOrStdout(), loads)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "DEPARTMENT\tWAITING\tAVG_MIN\tPROJECTED_MIN\tBOTTLENECK")
			for _, l := range loads {
				fmt.Fprintf(w, "%s\t%d\t%.1f\t%.1f\t%t\n", l.Department, l.WaitingCount, l.AvgServiceTimeMinutes, l.ProjectedMinutes, l.Bottleneck)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "List every department, not only bottlenecks")
	return cmd
}

type tokenLister interface {
	ByStatus(ctx context.Context, status model.TokenStatus) ([]model.Token, error)
}

func todaysTokens(ctx context.Context, tokens tokenLister) (completed, waiting []model.Token, err error) {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		completed, err = tokens.ByStatus(gctx, model.TokenStatusCompleted)
		return err
	})
	g.Go(func() error {
		var err error
		waiting, err = tokens.ByStatus(gctx, model.TokenStatusWaiting)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return completed, waiting, nil
}

// writeReportFile creates path and hands it to write. A failed write leaves
// no file behind.
func writeReportFile(path string, write func(f *os.File) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return err
	}
	return f.Close()
}

func printHistoryTable(w io.Writer, rows []model.HistoryEntry) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TOKEN\tDEPARTMENT\tDOCTOR\tSTATUS\tCREATED_AT\tCOMPLETED_AT")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", r.TokenNumber, r.ServiceName, r.DoctorName, r.Status, r.CreatedAt, r.CompletedAt)
	}
	return tw.Flush()
}
