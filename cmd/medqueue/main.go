package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"medqueue/internal/auth"
)

func main() {
	var (
		cfgPath string
		asJSON  bool
	)

	root := &cobra.Command{
		Use:           "medqueue",
		Short:         "Hospital queue client: display board, kiosk, counter and admin screens",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "config.yaml", "Path to config file")
	root.PersistentFlags().BoolVar(&asJSON, "json", false, "Print JSON output")

	root.AddCommand(newDisplayCommand(&cfgPath, &asJSON))
	root.AddCommand(newKioskCommand(&cfgPath, &asJSON))
	root.AddCommand(newStaffCommand(&cfgPath, &asJSON))
	root.AddCommand(newAdminCommand(&cfgPath, &asJSON))
	root.AddCommand(newLoginCommand(&cfgPath))
	root.AddCommand(newLogoutCommand(&cfgPath))
	root.AddCommand(newWhoamiCommand(&cfgPath, &asJSON))
	root.AddCommand(newHistoryCommand(&cfgPath, &asJSON))
	root.AddCommand(newReportCommand(&cfgPath))
	root.AddCommand(newPeakHoursCommand(&cfgPath, &asJSON))
	root.AddCommand(newBottlenecksCommand(&cfgPath, &asJSON))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := root.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, exitMessage(err))
		os.Exit(1)
	}
}

func exitMessage(err error) string {
	switch {
	case errors.Is(err, auth.ErrSessionExpired):
		return "session expired: please log in again"
	case errors.Is(err, errLoginRequired):
		return err.Error()
	default:
		return "error: " + err.Error()
	}
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}
