package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vietddude/sheetsign/internal/core/domain"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sheet and deferred job counts by status",
	Run:   runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	ctx := context.Background()
	app := newApp(ctx, cfg)
	defer app.Close()

	sheets, err := app.Sheets().CountByStatus(ctx)
	if err != nil {
		slog.Error("Failed to count sheets", "error", err)
		os.Exit(1)
	}
	jobs, err := app.Queue().Counts(ctx)
	if err != nil {
		slog.Error("Failed to count jobs", "error", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "KIND\tSTATUS\tCOUNT")
	for _, s := range []domain.SheetStatus{
		domain.SheetStatusDraft,
		domain.SheetStatusPendingCounterparty,
		domain.SheetStatusSigned,
		domain.SheetStatusExpired,
	} {
		_, _ = fmt.Fprintf(w, "sheet\t%s\t%d\n", s, sheets[s])
	}
	for _, s := range []domain.JobStatus{
		domain.JobStatusPending,
		domain.JobStatusProcessing,
		domain.JobStatusDone,
		domain.JobStatusFailed,
	} {
		_, _ = fmt.Fprintf(w, "job\t%s\t%d\n", s, jobs[s])
	}
	_ = w.Flush()
}
