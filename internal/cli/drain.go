package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/sheetsign/internal/queue"
)

var drainLimit int

var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Run one drain pass over due deferred jobs",
	Run:   runDrain,
}

var requeueCmd = &cobra.Command{
	Use:   "requeue-job <job-id>",
	Short: "Move a FAILED deferred job back to PENDING",
	Args:  cobra.ExactArgs(1),
	Run:   runRequeue,
}

func init() {
	drainCmd.Flags().IntVar(&drainLimit, "limit", queue.DefaultDrainLimit, "max jobs to process (capped at 200)")
	rootCmd.AddCommand(drainCmd)
	rootCmd.AddCommand(requeueCmd)
}

func runDrain(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	ctx := context.Background()
	app := newApp(ctx, cfg)
	defer app.Close()

	stats, err := app.Queue().Drain(ctx, queue.ClampLimit(drainLimit), time.Now().UTC())
	if err != nil {
		slog.Error("Drain failed", "error", err)
		os.Exit(1)
	}
	fmt.Printf("scanned=%d processed=%d succeeded=%d retried=%d failed=%d skipped=%d\n",
		stats.Scanned, stats.Processed, stats.Succeeded, stats.Retried, stats.Failed, stats.Skipped)
}

func runRequeue(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	ctx := context.Background()
	app := newApp(ctx, cfg)
	defer app.Close()

	if err := app.Queue().Requeue(ctx, args[0]); err != nil {
		slog.Error("Requeue failed", "jobID", args[0], "error", err)
		os.Exit(1)
	}
	slog.Info("Job requeued", "jobID", args[0])
}
