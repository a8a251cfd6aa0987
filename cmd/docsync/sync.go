package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/proscan/docsync/internal/document"
	"github.com/proscan/docsync/internal/syncer"
	"github.com/proscan/docsync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Run one sync cycle",
	Long: `Reconcile the local library with the remote store.

A cycle uploads local changes, applies remote changes since the last cycle
and records conflicts. Failed documents are retried with exponential backoff
by later cycles.

Flags:
  --full           list the whole remote collection and ignore retry backoff
  --replace-local  let every version reported by the remote store win`,
	Run: func(cmd *cobra.Command, args []string) {
		full, _ := cmd.Flags().GetBool("full")
		replace, _ := cmd.Flags().GetBool("replace-local")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		a := mustOpen(ctx, true)
		defer a.Close()

		fmt.Printf("%s Syncing with the %s store...\n", ui.RenderAccent("🔄"), a.cfg.Remote.Backend)
		res, err := a.orch.Trigger(ctx, syncer.Options{ForceFullSync: full, ReplaceLocal: replace})
		if res != nil {
			printResult(res)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		if err != nil || res.Outcome == syncer.Failure {
			_ = a.Close()
			os.Exit(1)
		}
	},
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show sync status of the library",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		a := mustOpen(ctx, false)
		defer a.Close()

		stats := a.tracker.Statistics()
		count, _ := a.db.Count(ctx)
		cursor, _ := a.db.Cursor(ctx)

		fmt.Printf("\n%s\n", ui.RenderAccent("Library"))
		fmt.Printf("   Store:     %s (%d documents)\n", a.db.Path(), count)
		fmt.Printf("   Remote:    %s\n", a.cfg.Remote.Backend)
		if cursor == "" {
			fmt.Printf("   Cursor:    %s\n", ui.RenderMuted("never synced"))
		} else {
			fmt.Printf("   Cursor:    %s\n", cursor)
		}

		fmt.Printf("\n%s %.0f%% synced\n", ui.RenderAccent("Status"), stats.SyncPercentage)
		for _, status := range document.Statuses {
			if n := stats.Count(status); n > 0 {
				fmt.Printf("   %-16s %d\n", ui.RenderStatus(status), n)
			}
		}
		if stats.Total == 0 {
			fmt.Printf("   %s\n", ui.RenderMuted("no documents"))
		}
		fmt.Println()
	},
}

func printResult(res *syncer.Result) {
	elapsed := res.Duration.Round(time.Millisecond)
	switch res.Outcome {
	case syncer.Success:
		fmt.Printf("%s Sync complete in %v: %s\n", ui.RenderPass("✓"), elapsed, res.Message)
	case syncer.PartialFailure:
		fmt.Printf("%s Sync partially failed in %v: %s\n", ui.RenderWarn("⚠"), elapsed, res.Message)
	default:
		fmt.Printf("%s Sync failed: %s\n", ui.RenderFail("✗"), res.Message)
	}

	for _, f := range res.Failures {
		next := "gave up; run 'docsync doc retry " + f.ID + "'"
		if f.Retrying {
			next = "will retry"
		}
		fmt.Printf("   %s %s (attempt %d, %s): %v\n", ui.RenderAccent(f.ID), f.Action, f.RetryCount, next, f.Err)
	}
	if res.ConflictCount > 0 {
		fmt.Printf("   Run 'docsync conflicts list' to review %d conflict(s)\n", res.ConflictCount)
	}
}

func init() {
	syncCmd.Flags().Bool("full", false, "List the whole remote collection and ignore retry backoff")
	syncCmd.Flags().Bool("replace-local", false, "Let remote versions win over local edits")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
}
