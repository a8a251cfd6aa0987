package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/proscan/docsync/internal/loadtest"
	"github.com/proscan/docsync/internal/logging"
	"github.com/proscan/docsync/internal/ui"
)

var loadtestCmd = &cobra.Command{
	Use:   "loadtest",
	Short: "Simulate several devices syncing against one remote store",
	Long: `Simulate devices that create and delete documents concurrently and sync
against a shared in-memory remote store, then check that every device holds
the same documents as the remote.

Each device gets its own SQLite store in a temporary directory; your
configured store and remote are not touched.

Examples:
  docsync loadtest
  docsync loadtest --devices 10 --docs 200 --rounds 5
  docsync loadtest --json`,
	GroupID: "sync",
	Run:     runLoadtest,
}

func init() {
	loadtestCmd.Flags().Int("devices", 5, "Number of simulated devices")
	loadtestCmd.Flags().Int("docs", 50, "Documents created per device")
	loadtestCmd.Flags().Int("rounds", 5, "Create-then-sync rounds per device")
	loadtestCmd.Flags().Float64("delete", 0.2, "Share of its documents each device deletes (0.0-1.0)")
	loadtestCmd.Flags().Bool("json", false, "Output the report as JSON")
	rootCmd.AddCommand(loadtestCmd)
}

func runLoadtest(cmd *cobra.Command, args []string) {
	devices, _ := cmd.Flags().GetInt("devices")
	docs, _ := cmd.Flags().GetInt("docs")
	rounds, _ := cmd.Flags().GetInt("rounds")
	deletePct, _ := cmd.Flags().GetFloat64("delete")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	dir, err := os.MkdirTemp("", "docsync-loadtest-")
	if err != nil {
		fatalf("%v", err)
	}
	defer os.RemoveAll(dir)

	logger, closeLog, err := logging.New(cfg.Log, os.Stderr)
	if err != nil {
		fatalf("%v", err)
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if !jsonOutput {
		fmt.Printf("Simulating %d devices, %d documents each, %d rounds, %.0f%% deleted\n\n",
			devices, docs, rounds, deletePct*100)
	}

	report, err := loadtest.Run(ctx, loadtest.Config{
		Dir:            dir,
		Devices:        devices,
		DocsPerDevice:  docs,
		Rounds:         rounds,
		DeletePct:      deletePct,
		MaxConcurrency: cfg.Sync.MaxConcurrency,
		Logger:         logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.RemoveAll(dir)
		os.Exit(1)
	}

	if jsonOutput {
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			fatalf("%v", err)
		}
		fmt.Println(string(data))
	} else {
		report.Print(os.Stdout)
		fmt.Println()
		if report.Converged {
			fmt.Printf("%s All devices converged\n", ui.RenderPass("✓"))
		} else {
			fmt.Printf("%s Devices did not converge\n", ui.RenderFail("✗"))
		}
	}

	if !report.Converged {
		os.RemoveAll(dir)
		os.Exit(1)
	}
}
