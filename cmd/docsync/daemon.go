package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/proscan/docsync/internal/daemon"
	"github.com/proscan/docsync/internal/dashboard"
	"github.com/proscan/docsync/internal/syncer"
	"github.com/proscan/docsync/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Sync in the background until interrupted",
	Long: `Run the sync daemon in the foreground.

The daemon:
  1. Imports document files dropped into the inbox directory
  2. Runs a sync cycle at start, after imports and every sync.interval
  3. Syncs as soon as the remote store is reachable again
  4. Retries failed documents when their backoff expires

With --dashboard (or dashboard.enabled) it also serves live status:
  ws://localhost:8080/ws      document events and statistics
  http://localhost:8080/stats tracker statistics
  POST /sync                  run a cycle now
  /metrics                    Prometheus metrics`,
	Run: func(cmd *cobra.Command, args []string) {
		if cmd.Flags().Changed("dashboard") {
			cfg.Dashboard.Enabled, _ = cmd.Flags().GetBool("dashboard")
		}
		if cmd.Flags().Changed("port") {
			cfg.Dashboard.Port, _ = cmd.Flags().GetInt("port")
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		a := mustOpen(ctx, true)
		defer a.Close()

		var onResult func(*syncer.Result)
		if cfg.Dashboard.Enabled {
			server, err := dashboard.NewServer(&dashboard.Config{
				Port:     cfg.Dashboard.Port,
				Stats:    a.orch,
				Syncer:   a.orch,
				Gatherer: a.registry,
				Logger:   a.logger,
			})
			if err != nil {
				fatalf("%v", err)
			}
			handler := dashboard.NewHandler(server, a.logger)
			server.OnSync(handler.OnSyncComplete)
			onResult = handler.OnSyncComplete

			if err := server.Start(); err != nil {
				fatalf("failed to start dashboard: %v", err)
			}
			defer server.Stop()
			go handler.Run(ctx, a.bus.Subscribe())

			fmt.Printf("%s Dashboard on http://%s (WebSocket /ws)\n", ui.RenderAccent("📡"), server.GetAddr())
		}

		d, err := daemon.New(a.orch, a.lib, &daemon.Config{
			InboxDir:         cfg.Inbox.Dir,
			SyncInterval:     cfg.Sync.Interval,
			DebounceInterval: cfg.Inbox.Debounce,
			Connectivity:     a.conn,
			ProbeInterval:    cfg.Sync.ConnectivityProbe,
			OnResult: func(res *syncer.Result) {
				a.logger.Infow("sync finished", "outcome", res.Outcome, "message", res.Message)
				if onResult != nil {
					onResult(res)
				}
			},
			Logger: a.logger,
		})
		if err != nil {
			fatalf("%v", err)
		}

		fmt.Printf("%s Daemon started (inbox %s, interval %v)\n", ui.RenderPass("✓"), cfg.Inbox.Dir, cfg.Sync.Interval)
		fmt.Println("Press Ctrl+C to stop...")

		if err := d.Start(ctx); err != nil {
			fatalf("%v", err)
		}
		fmt.Println("\nDaemon stopped")
	},
}

func init() {
	daemonCmd.Flags().Bool("dashboard", false, "Serve the live status dashboard")
	daemonCmd.Flags().IntP("port", "p", 8080, "Dashboard port")

	rootCmd.AddCommand(daemonCmd)
}
