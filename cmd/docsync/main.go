// Command docsync keeps a local library of scanned documents in sync with a
// remote document store.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/proscan/docsync/internal/config"
)

var (
	configFile string
	v          = config.New()
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "docsync",
	Short: "Offline-first sync for scanned documents",
	Long: `docsync keeps a local library of scanned documents and reconciles it with a
remote document store.

Documents are edited locally at any time, even offline. A sync cycle uploads
local changes, applies remote changes and reports documents that were edited
on both sides as conflicts.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(v, configFile)
		if err != nil {
			return err
		}
		cfg = loaded
		return nil
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "docs", Title: "Documents:"},
	)

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default ./docsync.yaml or ~/.config/docsync/docsync.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("remote", "", "remote backend (http, firestore, memory)")
	bindFlag(rootCmd, v, "log.level", "log-level")
	bindFlag(rootCmd, v, "remote.backend", "remote")
}

// bindFlag lets a flag override a config key when it is set explicitly.
func bindFlag(cmd *cobra.Command, v *viper.Viper, key, flag string) {
	if err := v.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(fmt.Sprintf("bind flag %s: %v", flag, err))
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
