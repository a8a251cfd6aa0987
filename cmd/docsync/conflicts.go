package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/proscan/docsync/internal/document"
	"github.com/proscan/docsync/internal/library"
	"github.com/proscan/docsync/internal/ui"
)

var conflictsCmd = &cobra.Command{
	Use:     "conflicts",
	GroupID: "sync",
	Short:   "Review documents edited both locally and remotely",
	Long: `A conflict is a document that was edited locally while a newer version
reached the remote store. Conflicts are never merged automatically: choose
the local version (uploaded on the next sync) or the remote one (downloaded
on the next sync).`,
}

var conflictsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List documents in conflict",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		a := mustOpen(ctx, false)
		defer a.Close()

		docs, err := a.lib.List(ctx, library.Filter{Status: document.StatusConflict, IncludeDeleted: true})
		if err != nil {
			fatalf("failed to list conflicts: %v", err)
		}
		if len(docs) == 0 {
			fmt.Printf("%s No conflicts\n", ui.RenderPass("✓"))
			return
		}

		fmt.Printf("\n%s %d document(s) in conflict\n\n", ui.RenderWarn("⚠"), len(docs))
		for _, doc := range docs {
			fmt.Printf("   %s %s\n", ui.RenderAccent(doc.ID), doc.Title)
			fmt.Printf("      local edit %s, remote revision %s\n",
				doc.UpdatedAt.Local().Format(time.RFC1123), doc.PendingRemoteRevision)
		}
		fmt.Printf("\nRun 'docsync conflicts resolve <id>' to choose a side\n\n")
	},
}

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve [id]...",
	Short: "Choose the winning side of conflicts",
	Long: `Resolve conflicts. Without --keep each document is resolved interactively.
Without ids every document in conflict is offered.`,
	Run: func(cmd *cobra.Command, args []string) {
		keep, _ := cmd.Flags().GetString("keep")
		if keep != "" && keep != "local" && keep != "remote" {
			fatalf("--keep must be local or remote")
		}
		if keep == "" && !ui.IsTerminal(os.Stdin) {
			fatalf("not a terminal; pass --keep local or --keep remote")
		}

		ctx := context.Background()
		a := mustOpen(ctx, false)
		defer a.Close()

		ids := args
		if len(ids) == 0 {
			ids = a.tracker.IDs(document.StatusConflict)
		}
		if len(ids) == 0 {
			fmt.Printf("%s No conflicts\n", ui.RenderPass("✓"))
			return
		}

		for _, id := range ids {
			doc, err := a.lib.Get(ctx, id)
			if err != nil {
				fatalf("%v", err)
			}

			choice := keep
			if choice == "" {
				if choice, err = askSide(doc); err != nil {
					fatalf("%v", err)
				}
			}
			if choice == "skip" {
				fmt.Printf("   Skipped %s\n", ui.RenderAccent(id))
				continue
			}

			side := library.KeepLocal
			if choice == "remote" {
				side = library.KeepRemote
			}
			if _, err := a.lib.ResolveConflict(ctx, id, side); err != nil {
				if errors.Is(err, library.ErrNoConflict) {
					fmt.Printf("%s %s is not in conflict\n", ui.RenderWarn("⚠"), ui.RenderAccent(id))
					continue
				}
				fatalf("failed to resolve %s: %v", id, err)
			}
			fmt.Printf("%s Kept the %s version of %s; run 'docsync sync' to apply\n", ui.RenderPass("✓"), side, ui.RenderAccent(id))
		}
	},
}

func askSide(doc *document.Document) (string, error) {
	var choice string
	form := huh.NewForm(huh.NewGroup(
		huh.NewSelect[string]().
			Title(fmt.Sprintf("%s: %s", doc.ID, doc.Title)).
			Description(fmt.Sprintf("Edited locally %s; remote revision %s is newer than the last sync.",
				doc.UpdatedAt.Local().Format(time.RFC1123), doc.PendingRemoteRevision)).
			Options(
				huh.NewOption("Keep my local version", "local"),
				huh.NewOption("Take the remote version", "remote"),
				huh.NewOption("Decide later", "skip"),
			).
			Value(&choice),
	))
	if err := form.Run(); err != nil {
		return "", fmt.Errorf("conflict prompt: %w", err)
	}
	return choice, nil
}

func init() {
	conflictsResolveCmd.Flags().String("keep", "", "Resolve without prompting: local or remote")

	conflictsCmd.AddCommand(conflictsListCmd, conflictsResolveCmd)
	rootCmd.AddCommand(conflictsCmd)
}
