package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/proscan/docsync/internal/document"
	"github.com/proscan/docsync/internal/library"
	"github.com/proscan/docsync/internal/ui"
)

var docCmd = &cobra.Command{
	Use:     "doc",
	GroupID: "docs",
	Short:   "Manage documents in the local library",
	Long: `Create, list, edit and delete documents locally.

Every change is stored immediately and reaches the remote store on the next
sync cycle. Nothing here needs a network connection.`,
}

var docAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a document",
	Run: func(cmd *cobra.Command, args []string) {
		title, _ := cmd.Flags().GetString("title")
		id, _ := cmd.Flags().GetString("id")
		tags, _ := cmd.Flags().GetStringSlice("tag")
		format, _ := cmd.Flags().GetString("format")
		pages, _ := cmd.Flags().GetStringSlice("page")
		meta, _ := cmd.Flags().GetStringToString("meta")

		ctx := context.Background()
		a := mustOpen(ctx, false)
		defer a.Close()

		draft := library.Draft{ID: id, Title: title, Tags: tags, Format: format, Metadata: meta}
		for _, p := range pages {
			draft.Pages = append(draft.Pages, document.PageRef(p))
		}

		doc, err := a.lib.Create(ctx, draft)
		if err != nil {
			fatalf("failed to add document: %v", err)
		}
		if missing := a.assets.Missing(doc); len(missing) > 0 {
			fmt.Fprintf(os.Stderr, "%s %d page(s) not found under %s; upload will fail until they exist\n",
				ui.RenderWarn("⚠"), len(missing), a.cfg.Store.AssetsDir)
		}
		fmt.Printf("%s Added %s: %s\n", ui.RenderPass("✓"), ui.RenderAccent(doc.ID), doc.Title)
	},
}

var docImportCmd = &cobra.Command{
	Use:   "import <file.json>...",
	Short: "Import documents from JSON files",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		a := mustOpen(ctx, false)
		defer a.Close()

		failed := 0
		for _, path := range args {
			doc, err := a.lib.Import(ctx, path)
			if err != nil {
				fmt.Fprintf(os.Stderr, "%s %s: %v\n", ui.RenderFail("✗"), path, err)
				failed++
				continue
			}
			fmt.Printf("%s Imported %s: %s\n", ui.RenderPass("✓"), ui.RenderAccent(doc.ID), doc.Title)
		}
		if failed > 0 {
			_ = a.Close()
			os.Exit(1)
		}
	},
}

var docListCmd = &cobra.Command{
	Use:   "list",
	Short: "List documents",
	Long: `List documents in the local library.

--since accepts dates ("2026-03-01"), durations ("48h") and phrases such as
"yesterday" or "last week".`,
	Run: func(cmd *cobra.Command, args []string) {
		all, _ := cmd.Flags().GetBool("all")
		status, _ := cmd.Flags().GetString("status")
		tag, _ := cmd.Flags().GetString("tag")
		since, _ := cmd.Flags().GetString("since")
		asJSON, _ := cmd.Flags().GetBool("json")

		filter := library.Filter{IncludeDeleted: all, Tag: tag, Status: document.SyncStatus(status)}
		if status != "" && !validStatus(filter.Status) {
			fatalf("unknown status %q", status)
		}
		t, err := parseSince(since, time.Now())
		if err != nil {
			fatalf("%v", err)
		}
		filter.Since = t

		ctx := context.Background()
		a := mustOpen(ctx, false)
		defer a.Close()

		docs, err := a.lib.List(ctx, filter)
		if err != nil {
			fatalf("failed to list documents: %v", err)
		}

		if asJSON {
			printJSON(docs)
			return
		}
		if len(docs) == 0 {
			fmt.Println(ui.RenderMuted("No documents"))
			return
		}

		rows := make([][]string, 0, len(docs))
		for _, doc := range docs {
			title := doc.Title
			if doc.Deleted {
				title += " (deleted)"
			}
			rows = append(rows, []string{
				doc.ID,
				title,
				strconv.Itoa(doc.PageCount),
				string(doc.Status()),
				doc.UpdatedAt.Local().Format("2006-01-02 15:04"),
			})
		}
		fmt.Println(ui.Table([]string{"ID", "TITLE", "PAGES", "STATUS", "UPDATED"}, rows))
	},
}

var docShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a document and its sync state",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		a := mustOpen(ctx, false)
		defer a.Close()

		doc, err := a.lib.Get(ctx, args[0])
		if err != nil {
			fatalf("%v", err)
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			printJSON(doc)
			return
		}

		fmt.Printf("\n%s %s\n", ui.RenderAccent(doc.ID), doc.Title)
		fmt.Printf("   Status:   %s\n", ui.RenderStatus(doc.Status()))
		if len(doc.Tags) > 0 {
			fmt.Printf("   Tags:     %s\n", strings.Join(doc.Tags, ", "))
		}
		if doc.Format != "" {
			fmt.Printf("   Format:   %s\n", doc.Format)
		}
		fmt.Printf("   Pages:    %d\n", doc.PageCount)
		fmt.Printf("   Created:  %s\n", doc.CreatedAt.Local().Format(time.RFC1123))
		fmt.Printf("   Updated:  %s\n", doc.UpdatedAt.Local().Format(time.RFC1123))
		if !doc.SyncedAt.IsZero() {
			fmt.Printf("   Synced:   %s\n", doc.SyncedAt.Local().Format(time.RFC1123))
		}
		if doc.RemoteRevision != "" {
			fmt.Printf("   Revision: %s\n", doc.RemoteRevision)
		}
		if doc.Deleted {
			fmt.Printf("   %s\n", ui.RenderWarn("deleted"))
		}
		if doc.SyncError != "" {
			fmt.Printf("   Error:    %s\n", ui.RenderFail(doc.SyncError))
		} else if doc.RetryCount > 0 {
			fmt.Printf("   Retry:    attempt %d, next at %s\n", doc.RetryCount, doc.NextRetryAt.Local().Format(time.RFC1123))
		}
		fmt.Println()
	},
}

var docEditCmd = &cobra.Command{
	Use:   "edit <id>",
	Short: "Edit a document",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		flags := cmd.Flags()
		if !flags.Changed("title") && !flags.Changed("tag") && !flags.Changed("format") && !flags.Changed("meta") {
			fatalf("nothing to change; use --title, --tag, --format or --meta")
		}

		ctx := context.Background()
		a := mustOpen(ctx, false)
		defer a.Close()

		doc, err := a.lib.Update(ctx, args[0], func(doc *document.Document) error {
			if flags.Changed("title") {
				doc.Title, _ = flags.GetString("title")
			}
			if flags.Changed("tag") {
				doc.Tags, _ = flags.GetStringSlice("tag")
			}
			if flags.Changed("format") {
				doc.Format, _ = flags.GetString("format")
			}
			if flags.Changed("meta") {
				meta, _ := flags.GetStringToString("meta")
				if doc.Metadata == nil {
					doc.Metadata = make(map[string]string, len(meta))
				}
				for k, val := range meta {
					if val == "" {
						delete(doc.Metadata, k)
					} else {
						doc.Metadata[k] = val
					}
				}
			}
			return nil
		})
		if err != nil {
			fatalf("failed to edit %s: %v", args[0], err)
		}
		fmt.Printf("%s Updated %s (%s)\n", ui.RenderPass("✓"), ui.RenderAccent(doc.ID), doc.Status())
	},
}

var docRmCmd = &cobra.Command{
	Use:   "rm <id>...",
	Short: "Delete documents",
	Long: `Delete documents. The deletion reaches the remote store on the next sync;
until then the document is kept as a tombstone. Use 'docsync doc purge' to
remove reconciled tombstones for good.`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		a := mustOpen(ctx, false)
		defer a.Close()

		for _, id := range args {
			if err := a.lib.Delete(ctx, id); err != nil {
				fatalf("failed to delete %s: %v", id, err)
			}
			fmt.Printf("%s Deleted %s\n", ui.RenderPass("✓"), ui.RenderAccent(id))
		}
	},
}

var docPurgeCmd = &cobra.Command{
	Use:   "purge <id>...",
	Short: "Permanently remove deleted documents",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		a := mustOpen(ctx, false)
		defer a.Close()

		for _, id := range args {
			err := a.lib.Purge(ctx, id)
			switch {
			case errors.Is(err, library.ErrNotReconciled):
				fmt.Printf("%s %s: deletion not synced yet; run 'docsync sync' first\n", ui.RenderWarn("⚠"), id)
			case err != nil:
				fatalf("failed to purge %s: %v", id, err)
			default:
				fmt.Printf("%s Purged %s\n", ui.RenderPass("✓"), ui.RenderAccent(id))
			}
		}
	},
}

var docRetryCmd = &cobra.Command{
	Use:   "retry [id]...",
	Short: "Clear the error state of documents",
	Long: `Clear the retry state of documents so the next sync cycle picks them up.
Without arguments every document in the error state is reset.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		a := mustOpen(ctx, false)
		defer a.Close()

		ids := args
		if len(ids) == 0 {
			ids = a.tracker.IDs(document.StatusError)
		}
		if len(ids) == 0 {
			fmt.Println(ui.RenderMuted("No documents in error"))
			return
		}
		for _, id := range ids {
			doc, err := a.lib.ResetError(ctx, id)
			if err != nil {
				fatalf("failed to reset %s: %v", id, err)
			}
			fmt.Printf("%s Reset %s (%s)\n", ui.RenderPass("✓"), ui.RenderAccent(doc.ID), doc.Status())
		}
	},
}

func validStatus(s document.SyncStatus) bool {
	for _, status := range document.Statuses {
		if status == s {
			return true
		}
	}
	return false
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fatalf("failed to encode output: %v", err)
	}
}

func init() {
	docAddCmd.Flags().StringP("title", "t", "", "Document title (required)")
	docAddCmd.Flags().String("id", "", "Document id (default: generated)")
	docAddCmd.Flags().StringSlice("tag", nil, "Tag (repeatable)")
	docAddCmd.Flags().String("format", "", "Page format, e.g. a4")
	docAddCmd.Flags().StringSlice("page", nil, "Page asset, relative to store.assets_dir (repeatable, in order)")
	docAddCmd.Flags().StringToString("meta", nil, "Metadata key=value pairs")
	_ = docAddCmd.MarkFlagRequired("title")

	docListCmd.Flags().BoolP("all", "a", false, "Include deleted documents")
	docListCmd.Flags().String("status", "", "Only documents with this sync status")
	docListCmd.Flags().String("tag", "", "Only documents with this tag")
	docListCmd.Flags().String("since", "", "Only documents updated since (e.g. yesterday, 48h, 2026-03-01)")
	docListCmd.Flags().Bool("json", false, "Output JSON")

	docShowCmd.Flags().Bool("json", false, "Output JSON")

	docEditCmd.Flags().StringP("title", "t", "", "New title")
	docEditCmd.Flags().StringSlice("tag", nil, "Replace tags (repeatable)")
	docEditCmd.Flags().String("format", "", "New page format")
	docEditCmd.Flags().StringToString("meta", nil, "Set metadata key=value; an empty value removes the key")

	docCmd.AddCommand(docAddCmd, docImportCmd, docListCmd, docShowCmd, docEditCmd, docRmCmd, docPurgeCmd, docRetryCmd)
	rootCmd.AddCommand(docCmd)
}
