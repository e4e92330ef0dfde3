package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/recall/internal/app"
)

var (
	ingestConversation string
	ingestMetadata     []string
)

func init() {
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(deleteCmd)

	ingestCmd.Flags().StringVar(&ingestConversation, "conversation", "", "conversation the documents belong to")
	ingestCmd.Flags().StringSliceVar(&ingestMetadata, "meta", nil, "extra metadata as key=value (repeatable)")
}

// ingestCmd indexes files
var ingestCmd = &cobra.Command{
	Use:   "ingest <file>...",
	Short: "Index one or more documents",
	Long: `Load, scrub and index documents. Text, Markdown, CSV, JSON, log and HTML
files are supported. Re-ingesting a file replaces its previous version.

Examples:
  # Index two files
  recall ingest notes.md report.html

  # Attach them to a conversation
  recall ingest --conversation c-42 meeting.txt`,
	Args: cobra.MinimumNArgs(1),
	RunE: runIngest,
}

// deleteCmd removes a document
var deleteCmd = &cobra.Command{
	Use:   "delete <document-id>",
	Short: "Remove a document and all of its chunks",
	Args:  cobra.ExactArgs(1),
	RunE:  runDelete,
}

func runIngest(cmd *cobra.Command, args []string) error {
	overrides, err := parseKeyValues(ingestMetadata)
	if err != nil {
		return err
	}
	if ingestConversation != "" {
		overrides["conversation_id"] = ingestConversation
	}

	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		failed := 0
		for _, path := range args {
			id, err := a.Session().IngestDocument(ctx, path, overrides)
			if err != nil {
				failed++
				cmd.PrintErrf("%s: %v\n", path, err)
				continue
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", id, path)
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d documents failed", failed, len(args))
		}
		return nil
	})
}

func runDelete(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		removed, err := a.Session().DeleteDocument(ctx, args[0])
		if err != nil {
			return err
		}
		if !removed {
			return fmt.Errorf("document %s not found", args[0])
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
		return nil
	})
}

// parseKeyValues turns key=value pairs into a map. Values that parse as
// booleans or numbers keep that type.
func parseKeyValues(pairs []string) (map[string]any, error) {
	out := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid key=value pair %q", p)
		}
		out[k] = typedValue(v)
	}
	return out, nil
}
