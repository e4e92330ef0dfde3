package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/recall/internal/app"
	"github.com/fyrsmithlabs/recall/internal/metadata"
	"github.com/fyrsmithlabs/recall/internal/session"
)

var (
	queryConversation string
	queryStrict       bool
	queryRecent       bool
	queryTopK         int
	queryMaxTokens    int
	queryFilters      []string
	jsonOutput        bool
)

func init() {
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(healthCmd)

	queryCmd.Flags().StringVar(&queryConversation, "conversation", "", "prefer documents from this conversation")
	queryCmd.Flags().BoolVar(&queryStrict, "strict", false, "only return documents from --conversation")
	queryCmd.Flags().BoolVar(&queryRecent, "recent", false, "favor recently uploaded documents")
	queryCmd.Flags().IntVarP(&queryTopK, "top-k", "k", 0, "maximum results (default from config)")
	queryCmd.Flags().IntVar(&queryMaxTokens, "max-tokens", 0, "token budget for the context (default from config)")
	queryCmd.Flags().StringSliceVar(&queryFilters, "filter", nil, "metadata filter as key=value (repeatable)")

	for _, c := range []*cobra.Command{queryCmd, statsCmd, healthCmd} {
		c.Flags().BoolVar(&jsonOutput, "json", false, "print JSON")
	}
}

// queryCmd selects context for a query
var queryCmd = &cobra.Command{
	Use:   "query <text>",
	Short: "Select the most relevant context for a query",
	Long: `Search the index tier by tier: the conversation first, then recent
uploads, then everything, and return the best chunks within the token
budget.

Examples:
  recall query "what did we decide about pricing"
  recall query --conversation c-42 --strict "action items"
  recall query --filter filename=notes.md --json "deadline"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runQuery,
}

// statsCmd prints index statistics
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show index and embedding statistics",
	Args:  cobra.NoArgs,
	RunE:  runStats,
}

// healthCmd checks component health
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check store and embedding health",
	Args:  cobra.NoArgs,
	RunE:  runHealth,
}

func runQuery(cmd *cobra.Command, args []string) error {
	if queryStrict && queryConversation == "" {
		return fmt.Errorf("--strict requires --conversation")
	}
	filters, err := parseKeyValues(queryFilters)
	if err != nil {
		return err
	}

	req := session.QueryRequest{
		Text:            strings.Join(args, " "),
		TopK:            queryTopK,
		ConversationID:  queryConversation,
		Filters:         filters,
		MaxTokens:       queryMaxTokens,
		StrictIsolation: queryStrict,
		RecentUploads:   queryRecent,
	}

	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		res, err := a.Session().Query(ctx, req)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd, res)
		}
		if len(res.Sources) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No matching context.")
			return nil
		}
		for i, src := range res.Sources {
			fmt.Fprintf(cmd.OutOrStdout(), "[%d] %.3f %s (%s) %s\n", i+1, src.Score, src.Metadata.GetString(metadata.KeyFilename), src.Tier, src.ChunkID)
			fmt.Fprintln(cmd.OutOrStdout(), indent(src.Content))
		}
		fmt.Fprintf(cmd.OutOrStdout(), "\n%d results, %d tokens, served by %s\n", len(res.Sources), res.Trace.TokensUsed, res.ServedBy)
		return nil
	})
}

func runStats(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		stats, err := a.Session().GetStats(ctx)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd, stats)
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "Documents:\t%d\n", stats.DocumentsIndexed)
		fmt.Fprintf(w, "Chunks:\t%d\n", stats.ChunksIndexed)
		fmt.Fprintf(w, "Conversations:\t%d\n", stats.ConversationsTracked)
		fmt.Fprintf(w, "Backend:\t%s (%s)\n", stats.Backend, stats.ServedBy)
		if stats.StorageDir != "" {
			fmt.Fprintf(w, "Storage:\t%s\n", stats.StorageDir)
		}
		fmt.Fprintf(w, "Model:\t%s (%d dims)\n", stats.EmbeddingModel, stats.Dimension)
		fmt.Fprintf(w, "Cache hit rate:\t%.1f%%\n", stats.CacheHitRate*100)
		fmt.Fprintf(w, "Fallback embeddings:\t%d\n", stats.FallbackEmbeddings)
		if !stats.LastUpdated.IsZero() {
			fmt.Fprintf(w, "Last updated:\t%s\n", stats.LastUpdated.Format(time.RFC3339))
		}
		if stats.Salvage != nil {
			fmt.Fprintf(w, "Salvage mode:\t%s\n", stats.Salvage.Reason)
		}
		return w.Flush()
	})
}

func runHealth(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		h, err := a.Session().HealthCheck(ctx)
		if err != nil {
			return err
		}
		if jsonOutput {
			if err := printJSON(cmd, h); err != nil {
				return err
			}
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "Status: %s\n", h.Status)
			for _, name := range []string{session.ComponentWorker, session.ComponentVectorStore, session.ComponentEmbeddings} {
				c, ok := h.Components[name]
				if !ok {
					continue
				}
				if c.Message != "" {
					fmt.Fprintf(cmd.OutOrStdout(), "  %-12s %s (%s)\n", name, c.Status, c.Message)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "  %-12s %s\n", name, c.Status)
				}
			}
		}
		if h.Status == session.StatusUnhealthy {
			return fmt.Errorf("recall is unhealthy")
		}
		return nil
	})
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func indent(s string) string {
	return "    " + strings.ReplaceAll(strings.TrimSpace(s), "\n", "\n    ")
}

// typedValue keeps booleans and numbers typed so filters compare them
// numerically.
func typedValue(s string) any {
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}
