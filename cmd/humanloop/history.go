package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ent0n29/humanloop/internal/app"
	"github.com/ent0n29/humanloop/internal/interactions"
)

var historyFlags struct {
	typ       string
	pending   bool
	completed bool
	asJSON    bool
	out       string
	workspace string
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Inspect the interaction history",
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List questions and plan reviews, newest first",
	Run:   runHistoryList,
}

var historyShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print one interaction as Markdown or JSON",
	Args:  cobra.ExactArgs(1),
	Run:   runHistoryShow,
}

var historyExportCmd = &cobra.Command{
	Use:   "export <id>",
	Short: "Export a plan review to a Markdown file",
	Args:  cobra.ExactArgs(1),
	Run:   runHistoryExport,
}

var historyDeleteCmd = &cobra.Command{
	Use:   "delete <id>...",
	Short: "Delete interactions by id",
	Args:  cobra.MinimumNArgs(1),
	Run:   runHistoryDelete,
}

var historyClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every completed interaction",
	Run:   runHistoryClear,
}

func init() {
	historyListCmd.Flags().StringVar(&historyFlags.typ, "type", "", "filter by type (ask_user|plan_review)")
	historyListCmd.Flags().BoolVar(&historyFlags.pending, "pending", false, "only pending plan reviews")
	historyListCmd.Flags().BoolVar(&historyFlags.completed, "completed", false, "only completed interactions")
	historyListCmd.Flags().BoolVar(&historyFlags.asJSON, "json", false, "print JSON")
	historyShowCmd.Flags().BoolVar(&historyFlags.asJSON, "json", false, "print JSON")
	historyExportCmd.Flags().StringVarP(&historyFlags.out, "out", "o", "", "destination file")
	historyExportCmd.Flags().StringVar(&historyFlags.workspace, "workspace", "", "workspace root used when --out is empty")

	historyCmd.AddCommand(historyListCmd)
	historyCmd.AddCommand(historyShowCmd)
	historyCmd.AddCommand(historyExportCmd)
	historyCmd.AddCommand(historyDeleteCmd)
	historyCmd.AddCommand(historyClearCmd)
}

// withStores opens the configured state store for one CLI command.
func withStores(cmd *cobra.Command, fn func(ctx context.Context, stores *app.Stores) error) {
	cfg := loadConfig()
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()
	stores, err := app.OpenStores(ctx, cfg)
	if err != nil {
		log.Fatalf("%v", err)
	}
	defer stores.Close()
	if err := fn(ctx, stores); err != nil {
		// log.Fatalf skips deferred calls.
		_ = stores.Close()
		log.Fatalf("%s: %v", cmd.CommandPath(), err)
	}
}

func runHistoryList(cmd *cobra.Command, _ []string) {
	withStores(cmd, func(ctx context.Context, stores *app.Stores) error {
		var (
			records []interactions.Interaction
			err     error
		)
		switch {
		case historyFlags.pending:
			records, err = stores.Interactions.GetPendingPlanReviews(ctx)
		case historyFlags.completed:
			records, err = stores.Interactions.GetCompleted(ctx)
		case historyFlags.typ != "":
			records, err = stores.Interactions.GetByType(ctx, interactions.Type(historyFlags.typ))
		default:
			records, err = stores.Interactions.GetAll(ctx)
		}
		if err != nil {
			return err
		}
		if historyFlags.asJSON {
			return printJSON(cmd.OutOrStdout(), records)
		}
		if len(records) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No interactions recorded.")
			return nil
		}
		printInteractions(cmd.OutOrStdout(), records)
		return nil
	})
}

func printInteractions(out io.Writer, records []interactions.Interaction) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tWHEN\tSUMMARY")
	for _, rec := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			rec.ID,
			rec.Type,
			statusLabel(rec),
			rec.CreatedAt().Local().Format("2006-01-02 15:04"),
			summary(rec),
		)
	}
	_ = w.Flush()
}

func statusLabel(rec interactions.Interaction) string {
	switch {
	case rec.Type == interactions.TypeAskUser && rec.Cancelled:
		return color.YellowString("cancelled")
	case rec.Type == interactions.TypeAskUser && rec.Response != "":
		return color.GreenString("answered")
	case rec.Type == interactions.TypeAskUser:
		return color.New(color.Faint).Sprint("unanswered")
	case rec.Status == interactions.StatusPending:
		return color.CyanString("pending")
	case rec.Status == interactions.StatusApproved || rec.Status == interactions.StatusAcknowledged:
		return color.GreenString(string(rec.Status))
	case rec.Status == interactions.StatusRecreateWithChanges:
		return color.YellowString(string(rec.Status))
	default:
		return string(rec.Status)
	}
}

func summary(rec interactions.Interaction) string {
	text := rec.Title
	if text == "" {
		text = rec.Question
	}
	if text == "" {
		text = rec.Plan
	}
	text = strings.Join(strings.Fields(text), " ")
	if r := []rune(text); len(r) > 60 {
		text = string(r[:57]) + "..."
	}
	return text
}

func runHistoryShow(cmd *cobra.Command, args []string) {
	withStores(cmd, func(ctx context.Context, stores *app.Stores) error {
		rec, err := stores.Interactions.Get(ctx, args[0])
		if err != nil {
			return err
		}
		if historyFlags.asJSON || rec.Type != interactions.TypePlanReview {
			return printJSON(cmd.OutOrStdout(), rec)
		}
		fmt.Fprint(cmd.OutOrStdout(), interactions.RenderMarkdown(rec))
		return nil
	})
}

func runHistoryExport(cmd *cobra.Command, args []string) {
	withStores(cmd, func(ctx context.Context, stores *app.Stores) error {
		workspace := historyFlags.workspace
		if workspace == "" {
			workspace = loadConfig().WorkspaceRoot
		}
		path, err := stores.Interactions.ExportToFile(ctx, args[0], historyFlags.out, workspace)
		if err != nil {
			return err
		}
		color.Green("exported %s", path)
		return nil
	})
}

func runHistoryDelete(cmd *cobra.Command, args []string) {
	withStores(cmd, func(ctx context.Context, stores *app.Stores) error {
		n, err := stores.Interactions.DeleteMany(ctx, args)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %d of %d\n", n, len(args))
		return nil
	})
}

func runHistoryClear(cmd *cobra.Command, _ []string) {
	withStores(cmd, func(ctx context.Context, stores *app.Stores) error {
		n, err := stores.Interactions.ClearCompleted(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "cleared %d completed interactions\n", n)
		return nil
	})
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
