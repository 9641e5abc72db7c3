package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/hazardsync/internal/history"
)

var runsLimit int

// runsCmd represents the runs command
var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect run history",
	Long:  `Commands for listing, inspecting and deleting recorded runs.`,
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent runs",
	RunE:  runRunsList,
}

var runsShowCmd = &cobra.Command{
	Use:   "show <id|label>",
	Short: "Show one run with its task outcomes",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsShow,
}

var runsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a run record",
	Long:  `Delete a run from history. The run directory on disk is left alone; use prune for that.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsDelete,
}

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsDeleteCmd)

	runsListCmd.Flags().IntVar(&runsLimit, "limit", 20, "maximum number of runs to list")
}

func withHistory(fn func(ctx context.Context, store history.Store) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openHistory(cfg)
	if err != nil {
		return fmt.Errorf("failed to open run history: %w", err)
	}
	defer store.Close()
	return fn(context.Background(), store)
}

func runRunsList(cmd *cobra.Command, args []string) error {
	return withHistory(func(ctx context.Context, store history.Store) error {
		runs, err := store.ListRuns(ctx, runsLimit)
		if err != nil {
			return err
		}
		if IsJSONOutput() {
			return printJSON(runs)
		}
		if len(runs) == 0 {
			fmt.Println("No runs recorded")
			return nil
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.Header("ID", "Label", "State", "Started", "Tasks", "OK", "None", "Failed", "Layers")
		for _, r := range runs {
			table.Append(
				shortID(r.ID),
				r.Label,
				r.State,
				r.StartedAt.Local().Format("2006-01-02 15:04"),
				fmt.Sprintf("%d", r.TaskCount),
				fmt.Sprintf("%d", r.Succeeded),
				fmt.Sprintf("%d", r.NoResult),
				fmt.Sprintf("%d", r.Failed),
				fmt.Sprintf("%d", r.Layers),
			)
		}
		table.Render()
		fmt.Printf("\nTotal: %d run(s)\n", len(runs))
		return nil
	})
}

func runRunsShow(cmd *cobra.Command, args []string) error {
	return withHistory(func(ctx context.Context, store history.Store) error {
		r, err := store.GetRun(ctx, args[0])
		if err != nil {
			return err
		}
		if IsJSONOutput() {
			return printJSON(r)
		}

		fmt.Printf("Run:       %s\n", r.Label)
		fmt.Printf("ID:        %s\n", r.ID)
		fmt.Printf("State:     %s\n", r.State)
		fmt.Printf("Backend:   %s\n", r.Backend)
		fmt.Printf("Workspace: %s\n", r.WorkspaceRoot)
		fmt.Printf("Publish:   %s\n", r.PublishPath)
		fmt.Printf("Started:   %s\n", r.StartedAt.Local().Format(time.RFC3339))
		fmt.Printf("Runtime:   %v\n", r.FinishedAt.Sub(r.StartedAt).Round(time.Second))
		fmt.Printf("Layers:    %d\n", r.Layers)
		if r.Error != "" {
			fmt.Printf("Error:     %s\n", r.Error)
		}

		if len(r.Tasks) > 0 {
			fmt.Println()
			table := tablewriter.NewWriter(os.Stdout)
			table.Header("Task", "Outcome", "Runtime", "Detail")
			for _, t := range r.Tasks {
				detail := t.Error
				if detail == "" {
					detail = t.Result
				}
				table.Append(t.Task, t.Status, fmt.Sprintf("%.1fs", t.Duration), detail)
			}
			table.Render()
		}
		return nil
	})
}

func runRunsDelete(cmd *cobra.Command, args []string) error {
	return withHistory(func(ctx context.Context, store history.Store) error {
		if err := store.DeleteRun(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Deleted run %s\n", args[0])
		return nil
	})
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
