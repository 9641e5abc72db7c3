package cmd

import (
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/hazardsync/internal/tasks"
)

// tasksCmd represents the tasks command
var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List task kinds and configured tasks",
	Long: `List the built-in task kinds and, when a configuration loads, the tasks it
defines in run order.`,
	RunE: runTasks,
}

func init() {
	rootCmd.AddCommand(tasksCmd)
}

type configuredTask struct {
	Name    string `json:"name"`
	Kind    string `json:"kind"`
	Enabled bool   `json:"enabled"`
	Timeout string `json:"timeout,omitempty"`
}

func runTasks(cmd *cobra.Command, args []string) error {
	kinds := tasks.NewRegistry(tasks.Deps{}).Kinds()

	var configured []configuredTask
	cfg, cfgErr := loadConfig()
	if cfgErr == nil {
		for _, t := range cfg.Tasks {
			ct := configuredTask{Name: t.Name, Kind: t.Kind, Enabled: t.IsEnabled()}
			if t.Timeout > 0 {
				ct.Timeout = t.Timeout.String()
			}
			configured = append(configured, ct)
		}
	}

	if IsJSONOutput() {
		return printJSON(map[string]any{"kinds": kinds, "tasks": configured})
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Kind", "Description")
	for _, k := range kinds {
		table.Append(k.Kind, k.Description)
	}
	table.Render()

	if cfgErr != nil {
		fmt.Printf("\nNo configuration loaded: %v\n", cfgErr)
		return nil
	}
	if len(configured) == 0 {
		fmt.Println("\n--- No Tasks Configured ---")
		return nil
	}

	fmt.Println()
	table = tablewriter.NewWriter(os.Stdout)
	table.Header("#", "Task", "Kind", "Enabled", "Timeout")
	for i, t := range configured {
		enabled := "yes"
		if !t.Enabled {
			enabled = "no"
		}
		timeout := t.Timeout
		if timeout == "" {
			timeout = cfg.TaskTimeout.String() + " (default)"
		}
		table.Append(fmt.Sprintf("%d", i+1), t.Name, t.Kind, enabled, timeout)
	}
	table.Render()
	return nil
}
