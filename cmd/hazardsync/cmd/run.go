package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/hazardsync/internal/config"
	"github.com/psantana5/hazardsync/internal/orchestrator"
	"github.com/psantana5/hazardsync/internal/report"
	"github.com/psantana5/hazardsync/internal/runner"
	"github.com/psantana5/hazardsync/internal/tasks"
	"github.com/psantana5/hazardsync/internal/workspace"
	"github.com/psantana5/hazardsync/pkg/shutdown"
)

var (
	runLabel  string
	runTag    string
	runOnly   []string
	runPlan   bool
	runStrict bool
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a hazard update",
	Long: `Provision a new run workspace, run every enabled task in configured order,
harvest loose artifacts into the processing container and publish.

A failing task never stops the run. The command fails only when the run
could not start (workspace provisioning, invalid task configuration), or
with --strict when any task failed.`,
	RunE: runRunCmd,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&runLabel, "label", "", "run label (default HazardUpdates_<YYYYMMDD_HHMM>)")
	runCmd.Flags().StringVar(&runTag, "tag", "", "suffix appended to the generated run label")
	runCmd.Flags().StringSliceVar(&runOnly, "only", nil, "run only the named tasks, even if disabled in the config")
	runCmd.Flags().BoolVar(&runPlan, "plan", false, "print the workspace plan and selected tasks without running")
	runCmd.Flags().BoolVar(&runStrict, "strict", false, "exit non-zero when any task failed")
}

// selectTasks applies --only: the named tasks in configured order, forced
// enabled
func selectTasks(all []config.TaskConfig, only []string) ([]config.TaskConfig, error) {
	if len(only) == 0 {
		return all, nil
	}
	want := make(map[string]bool, len(only))
	for _, n := range only {
		want[strings.ToLower(strings.TrimSpace(n))] = true
	}
	on := true
	var out []config.TaskConfig
	for _, t := range all {
		key := strings.ToLower(t.Name)
		if !want[key] {
			continue
		}
		t.Enabled = &on
		out = append(out, t)
		delete(want, key)
	}
	if len(want) > 0 {
		var missing []string
		for n := range want {
			missing = append(missing, n)
		}
		return nil, fmt.Errorf("unknown task(s): %s", strings.Join(missing, ", "))
	}
	return out, nil
}

func runRunCmd(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := newLogger(cfg)

	selected, err := selectTasks(cfg.Tasks, runOnly)
	if err != nil {
		return err
	}
	built, err := tasks.NewRegistry(tasks.Deps{}).Build(selected)
	if err != nil {
		return err
	}

	if runPlan {
		return printPlan(cfg, built)
	}

	sd := shutdown.New(30*time.Second, log)
	ctx, cancel := sd.Context(context.Background())
	defer cancel()

	tracer, err := initTracing(cfg)
	if err != nil {
		return err
	}
	sd.Register("tracing", tracer.Shutdown)

	deps := orchestrator.Deps{Tracer: tracer, Metrics: report.NewMetrics()}
	if store, err := openHistory(cfg); err != nil {
		log.Warn(fmt.Sprintf("Run history unavailable: %v", err))
	} else {
		deps.History = store
		sd.Register("history", shutdown.CloseResource(store))
	}

	orch, err := newOrchestrator(cfg, deps, runLabel, runTag)
	if err != nil {
		return err
	}
	summary, runErr := orch.Run(ctx, built)
	sd.Shutdown()
	if runErr != nil {
		return runErr
	}

	if IsJSONOutput() {
		if err := printJSON(summary); err != nil {
			return err
		}
	} else {
		printSummary(summary)
	}

	if runStrict && summary.Counts.Failure > 0 {
		return fmt.Errorf("%d of %d task(s) failed", summary.Counts.Failure, summary.Counts.Total)
	}
	return nil
}

func printSummary(s *report.Summary) {
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Task", "Outcome", "Runtime", "Detail")
	for _, o := range s.Outcomes {
		detail := o.Error
		if detail == "" && o.Value != nil {
			detail = fmt.Sprint(o.Value)
		}
		if len(detail) > 60 {
			detail = detail[:57] + "..."
		}
		table.Append(o.Task, string(o.Status), o.Duration.Round(time.Millisecond).String(), detail)
	}
	table.Render()

	fmt.Printf("\nRun %s finished in state %s\n", s.Label, s.State)
	fmt.Printf("Tasks: %d succeeded, %d without result, %d failed\n", s.Counts.Success, s.Counts.None, s.Counts.Failure)
	fmt.Printf("Published %d layer(s) to %s\n", s.Published, s.PublishPath)
}

func printPlan(cfg *config.Config, built []runner.Task) error {
	mgr := workspace.NewManager(cfg.WorkspaceOptions(cfg.Capabilities()))
	label := runLabel
	if label == "" {
		tag := runTag
		if tag == "" {
			tag = cfg.RunTag
		}
		label = mgr.NextLabel(tag)
	}
	ws := mgr.Plan(cfg.BaseDir, label)

	type planTask struct {
		Name    string `json:"name"`
		Kind    string `json:"kind"`
		Timeout string `json:"timeout"`
	}
	plan := struct {
		Label          string     `json:"label"`
		Root           string     `json:"root"`
		ProcessingPath string     `json:"processing_path"`
		PublishPath    string     `json:"publish_path"`
		NativeFallback bool       `json:"native_fallback"`
		Tasks          []planTask `json:"tasks"`
	}{
		Label:          ws.Label,
		Root:           ws.Root,
		ProcessingPath: ws.ProcessingPath,
		PublishPath:    ws.PublishPath,
		NativeFallback: ws.NativeFallback,
	}
	for _, t := range built {
		timeout := cfg.TaskTimeout
		if t.Timeout > 0 {
			timeout = t.Timeout
		}
		plan.Tasks = append(plan.Tasks, planTask{Name: t.Name, Kind: t.Kind, Timeout: timeout.String()})
	}

	if IsJSONOutput() {
		return printJSON(plan)
	}

	fmt.Printf("Run:        %s\n", plan.Label)
	fmt.Printf("Root:       %s\n", plan.Root)
	fmt.Printf("Processing: %s\n", plan.ProcessingPath)
	fmt.Printf("Publish:    %s\n", plan.PublishPath)
	if plan.NativeFallback {
		fmt.Println("Native backend preferred but unavailable; using package")
	}
	fmt.Println()

	if len(plan.Tasks) == 0 {
		fmt.Println("--- No Tasks Selected ---")
		return nil
	}
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("#", "Task", "Kind", "Timeout")
	for i, t := range plan.Tasks {
		table.Append(fmt.Sprintf("%d", i+1), t.Name, t.Kind, t.Timeout)
	}
	table.Render()
	return nil
}
