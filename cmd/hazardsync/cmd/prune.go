package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/hazardsync/internal/cleanup"
	"github.com/psantana5/hazardsync/internal/config"
)

var pruneDryRun bool

// pruneCmd represents the prune command
var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove old run directories",
	Long: `Apply the retention policy once: remove run directories older than
retention.max_age, always keeping the newest retention.keep_last runs, and
drop their history records.`,
	RunE: runPrune,
}

func init() {
	rootCmd.AddCommand(pruneCmd)

	pruneCmd.Flags().BoolVar(&pruneDryRun, "dry-run", false, "list what would be removed without deleting")
	pruneCmd.Flags().Duration("max-age", 0, "override retention.max_age")
	pruneCmd.Flags().Int("keep-last", 0, "override retention.keep_last")
}

func retentionConfig(cfg *config.Config) cleanup.Config {
	c := cleanup.DefaultConfig()
	c.MaxAge = cfg.Retention.MaxAge
	c.KeepLast = cfg.Retention.KeepLast
	c.Interval = cfg.Retention.Interval
	c.Enabled = cfg.Retention.Interval > 0
	return c
}

func runPrune(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rc := retentionConfig(cfg)
	rc.DryRun = pruneDryRun
	if cmd.Flags().Changed("max-age") {
		rc.MaxAge, _ = cmd.Flags().GetDuration("max-age")
	}
	if cmd.Flags().Changed("keep-last") {
		rc.KeepLast, _ = cmd.Flags().GetInt("keep-last")
	}

	log := newLogger(cfg)
	store, err := openHistory(cfg)
	if err != nil {
		log.Warn(fmt.Sprintf("Run history unavailable, records will be kept: %v", err))
		store = nil
	} else {
		defer store.Close()
	}

	m := cleanup.NewManager(rc, cfg.BaseDir, store, log)
	removed, err := m.PruneNow(context.Background())
	if err != nil {
		return err
	}

	if IsJSONOutput() {
		return printJSON(removed)
	}
	if len(removed) == 0 {
		fmt.Println("Nothing to prune")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Run", "Started", "Size")
	var total int64
	for _, r := range removed {
		table.Append(r.Label, r.StartedAt.Format("2006-01-02 15:04"), fmt.Sprintf("%.1f MiB", float64(r.SizeBytes)/(1<<20)))
		total += r.SizeBytes
	}
	table.Render()

	verb := "Removed"
	if pruneDryRun {
		verb = "Would remove"
	}
	fmt.Printf("\n%s %d run(s), %.1f MiB\n", verb, len(removed), float64(total)/(1<<20))
	return nil
}
