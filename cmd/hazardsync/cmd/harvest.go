package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/hazardsync/internal/harvest"
	"github.com/psantana5/hazardsync/pkg/container"
)

// harvestCmd represents the harvest command
var harvestCmd = &cobra.Command{
	Use:   "harvest <root> <container>",
	Short: "Import loose artifacts under a directory into a container",
	Long: `Walk root for shapefiles, GeoJSON files and native containers and import
every layer they hold into the target container, which is created if absent.
The backend of the target follows its extension.`,
	Args: cobra.ExactArgs(2),
	RunE: runHarvest,
}

func init() {
	rootCmd.AddCommand(harvestCmd)
}

func runHarvest(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	fallback, err := cfg.FallbackCRS()
	if err != nil {
		return err
	}
	root, target := args[0], args[1]

	backend, ok := container.BackendForPath(target)
	if !ok {
		return fmt.Errorf("cannot infer backend of %s", target)
	}
	caps := cfg.Capabilities()
	dst, err := container.Create(target, backend, caps)
	if err != nil {
		return err
	}
	defer dst.Close()

	h := harvest.New(harvest.Options{
		Filter:       harvestFilter(cfg),
		FallbackCRS:  fallback,
		Capabilities: caps,
	}, newLogger(cfg))
	rep, err := h.Harvest(context.Background(), root, dst)
	if err != nil {
		return err
	}

	if IsJSONOutput() {
		return printJSON(harvestJSON(rep))
	}

	if len(rep.Imported) > 0 {
		table := tablewriter.NewWriter(os.Stdout)
		table.Header("Layer", "Features", "Source")
		for _, l := range rep.Imported {
			table.Append(l.Layer, fmt.Sprintf("%d", l.Features), l.Source)
		}
		table.Render()
	}
	if len(rep.Failed) > 0 {
		fmt.Println("\n--- Failed ---")
		table := tablewriter.NewWriter(os.Stdout)
		table.Header("Source", "Layer", "Error")
		for _, f := range rep.Failed {
			table.Append(f.Source, f.Layer, f.Err.Error())
		}
		table.Render()
	}
	fmt.Printf("\nHarvested %d layer(s) from %d artifact(s) into %s in %v (%d failed)\n",
		len(rep.LayerNames()), rep.Artifacts, dst.Path(), rep.Duration.Round(time.Millisecond), len(rep.Failed))
	return nil
}

type harvestOutput struct {
	Root      string          `json:"root"`
	Target    string          `json:"target"`
	Artifacts int             `json:"artifacts"`
	Skipped   []string        `json:"skipped,omitempty"`
	Imported  []harvestLayer  `json:"imported"`
	Failed    []harvestFailed `json:"failed,omitempty"`
	Duration  string          `json:"duration"`
}

type harvestLayer struct {
	Source   string `json:"source"`
	Layer    string `json:"layer"`
	Features int    `json:"features"`
}

type harvestFailed struct {
	Source string `json:"source"`
	Layer  string `json:"layer,omitempty"`
	Error  string `json:"error"`
}

func harvestJSON(rep *harvest.Report) harvestOutput {
	out := harvestOutput{
		Root:      rep.Root,
		Target:    rep.Target,
		Artifacts: rep.Artifacts,
		Skipped:   rep.Skipped,
		Imported:  []harvestLayer{},
		Duration:  rep.Duration.String(),
	}
	for _, l := range rep.Imported {
		out.Imported = append(out.Imported, harvestLayer{Source: l.Source, Layer: l.Layer, Features: l.Features})
	}
	for _, f := range rep.Failed {
		out.Failed = append(out.Failed, harvestFailed{Source: f.Source, Layer: f.Layer, Error: f.Err.Error()})
	}
	return out
}
