package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/hazardsync/pkg/container"
)

// layersCmd represents the layers command
var layersCmd = &cobra.Command{
	Use:   "layers <path>",
	Short: "List the layers of a container or loose artifact",
	Long: `Open a container (.gpkg or .gdb) or a loose artifact (.shp, .geojson)
and list each layer with its feature count, CRS and fields.`,
	Args: cobra.ExactArgs(1),
	RunE: runLayers,
}

func init() {
	rootCmd.AddCommand(layersCmd)
}

type layerInfo struct {
	Name     string   `json:"name"`
	Features int      `json:"features"`
	CRS      string   `json:"crs"`
	Fields   []string `json:"fields"`
}

func openAnySource(path string) (container.Source, func(), error) {
	if container.IsFileSourcePath(path) {
		src, err := container.OpenFileSource(path)
		if err != nil {
			return nil, nil, err
		}
		return src, func() {}, nil
	}
	c, err := container.Open(path, capabilities())
	if err != nil {
		return nil, nil, err
	}
	return c, func() { c.Close() }, nil
}

func runLayers(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	src, closeFn, err := openAnySource(args[0])
	if err != nil {
		return err
	}
	defer closeFn()

	names, err := src.ListLayers(ctx)
	if err != nil {
		return err
	}
	infos := make([]layerInfo, 0, len(names))
	for _, n := range names {
		l, err := src.ReadLayer(ctx, n)
		if err != nil {
			return fmt.Errorf("failed to read layer %s: %w", n, err)
		}
		infos = append(infos, layerInfo{Name: l.Name, Features: l.Len(), CRS: l.CRS.String(), Fields: l.Fields()})
	}

	if IsJSONOutput() {
		return printJSON(infos)
	}

	if len(infos) == 0 {
		fmt.Printf("%s holds no layers\n", src.Path())
		return nil
	}
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Layer", "Features", "CRS", "Fields")
	for _, l := range infos {
		table.Append(l.Name, fmt.Sprintf("%d", l.Features), l.CRS, fmt.Sprintf("%d", len(l.Fields)))
	}
	table.Render()
	fmt.Printf("\nTotal: %d layer(s)\n", len(infos))
	return nil
}
