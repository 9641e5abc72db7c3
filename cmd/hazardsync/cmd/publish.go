package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/hazardsync/internal/publish"
	"github.com/psantana5/hazardsync/pkg/container"
)

var (
	backupLayers     []string
	backupRequireAll bool
)

// mirrorCmd represents the mirror command
var mirrorCmd = &cobra.Command{
	Use:   "mirror <source> <destination>",
	Short: "Copy every layer of one container into another",
	Long: `Copy every layer of the source container into the destination under its
own name. The destination is created if absent and its backend follows the
extension. Mirroring a container onto itself is a no-op.`,
	Args: cobra.ExactArgs(2),
	RunE: runMirror,
}

// backupCmd represents the backup command
var backupCmd = &cobra.Command{
	Use:   "backup <source> <destination> --layer <name> [--layer <name>...]",
	Short: "Copy named layers into a backup container",
	Long: `Copy the named layers of the source into the destination container.
Names the source does not hold are reported and skipped, or, with
--require-all, abort the backup before anything is copied.`,
	Args: cobra.ExactArgs(2),
	RunE: runBackup,
}

func init() {
	rootCmd.AddCommand(mirrorCmd)
	rootCmd.AddCommand(backupCmd)

	backupCmd.Flags().StringSliceVar(&backupLayers, "layer", nil, "layer to copy (repeatable)")
	backupCmd.MarkFlagRequired("layer")
	backupCmd.Flags().BoolVar(&backupRequireAll, "require-all", false, "copy nothing unless every named layer exists in the source")
}

func newPublisher(requireAll bool) (*publish.Publisher, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	fallback, err := cfg.FallbackCRS()
	if err != nil {
		return nil, err
	}
	return publish.New(publish.Options{FallbackCRS: fallback, RequireAll: requireAll}, newLogger(cfg)), nil
}

func runMirror(cmd *cobra.Command, args []string) error {
	p, err := newPublisher(false)
	if err != nil {
		return err
	}
	src, dst, err := publish.OpenPair(args[0], args[1], capabilities())
	if err != nil {
		return err
	}
	defer src.Close()
	defer dst.Close()

	res, err := p.Mirror(context.Background(), src, dst)
	if errors.Is(err, publish.ErrEmptySource) {
		fmt.Printf("Nothing to mirror: %s has no layers\n", src.Path())
		return nil
	}
	if err != nil {
		return err
	}
	return printPublishResult(res)
}

func runBackup(cmd *cobra.Command, args []string) error {
	p, err := newPublisher(backupRequireAll)
	if err != nil {
		return err
	}
	src, closeFn, err := openAnySource(args[0])
	if err != nil {
		return err
	}
	defer closeFn()

	backend, ok := container.BackendForPath(args[1])
	if !ok {
		return fmt.Errorf("cannot infer backend of %s", args[1])
	}
	dst, err := container.Create(args[1], backend, capabilities())
	if err != nil {
		return err
	}
	defer dst.Close()

	res, err := p.Backup(context.Background(), src, dst, backupLayers)
	if err != nil {
		return err
	}
	return printPublishResult(res)
}

type publishOutput struct {
	Source   string            `json:"source"`
	Dest     string            `json:"dest"`
	NoOp     bool              `json:"no_op,omitempty"`
	Copied   []string          `json:"copied"`
	Missing  []string          `json:"missing,omitempty"`
	Failed   map[string]string `json:"failed,omitempty"`
	Features int               `json:"features"`
	Duration string            `json:"duration"`
}

func printPublishResult(res *publish.Result) error {
	if IsJSONOutput() {
		out := publishOutput{
			Source:   res.Source,
			Dest:     res.Dest,
			NoOp:     res.NoOp,
			Copied:   append([]string{}, res.Copied...),
			Missing:  res.Missing,
			Features: res.Features,
			Duration: res.Duration.String(),
		}
		for _, f := range res.Failed {
			if out.Failed == nil {
				out.Failed = make(map[string]string)
			}
			out.Failed[f.Layer] = f.Err.Error()
		}
		return printJSON(out)
	}

	if res.NoOp {
		fmt.Printf("%s is already the destination; nothing copied\n", res.Source)
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Layer", "Result")
	for _, n := range res.Copied {
		table.Append(n, "copied")
	}
	for _, n := range res.Missing {
		table.Append(n, "missing from source")
	}
	for _, f := range res.Failed {
		table.Append(f.Layer, "failed: "+f.Err.Error())
	}
	table.Render()

	fmt.Printf("\nCopied %d layer(s), %d feature(s) to %s in %v\n",
		len(res.Copied), res.Features, res.Dest, res.Duration.Round(time.Millisecond))
	if len(res.Failed) > 0 {
		return fmt.Errorf("%d layer(s) failed to copy", len(res.Failed))
	}
	return nil
}
