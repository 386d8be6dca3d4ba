package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/kustocopy/internal/blob"
	"github.com/roach88/kustocopy/internal/bookmark"
	"github.com/roach88/kustocopy/internal/cache"
	"github.com/roach88/kustocopy/internal/state"
)

// InspectOptions holds flags for the inspect command.
type InspectOptions struct {
	*RootOptions
	Activity string
}

// NewInspectCommand creates the inspect command.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InspectOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "inspect <bookmark>",
		Short: "Show the replication state held by a bookmark",
		Long: `Replay a bookmark and print its activities, iterations, blocks, urls and
extents as they were last committed. In-flight work is shown as is; nothing
is rolled back.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Activity, "activity", "", "only show this activity")

	return cmd
}

func runInspect(opts *InspectOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if _, err := os.Stat(path); err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeNotFound, fmt.Sprintf("bookmark not found: %s", path), err)
	}
	tree, err := readTree(ctx, path, formatter)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeBookmark, "failed to read bookmark", err)
	}

	if opts.Activity != "" {
		want := state.NormalizeName(opts.Activity)
		var filtered []cache.ActivityTree
		for _, a := range tree {
			if a.Activity.Name == want {
				filtered = append(filtered, a)
			}
		}
		tree = filtered
	}
	if tree == nil {
		tree = []cache.ActivityTree{}
	}

	return formatter.Success(tree, func(w io.Writer) error {
		return renderTree(w, tree)
	})
}

func readTree(ctx context.Context, path string, formatter *OutputFormatter) ([]cache.ActivityTree, error) {
	b, err := blob.Open(path)
	if err != nil {
		return nil, err
	}
	defer b.Close()

	exists, err := b.Exists(ctx)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%s holds no bookmark", path)
	}

	logger := formatter.Logger()
	bm, err := bookmark.Open(ctx, b, bookmark.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	defer bm.Close()
	return bm.Cache().Tree(), nil
}

// renderTree prints one line per record, indented by depth.
func renderTree(w io.Writer, tree []cache.ActivityTree) error {
	if len(tree) == 0 {
		_, err := fmt.Fprintln(w, "(no activities)")
		return err
	}

	var sb strings.Builder
	for _, a := range tree {
		act := a.Activity
		fmt.Fprintf(&sb, "activity %s %s %s -> %s\n", act.Name, act.State, act.Source, act.Destination)
		for _, it := range a.Iterations {
			i := it.Iteration
			fmt.Fprintf(&sb, "  iteration %d %s cursor (%s, %s]", i.IterationID, i.State, i.CursorStart, i.CursorEnd)
			if i.TempTableName != "" {
				fmt.Fprintf(&sb, " temp %s", i.TempTableName)
			}
			sb.WriteString("\n")
			for _, blk := range it.Blocks {
				renderBlock(&sb, blk)
			}
		}
	}
	_, err := io.WriteString(w, sb.String())
	return err
}

func renderBlock(sb *strings.Builder, bt cache.BlockTree) {
	b := bt.Block
	fmt.Fprintf(sb, "    block %d %s", b.BlockID, b.State)
	if !b.IngestionTimeStart.IsZero() || !b.IngestionTimeEnd.IsZero() {
		fmt.Fprintf(sb, " ingested [%s, %s)", timeBound(b.IngestionTimeStart), timeBound(b.IngestionTimeEnd))
	}
	if b.BlockTag != "" {
		fmt.Fprintf(sb, " tag %s", b.BlockTag)
	}
	if b.ExportOperationID != "" {
		fmt.Fprintf(sb, " export %s", b.ExportOperationID)
	}
	if b.Retries > 0 {
		fmt.Fprintf(sb, " retries %d", b.Retries)
	}
	sb.WriteString("\n")
	for _, u := range bt.Urls {
		fmt.Fprintf(sb, "      url %s %s rows %d\n", u.Url, u.State, u.RowCount)
	}
	for _, e := range bt.Extents {
		fmt.Fprintf(sb, "      extent %s rows %d\n", e.ExtentID, e.RowCount)
	}
}

func timeBound(t time.Time) string {
	if t.IsZero() {
		return "*"
	}
	return t.UTC().Format(time.RFC3339)
}
