package cli

import (
	"errors"
	"fmt"
	"io"
	"io/fs"

	"github.com/spf13/cobra"

	"github.com/roach88/kustocopy/internal/config"
)

// ValidationResult is the outcome of validating a parameter file.
type ValidationResult struct {
	Valid      bool              `json:"valid"`
	Bookmark   string            `json:"bookmark"`
	Activities []ActivitySummary `json:"activities"`
}

// ActivitySummary describes one configured activity.
type ActivitySummary struct {
	Name        string      `json:"name"`
	Mode        config.Mode `json:"mode"`
	Source      string      `json:"source"`
	Destination string      `json:"destination"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <parameters.yaml>",
		Short: "Validate a parameter file without running it",
		Long: `Validate a parameter file against the schema and apply environment
overrides, without touching the bookmark or any cluster.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	params, err := loadParameters(formatter, path)
	if err != nil {
		return err
	}

	result := ValidationResult{Valid: true, Bookmark: params.Bookmark.Path}
	for _, a := range params.Activities {
		result.Activities = append(result.Activities, ActivitySummary{
			Name:        a.Name,
			Mode:        a.Mode,
			Source:      a.Source.Identity().String(),
			Destination: a.Destination.Identity().String(),
		})
	}

	return formatter.Success(result, func(w io.Writer) error {
		fmt.Fprintf(w, "✓ Parameters valid: %d activities, bookmark %s\n", len(result.Activities), result.Bookmark)
		for _, a := range result.Activities {
			fmt.Fprintf(w, "  %s (%s): %s -> %s\n", a.Name, a.Mode, a.Source, a.Destination)
		}
		return nil
	})
}

// loadParameters loads a parameter file, reporting failures through
// formatter.
func loadParameters(formatter *OutputFormatter, path string) (*config.Parameters, error) {
	params, err := config.Load(path)
	switch {
	case err == nil:
		return params, nil
	case errors.Is(err, fs.ErrNotExist):
		return nil, formatter.Fail(ExitCommandError, ErrCodeNotFound, fmt.Sprintf("parameter file not found: %s", path), err)
	default:
		return nil, formatter.Fail(ExitFailure, ErrCodeInvalid, "invalid parameters", err)
	}
}
