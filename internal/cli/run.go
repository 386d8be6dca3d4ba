package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/kustocopy/internal/blob"
	"github.com/roach88/kustocopy/internal/bookmark"
	"github.com/roach88/kustocopy/internal/cluster"
	"github.com/roach88/kustocopy/internal/cluster/memcluster"
	"github.com/roach88/kustocopy/internal/config"
	"github.com/roach88/kustocopy/internal/runner"
	"github.com/roach88/kustocopy/internal/state"
)

// ClientFactory returns the client for a cluster URI.
type ClientFactory func(uri string) (cluster.Client, error)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Bookmark string
	Simulate bool
	SeedRows int

	// Clients supplies cluster clients when not simulating. Commands against
	// real clusters are wired in by the embedding program.
	Clients ClientFactory
}

// RunSummary reports where each activity stands after a run.
type RunSummary struct {
	Bookmark   string            `json:"bookmark"`
	Activities []ActivityOutcome `json:"activities"`
}

type ActivityOutcome struct {
	Name       string `json:"name"`
	State      string `json:"state"`
	Iterations int    `json:"iterations"`
	Cursor     string `json:"cursor,omitempty"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <parameters.yaml>",
		Short: "Replicate the configured activities",
		Long: `Replicate every activity of a parameter file.

One-shot activities return once their single iteration completes; continuous
activities run until interrupted. The bookmark is recovered first, so an
interrupted run picks up where it stopped.

With --simulate every cluster is an in-process simulation seeded with
--seed-rows rows per source table. Simulated clusters live only as long as
the process, so pair --simulate with a fresh bookmark.

Example:
  kustocopy run params.yaml
  kustocopy run --simulate --seed-rows 1000 --bookmark /tmp/sim.db params.yaml`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplication(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Bookmark, "bookmark", "", "bookmark path (overrides the parameter file)")
	cmd.Flags().BoolVar(&opts.Simulate, "simulate", false, "run against simulated clusters")
	cmd.Flags().IntVar(&opts.SeedRows, "seed-rows", 100, "rows per source table when simulating")

	return cmd
}

func runReplication(opts *RunOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())
	logger := formatter.Logger()

	params, err := loadParameters(formatter, path)
	if err != nil {
		return err
	}
	if opts.Bookmark != "" {
		params.Bookmark.Path = opts.Bookmark
	}

	clients := opts.Clients
	if opts.Simulate {
		clients = simulatedClusters(params, opts.SeedRows)
	}
	dir, err := buildDirectory(params, clients, logger)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeNoCluster, "no cluster client", err)
	}

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	bm, closeBookmark, err := openBookmark(ctx, params.Bookmark, logger)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeBookmark, "failed to open bookmark", err)
	}
	defer closeBookmark()

	r := runner.New(bm, dir, activitySpecs(params), runnerOptions(params, logger))
	logger.Info("replication starting", "bookmark", params.Bookmark.Path, "activities", len(params.Activities))
	runErr := r.Run(ctx)

	summary := summarize(bm, params)
	switch {
	case runErr == nil:
	case runner.IsFatal(runErr):
		return formatter.Fail(ExitFailure, ErrCodeFatal, "replication aborted", runErr)
	default:
		return formatter.Fail(ExitFailure, ErrCodeRunFailed, "replication failed", runErr)
	}
	logger.Info("replication stopped")

	return formatter.Success(summary, func(w io.Writer) error {
		for _, a := range summary.Activities {
			fmt.Fprintf(w, "%s: %s after %d iterations", a.Name, a.State, a.Iterations)
			if a.Cursor != "" {
				fmt.Fprintf(w, ", cursor %s", a.Cursor)
			}
			fmt.Fprintln(w)
		}
		return nil
	})
}

func openBookmark(ctx context.Context, cfg config.Bookmark, logger *slog.Logger) (*bookmark.Bookmark, func(), error) {
	b, err := blob.Open(cfg.Path)
	if err != nil {
		return nil, nil, err
	}
	opts := []bookmark.Option{bookmark.WithLogger(logger)}
	if cfg.Lease != nil {
		opts = append(opts, bookmark.WithLease(cfg.Lease.Holder, cfg.Lease.Duration, cfg.Lease.RenewEvery))
	}
	bm, err := bookmark.Open(ctx, b, opts...)
	if err != nil {
		b.Close()
		return nil, nil, err
	}
	return bm, func() {
		if err := bm.Close(); err != nil {
			logger.Error("error closing bookmark", "error", err)
		}
		b.Close()
	}, nil
}

// buildDirectory registers a retrying client for every cluster the
// activities name.
func buildDirectory(params *config.Parameters, clients ClientFactory, logger *slog.Logger) (*cluster.Directory, error) {
	if clients == nil {
		return nil, errors.New("no cluster clients are configured; use --simulate")
	}
	policy := cluster.RetryPolicy{MaxAttempts: uint(params.Retry.MaxAttempts), Step: params.Retry.Step}
	dir := cluster.NewDirectory()
	for _, uri := range clusterURIs(params) {
		c, err := clients(uri)
		if err != nil {
			return nil, fmt.Errorf("cluster %s: %w", uri, err)
		}
		dir.Register(uri, cluster.WithRetry(c, policy, logger))
	}
	return dir, nil
}

func clusterURIs(params *config.Parameters) []string {
	seen := make(map[string]bool)
	var out []string
	for _, a := range params.Activities {
		for _, t := range []config.Table{a.Source, a.Destination} {
			uri := t.Identity().ClusterURI
			if !seen[uri] {
				seen[uri] = true
				out = append(out, uri)
			}
		}
	}
	return out
}

// simulatedClusters creates one simulated cluster per URI, sharing a lake,
// with every source table seeded and every destination table created.
func simulatedClusters(params *config.Parameters, seedRows int) ClientFactory {
	lake := memcluster.NewLake()
	sims := make(map[string]*memcluster.Cluster)
	for _, uri := range clusterURIs(params) {
		sims[uri] = memcluster.New(uri, lake)
	}
	for _, a := range params.Activities {
		src, dst := a.Source.Identity(), a.Destination.Identity()
		values := make([]string, seedRows)
		for i := range values {
			values[i] = fmt.Sprintf("%s-%d", src.Table, i+1)
		}
		sims[src.ClusterURI].CreateTable(src.Database, src.Table)
		sims[src.ClusterURI].Append(src.Database, src.Table, values...)
		sims[dst.ClusterURI].CreateTable(dst.Database, dst.Table)
	}
	return func(uri string) (cluster.Client, error) {
		c, ok := sims[uri]
		if !ok {
			return nil, cluster.ErrUnknownCluster
		}
		return c, nil
	}
}

func activitySpecs(params *config.Parameters) []runner.ActivitySpec {
	specs := make([]runner.ActivitySpec, 0, len(params.Activities))
	for _, a := range params.Activities {
		specs = append(specs, runner.ActivitySpec{
			Name:        a.Name,
			Source:      a.Source.Identity(),
			Destination: a.Destination.Identity(),
			Continuous:  a.Mode == config.ModeContinuous,
		})
	}
	return specs
}

func runnerOptions(params *config.Parameters, logger *slog.Logger) runner.Options {
	return runner.Options{
		IterationPeriod: params.Runner.IterationPeriod,
		PollInterval:    params.Runner.PollInterval,
		MaxBlockRetries: params.Runner.MaxBlockRetries,
		UrlsPerCommit:   params.Runner.UrlsPerCommit,
		ExportSlots:     params.Runner.ExportSlots,
		IngestSlots:     params.Runner.IngestSlots,
		CommandSlots:    params.Runner.CommandSlots,
		Logger:          logger,
	}
}

func summarize(bm *bookmark.Bookmark, params *config.Parameters) RunSummary {
	c := bm.Cache()
	summary := RunSummary{Bookmark: params.Bookmark.Path}
	for _, a := range params.Activities {
		name := state.NormalizeName(a.Name)
		out := ActivityOutcome{Name: name, State: "Missing"}
		if act, ok := c.Activity(name); ok {
			out.State = act.State.String()
		}
		its := c.Iterations(name)
		out.Iterations = len(its)
		for i := len(its) - 1; i >= 0; i-- {
			if its[i].State == state.IterationCompleted {
				out.Cursor = its[i].CursorEnd
				break
			}
		}
		summary.Activities = append(summary.Activities, out)
	}
	return summary
}
