package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/roach88/kustocopy/internal/blob"
	"github.com/roach88/kustocopy/internal/bookmark"
	"github.com/roach88/kustocopy/internal/cache"
	"github.com/roach88/kustocopy/internal/cluster"
	"github.com/roach88/kustocopy/internal/cluster/memcluster"
	"github.com/roach88/kustocopy/internal/runner"
	"github.com/roach88/kustocopy/internal/state"
)

const (
	sourceURI      = "https://source"
	destinationURI = "https://destination"

	// stepTimeout bounds a single step; a step that hits it fails.
	stepTimeout = 10 * time.Second
)

// Option configures a harness run.
type Option func(*harness)

// WithLogger routes runner and bookmark logs to logger. Logs are discarded
// by default.
func WithLogger(logger *slog.Logger) Option {
	return func(h *harness) { h.logger = logger }
}

type harness struct {
	scenario    *Scenario
	path        string
	source      *memcluster.Cluster
	destination *memcluster.Cluster
	clusters    *cluster.Directory
	specs       []runner.ActivitySpec
	logger      *slog.Logger
}

// Run executes scenario with its bookmark under dir.
//
// A returned error means the scenario could not be executed at all. Steps
// that misbehave and assertions that do not hold are reported in the
// Result instead.
func Run(ctx context.Context, scenario *Scenario, dir string, opts ...Option) (*Result, error) {
	h := newHarness(scenario, dir)
	for _, opt := range opts {
		opt(h)
	}
	h.injectFaults()

	result := &Result{Pass: true, source: h.source, destination: h.destination}
	for i, step := range scenario.Steps {
		outcome, err := h.runStep(ctx, i, step, result)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		result.Snapshot.Runs = append(result.Snapshot.Runs, outcome)
	}

	runs := result.Snapshot.Runs
	result.Snapshot = takeSnapshot(result.final, h.destination, scenario.Activities)
	result.Snapshot.Runs = runs

	for i, a := range scenario.Assertions {
		if err := evaluate(result, a); err != nil {
			result.AddError(fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return result, nil
}

func newHarness(s *Scenario, dir string) *harness {
	lake := memcluster.NewLake()
	var srcOpts []memcluster.Option
	if s.Options.ExportChunk > 0 {
		srcOpts = append(srcOpts, memcluster.WithExportChunk(s.Options.ExportChunk))
	}
	h := &harness{
		scenario:    s,
		path:        filepath.Join(dir, "bookmark.db"),
		source:      memcluster.New(sourceURI, lake, srcOpts...),
		destination: memcluster.New(destinationURI, lake),
		clusters:    cluster.NewDirectory(),
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, a := range s.Activities {
		h.source.CreateTable(a.Source.Database, a.Source.Table)
		h.destination.CreateTable(a.Destination.Database, a.Destination.Table)
		h.specs = append(h.specs, runner.ActivitySpec{
			Name:        a.Name,
			Source:      state.NewTableIdentity(sourceURI, a.Source.Database, a.Source.Table),
			Destination: state.NewTableIdentity(destinationURI, a.Destination.Database, a.Destination.Table),
			Continuous:  a.Continuous,
		})
	}
	for _, rows := range s.Source {
		h.source.Append(rows.Database, rows.Table, rows.Values...)
	}
	return h
}

func (h *harness) injectFaults() {
	for _, f := range h.scenario.Faults {
		c := h.source
		if f.Cluster == clusterDestination {
			c = h.destination
		}
		switch {
		case f.Method != "":
			c.FailNext(f.Method, faultError(f.Error))
		case f.Operation != "":
			opState := cluster.OperationFailed
			if f.Operation == "Throttled" {
				opState = cluster.OperationThrottled
			}
			c.FailNextOperation(opState, f.Message, f.ShouldRetry)
		default:
			c.FailNextIngestion(f.Ingestion)
		}
	}
}

func faultError(msg string) error {
	if msg == "throttled" {
		return cluster.ErrThrottled
	}
	return errors.New(msg)
}

// register wraps the clusters in the retry policy. It runs per step
// because the logger may only be set after newHarness.
func (h *harness) register() {
	policy := cluster.RetryPolicy{MaxAttempts: 5, Step: time.Millisecond}
	h.clusters.Register(sourceURI, cluster.WithRetry(h.source, policy, h.logger))
	h.clusters.Register(destinationURI, cluster.WithRetry(h.destination, policy, h.logger))
}

func (h *harness) options() runner.Options {
	return runner.Options{
		IterationPeriod: 5 * time.Millisecond,
		PollInterval:    time.Millisecond,
		MaxBlockRetries: h.scenario.Options.MaxBlockRetries,
		UrlsPerCommit:   h.scenario.Options.UrlsPerCommit,
		Logger:          h.logger,
	}
}

// runStep opens the bookmark, runs the runner once and closes the bookmark
// again.
func (h *harness) runStep(ctx context.Context, index int, step Step, result *Result) (string, error) {
	if step.SourcePolls != nil {
		h.source.SetPolls(*step.SourcePolls)
	}
	if step.DestinationPolls != nil {
		h.destination.SetPolls(*step.DestinationPolls)
	}
	for _, rows := range step.Append {
		h.source.Append(rows.Database, rows.Table, rows.Values...)
	}
	h.register()

	b, err := blob.Open(h.path)
	if err != nil {
		return "", fmt.Errorf("open blob: %w", err)
	}
	defer b.Close()
	bm, err := bookmark.Open(ctx, b, bookmark.WithLogger(h.logger))
	if err != nil {
		return "", fmt.Errorf("open bookmark: %w", err)
	}
	defer bm.Close()

	runCtx, cancel := context.WithTimeout(ctx, stepTimeout)
	defer cancel()
	r := runner.New(bm, h.clusters, h.specs, h.options())
	done := make(chan error, 1)
	go func() { done <- r.Run(runCtx) }()

	var runErr error
	reached := false
	if step.StopAt == nil {
		runErr = <-done
	} else {
		var finished bool
		reached, finished, runErr = waitFor(runCtx, bm, *step.StopAt, done)
		if !finished {
			cancel()
			runErr = <-done
		}
		if !reached {
			result.AddError(fmt.Sprintf("steps[%d]: %s never reached %s", index, step.StopAt.Key, step.StopAt.State))
		}
	}
	result.final = bm.Cache()

	if !reached && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		result.AddError(fmt.Sprintf("steps[%d]: timed out after %s", index, stepTimeout))
	}

	switch {
	case runErr != nil && step.ExpectError == "":
		result.AddError(fmt.Sprintf("steps[%d]: unexpected error: %v", index, runErr))
	case runErr != nil && !strings.Contains(runErr.Error(), step.ExpectError):
		result.AddError(fmt.Sprintf("steps[%d]: expected error containing %q, got: %v", index, step.ExpectError, runErr))
	case runErr == nil && step.ExpectError != "":
		result.AddError(fmt.Sprintf("steps[%d]: expected error containing %q, run succeeded", index, step.ExpectError))
	}

	switch {
	case runErr != nil:
		return OutcomeError, nil
	case reached:
		return OutcomeStopped, nil
	default:
		return OutcomeOK, nil
	}
}

// waitFor polls the bookmark until the stop record reaches its state, the
// run returns (finished) or ctx ends.
func waitFor(ctx context.Context, bm *bookmark.Bookmark, stop StopAt, done <-chan error) (reached, finished bool, err error) {
	key, err := parseKey(stop.Key)
	if err != nil {
		return false, false, err
	}
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		if stateOf(bm.Cache(), key) == stop.State {
			return true, false, nil
		}
		select {
		case err := <-done:
			return stateOf(bm.Cache(), key) == stop.State, true, err
		case <-ctx.Done():
			return false, false, nil
		case <-ticker.C:
		}
	}
}

// stateOf returns the state name of an iteration or block, or "" when the
// record does not exist.
func stateOf(c *cache.Cache, key recordKey) string {
	if key.isBlock {
		if blk, ok := c.Block(key.block); ok {
			return blk.State.String()
		}
		return ""
	}
	if it, ok := c.Iteration(key.iteration); ok {
		return it.State.String()
	}
	return ""
}

func takeSnapshot(c *cache.Cache, dst *memcluster.Cluster, activities []ActivityDef) Snapshot {
	snap := Snapshot{
		Activities:  []ActivitySnapshot{},
		Destination: map[string][]string{},
	}
	if c != nil {
		for _, at := range c.Tree() {
			as := ActivitySnapshot{
				Name:       at.Activity.Name,
				State:      at.Activity.State.String(),
				Iterations: []IterationSnapshot{},
			}
			for _, it := range at.Iterations {
				is := IterationSnapshot{
					ID:          it.Iteration.IterationID,
					State:       it.Iteration.State.String(),
					CursorStart: it.Iteration.CursorStart,
					CursorEnd:   it.Iteration.CursorEnd,
					Blocks:      []BlockSnapshot{},
				}
				for _, bt := range it.Blocks {
					var rows int64
					for _, e := range bt.Extents {
						rows += e.RowCount
					}
					is.Blocks = append(is.Blocks, BlockSnapshot{
						ID:      bt.Block.BlockID,
						State:   bt.Block.State.String(),
						Retries: bt.Block.Retries,
						Urls:    len(bt.Urls),
						Rows:    rows,
					})
				}
				as.Iterations = append(as.Iterations, is)
			}
			snap.Activities = append(snap.Activities, as)
		}
	}
	for _, a := range activities {
		values := dst.Values(a.Destination.Database, a.Destination.Table)
		if values == nil {
			values = []string{}
		}
		snap.Destination[a.Destination.String()] = values
	}
	return snap
}
