// Package runner drives replication activities through their lifecycle.
//
// Every step reads the bookmark cache, calls a cluster through the matching
// admission gate and commits the resulting state. Because each step starts
// from committed state, a restarted runner picks up exactly where the
// previous one stopped, after bookmark.Recover has rolled back in-flight
// work.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/kustocopy/internal/bookmark"
	"github.com/roach88/kustocopy/internal/cluster"
	"github.com/roach88/kustocopy/internal/gate"
	"github.com/roach88/kustocopy/internal/planner"
	"github.com/roach88/kustocopy/internal/state"
)

// ActivitySpec is a configured activity.
type ActivitySpec struct {
	Name        string
	Source      state.TableIdentity
	Destination state.TableIdentity
	// Continuous activities start a new iteration every IterationPeriod once
	// the source cursor has moved. Others complete after one iteration.
	Continuous bool
}

// Options tunes a Runner. Zero values take defaults.
type Options struct {
	IterationPeriod time.Duration
	PollInterval    time.Duration
	MaxBlockRetries int
	// UrlsPerCommit bounds how many exported urls one transaction records.
	UrlsPerCommit int

	// Gate capacities. Zero derives them from the cluster's reported
	// Capacity.
	ExportSlots  int
	IngestSlots  int
	CommandSlots int

	Planner planner.Planner
	Logger  *slog.Logger
}

func (o *Options) setDefaults() {
	if o.IterationPeriod <= 0 {
		o.IterationPeriod = time.Minute
	}
	if o.PollInterval <= 0 {
		o.PollInterval = cluster.DefaultPollInterval
	}
	if o.MaxBlockRetries < 0 {
		o.MaxBlockRetries = 0
	}
	if o.UrlsPerCommit <= 0 {
		o.UrlsPerCommit = 100
	}
	if o.Planner == nil {
		o.Planner = planner.Single{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// gates are the admission gates of one cluster.
type gates struct {
	export  *gate.Priority[gate.ExportKey]
	ingest  *gate.FIFO
	command *gate.FIFO
}

// Runner replicates a set of activities.
type Runner struct {
	bm       *bookmark.Bookmark
	clusters *cluster.Directory
	specs    []ActivitySpec
	opts     Options
	logger   *slog.Logger

	mu    sync.Mutex
	gates map[string]*gates
}

func New(bm *bookmark.Bookmark, clusters *cluster.Directory, specs []ActivitySpec, opts Options) *Runner {
	opts.setDefaults()
	return &Runner{
		bm:       bm,
		clusters: clusters,
		specs:    specs,
		opts:     opts,
		logger:   opts.Logger,
		gates:    make(map[string]*gates),
	}
}

// Run recovers the bookmark and drives every activity until each one
// completes, fails or ctx is canceled.
//
// A fatal error cancels everything and is returned at once. Failed
// iterations stop only their activity; they are joined into the returned
// error after the others finish. Cancellation of ctx is a clean stop.
func (r *Runner) Run(ctx context.Context) error {
	if _, err := r.bm.Recover(ctx); err != nil {
		return &FatalError{Err: err}
	}
	for _, spec := range r.specs {
		act := state.NewActivity(spec.Name, spec.Source, spec.Destination)
		for _, uri := range []string{act.Source.ClusterURI, act.Destination.ClusterURI} {
			if _, err := r.gatesFor(ctx, uri); err != nil {
				return err
			}
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	var mu sync.Mutex
	var failed []error
	for _, spec := range r.specs {
		g.Go(func() error {
			err := r.runActivity(gctx, spec)
			switch {
			case err == nil:
				return nil
			case IsFatal(err):
				return err
			case errors.Is(err, context.Canceled) && gctx.Err() != nil:
				return nil
			}
			r.logger.Error("activity stopped", "activity", spec.Name, "error", err)
			mu.Lock()
			failed = append(failed, fmt.Errorf("activity %s: %w", spec.Name, err))
			mu.Unlock()
			return nil
		})
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			return err
		}
	case err := <-r.bm.Fatal():
		cancel()
		<-done
		return &FatalError{Err: err}
	}
	return errors.Join(failed...)
}

// gatesFor returns the gates of a cluster, creating them on first use.
func (r *Runner) gatesFor(ctx context.Context, uri string) (*gates, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.gates[uri]; ok {
		return g, nil
	}

	client, err := r.clusters.Get(uri)
	if err != nil {
		return nil, err
	}
	var capacity cluster.Capacity
	if r.opts.ExportSlots == 0 || r.opts.IngestSlots == 0 || r.opts.CommandSlots == 0 {
		capacity, err = client.Capacity(ctx)
		if err != nil {
			return nil, fmt.Errorf("capacity of %s: %w", uri, err)
		}
	}
	pick := func(override, reported int) int {
		if override > 0 {
			return override
		}
		return reported
	}
	g := &gates{
		export:  gate.NewExportGate(pick(r.opts.ExportSlots, capacity.ExportSlots)),
		ingest:  gate.NewFIFO(pick(r.opts.IngestSlots, capacity.IngestSlots)),
		command: gate.NewFIFO(pick(r.opts.CommandSlots, capacity.CommandSlots)),
	}
	r.gates[uri] = g
	r.logger.Info("cluster gates ready", "cluster", uri,
		"export_slots", g.export.Capacity(), "ingest_slots", g.ingest.Capacity(), "command_slots", g.command.Capacity())
	return g, nil
}

// commit writes tx. Failures other than cancellation are fatal: progress
// that cannot be persisted must not be acted on.
func (r *Runner) commit(ctx context.Context, tx bookmark.Tx) error {
	if err := r.bm.Commit(ctx, tx); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return &FatalError{Err: err}
	}
	return nil
}

// withSlot runs fn while holding a slot of g.
func withSlot(ctx context.Context, g *gate.FIFO, fn func() error) error {
	slot, err := g.RequestSlot(ctx)
	if err != nil {
		return err
	}
	defer slot.Release()
	return fn()
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (r *Runner) source(ctx context.Context, act state.Activity) (cluster.Client, *gates, error) {
	return r.endpoint(ctx, act.Source.ClusterURI)
}

func (r *Runner) destination(ctx context.Context, act state.Activity) (cluster.Client, *gates, error) {
	return r.endpoint(ctx, act.Destination.ClusterURI)
}

func (r *Runner) endpoint(ctx context.Context, uri string) (cluster.Client, *gates, error) {
	client, err := r.clusters.Get(uri)
	if err != nil {
		return nil, nil, err
	}
	g, err := r.gatesFor(ctx, uri)
	if err != nil {
		return nil, nil, err
	}
	return client, g, nil
}
