package runner

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/kustocopy/internal/blob"
	"github.com/roach88/kustocopy/internal/bookmark"
	"github.com/roach88/kustocopy/internal/cache"
	"github.com/roach88/kustocopy/internal/cluster"
	"github.com/roach88/kustocopy/internal/cluster/memcluster"
	"github.com/roach88/kustocopy/internal/planner"
	"github.com/roach88/kustocopy/internal/state"
	"github.com/roach88/kustocopy/internal/testutil"
)

const (
	srcURI = "https://src"
	dstURI = "https://dst"
)

type fixture struct {
	path string
	lake *memcluster.Lake
	src  *memcluster.Cluster
	dst  *memcluster.Cluster
	dir  *cluster.Directory
}

func newFixture(t *testing.T, srcOpts ...memcluster.Option) *fixture {
	t.Helper()
	lake := memcluster.NewLake()
	f := &fixture{
		path: filepath.Join(t.TempDir(), "bookmark.db"),
		lake: lake,
		src:  memcluster.New(srcURI, lake, append([]memcluster.Option{memcluster.WithExportChunk(2)}, srcOpts...)...),
		dst:  memcluster.New(dstURI, lake),
		dir:  cluster.NewDirectory(),
	}
	f.src.CreateTable("db", "Orders")
	f.dst.CreateTable("db", "Orders")
	f.dir.Register(srcURI, f.src)
	f.dir.Register(dstURI, f.dst)
	return f
}

// open opens the fixture's bookmark. The returned func closes it early;
// closing twice is fine.
func (f *fixture) open(t *testing.T) (*bookmark.Bookmark, func()) {
	t.Helper()
	b, err := blob.Open(f.path)
	require.NoError(t, err)
	bm, err := bookmark.Open(context.Background(), b, bookmark.WithLogger(discard()))
	require.NoError(t, err)

	var once sync.Once
	closeFn := func() {
		once.Do(func() {
			bm.Close()
			b.Close()
		})
	}
	t.Cleanup(closeFn)
	return bm, closeFn
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testOptions() Options {
	return Options{
		IterationPeriod: 5 * time.Millisecond,
		PollInterval:    time.Millisecond,
		Logger:          discard(),
	}
}

func ordersSpec() ActivitySpec {
	return ActivitySpec{
		Name:        "orders",
		Source:      state.NewTableIdentity(srcURI, "db", "Orders"),
		Destination: state.NewTableIdentity(dstURI, "db", "Orders"),
	}
}

func run(t *testing.T, r *Runner) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return r.Run(ctx)
}

// runInBackground starts r and returns a func that stops it and returns its
// result.
func runInBackground(r *Runner) func() error {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	return func() error {
		cancel()
		return <-done
	}
}

func blockState(bm *bookmark.Bookmark, key state.BlockKey) state.BlockState {
	blk, ok := bm.Cache().Block(key)
	if !ok {
		return -1
	}
	return blk.State
}

var firstBlock = state.BlockKey{Activity: "orders", Iteration: 1, Block: 1}

func TestRun_OnceCopiesEverything(t *testing.T) {
	f := newFixture(t)
	f.src.Append("db", "Orders", "a", "b", "c", "d", "e")
	bm, _ := f.open(t)

	require.NoError(t, run(t, New(bm, f.dir, []ActivitySpec{ordersSpec()}, testOptions())))

	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, f.dst.Values("db", "Orders"))

	c := bm.Cache()
	act, ok := c.Activity("orders")
	require.True(t, ok)
	assert.Equal(t, state.ActivityCompleted, act.State)

	its := c.Iterations("orders")
	require.Len(t, its, 1)
	it := its[0]
	assert.Equal(t, state.IterationCompleted, it.State)
	assert.Equal(t, "5", it.CursorEnd)
	assert.Empty(t, it.CursorStart)
	assert.False(t, f.dst.HasTable("db", it.TempTableName), "temp table should be dropped")

	blocks := c.Blocks(it.Key())
	require.Len(t, blocks, 1)
	assert.Equal(t, state.BlockExtentMoved, blocks[0].State)
	assert.Equal(t, state.NewBlockTag(firstBlock), blocks[0].BlockTag)

	urls := c.Urls(firstBlock)
	require.Len(t, urls, 3)
	for _, u := range urls {
		assert.Equal(t, state.UrlIngested, u.State)
	}
	var rows int64
	for _, e := range c.Extents(firstBlock) {
		rows += e.RowCount
	}
	assert.Equal(t, int64(5), rows)
}

func TestRun_CompletedActivityIsLeftAlone(t *testing.T) {
	f := newFixture(t)
	f.src.Append("db", "Orders", "a")
	bm, _ := f.open(t)
	r := New(bm, f.dir, []ActivitySpec{ordersSpec()}, testOptions())

	require.NoError(t, run(t, r))
	exports := f.src.Calls(memcluster.MethodStartExport)

	f.src.Append("db", "Orders", "b")
	require.NoError(t, run(t, r))
	assert.Equal(t, exports, f.src.Calls(memcluster.MethodStartExport))
	assert.Equal(t, []string{"a"}, f.dst.Values("db", "Orders"))
}

type fixedPlanner []planner.BlockPlan

func (p fixedPlanner) Plan(context.Context, state.Activity, state.Iteration) ([]planner.BlockPlan, error) {
	return p, nil
}

func TestRun_PlannerSplitsBlocks(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := testutil.NewManualClock(t0)
	f := newFixture(t, memcluster.WithClock(clock.Now))
	f.src.Append("db", "Orders", "a", "b")
	clock.Advance(time.Hour)
	f.src.Append("db", "Orders", "c", "d", "e")

	bm, _ := f.open(t)
	opts := testOptions()
	split := t0.Add(30 * time.Minute)
	opts.Planner = fixedPlanner{{IngestionTimeEnd: split}, {IngestionTimeStart: split}}

	require.NoError(t, run(t, New(bm, f.dir, []ActivitySpec{ordersSpec()}, opts)))
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, f.dst.Values("db", "Orders"))

	blocks := bm.Cache().Blocks(state.IterationKey{Activity: "orders", Iteration: 1})
	require.Len(t, blocks, 2)
	assert.Len(t, bm.Cache().Urls(blocks[0].Key()), 1)
	assert.Len(t, bm.Cache().Urls(blocks[1].Key()), 2)
	assert.NotEqual(t, blocks[0].BlockTag, blocks[1].BlockTag)
}

func TestRun_RetriesFailedExport(t *testing.T) {
	f := newFixture(t)
	f.src.Append("db", "Orders", "a", "b", "c")
	f.src.FailNextOperation(cluster.OperationFailed, "export node lost", true)
	bm, _ := f.open(t)
	opts := testOptions()
	opts.MaxBlockRetries = 2

	require.NoError(t, run(t, New(bm, f.dir, []ActivitySpec{ordersSpec()}, opts)))
	assert.Equal(t, []string{"a", "b", "c"}, f.dst.Values("db", "Orders"))

	blk, ok := bm.Cache().Block(firstBlock)
	require.True(t, ok)
	assert.Equal(t, 1, blk.Retries)
	assert.Equal(t, 2, f.src.Calls(memcluster.MethodStartExport))
}

func TestRun_RetriesFailedIngestion(t *testing.T) {
	f := newFixture(t)
	f.src.Append("db", "Orders", "a", "b", "c")
	f.dst.FailNextIngestion("corrupt blob")
	bm, _ := f.open(t)
	opts := testOptions()
	opts.MaxBlockRetries = 1

	require.NoError(t, run(t, New(bm, f.dir, []ActivitySpec{ordersSpec()}, opts)))
	assert.Equal(t, []string{"a", "b", "c"}, f.dst.Values("db", "Orders"))

	blk, ok := bm.Cache().Block(firstBlock)
	require.True(t, ok)
	assert.Equal(t, 1, blk.Retries)
}

func TestRun_RetriesExhausted(t *testing.T) {
	f := newFixture(t)
	f.src.Append("db", "Orders", "a")
	f.src.FailNextOperation(cluster.OperationFailed, "export node lost", true)
	bm, _ := f.open(t)

	err := run(t, New(bm, f.dir, []ActivitySpec{ordersSpec()}, testOptions()))
	require.Error(t, err)
	assert.False(t, IsFatal(err))

	var blockErr *BlockError
	require.ErrorAs(t, err, &blockErr)
	assert.Equal(t, firstBlock, blockErr.Block)
	assert.True(t, cluster.IsRetryable(err))

	var itErr *IterationError
	require.ErrorAs(t, err, &itErr)
	assert.Equal(t, "orders#1", itErr.Iteration.String())

	act, _ := bm.Cache().Activity("orders")
	assert.Equal(t, state.ActivityRunning, act.State)
}

func TestRun_FailedActivityDoesNotStopOthers(t *testing.T) {
	f := newFixture(t)
	f.src.Append("db", "Orders", "a", "b")
	f.src.Append("db", "Events", "x")
	bm, _ := f.open(t)

	broken := ActivitySpec{
		Name:        "events",
		Source:      state.NewTableIdentity(srcURI, "db", "Events"),
		Destination: state.NewTableIdentity(dstURI, "db", "Missing"),
	}
	err := run(t, New(bm, f.dir, []ActivitySpec{ordersSpec(), broken}, testOptions()))
	require.Error(t, err)
	assert.False(t, IsFatal(err))

	var itErr *IterationError
	require.ErrorAs(t, err, &itErr)
	assert.Equal(t, "events", itErr.Iteration.Activity)
	assert.Equal(t, state.IterationTempTableCreating, itErr.State)

	assert.Equal(t, []string{"a", "b"}, f.dst.Values("db", "Orders"))
	act, _ := bm.Cache().Activity("orders")
	assert.Equal(t, state.ActivityCompleted, act.State)
}

func TestRun_AbsorbsThrottling(t *testing.T) {
	f := newFixture(t)
	f.src.Append("db", "Orders", "a")
	f.src.FailNext(memcluster.MethodStartExport, cluster.ErrThrottled)
	f.src.FailNext(memcluster.MethodStartExport, cluster.ErrThrottled)
	f.dir.Register(srcURI, cluster.WithRetry(f.src, cluster.RetryPolicy{MaxAttempts: 5, Step: time.Millisecond}, discard()))
	bm, _ := f.open(t)

	require.NoError(t, run(t, New(bm, f.dir, []ActivitySpec{ordersSpec()}, testOptions())))
	assert.Equal(t, []string{"a"}, f.dst.Values("db", "Orders"))
	assert.Equal(t, 3, f.src.Calls(memcluster.MethodStartExport))
}

func TestRun_RejectsRetargetedActivity(t *testing.T) {
	f := newFixture(t)
	f.src.Append("db", "Orders", "a")
	bm, _ := f.open(t)
	require.NoError(t, run(t, New(bm, f.dir, []ActivitySpec{ordersSpec()}, testOptions())))

	moved := ordersSpec()
	moved.Destination.Table = "OrdersV2"
	err := run(t, New(bm, f.dir, []ActivitySpec{moved}, testOptions()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is recorded as")
}

func TestRun_UnknownClusterFailsFast(t *testing.T) {
	f := newFixture(t)
	bm, _ := f.open(t)
	spec := ordersSpec()
	spec.Source.ClusterURI = "https://nowhere"

	err := run(t, New(bm, f.dir, []ActivitySpec{spec}, testOptions()))
	require.ErrorIs(t, err, cluster.ErrUnknownCluster)
}

func TestRun_ResumesQueuedBlockAfterRestart(t *testing.T) {
	f := newFixture(t)
	f.src.Append("db", "Orders", "a", "b", "c", "d", "e")
	f.dst.SetPolls(1 << 30)

	bm, closeBM := f.open(t)
	stop := runInBackground(New(bm, f.dir, []ActivitySpec{ordersSpec()}, testOptions()))
	require.Eventually(t, func() bool {
		return blockState(bm, firstBlock) == state.BlockQueued
	}, 5*time.Second, time.Millisecond)
	require.NoError(t, stop())
	closeBM()
	queued := f.dst.Calls(memcluster.MethodQueueIngestion)

	f.dst.SetPolls(0)
	bm, _ = f.open(t)
	require.NoError(t, run(t, New(bm, f.dir, []ActivitySpec{ordersSpec()}, testOptions())))

	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, f.dst.Values("db", "Orders"))
	assert.Equal(t, queued, f.dst.Calls(memcluster.MethodQueueIngestion), "queued ingestions are awaited, not redone")
}

func TestRun_ReplansExportingBlockAfterRestart(t *testing.T) {
	f := newFixture(t)
	f.src.Append("db", "Orders", "a", "b", "c")
	f.src.SetPolls(1 << 30)

	bm, closeBM := f.open(t)
	stop := runInBackground(New(bm, f.dir, []ActivitySpec{ordersSpec()}, testOptions()))
	require.Eventually(t, func() bool {
		return blockState(bm, firstBlock) == state.BlockExporting
	}, 5*time.Second, time.Millisecond)
	require.NoError(t, stop())
	closeBM()

	f.src.SetPolls(0)
	bm, _ = f.open(t)
	require.NoError(t, run(t, New(bm, f.dir, []ActivitySpec{ordersSpec()}, testOptions())))

	assert.Equal(t, []string{"a", "b", "c"}, f.dst.Values("db", "Orders"))
	assert.Equal(t, 2, f.src.Calls(memcluster.MethodStartExport))
	blk, _ := bm.Cache().Block(firstBlock)
	assert.Zero(t, blk.Retries, "a restart is not a retry")
}

func TestRun_ContinuousFollowsCursor(t *testing.T) {
	f := newFixture(t)
	f.src.Append("db", "Orders", "a", "b")
	bm, _ := f.open(t)
	spec := ordersSpec()
	spec.Continuous = true

	stop := runInBackground(New(bm, f.dir, []ActivitySpec{spec}, testOptions()))
	require.Eventually(t, func() bool {
		return len(f.dst.Values("db", "Orders")) == 2
	}, 5*time.Second, time.Millisecond)

	f.src.Append("db", "Orders", "c", "d")
	require.Eventually(t, func() bool {
		it, ok := bm.Cache().Iteration(state.IterationKey{Activity: "orders", Iteration: 2})
		return ok && it.State == state.IterationCompleted
	}, 5*time.Second, time.Millisecond)
	require.NoError(t, stop())

	assert.Equal(t, []string{"a", "b", "c", "d"}, f.dst.Values("db", "Orders"))
	it, _ := bm.Cache().Iteration(state.IterationKey{Activity: "orders", Iteration: 2})
	assert.Equal(t, "2", it.CursorStart)
	assert.Equal(t, "4", it.CursorEnd)

	act, _ := bm.Cache().Activity("orders")
	assert.Equal(t, state.ActivityRunning, act.State)
	assert.Len(t, bm.Cache().Iterations("orders"), 2, "no iteration while the cursor stands still")
}

// stateLog records the distinct states each record passes through.
type stateLog struct {
	mu  sync.Mutex
	seq map[string][]int
}

func newStateLog() *stateLog { return &stateLog{seq: map[string][]int{}} }

func (l *stateLog) note(key string, s int) {
	prev := l.seq[key]
	if len(prev) > 0 && prev[len(prev)-1] == s {
		return
	}
	l.seq[key] = append(prev, s)
}

func (l *stateLog) observe(c *cache.Cache) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, at := range c.Tree() {
		l.note("activity "+at.Activity.Name, int(at.Activity.State))
		for _, it := range at.Iterations {
			l.note("iteration "+it.Iteration.Key().String(), int(it.Iteration.State))
			for _, bt := range it.Blocks {
				l.note("block "+bt.Block.Key().String(), int(bt.Block.State))
				for _, u := range bt.Urls {
					l.note(fmt.Sprintf("url %s %s", bt.Block.Key(), u.Url), int(u.State))
				}
			}
		}
	}
}

// watch samples bm until the returned func is called.
func (l *stateLog) watch(bm *bookmark.Bookmark) func() {
	quit := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(200 * time.Microsecond)
		defer ticker.Stop()
		for {
			l.observe(bm.Cache())
			select {
			case <-quit:
				return
			case <-ticker.C:
			}
		}
	}()
	return func() {
		close(quit)
		<-done
		l.observe(bm.Cache())
	}
}

// backwards lists every step in the log that moves a record to an earlier
// state, other than the restart rollbacks.
func (l *stateLog) backwards() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for key, seq := range l.seq {
		for i := 1; i < len(seq); i++ {
			from, to := seq[i-1], seq[i]
			if to >= from {
				continue
			}
			switch {
			case strings.HasPrefix(key, "block ") &&
				from == int(state.BlockExporting) && to == int(state.BlockPlanned):
			case strings.HasPrefix(key, "url ") && to == int(state.UrlExported):
			default:
				out = append(out, fmt.Sprintf("%s: %v", key, seq))
			}
		}
	}
	return out
}

func TestRun_StatesOnlyMoveForwardAcrossRestarts(t *testing.T) {
	f := newFixture(t)
	f.src.Append("db", "Orders", "a", "b", "c", "d", "e")
	log := newStateLog()
	specs := []ActivitySpec{ordersSpec()}

	// First run stops with the first block mid-export.
	f.src.SetPolls(1 << 30)
	bm, closeBM := f.open(t)
	unwatch := log.watch(bm)
	stop := runInBackground(New(bm, f.dir, specs, testOptions()))
	require.Eventually(t, func() bool {
		return blockState(bm, firstBlock) == state.BlockExporting
	}, 5*time.Second, time.Millisecond)
	require.NoError(t, stop())
	unwatch()
	closeBM()

	// Second run stops with the block waiting on its ingestion.
	f.src.SetPolls(0)
	f.dst.SetPolls(1 << 30)
	bm, closeBM = f.open(t)
	unwatch = log.watch(bm)
	stop = runInBackground(New(bm, f.dir, specs, testOptions()))
	require.Eventually(t, func() bool {
		return blockState(bm, firstBlock) == state.BlockQueued
	}, 5*time.Second, time.Millisecond)
	require.NoError(t, stop())
	unwatch()
	closeBM()

	f.dst.SetPolls(0)
	bm, _ = f.open(t)
	unwatch = log.watch(bm)
	require.NoError(t, run(t, New(bm, f.dir, specs, testOptions())))
	unwatch()

	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, f.dst.Values("db", "Orders"))
	assert.Empty(t, log.backwards())

	seq := log.seq["block "+firstBlock.String()]
	assert.Contains(t, seq, int(state.BlockExporting))
	assert.Contains(t, seq, int(state.BlockQueued))
	assert.Equal(t, int(state.BlockExtentMoved), seq[len(seq)-1])
}
