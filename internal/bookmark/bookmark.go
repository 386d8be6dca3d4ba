// Package bookmark persists replication progress. It couples the journal,
// which owns durability, with the materialised cache, which answers reads.
//
// Callers describe changes as records, never as journal block IDs. A put of
// a key already in the cache updates that key's block; anything else is
// appended.
package bookmark

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/kustocopy/internal/blob"
	"github.com/roach88/kustocopy/internal/cache"
	"github.com/roach88/kustocopy/internal/journal"
	"github.com/roach88/kustocopy/internal/state"
)

// Tx is one atomic bookmark change.
type Tx struct {
	Put    []state.Record
	Delete []state.Record
}

func (tx Tx) Empty() bool { return len(tx.Put) == 0 && len(tx.Delete) == 0 }

type config struct {
	logger      *slog.Logger
	journalOpts []journal.Option
}

// Option configures Open.
type Option func(*config)

func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
		c.journalOpts = append(c.journalOpts, journal.WithLogger(logger))
	}
}

// WithLease holds the bookmark's exclusive lease while open.
func WithLease(holder string, duration, renewEvery time.Duration) Option {
	return func(c *config) {
		c.journalOpts = append(c.journalOpts, journal.WithLease(holder, duration, renewEvery))
	}
}

// WithQueueSize bounds the journal's pending commit queue.
func WithQueueSize(n int) Option {
	return func(c *config) {
		c.journalOpts = append(c.journalOpts, journal.WithQueueSize(n))
	}
}

// Bookmark is an open bookmark.
type Bookmark struct {
	journal *journal.Store
	logger  *slog.Logger

	mu    sync.Mutex // serialises cache publication
	cache atomic.Pointer[cache.Cache]
}

// Open opens the journal on b and replays it into a cache.
func Open(ctx context.Context, b blob.BlockBlob, opts ...Option) (*Bookmark, error) {
	cfg := config{logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}

	store, err := journal.Open(ctx, b, cfg.journalOpts...)
	if err != nil {
		return nil, fmt.Errorf("open bookmark: %w", err)
	}
	c, err := cache.Replay(store.ReadAll())
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("open bookmark: %w", err)
	}

	bm := &Bookmark{journal: store, logger: cfg.logger}
	bm.cache.Store(c)
	cfg.logger.Info("bookmark opened", "records", c.Len(), "activities", len(c.Activities()))
	return bm, nil
}

// Cache returns the current snapshot.
func (b *Bookmark) Cache() *cache.Cache { return b.cache.Load() }

// Fatal delivers a lost lease. The bookmark must not be written afterwards.
func (b *Bookmark) Fatal() <-chan error { return b.journal.Fatal() }

func (b *Bookmark) Close() error { return b.journal.Close() }

type pendingPut struct {
	record state.Record
	id     journal.ID
	added  int // index into journal Adds, or -1 for updates
}

// Commit writes tx atomically and publishes the resulting cache.
func (b *Bookmark) Commit(ctx context.Context, tx Tx) error {
	if tx.Empty() {
		return nil
	}

	snapshot := b.cache.Load()
	seen := make(map[string]bool, len(tx.Put)+len(tx.Delete))
	var jtx journal.Transaction

	puts := make([]pendingPut, 0, len(tx.Put))
	for _, r := range tx.Put {
		data, err := state.Encode(r)
		if err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		if err := claim(seen, r); err != nil {
			return err
		}
		p := pendingPut{record: r, added: -1}
		if id, ok := snapshot.IDOf(r); ok {
			p.id = id
			jtx.Updates = append(jtx.Updates, journal.Block{ID: id, Data: data})
		} else {
			p.added = len(jtx.Adds)
			jtx.Adds = append(jtx.Adds, data)
		}
		puts = append(puts, p)
	}

	deletes := make([]cache.Entry, 0, len(tx.Delete))
	for _, r := range tx.Delete {
		if err := claim(seen, r); err != nil {
			return err
		}
		if r.Kind != state.KindUrl && r.Kind != state.KindExtent {
			return fmt.Errorf("commit: delete %s: %w", r, cache.ErrNotRemovable)
		}
		id, ok := snapshot.IDOf(r)
		if !ok {
			return fmt.Errorf("commit: delete %s: %w", r, cache.ErrNotFound)
		}
		jtx.Deletes = append(jtx.Deletes, id)
		deletes = append(deletes, cache.Entry{ID: id, Record: r})
	}

	// Dry run against the snapshot so causality violations never reach the
	// journal. Adds get placeholder IDs that cannot clash with real ones.
	entries := make([]cache.Entry, 0, len(puts))
	for _, p := range puts {
		id := p.id
		if p.added >= 0 {
			id = journal.ID(-1 - p.added)
		}
		entries = append(entries, cache.Entry{ID: id, Record: p.record})
	}
	if err := publishable(snapshot, entries, deletes); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	res, err := b.journal.ApplyTransaction(ctx, jtx)
	if err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	for i, p := range puts {
		if p.added >= 0 {
			entries[i].ID = res.Added[p.added]
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	next, err := b.cache.Load().Apply(entries...)
	if err == nil && len(deletes) > 0 {
		next, err = next.Remove(deletes...)
	}
	if err != nil {
		// The journal already holds tx; only a replay can reconcile.
		return fmt.Errorf("commit: publish: %w", err)
	}
	b.cache.Store(next)

	b.logger.Debug("bookmark committed", "puts", len(tx.Put), "deletes", len(tx.Delete),
		"added", len(res.Added), "records", next.Len())
	return nil
}

func publishable(c *cache.Cache, puts, deletes []cache.Entry) error {
	next, err := c.Apply(puts...)
	if err != nil {
		return err
	}
	if len(deletes) > 0 {
		_, err = next.Remove(deletes...)
	}
	return err
}

func claim(seen map[string]bool, r state.Record) error {
	k := r.Key()
	if seen[k] {
		return fmt.Errorf("commit: %s appears twice in one transaction: %w", k, state.ErrInvalid)
	}
	seen[k] = true
	return nil
}
