package journal

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/kustocopy/internal/blob"
)

// ID identifies a journal block. IDs are assigned by the journal.
type ID int64

// Block is one journal block as seen by readers.
type Block struct {
	ID   ID
	Data []byte
}

// Transaction is an atomic set of changes.
// Adds carry payloads only; the journal assigns their IDs.
type Transaction struct {
	Adds    [][]byte
	Updates []Block
	Deletes []ID
}

// Empty reports whether the transaction changes nothing.
func (t Transaction) Empty() bool {
	return len(t.Adds) == 0 && len(t.Updates) == 0 && len(t.Deletes) == 0
}

// Result reports the IDs touched by a committed transaction.
// Added is aligned with Transaction.Adds.
type Result struct {
	Added   []ID
	Updated []ID
	Deleted []ID
}

const (
	defaultQueueSize = 256
)

// Store is an open journal.
type Store struct {
	blob     blob.BlockBlob
	logger   *slog.Logger
	producer string

	mu       sync.Mutex
	live     map[ID][]byte // committed content, header included
	reserved map[ID]bool   // allocated to adds not yet committed
	free     []ID          // freed IDs, ascending
	next     ID

	pending chan *commitItem
	stop    chan struct{}
	stopped chan struct{}
	commits atomic.Int64

	leaseCfg *leaseConfig
	keeper   *leaseKeeper

	closeOnce sync.Once
}

// Option configures Open.
type Option func(*Store)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithQueueSize bounds how many commit requests may wait for the pump.
func WithQueueSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.pending = make(chan *commitItem, n)
		}
	}
}

// WithProducerVersion overrides the producer version written to new headers.
func WithProducerVersion(v string) Option {
	return func(s *Store) {
		s.producer = v
	}
}

// WithLease makes Open take the blob lease for holder and keep renewing it
// every renewEvery for the lifetime of the Store.
func WithLease(holder string, duration, renewEvery time.Duration) Option {
	return func(s *Store) {
		s.leaseCfg = &leaseConfig{
			holder:     holder,
			duration:   duration,
			renewEvery: renewEvery,
		}
	}
}

// Open opens the journal stored in b, creating it when b does not exist.
//
// Open fails with ErrCorruptHeader if block 0 is not a valid header of the
// current format version. It rebuilds the live ID set and the free list from
// the committed block list.
func Open(ctx context.Context, b blob.BlockBlob, opts ...Option) (*Store, error) {
	s := &Store{
		blob:     b,
		logger:   slog.Default(),
		producer: ProducerVersion,
		live:     make(map[ID][]byte),
		reserved: make(map[ID]bool),
		pending:  make(chan *commitItem, defaultQueueSize),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.leaseCfg != nil {
		keeper, err := startLeaseKeeper(ctx, b, *s.leaseCfg, s.logger)
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		s.keeper = keeper

		n, err := b.PurgeStaged(ctx)
		if err != nil {
			keeper.stop(context.Background())
			return nil, fmt.Errorf("open journal: %w", err)
		}
		if n > 0 {
			s.logger.Info("purged orphaned staged blocks", "count", n)
		}
	}

	if err := s.load(ctx); err != nil {
		if s.keeper != nil {
			s.keeper.stop(context.Background())
		}
		return nil, fmt.Errorf("open journal: %w", err)
	}

	go s.commitLoop()
	return s, nil
}

// load reads the committed list, creating the blob and header if needed.
func (s *Store) load(ctx context.Context) error {
	exists, err := s.blob.Exists(ctx)
	if err != nil {
		return err
	}
	if !exists {
		if err := s.blob.Create(ctx); err != nil {
			return err
		}
	}

	blocks, err := s.blob.CommittedBlocks(ctx)
	if err != nil {
		return err
	}

	if len(blocks) == 0 {
		return s.writeHeader(ctx)
	}

	for i, blk := range blocks {
		id, err := parseBlockName(blk.Name)
		if err != nil {
			return err
		}
		if i == 0 {
			if id != HeaderID {
				return fmt.Errorf("%w: first block is %s", ErrCorruptHeader, blk.Name)
			}
			if _, err := decodeHeader(blk.Data); err != nil {
				return err
			}
		} else if id == HeaderID {
			return fmt.Errorf("%w: header at position %d", ErrCorruptBlockList, i)
		}
		if _, dup := s.live[id]; dup {
			return fmt.Errorf("%w: block %s listed twice", ErrCorruptBlockList, blk.Name)
		}
		s.live[id] = blk.Data
	}

	var maxID ID
	for id := range s.live {
		maxID = max(maxID, id)
	}
	for id := ID(1); id < maxID; id++ {
		if _, ok := s.live[id]; !ok {
			s.free = append(s.free, id)
		}
	}
	s.next = maxID + 1

	s.logger.Debug("journal opened",
		"blocks", len(s.live)-1,
		"free_ids", len(s.free),
		"next_id", s.next)
	return nil
}

func (s *Store) writeHeader(ctx context.Context) error {
	data, err := encodeHeader(s.producer)
	if err != nil {
		return err
	}
	staged, err := s.blob.StageBlock(ctx, blockName(HeaderID), data)
	if err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if err := s.blob.CommitBlockList(ctx, []blob.BlockRef{{Name: staged.Name, StageID: staged.StageID}}); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	s.live[HeaderID] = data
	s.next = 1
	s.logger.Info("journal created", "format_version", FormatVersion)
	return nil
}

// ReadAll returns every live block except the header, ordered by ID.
// The returned data must not be modified.
func (s *Store) ReadAll() []Block {
	s.mu.Lock()
	defer s.mu.Unlock()

	blocks := make([]Block, 0, len(s.live))
	for id, data := range s.live {
		if id == HeaderID {
			continue
		}
		blocks = append(blocks, Block{ID: id, Data: data})
	}
	slices.SortFunc(blocks, func(a, b Block) int {
		return compareID(a.ID, b.ID)
	})
	return blocks
}

// Commits returns how many block list commits the pump has issued, header
// excluded. Concurrent transactions share commits, so this is usually lower
// than the number of transactions applied.
func (s *Store) Commits() int64 {
	return s.commits.Load()
}

// Fatal returns a channel that receives an error if the lease is lost.
// It never fires when the Store was opened without WithLease.
func (s *Store) Fatal() <-chan error {
	if s.keeper == nil {
		return nil
	}
	return s.keeper.fatal
}

// ApplyTransaction stages and commits tx atomically.
//
// Cancellation is observed while validating, staging and waiting for the pump
// to accept the request. Once accepted, the outcome is awaited so a durable
// commit is never reported as failed.
func (s *Store) ApplyTransaction(ctx context.Context, tx Transaction) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if s.isClosed() {
		return Result{}, ErrClosed
	}
	if tx.Empty() {
		return Result{}, nil
	}

	added, err := s.reserve(tx)
	if err != nil {
		return Result{}, fmt.Errorf("apply transaction: %w", err)
	}

	item, err := s.stage(ctx, tx, added)
	if err != nil {
		s.unreserve(added)
		return Result{}, fmt.Errorf("apply transaction: %w", err)
	}

	select {
	case s.pending <- item:
	case <-ctx.Done():
		s.unreserve(added)
		return Result{}, ctx.Err()
	case <-s.stop:
		s.unreserve(added)
		return Result{}, ErrClosed
	}

	if err := item.wait(s.stopped); err != nil {
		return Result{}, fmt.Errorf("apply transaction: %w", err)
	}

	result := Result{Added: added}
	for _, u := range tx.Updates {
		result.Updated = append(result.Updated, u.ID)
	}
	result.Deleted = append(result.Deleted, tx.Deletes...)
	return result, nil
}

// reserve validates update/delete IDs and allocates IDs for adds.
func (s *Store) reserve(tx Transaction) ([]ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[ID]bool, len(tx.Updates)+len(tx.Deletes))
	check := func(id ID) error {
		if id == HeaderID {
			return fmt.Errorf("%w: header block is not writable", ErrUnknownBlock)
		}
		if seen[id] {
			return fmt.Errorf("%w: %d", ErrDuplicateBlock, id)
		}
		seen[id] = true
		if _, ok := s.live[id]; !ok {
			return fmt.Errorf("%w: %d", ErrUnknownBlock, id)
		}
		return nil
	}
	for _, u := range tx.Updates {
		if err := check(u.ID); err != nil {
			return nil, err
		}
	}
	for _, id := range tx.Deletes {
		if err := check(id); err != nil {
			return nil, err
		}
	}

	added := make([]ID, len(tx.Adds))
	for i := range tx.Adds {
		added[i] = s.allocate()
	}
	return added, nil
}

// allocate returns the smallest freed ID, else the next counter value.
// Caller holds s.mu.
func (s *Store) allocate() ID {
	var id ID
	if len(s.free) > 0 {
		id = s.free[0]
		s.free = s.free[1:]
	} else {
		id = s.next
		s.next++
	}
	s.reserved[id] = true
	return id
}

// unreserve returns IDs allocated to a transaction that never committed.
func (s *Store) unreserve(ids []ID) {
	if len(ids) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseLocked(ids)
}

func (s *Store) releaseLocked(ids []ID) {
	for _, id := range ids {
		delete(s.reserved, id)
		s.free = append(s.free, id)
	}
	slices.SortFunc(s.free, compareID)
}

// stage writes every new content concurrently.
func (s *Store) stage(ctx context.Context, tx Transaction, added []ID) (*commitItem, error) {
	item := &commitItem{
		adds:    make([]stagedBlock, len(tx.Adds)),
		updates: make([]stagedBlock, len(tx.Updates)),
		deletes: tx.Deletes,
		done:    make(chan error, 1),
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, data := range tx.Adds {
		g.Go(func() error {
			sb, err := s.stageOne(gctx, added[i], data)
			item.adds[i] = sb
			return err
		})
	}
	for i, u := range tx.Updates {
		g.Go(func() error {
			sb, err := s.stageOne(gctx, u.ID, u.Data)
			item.updates[i] = sb
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return item, nil
}

func (s *Store) stageOne(ctx context.Context, id ID, data []byte) (stagedBlock, error) {
	staged, err := s.blob.StageBlock(ctx, blockName(id), data)
	if err != nil {
		return stagedBlock{}, fmt.Errorf("stage block %d: %w", id, err)
	}
	return stagedBlock{id: id, stageID: staged.StageID, data: data}, nil
}

// Close stops the commit pump and the lease keeper, then releases the lease.
// Requests still pending fail with ErrClosed.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stop)
		<-s.stopped
		if s.keeper != nil {
			err = s.keeper.stop(context.Background())
		}
	})
	return err
}

func (s *Store) isClosed() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

func compareID(a, b ID) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
