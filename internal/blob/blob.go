package blob

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when the blob has not been created.
	ErrNotFound = errors.New("blob not found")

	// ErrUnknownBlock is returned when a commit keeps a name that is not
	// currently committed.
	ErrUnknownBlock = errors.New("unknown committed block")

	// ErrUnknownStage is returned when a commit references a stage ID that
	// does not exist (or belongs to another name).
	ErrUnknownStage = errors.New("unknown staged block")

	// ErrDuplicateName is returned when a commit lists the same name twice.
	ErrDuplicateName = errors.New("duplicate block name in commit")

	// ErrLeaseHeld is returned when another holder owns an unexpired lease.
	ErrLeaseHeld = errors.New("lease already held")

	// ErrLeaseLost is returned when renewing or releasing a lease that is no
	// longer ours.
	ErrLeaseLost = errors.New("lease lost")
)

// Block is one committed block with its content.
type Block struct {
	Name string
	Data []byte
}

// StagedBlock identifies uncommitted content.
type StagedBlock struct {
	Name    string
	StageID string
}

// BlockRef is one entry of a committed block list.
// An empty StageID keeps the content currently committed under Name.
type BlockRef struct {
	Name    string
	StageID string
}

// Lease is an exclusive, renewable lock on the blob.
type Lease struct {
	ID        string
	Holder    string
	ExpiresAt time.Time
}

// BlockBlob is the storage primitive consumed by the journal.
type BlockBlob interface {
	Exists(ctx context.Context) (bool, error)
	Create(ctx context.Context) error

	StageBlock(ctx context.Context, name string, data []byte) (StagedBlock, error)
	CommitBlockList(ctx context.Context, refs []BlockRef) error
	CommittedBlocks(ctx context.Context) ([]Block, error)
	PurgeStaged(ctx context.Context) (int, error)

	AcquireLease(ctx context.Context, holder string, duration time.Duration) (Lease, error)
	RenewLease(ctx context.Context, leaseID string, duration time.Duration) (Lease, error)
	ReleaseLease(ctx context.Context, leaseID string) error
}
