package blob

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/kustocopy/internal/testutil"
)

// createTestBlob opens a fresh SQLite blob in a temp dir and creates it.
func createTestBlob(t *testing.T, opts ...Option) *SQLiteBlob {
	t.Helper()
	b, err := Open(filepath.Join(t.TempDir(), "bookmark.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	require.NoError(t, b.Create(context.Background()))
	return b
}

func TestOpen_DoesNotCreateBlob(t *testing.T) {
	b, err := Open(filepath.Join(t.TempDir(), "bookmark.db"))
	require.NoError(t, err)
	defer b.Close()

	ok, err := b.Exists(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = b.CommittedBlocks(context.Background())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOpen_InvalidPath(t *testing.T) {
	_, err := Open("/nonexistent/dir/bookmark.db")
	assert.Error(t, err)
}

func TestCreate_Idempotent(t *testing.T) {
	b := createTestBlob(t)
	ctx := context.Background()

	require.NoError(t, b.Create(ctx))
	ok, err := b.Exists(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	blocks, err := b.CommittedBlocks(ctx)
	require.NoError(t, err)
	assert.Empty(t, blocks)
}

func TestStageBlock_InvisibleUntilCommitted(t *testing.T) {
	b := createTestBlob(t)
	ctx := context.Background()

	_, err := b.StageBlock(ctx, "0000000001", []byte("hello"))
	require.NoError(t, err)

	blocks, err := b.CommittedBlocks(ctx)
	require.NoError(t, err)
	assert.Empty(t, blocks, "staged content must not be visible")
}

func TestCommitBlockList_OrderAndContent(t *testing.T) {
	b := createTestBlob(t)
	ctx := context.Background()

	s2, err := b.StageBlock(ctx, "0000000002", []byte("two"))
	require.NoError(t, err)
	s1, err := b.StageBlock(ctx, "0000000001", []byte("one"))
	require.NoError(t, err)

	require.NoError(t, b.CommitBlockList(ctx, []BlockRef{
		{Name: s1.Name, StageID: s1.StageID},
		{Name: s2.Name, StageID: s2.StageID},
	}))

	blocks, err := b.CommittedBlocks(ctx)
	require.NoError(t, err)
	require.Len(t, blocks, 2)
	assert.Equal(t, "0000000001", blocks[0].Name)
	assert.Equal(t, []byte("one"), blocks[0].Data)
	assert.Equal(t, "0000000002", blocks[1].Name)
	assert.Equal(t, []byte("two"), blocks[1].Data)
}

func TestCommitBlockList_KeepReplaceDrop(t *testing.T) {
	b := createTestBlob(t)
	ctx := context.Background()

	var refs []BlockRef
	for _, name := range []string{"a", "b", "c"} {
		s, err := b.StageBlock(ctx, name, []byte(name+"-v1"))
		require.NoError(t, err)
		refs = append(refs, BlockRef{Name: name, StageID: s.StageID})
	}
	require.NoError(t, b.CommitBlockList(ctx, refs))

	// Replace b, keep a, drop c.
	sb, err := b.StageBlock(ctx, "b", []byte("b-v2"))
	require.NoError(t, err)
	require.NoError(t, b.CommitBlockList(ctx, []BlockRef{
		{Name: "a"},
		{Name: "b", StageID: sb.StageID},
	}))

	blocks, err := b.CommittedBlocks(ctx)
	require.NoError(t, err)
	require.Len(t, blocks, 2)
	assert.Equal(t, Block{Name: "a", Data: []byte("a-v1")}, blocks[0])
	assert.Equal(t, Block{Name: "b", Data: []byte("b-v2")}, blocks[1])
}

func TestCommitBlockList_FailuresLeaveListUnchanged(t *testing.T) {
	b := createTestBlob(t)
	ctx := context.Background()

	s, err := b.StageBlock(ctx, "a", []byte("a"))
	require.NoError(t, err)
	require.NoError(t, b.CommitBlockList(ctx, []BlockRef{{Name: "a", StageID: s.StageID}}))

	tests := []struct {
		name string
		refs []BlockRef
		want error
	}{
		{"unknown committed name", []BlockRef{{Name: "a"}, {Name: "zzz"}}, ErrUnknownBlock},
		{"unknown stage", []BlockRef{{Name: "a", StageID: "nope"}}, ErrUnknownStage},
		{"duplicate name", []BlockRef{{Name: "a"}, {Name: "a"}}, ErrDuplicateName},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := b.CommitBlockList(ctx, tt.refs)
			assert.ErrorIs(t, err, tt.want)

			blocks, err := b.CommittedBlocks(ctx)
			require.NoError(t, err)
			assert.Equal(t, []Block{{Name: "a", Data: []byte("a")}}, blocks)
		})
	}
}

func TestCommitBlockList_StageIDBoundToName(t *testing.T) {
	b := createTestBlob(t)
	ctx := context.Background()

	s, err := b.StageBlock(ctx, "a", []byte("a"))
	require.NoError(t, err)

	err = b.CommitBlockList(ctx, []BlockRef{{Name: "b", StageID: s.StageID}})
	assert.ErrorIs(t, err, ErrUnknownStage)
}

func TestPurgeStaged(t *testing.T) {
	b := createTestBlob(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := b.StageBlock(ctx, "orphan", []byte("x"))
		require.NoError(t, err)
	}

	n, err := b.PurgeStaged(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = b.PurgeStaged(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSchemaVersion(t *testing.T) {
	b := createTestBlob(t)

	var version int
	require.NoError(t, b.db.QueryRow("PRAGMA user_version").Scan(&version))
	assert.Equal(t, currentSchemaVersion, version)
}

func TestLease_Exclusive(t *testing.T) {
	clock := testutil.NewManualClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	b := createTestBlob(t, WithClock(clock.Now))
	ctx := context.Background()

	lease, err := b.AcquireLease(ctx, "proc-a", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "proc-a", lease.Holder)

	_, err = b.AcquireLease(ctx, "proc-b", time.Minute)
	assert.ErrorIs(t, err, ErrLeaseHeld)

	// Expired lease can be taken over.
	clock.Advance(2 * time.Minute)
	other, err := b.AcquireLease(ctx, "proc-b", time.Minute)
	require.NoError(t, err)
	assert.NotEqual(t, lease.ID, other.ID)

	// The previous holder has lost it.
	_, err = b.RenewLease(ctx, lease.ID, time.Minute)
	assert.ErrorIs(t, err, ErrLeaseLost)
}

func TestLease_RenewExtends(t *testing.T) {
	clock := testutil.NewManualClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	b := createTestBlob(t, WithClock(clock.Now))
	ctx := context.Background()

	lease, err := b.AcquireLease(ctx, "proc-a", time.Minute)
	require.NoError(t, err)

	clock.Advance(50 * time.Second)
	renewed, err := b.RenewLease(ctx, lease.ID, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(time.Minute), renewed.ExpiresAt)

	clock.Advance(50 * time.Second)
	_, err = b.AcquireLease(ctx, "proc-b", time.Minute)
	assert.ErrorIs(t, err, ErrLeaseHeld, "renewal must push expiry forward")
}

func TestLease_Release(t *testing.T) {
	b := createTestBlob(t)
	ctx := context.Background()

	lease, err := b.AcquireLease(ctx, "proc-a", time.Minute)
	require.NoError(t, err)
	require.NoError(t, b.ReleaseLease(ctx, lease.ID))

	_, err = b.AcquireLease(ctx, "proc-b", time.Minute)
	require.NoError(t, err)

	assert.ErrorIs(t, b.ReleaseLease(ctx, lease.ID), ErrLeaseLost)
}
