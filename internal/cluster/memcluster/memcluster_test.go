package memcluster

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/kustocopy/internal/cluster"
)

func wait(t *testing.T, m *Cluster, id string) cluster.OperationStatus {
	t.Helper()
	status, err := cluster.WaitForOperation(context.Background(), m, id, time.Millisecond)
	require.NoError(t, err)
	return status
}

func TestExportIngestMove(t *testing.T) {
	ctx := context.Background()
	lake := NewLake()
	src := New("https://src", lake, WithExportChunk(2))
	dst := New("https://dst", lake)

	src.Append("db", "T", "a", "b", "c")
	end := src.Append("db", "T", "d", "e")
	assert.Equal(t, "5", end)
	dst.CreateTable("db", "T")

	// Rows in (1, 4].
	id, err := src.StartExport(ctx, cluster.ExportRequest{Database: "db", Table: "T", CursorStart: "1", CursorEnd: "4"})
	require.NoError(t, err)
	wait(t, src, id)

	urls, err := src.ExportResults(ctx, id)
	require.NoError(t, err)
	require.Len(t, urls, 2)
	assert.Equal(t, int64(2), urls[0].RowCount)
	assert.Equal(t, int64(1), urls[1].RowCount)
	assert.Equal(t, 2, lake.Len())

	require.NoError(t, dst.CreateTempTable(ctx, "db", "T_tmp", "T"))
	for _, u := range urls {
		handle, err := dst.QueueIngestion(ctx, cluster.IngestRequest{Database: "db", Table: "T_tmp", Url: u.Url, Tag: "tag-1"})
		require.NoError(t, err)
		require.Eventually(t, func() bool {
			s, err := dst.IngestionStatus(ctx, handle)
			return err == nil && s.State == cluster.IngestionSucceeded
		}, time.Second, time.Millisecond)
	}

	extents, err := dst.ExtentsByTag(ctx, "db", "T_tmp", "tag-1")
	require.NoError(t, err)
	require.Len(t, extents, 2)

	ids := []string{extents[0].ID, extents[1].ID}
	moveID, err := dst.MoveExtents(ctx, cluster.MoveRequest{Database: "db", FromTable: "T_tmp", ToTable: "T", ExtentIDs: ids})
	require.NoError(t, err)
	wait(t, dst, moveID)
	assert.Equal(t, []string{"b", "c", "d"}, dst.Values("db", "T"))
	assert.Empty(t, dst.Values("db", "T_tmp"))

	// Moving again is harmless.
	moveID, err = dst.MoveExtents(ctx, cluster.MoveRequest{Database: "db", FromTable: "T_tmp", ToTable: "T", ExtentIDs: ids})
	require.NoError(t, err)
	wait(t, dst, moveID)
	assert.Equal(t, []string{"b", "c", "d"}, dst.Values("db", "T"))

	require.NoError(t, dst.DropTable(ctx, "db", "T_tmp"))
	assert.False(t, dst.HasTable("db", "T_tmp"))
}

func TestExport_IngestionTimeRange(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	clock := now
	src := New("https://src", NewLake(), WithClock(func() time.Time { return clock }), WithPolls(0))

	src.Append("db", "T", "early")
	clock = now.Add(time.Hour)
	src.Append("db", "T", "late")

	id, err := src.StartExport(ctx, cluster.ExportRequest{
		Database: "db", Table: "T", IngestionTimeStart: now.Add(30 * time.Minute),
	})
	require.NoError(t, err)
	wait(t, src, id)

	urls, err := src.ExportResults(ctx, id)
	require.NoError(t, err)
	require.Len(t, urls, 1)
	assert.Equal(t, int64(1), urls[0].RowCount)
}

func TestDropExtentsByTag(t *testing.T) {
	ctx := context.Background()
	lake := NewLake()
	src := New("https://src", lake, WithPolls(0))
	dst := New("https://dst", lake, WithPolls(0))
	src.Append("db", "T", "a")
	dst.CreateTable("db", "T")

	id, err := src.StartExport(ctx, cluster.ExportRequest{Database: "db", Table: "T"})
	require.NoError(t, err)
	wait(t, src, id)
	urls, err := src.ExportResults(ctx, id)
	require.NoError(t, err)

	for range 2 {
		h, err := dst.QueueIngestion(ctx, cluster.IngestRequest{Database: "db", Table: "T", Url: urls[0].Url, Tag: "x"})
		require.NoError(t, err)
		_, err = dst.IngestionStatus(ctx, h)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"a", "a"}, dst.Values("db", "T"))

	require.NoError(t, dst.DropExtentsByTag(ctx, "db", "T", "x"))
	assert.Empty(t, dst.Values("db", "T"))
}

func TestFaults(t *testing.T) {
	ctx := context.Background()
	lake := NewLake()
	src := New("https://src", lake, WithPolls(0))
	dst := New("https://dst", lake, WithPolls(0))
	src.Append("db", "T", "a")
	dst.CreateTable("db", "T")

	src.FailNext(MethodStartExport, cluster.ErrThrottled)
	_, err := src.StartExport(ctx, cluster.ExportRequest{Database: "db", Table: "T"})
	require.ErrorIs(t, err, cluster.ErrThrottled)

	id, err := src.StartExport(ctx, cluster.ExportRequest{Database: "db", Table: "T"})
	require.NoError(t, err)
	wait(t, src, id)
	urls, err := src.ExportResults(ctx, id)
	require.NoError(t, err)

	dst.FailNextIngestion("bad format")
	h, err := dst.QueueIngestion(ctx, cluster.IngestRequest{Database: "db", Table: "T", Url: urls[0].Url, Tag: "x"})
	require.NoError(t, err)
	s, err := dst.IngestionStatus(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, cluster.IngestionFailed, s.State)
	assert.Equal(t, "bad format", s.Message)

	_, err = dst.QueueIngestion(ctx, cluster.IngestRequest{Database: "db", Table: "T", Url: "https://missing"})
	require.Error(t, err)

	_, err = src.ExportResults(ctx, "unknown")
	require.Error(t, err)
}

func TestCapacity(t *testing.T) {
	want := cluster.Capacity{ExportSlots: 1, IngestSlots: 2, CommandSlots: 3}
	m := New("https://c", NewLake(), WithCapacity(want))
	got, err := m.Capacity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, "https://c", m.URI())
}
