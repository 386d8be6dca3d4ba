// Package cluster is the boundary to the source and destination database
// clusters. Runners only talk to clusters through Client; command text and
// authentication live behind implementations of it.
package cluster

import (
	"context"
	"errors"
	"time"
)

// ErrThrottled is returned by a Client call the cluster refused because it
// is over capacity. WithRetry absorbs it.
var ErrThrottled = errors.New("cluster throttled")

// Capacity is the concurrent-operation limits a cluster reports.
type Capacity struct {
	ExportSlots  int
	IngestSlots  int
	CommandSlots int
}

// ExportRequest selects source rows whose cursor is in
// (CursorStart, CursorEnd] and whose ingestion time is in
// [IngestionTimeStart, IngestionTimeEnd). Empty or zero bounds are open.
type ExportRequest struct {
	Database           string
	Table              string
	CursorStart        string
	CursorEnd          string
	IngestionTimeStart time.Time
	IngestionTimeEnd   time.Time
}

// ExportedUrl is one blob written by an export.
type ExportedUrl struct {
	Url      string
	RowCount int64
}

// IngestRequest queues one exported blob for ingestion into a table with
// every produced extent tagged Tag.
type IngestRequest struct {
	Database string
	Table    string
	Url      string
	Tag      string
}

// IngestionState is the progress of a queued ingestion.
type IngestionState int

const (
	IngestionPending IngestionState = iota + 1
	IngestionSucceeded
	IngestionFailed
)

func (s IngestionState) String() string {
	switch s {
	case IngestionPending:
		return "Pending"
	case IngestionSucceeded:
		return "Succeeded"
	case IngestionFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

type IngestionStatus struct {
	State   IngestionState
	Message string
}

// Extent is a data shard of a destination table.
type Extent struct {
	ID       string
	RowCount int64
}

// MoveRequest moves extents between two tables of one database.
type MoveRequest struct {
	Database  string
	FromTable string
	ToTable   string
	ExtentIDs []string
}

// OperationState is the status of an asynchronous cluster operation.
type OperationState int

const (
	OperationInProgress OperationState = iota + 1
	OperationSucceeded
	OperationFailed
	OperationThrottled
)

func (s OperationState) String() string {
	switch s {
	case OperationInProgress:
		return "InProgress"
	case OperationSucceeded:
		return "Succeeded"
	case OperationFailed:
		return "Failed"
	case OperationThrottled:
		return "Throttled"
	default:
		return "Unknown"
	}
}

// Terminal reports whether polling can stop.
func (s OperationState) Terminal() bool {
	return s == OperationSucceeded || s == OperationFailed || s == OperationThrottled
}

type OperationStatus struct {
	ID          string
	State       OperationState
	Message     string
	ShouldRetry bool
}

// Client executes administrative commands and queries against one cluster.
type Client interface {
	// Capacity reports the cluster's concurrent-operation limits.
	Capacity(ctx context.Context) (Capacity, error)
	// CurrentCursor returns the database's current cursor position.
	CurrentCursor(ctx context.Context, database string) (string, error)

	// StartExport begins an asynchronous export and returns its operation ID.
	StartExport(ctx context.Context, req ExportRequest) (string, error)
	// ExportResults lists the blobs written by a succeeded export.
	ExportResults(ctx context.Context, operationID string) ([]ExportedUrl, error)

	CreateTempTable(ctx context.Context, database, name, likeTable string) error
	// DropTable drops a table; dropping a missing table succeeds.
	DropTable(ctx context.Context, database, name string) error
	// DropExtentsByTag drops every extent of a table carrying tag.
	DropExtentsByTag(ctx context.Context, database, table, tag string) error

	// QueueIngestion queues one blob and returns an opaque handle for
	// IngestionStatus.
	QueueIngestion(ctx context.Context, req IngestRequest) (string, error)
	IngestionStatus(ctx context.Context, queuedResult string) (IngestionStatus, error)
	ExtentsByTag(ctx context.Context, database, table, tag string) ([]Extent, error)
	// MoveExtents begins an asynchronous extent move and returns its
	// operation ID.
	MoveExtents(ctx context.Context, req MoveRequest) (string, error)

	OperationStatus(ctx context.Context, operationID string) (OperationStatus, error)
}
