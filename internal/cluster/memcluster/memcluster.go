// Package memcluster is an in-memory cluster.Client. Source rows carry a
// cursor position and an ingestion time; exports write rows to a shared Lake
// and destination ingestion reads them back as tagged extents.
//
// Faults can be injected per method and per asynchronous operation, which
// makes it suitable for tests and for dry runs.
package memcluster

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/kustocopy/internal/cluster"
)

// Method names accepted by FailNext.
const (
	MethodCapacity         = "Capacity"
	MethodCurrentCursor    = "CurrentCursor"
	MethodStartExport      = "StartExport"
	MethodExportResults    = "ExportResults"
	MethodCreateTempTable  = "CreateTempTable"
	MethodDropTable        = "DropTable"
	MethodDropExtentsByTag = "DropExtentsByTag"
	MethodQueueIngestion   = "QueueIngestion"
	MethodIngestionStatus  = "IngestionStatus"
	MethodExtentsByTag     = "ExtentsByTag"
	MethodMoveExtents      = "MoveExtents"
	MethodOperationStatus  = "OperationStatus"
)

// Row is one source record.
type Row struct {
	Cursor        int64     `json:"cursor"`
	IngestionTime time.Time `json:"ingestion_time"`
	Value         string    `json:"value"`
}

// Lake is blob storage shared by the clusters of one simulation.
type Lake struct {
	mu    sync.Mutex
	blobs map[string][]Row
}

func NewLake() *Lake {
	return &Lake{blobs: make(map[string][]Row)}
}

func (l *Lake) put(url string, rows []Row) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.blobs[url] = slices.Clone(rows)
}

func (l *Lake) get(url string) ([]Row, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rows, ok := l.blobs[url]
	return rows, ok
}

// Len is the number of blobs written.
func (l *Lake) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.blobs)
}

type tableRef struct {
	database string
	name     string
}

type extent struct {
	id   string
	tag  string
	rows []Row
}

type table struct {
	rows    []Row // source data
	extents []*extent
}

type operation struct {
	polled   int
	status   cluster.OperationStatus
	injected *cluster.OperationStatus
	complete func() cluster.OperationStatus // runs under mu
	urls     []cluster.ExportedUrl
	done     bool
}

type ingestion struct {
	polled   int
	req      cluster.IngestRequest
	status   cluster.IngestionStatus
	failWith string
	done     bool
}

type queuedResult struct {
	IngestionID string `json:"ingestion_id"`
	Url         string `json:"url"`
}

// Option configures a Cluster.
type Option func(*Cluster)

// WithCapacity sets the limits reported by Capacity.
func WithCapacity(c cluster.Capacity) Option {
	return func(m *Cluster) { m.capacity = c }
}

// WithExportChunk sets how many rows each exported url holds.
func WithExportChunk(rows int) Option {
	return func(m *Cluster) { m.chunk = max(rows, 1) }
}

// WithPolls sets how many status polls an operation or ingestion reports
// in progress before it completes.
func WithPolls(n int) Option {
	return func(m *Cluster) { m.polls = max(n, 0) }
}

// SetPolls changes the poll count, including for pending work.
func (m *Cluster) SetPolls(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.polls = max(n, 0)
}

// WithClock sets the clock used to stamp appended rows.
func WithClock(now func() time.Time) Option {
	return func(m *Cluster) { m.now = now }
}

// Cluster is a simulated cluster. The zero value is not usable; call New.
type Cluster struct {
	mu       sync.Mutex
	uri      string
	lake     *Lake
	capacity cluster.Capacity
	chunk    int
	polls    int
	now      func() time.Time

	cursors    map[string]int64
	tables     map[tableRef]*table
	ops        map[string]*operation
	ingestions map[string]*ingestion

	faults    map[string][]error
	opFaults  []cluster.OperationStatus
	ingFaults []string
	calls     map[string]int
}

var _ cluster.Client = (*Cluster)(nil)

// New returns an empty cluster writing exports to lake.
func New(uri string, lake *Lake, opts ...Option) *Cluster {
	m := &Cluster{
		uri:        uri,
		lake:       lake,
		capacity:   cluster.Capacity{ExportSlots: 4, IngestSlots: 8, CommandSlots: 4},
		chunk:      1000,
		polls:      1,
		now:        time.Now,
		cursors:    make(map[string]int64),
		tables:     make(map[tableRef]*table),
		ops:        make(map[string]*operation),
		ingestions: make(map[string]*ingestion),
		faults:     make(map[string][]error),
		calls:      make(map[string]int),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Cluster) URI() string { return m.uri }

// CreateTable creates an empty table if it does not exist.
func (m *Cluster) CreateTable(database, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureTable(tableRef{database, name})
}

func (m *Cluster) ensureTable(ref tableRef) *table {
	t, ok := m.tables[ref]
	if !ok {
		t = &table{}
		m.tables[ref] = t
	}
	return t
}

// Append adds source rows to a table, advancing the database cursor once
// per row, and returns the cursor after the last row.
func (m *Cluster) Append(database, name string, values ...string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.ensureTable(tableRef{database, name})
	now := m.now().UTC()
	for _, v := range values {
		m.cursors[database]++
		t.rows = append(t.rows, Row{Cursor: m.cursors[database], IngestionTime: now, Value: v})
	}
	return strconv.FormatInt(m.cursors[database], 10)
}

// Values returns every value held by a table's extents, sorted.
func (m *Cluster) Values(database, name string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tables[tableRef{database, name}]
	if !ok {
		return nil
	}
	var out []string
	for _, e := range t.extents {
		for _, r := range e.rows {
			out = append(out, r.Value)
		}
	}
	slices.Sort(out)
	return out
}

// HasTable reports whether a table exists.
func (m *Cluster) HasTable(database, name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tables[tableRef{database, name}]
	return ok
}

// FailNext makes the next call of method return err. Calls queue up.
func (m *Cluster) FailNext(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[method] = append(m.faults[method], err)
}

// FailNextOperation makes the next started operation end in state with
// message.
func (m *Cluster) FailNextOperation(state cluster.OperationState, message string, shouldRetry bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opFaults = append(m.opFaults, cluster.OperationStatus{State: state, Message: message, ShouldRetry: shouldRetry})
}

// FailNextIngestion makes the next queued ingestion fail with message.
func (m *Cluster) FailNextIngestion(message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ingFaults = append(m.ingFaults, message)
}

// Calls returns how many times method was invoked.
func (m *Cluster) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

// enter records a call and pops an injected fault. Callers hold mu.
func (m *Cluster) enter(method string) error {
	m.calls[method]++
	if q := m.faults[method]; len(q) > 0 {
		m.faults[method] = q[1:]
		return q[0]
	}
	return nil
}

func (m *Cluster) startOperation(complete func() cluster.OperationStatus) string {
	id := uuid.NewString()
	op := &operation{complete: complete, status: cluster.OperationStatus{ID: id, State: cluster.OperationInProgress}}
	if len(m.opFaults) > 0 {
		f := m.opFaults[0]
		m.opFaults = m.opFaults[1:]
		f.ID = id
		op.injected = &f
	}
	m.ops[id] = op
	return id
}

func (m *Cluster) Capacity(ctx context.Context) (cluster.Capacity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(MethodCapacity); err != nil {
		return cluster.Capacity{}, err
	}
	return m.capacity, nil
}

func (m *Cluster) CurrentCursor(ctx context.Context, database string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(MethodCurrentCursor); err != nil {
		return "", err
	}
	return strconv.FormatInt(m.cursors[database], 10), nil
}

func parseCursor(s string, open int64) (int64, error) {
	if s == "" {
		return open, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid cursor %q: %w", s, err)
	}
	return v, nil
}

func (m *Cluster) StartExport(ctx context.Context, req cluster.ExportRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(MethodStartExport); err != nil {
		return "", err
	}
	t, ok := m.tables[tableRef{req.Database, req.Table}]
	if !ok {
		return "", fmt.Errorf("table %s.%s not found", req.Database, req.Table)
	}
	start, err := parseCursor(req.CursorStart, 0)
	if err != nil {
		return "", err
	}
	end, err := parseCursor(req.CursorEnd, 1<<62)
	if err != nil {
		return "", err
	}

	var rows []Row
	for _, r := range t.rows {
		if r.Cursor <= start || r.Cursor > end {
			continue
		}
		if !req.IngestionTimeStart.IsZero() && r.IngestionTime.Before(req.IngestionTimeStart) {
			continue
		}
		if !req.IngestionTimeEnd.IsZero() && !r.IngestionTime.Before(req.IngestionTimeEnd) {
			continue
		}
		rows = append(rows, r)
	}

	var id string
	id = m.startOperation(func() cluster.OperationStatus {
		op := m.ops[id]
		for i := 0; i < len(rows); i += m.chunk {
			chunk := rows[i:min(i+m.chunk, len(rows))]
			url := fmt.Sprintf("%s/exports/%s/%04d.json", m.uri, id, i/m.chunk)
			m.lake.put(url, chunk)
			op.urls = append(op.urls, cluster.ExportedUrl{Url: url, RowCount: int64(len(chunk))})
		}
		return cluster.OperationStatus{ID: id, State: cluster.OperationSucceeded}
	})
	return id, nil
}

func (m *Cluster) ExportResults(ctx context.Context, operationID string) ([]cluster.ExportedUrl, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(MethodExportResults); err != nil {
		return nil, err
	}
	op, ok := m.ops[operationID]
	if !ok {
		return nil, fmt.Errorf("operation %s not found", operationID)
	}
	if op.status.State != cluster.OperationSucceeded {
		return nil, fmt.Errorf("operation %s is %s", operationID, op.status.State)
	}
	return slices.Clone(op.urls), nil
}

func (m *Cluster) CreateTempTable(ctx context.Context, database, name, likeTable string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(MethodCreateTempTable); err != nil {
		return err
	}
	if _, ok := m.tables[tableRef{database, likeTable}]; !ok {
		return fmt.Errorf("table %s.%s not found", database, likeTable)
	}
	m.ensureTable(tableRef{database, name})
	return nil
}

func (m *Cluster) DropTable(ctx context.Context, database, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(MethodDropTable); err != nil {
		return err
	}
	delete(m.tables, tableRef{database, name})
	return nil
}

func (m *Cluster) DropExtentsByTag(ctx context.Context, database, name, tag string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(MethodDropExtentsByTag); err != nil {
		return err
	}
	t, ok := m.tables[tableRef{database, name}]
	if !ok {
		return fmt.Errorf("table %s.%s not found", database, name)
	}
	t.extents = slices.DeleteFunc(t.extents, func(e *extent) bool { return e.tag == tag })
	return nil
}

func (m *Cluster) QueueIngestion(ctx context.Context, req cluster.IngestRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(MethodQueueIngestion); err != nil {
		return "", err
	}
	if _, ok := m.lake.get(req.Url); !ok {
		return "", fmt.Errorf("blob %s not found", req.Url)
	}
	id := uuid.NewString()
	ing := &ingestion{req: req, status: cluster.IngestionStatus{State: cluster.IngestionPending}}
	if len(m.ingFaults) > 0 {
		ing.failWith = m.ingFaults[0]
		m.ingFaults = m.ingFaults[1:]
	}
	m.ingestions[id] = ing

	data, err := json.Marshal(queuedResult{IngestionID: id, Url: req.Url})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (m *Cluster) IngestionStatus(ctx context.Context, result string) (cluster.IngestionStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(MethodIngestionStatus); err != nil {
		return cluster.IngestionStatus{}, err
	}
	var qr queuedResult
	if err := json.Unmarshal([]byte(result), &qr); err != nil {
		return cluster.IngestionStatus{}, fmt.Errorf("invalid queued result: %w", err)
	}
	ing, ok := m.ingestions[qr.IngestionID]
	if !ok {
		return cluster.IngestionStatus{}, fmt.Errorf("ingestion %s not found", qr.IngestionID)
	}
	if ing.done {
		return ing.status, nil
	}
	if ing.polled++; ing.polled <= m.polls {
		return ing.status, nil
	}

	ing.done = true
	switch t, ok := m.tables[tableRef{ing.req.Database, ing.req.Table}]; {
	case ing.failWith != "":
		ing.status = cluster.IngestionStatus{State: cluster.IngestionFailed, Message: ing.failWith}
	case !ok:
		ing.status = cluster.IngestionStatus{State: cluster.IngestionFailed, Message: "table not found"}
	default:
		rows, _ := m.lake.get(ing.req.Url)
		t.extents = append(t.extents, &extent{id: uuid.NewString(), tag: ing.req.Tag, rows: slices.Clone(rows)})
		ing.status = cluster.IngestionStatus{State: cluster.IngestionSucceeded}
	}
	return ing.status, nil
}

func (m *Cluster) ExtentsByTag(ctx context.Context, database, name, tag string) ([]cluster.Extent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(MethodExtentsByTag); err != nil {
		return nil, err
	}
	t, ok := m.tables[tableRef{database, name}]
	if !ok {
		return nil, fmt.Errorf("table %s.%s not found", database, name)
	}
	var out []cluster.Extent
	for _, e := range t.extents {
		if e.tag == tag {
			out = append(out, cluster.Extent{ID: e.id, RowCount: int64(len(e.rows))})
		}
	}
	return out, nil
}

// MoveExtents moves extents between tables. Extents already in the target
// table are skipped, so repeating a move is harmless.
func (m *Cluster) MoveExtents(ctx context.Context, req cluster.MoveRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(MethodMoveExtents); err != nil {
		return "", err
	}
	var id string
	id = m.startOperation(func() cluster.OperationStatus {
		from, okFrom := m.tables[tableRef{req.Database, req.FromTable}]
		to, okTo := m.tables[tableRef{req.Database, req.ToTable}]
		if !okTo {
			return cluster.OperationStatus{ID: id, State: cluster.OperationFailed, Message: "target table not found"}
		}
		for _, extentID := range req.ExtentIDs {
			if slices.ContainsFunc(to.extents, func(e *extent) bool { return e.id == extentID }) {
				continue
			}
			if !okFrom {
				return cluster.OperationStatus{ID: id, State: cluster.OperationFailed, Message: "source table not found"}
			}
			i := slices.IndexFunc(from.extents, func(e *extent) bool { return e.id == extentID })
			if i < 0 {
				return cluster.OperationStatus{ID: id, State: cluster.OperationFailed,
					Message: fmt.Sprintf("extent %s not found", extentID)}
			}
			to.extents = append(to.extents, from.extents[i])
			from.extents = slices.Delete(from.extents, i, i+1)
		}
		return cluster.OperationStatus{ID: id, State: cluster.OperationSucceeded}
	})
	return id, nil
}

func (m *Cluster) OperationStatus(ctx context.Context, operationID string) (cluster.OperationStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(MethodOperationStatus); err != nil {
		return cluster.OperationStatus{}, err
	}
	op, ok := m.ops[operationID]
	if !ok {
		return cluster.OperationStatus{}, fmt.Errorf("operation %s not found", operationID)
	}
	if op.done {
		return op.status, nil
	}
	if op.polled++; op.polled <= m.polls {
		return op.status, nil
	}
	op.done = true
	if op.injected != nil {
		op.status = *op.injected
	} else {
		op.status = op.complete()
	}
	return op.status, nil
}
