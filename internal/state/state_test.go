package state

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testActivity() Activity {
	return NewActivity("orders",
		TableIdentity{ClusterURI: "https://src.example.net/", Database: "sales", Table: "Orders"},
		TableIdentity{ClusterURI: "https://dst.example.net", Database: "sales", Table: "Orders"})
}

func testBlock() Block {
	return NewBlock("orders", 1, 2, time.Time{}, time.Time{})
}

func TestNewActivity_Normalizes(t *testing.T) {
	// "e" followed by a combining acute accent.
	a := NewActivity(" cafe\u0301 ", TableIdentity{ClusterURI: "https://a/", Database: "db", Table: "t"},
		TableIdentity{ClusterURI: "https://b", Database: "db", Table: "t"})

	assert.Equal(t, "caf\u00e9", a.Name)
	assert.Equal(t, "https://a", a.Source.ClusterURI)
	assert.Equal(t, ActivityStarting, a.State)
	require.NoError(t, a.Validate())
}

func TestActivity_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Activity)
	}{
		{"missing name", func(a *Activity) { a.Name = "" }},
		{"denormalised name", func(a *Activity) { a.Name = "cafe\u0301" }},
		{"missing source cluster", func(a *Activity) { a.Source.ClusterURI = "" }},
		{"missing destination table", func(a *Activity) { a.Destination.Table = "" }},
		{"zero state", func(a *Activity) { a.State = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := testActivity()
			tt.mutate(&a)
			err := a.Validate()
			require.Error(t, err)
			assert.True(t, IsInvalid(err))
		})
	}
}

func TestIteration_Validate(t *testing.T) {
	base := NewIteration("orders", 1, "")
	require.NoError(t, base.Validate())

	tests := []struct {
		name string
		it   Iteration
		ok   bool
	}{
		{"planning needs cursor end", base.WithState(IterationPlanning), false},
		{"planning with cursor end", base.WithState(IterationPlanning).WithCursorEnd("100"), true},
		{"starting may carry cursor end", base.WithCursorEnd("100"), true},
		{"temp table creating needs name", base.WithCursorEnd("100").WithState(IterationTempTableCreating), false},
		{"temp table created with name",
			base.WithCursorEnd("100").WithTempTableName("t_kc").WithState(IterationTempTableCreated), true},
		{"zero iteration ID", NewIteration("orders", 0, ""), false},
		{"incremental needs cursor start", NewIteration("orders", 2, ""), false},
		{"incremental with cursor start", NewIteration("orders", 2, "100"), true},
		{"missing activity", NewIteration("", 1, ""), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.it.Validate()
			if tt.ok {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestBlock_Validate(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tag := NewBlockTag(testBlock().Key())

	tests := []struct {
		name string
		b    Block
		ok   bool
	}{
		{"planned", testBlock(), true},
		{"exporting without operation", testBlock().WithState(BlockExporting), false},
		{"exporting with operation", testBlock().WithState(BlockExporting).WithExportOperationID("op-1"), true},
		{"planned with operation", testBlock().WithExportOperationID("op-1"), false},
		{"queued without tag", testBlock().WithState(BlockQueued), false},
		{"queued with tag", testBlock().WithState(BlockQueued).WithBlockTag(tag), true},
		{"exported with tag", testBlock().WithState(BlockExported).WithBlockTag(tag), false},
		{"extent moved with tag", testBlock().WithState(BlockExtentMoved).WithBlockTag(tag), true},
		{"zero block ID", NewBlock("orders", 1, 0, time.Time{}, time.Time{}), false},
		{"negative iteration", NewBlock("orders", -1, 1, time.Time{}, time.Time{}), false},
		{"bounded range", NewBlock("orders", 1, 1, start, start.Add(time.Hour)), true},
		{"empty range", NewBlock("orders", 1, 1, start, start), false},
		{"half open range", NewBlock("orders", 1, 1, start, time.Time{}), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.b.Validate()
			if tt.ok {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestBlock_WithStateIsPure(t *testing.T) {
	planned := testBlock()
	exporting := planned.WithState(BlockExporting).WithExportOperationID("op-1")

	assert.Equal(t, BlockPlanned, planned.State)
	assert.Empty(t, planned.ExportOperationID)
	assert.Equal(t, BlockExporting, exporting.State)
	assert.Equal(t, "op-1", exporting.ExportOperationID)

	done := exporting.WithState(BlockCompletingExport)
	assert.Empty(t, done.ExportOperationID, "leaving Exporting drops the operation")
	assert.Equal(t, "op-1", exporting.ExportOperationID)
}

func TestBlock_RollbackOnRestart(t *testing.T) {
	exporting := testBlock().WithState(BlockExporting).WithExportOperationID("op-1")

	rolled, changed := exporting.RollbackOnRestart()
	assert.True(t, changed)
	assert.Equal(t, BlockPlanned, rolled.State)
	assert.Empty(t, rolled.ExportOperationID)
	require.NoError(t, rolled.Validate())

	for _, s := range []BlockState{BlockPlanned, BlockCompletingExport, BlockExported} {
		b := testBlock().WithState(s)
		got, changed := b.RollbackOnRestart()
		assert.False(t, changed, s.String())
		assert.Equal(t, b, got)
	}
}

func TestBlock_WithRetry(t *testing.T) {
	b := testBlock().WithState(BlockExporting).WithExportOperationID("op-1").WithRetry()
	assert.Equal(t, BlockPlanned, b.State)
	assert.Equal(t, 1, b.Retries)
	assert.Empty(t, b.ExportOperationID)
	require.NoError(t, b.Validate())
}

func TestUrl_Lifecycle(t *testing.T) {
	u := NewUrl(testBlock().Key(), "https://lake/0001.parquet", 10)
	require.NoError(t, u.Validate())
	assert.Equal(t, UrlExported, u.State)

	queued := u.WithQueuedResult(`{"id":"q-1"}`)
	require.NoError(t, queued.Validate())
	assert.Equal(t, UrlQueued, queued.State)

	rolled, changed := queued.RollbackForRequeue()
	assert.True(t, changed)
	assert.Equal(t, UrlExported, rolled.State)
	assert.Empty(t, rolled.SerializedQueuedResult)
	require.NoError(t, rolled.Validate())

	_, changed = u.RollbackForRequeue()
	assert.False(t, changed)

	ingested, changed := queued.WithState(UrlIngested).RollbackForRequeue()
	assert.True(t, changed)
	assert.Equal(t, UrlExported, ingested.State)
}

func TestUrl_Validate(t *testing.T) {
	u := NewUrl(testBlock().Key(), "https://lake/0001.parquet", 10)

	bad := u
	bad.SerializedQueuedResult = "q"
	require.ErrorIs(t, bad.Validate(), ErrInvalid)

	bad = u
	bad.State = UrlQueued
	require.ErrorIs(t, bad.Validate(), ErrInvalid)

	bad = u
	bad.Url = ""
	require.ErrorIs(t, bad.Validate(), ErrInvalid)
}

func TestExtent_Validate(t *testing.T) {
	require.NoError(t, NewExtent(testBlock().Key(), "e-1", 1).Validate())
	require.ErrorIs(t, NewExtent(testBlock().Key(), "e-1", 0).Validate(), ErrInvalid)
	require.ErrorIs(t, NewExtent(testBlock().Key(), "", 3).Validate(), ErrInvalid)
}

func TestRecord_RoundTrip(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := NewBlock("orders", 1, 1, start, start.Add(time.Hour)).
		WithState(BlockQueued).WithBlockTag(NewBlockTag(BlockKey{"orders", 1, 1}))

	records := []Record{
		ActivityRecord(testActivity().WithState(ActivityRunning)),
		IterationRecord(NewIteration("orders", 1, "").WithState(IterationPlanned).WithCursorEnd("100")),
		BlockRecord(b),
		UrlRecord(NewUrl(b.Key(), "https://lake/1", 5)),
		ExtentRecord(NewExtent(b.Key(), "e-1", 5)),
	}
	for _, r := range records {
		t.Run(string(r.Kind), func(t *testing.T) {
			data, err := Encode(r)
			require.NoError(t, err)
			got, err := Decode(data)
			require.NoError(t, err)
			assert.Equal(t, r, got)
		})
	}
}

func TestRecord_Wire(t *testing.T) {
	r := IterationRecord(NewIteration("orders", 1, "").WithState(IterationPlanned).WithCursorEnd("100"))
	data, err := Encode(r)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "iteration", raw["kind"])
	it := raw["iteration"].(map[string]any)
	assert.Equal(t, "Planned", it["state"])
	assert.Equal(t, "100", it["cursor_end"])
	assert.NotContains(t, it, "cursor_start")

	// Zero ingestion times are omitted.
	data, err = Encode(BlockRecord(testBlock()))
	require.NoError(t, err)
	assert.NotContains(t, string(data), "ingestion_time")
}

func TestRecord_Validate(t *testing.T) {
	a := testActivity()
	it := NewIteration("orders", 1, "")

	tests := []struct {
		name string
		r    Record
	}{
		{"unknown kind", Record{Kind: "widget", Activity: &a}},
		{"missing payload", Record{Kind: KindBlock}},
		{"mismatched payload", Record{Kind: KindBlock, Activity: &a}},
		{"two payloads", Record{Kind: KindActivity, Activity: &a, Iteration: &it}},
		{"invalid payload", BlockRecord(testBlock().WithState(BlockExporting))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Encode(tt.r)
			require.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestDecode_Rejects(t *testing.T) {
	_, err := Decode([]byte(`{"kind":"block","block":{"activity_name":"orders","iteration_id":1,"block_id":1,"state":"Planned"}}`))
	require.NoError(t, err)

	for _, data := range []string{
		`not json`,
		`{"kind":"widget"}`,
		`{"kind":"block","block":{"activity_name":"orders","iteration_id":1,"block_id":1,"state":"Flying"}}`,
		`{"kind":"block","block":{"activity_name":"orders","iteration_id":1,"block_id":1,"state":"Exporting"}}`,
		// Unknown fields mean a newer or corrupt writer.
		`{"kind":"block","block":{"activity_name":"orders","iteration_id":1,"block_id":1,"state":"Planned"},"owner":"x"}`,
		`{"kind":"block","block":{"activity_name":"orders","iteration_id":1,"block_id":1,"state":"Planned","colour":"red"}}`,
		`{"kind":"block","block":{"activity_name":"orders","iteration_id":1,"block_id":1,"state":"Planned"}} {}`,
	} {
		_, err = Decode([]byte(data))
		require.ErrorIs(t, err, ErrInvalid, data)
	}
}

func TestNewBlockTag_Deterministic(t *testing.T) {
	k := BlockKey{Activity: "orders", Iteration: 3, Block: 7}
	assert.Equal(t, NewBlockTag(k), NewBlockTag(k))
	assert.NotEqual(t, NewBlockTag(k), NewBlockTag(BlockKey{Activity: "orders", Iteration: 3, Block: 8}))
	assert.Regexp(t, `^kc-[0-9a-f-]{36}$`, NewBlockTag(k))
}

func TestTempTableName(t *testing.T) {
	a := TempTableName("orders", "Orders", 4)
	assert.Equal(t, a, TempTableName("orders", "Orders", 4))
	assert.NotEqual(t, a, TempTableName("refunds", "Orders", 4))
	assert.Regexp(t, `^Orders_kc_[0-9a-f]{8}_4$`, a)
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "CompletingExport", BlockCompletingExport.String())
	assert.Equal(t, "Unknown(42)", BlockState(42).String())

	var s IterationState
	require.NoError(t, s.UnmarshalText([]byte("TempTableCreated")))
	assert.Equal(t, IterationTempTableCreated, s)
	require.ErrorIs(t, s.UnmarshalText([]byte("Done")), ErrInvalid)
}

func TestRecord_Key(t *testing.T) {
	b := testBlock()
	assert.Equal(t, BlockRecord(b).Key(), BlockRecord(b.WithState(BlockExported)).Key())
	assert.NotEqual(t, BlockRecord(b).Key(), BlockRecord(NewBlock("orders", 1, 3, time.Time{}, time.Time{})).Key())
	assert.Equal(t, "block(orders#1/2)", BlockRecord(b).Key())
	assert.Equal(t, "url(orders#1/2 https://x)", UrlRecord(NewUrl(b.Key(), "https://x", 1)).Key())
}
