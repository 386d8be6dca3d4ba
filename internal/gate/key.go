package gate

import "cmp"

// ExportKey orders source exports so older iterations are served first and
// no table races far ahead of the others under contention.
type ExportKey struct {
	IterationID int64
	BlockID     int64
	Database    string
	Table       string
}

// Compare orders by iteration, then block, then database and table name.
func (k ExportKey) Compare(o ExportKey) int {
	if c := cmp.Compare(k.IterationID, o.IterationID); c != 0 {
		return c
	}
	if c := cmp.Compare(k.BlockID, o.BlockID); c != 0 {
		return c
	}
	if c := cmp.Compare(k.Database, o.Database); c != 0 {
		return c
	}
	return cmp.Compare(k.Table, o.Table)
}

// NewExportGate returns a priority gate keyed by ExportKey.
func NewExportGate(capacity int) *Priority[ExportKey] {
	return NewPriority(capacity, ExportKey.Compare)
}
