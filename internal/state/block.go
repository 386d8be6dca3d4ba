package state

import "time"

// Block is a contiguous ingestion-time range of source rows exported and
// ingested as one unit. A zero IngestionTimeStart or IngestionTimeEnd leaves
// that side of the range open.
type Block struct {
	ActivityName       string     `json:"activity_name"`
	IterationID        int64      `json:"iteration_id"`
	BlockID            int64      `json:"block_id"`
	IngestionTimeStart time.Time  `json:"ingestion_time_start,omitzero"`
	IngestionTimeEnd   time.Time  `json:"ingestion_time_end,omitzero"`
	ExportOperationID  string     `json:"export_operation_id,omitempty"`
	BlockTag           string     `json:"block_tag,omitempty"`
	Retries            int        `json:"retries,omitempty"`
	State              BlockState `json:"state"`
}

// NewBlock returns a Planned block.
func NewBlock(activity string, iterationID, blockID int64, start, end time.Time) Block {
	return Block{
		ActivityName:       NormalizeName(activity),
		IterationID:        iterationID,
		BlockID:            blockID,
		IngestionTimeStart: start.UTC(),
		IngestionTimeEnd:   end.UTC(),
		State:              BlockPlanned,
	}
}

func (b Block) Key() BlockKey {
	return BlockKey{Activity: b.ActivityName, Iteration: b.IterationID, Block: b.BlockID}
}

func (b Block) IterationKey() IterationKey { return b.Key().IterationKey() }

// WithState moves the block to s, dropping fields s does not allow: the
// export operation outside Exporting and the tag below Queued.
func (b Block) WithState(s BlockState) Block {
	b.State = s
	if s != BlockExporting {
		b.ExportOperationID = ""
	}
	if s < BlockQueued {
		b.BlockTag = ""
	}
	return b
}

func (b Block) WithExportOperationID(id string) Block {
	b.ExportOperationID = id
	return b
}

func (b Block) WithBlockTag(tag string) Block {
	b.BlockTag = tag
	return b
}

// WithRetry records one more failed attempt and sends the block back to
// Planned.
func (b Block) WithRetry() Block {
	b = b.WithState(BlockPlanned)
	b.Retries++
	return b
}

// RollbackOnRestart returns the state a block resumes from after a restart.
// A block caught Exporting goes back to Planned; its Urls must be discarded
// by the caller. The second result reports whether anything changed.
func (b Block) RollbackOnRestart() (Block, bool) {
	if b.State != BlockExporting {
		return b, false
	}
	return b.WithState(BlockPlanned), true
}

func (b Block) Validate() error {
	entity := "block " + b.Key().String()
	if err := checkName(entity, "activity name", b.ActivityName); err != nil {
		return err
	}
	if err := checkPositive(entity, "iteration ID", b.IterationID); err != nil {
		return err
	}
	if err := checkPositive(entity, "block ID", b.BlockID); err != nil {
		return err
	}
	if _, err := b.State.MarshalText(); err != nil {
		return err
	}
	if b.Retries < 0 {
		return invalidf(entity, "retries must not be negative")
	}
	if !b.IngestionTimeStart.IsZero() && !b.IngestionTimeEnd.IsZero() &&
		!b.IngestionTimeStart.Before(b.IngestionTimeEnd) {
		return invalidf(entity, "ingestion time range [%s, %s) is empty",
			b.IngestionTimeStart.Format(time.RFC3339Nano), b.IngestionTimeEnd.Format(time.RFC3339Nano))
	}
	if exporting := b.State == BlockExporting; exporting != (b.ExportOperationID != "") {
		if exporting {
			return invalidf(entity, "export operation ID is required while Exporting")
		}
		return invalidf(entity, "export operation ID must be empty in state %s", b.State)
	}
	if queued := b.State >= BlockQueued; queued != (b.BlockTag != "") {
		if queued {
			return invalidf(entity, "block tag is required in state %s", b.State)
		}
		return invalidf(entity, "block tag must be empty in state %s", b.State)
	}
	return nil
}
