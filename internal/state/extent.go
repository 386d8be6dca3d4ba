package state

// Extent is a destination data shard produced by ingesting a block.
type Extent struct {
	ActivityName string `json:"activity_name"`
	IterationID  int64  `json:"iteration_id"`
	BlockID      int64  `json:"block_id"`
	ExtentID     string `json:"extent_id"`
	RowCount     int64  `json:"row_count"`
}

func NewExtent(block BlockKey, extentID string, rowCount int64) Extent {
	return Extent{
		ActivityName: block.Activity,
		IterationID:  block.Iteration,
		BlockID:      block.Block,
		ExtentID:     extentID,
		RowCount:     rowCount,
	}
}

func (e Extent) BlockKey() BlockKey {
	return BlockKey{Activity: e.ActivityName, Iteration: e.IterationID, Block: e.BlockID}
}

func (e Extent) Key() ExtentKey { return ExtentKey{BlockKey: e.BlockKey(), ExtentID: e.ExtentID} }

func (e Extent) Validate() error {
	entity := "extent " + e.BlockKey().String()
	if err := checkName(entity, "activity name", e.ActivityName); err != nil {
		return err
	}
	if err := checkPositive(entity, "iteration ID", e.IterationID); err != nil {
		return err
	}
	if err := checkPositive(entity, "block ID", e.BlockID); err != nil {
		return err
	}
	if e.ExtentID == "" {
		return invalidf(entity, "extent ID is required")
	}
	return checkPositive(entity, "row count", e.RowCount)
}
