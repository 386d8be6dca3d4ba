package state

// Url is one exported blob of a block's data.
type Url struct {
	ActivityName           string   `json:"activity_name"`
	IterationID            int64    `json:"iteration_id"`
	BlockID                int64    `json:"block_id"`
	Url                    string   `json:"url"`
	RowCount               int64    `json:"row_count"`
	SerializedQueuedResult string   `json:"serialized_queued_result,omitempty"`
	State                  UrlState `json:"state"`
}

// NewUrl returns an Exported url of block.
func NewUrl(block BlockKey, url string, rowCount int64) Url {
	return Url{
		ActivityName: block.Activity,
		IterationID:  block.Iteration,
		BlockID:      block.Block,
		Url:          url,
		RowCount:     rowCount,
		State:        UrlExported,
	}
}

func (u Url) BlockKey() BlockKey {
	return BlockKey{Activity: u.ActivityName, Iteration: u.IterationID, Block: u.BlockID}
}

func (u Url) Key() UrlKey { return UrlKey{BlockKey: u.BlockKey(), Url: u.Url} }

// WithState moves the url to s. The queued result is dropped below Queued.
func (u Url) WithState(s UrlState) Url {
	u.State = s
	if s < UrlQueued {
		u.SerializedQueuedResult = ""
	}
	return u
}

// WithQueuedResult records the handle returned when the url was queued for
// ingestion and moves it to Queued.
func (u Url) WithQueuedResult(result string) Url {
	u.State = UrlQueued
	u.SerializedQueuedResult = result
	return u
}

// RollbackForRequeue forces the url to be queued again. The second result
// reports whether anything changed.
func (u Url) RollbackForRequeue() (Url, bool) {
	if u.State == UrlExported {
		return u, false
	}
	return u.WithState(UrlExported), true
}

func (u Url) Validate() error {
	entity := "url " + u.BlockKey().String()
	if err := checkName(entity, "activity name", u.ActivityName); err != nil {
		return err
	}
	if err := checkPositive(entity, "iteration ID", u.IterationID); err != nil {
		return err
	}
	if err := checkPositive(entity, "block ID", u.BlockID); err != nil {
		return err
	}
	if u.Url == "" {
		return invalidf(entity, "url is required")
	}
	if u.RowCount < 0 {
		return invalidf(entity, "row count must not be negative")
	}
	if _, err := u.State.MarshalText(); err != nil {
		return err
	}
	if u.State < UrlQueued && u.SerializedQueuedResult != "" {
		return invalidf(entity, "queued result must be empty in state %s", u.State)
	}
	if u.State == UrlQueued && u.SerializedQueuedResult == "" {
		return invalidf(entity, "queued result is required while Queued")
	}
	return nil
}
