package state

import "fmt"

// Iteration is one pass of an activity over the cursor range
// (CursorStart, CursorEnd]. The first iteration is the backfill and has no
// CursorStart.
type Iteration struct {
	ActivityName  string         `json:"activity_name"`
	IterationID   int64          `json:"iteration_id"`
	CursorStart   string         `json:"cursor_start,omitempty"`
	CursorEnd     string         `json:"cursor_end,omitempty"`
	TempTableName string         `json:"temp_table_name,omitempty"`
	State         IterationState `json:"state"`
}

// NewIteration returns a Starting iteration.
func NewIteration(activity string, id int64, cursorStart string) Iteration {
	return Iteration{
		ActivityName: NormalizeName(activity),
		IterationID:  id,
		CursorStart:  cursorStart,
		State:        IterationStarting,
	}
}

func (it Iteration) Key() IterationKey {
	return IterationKey{Activity: it.ActivityName, Iteration: it.IterationID}
}

func (it Iteration) WithState(s IterationState) Iteration {
	it.State = s
	return it
}

func (it Iteration) WithCursorEnd(cursor string) Iteration {
	it.CursorEnd = cursor
	return it
}

func (it Iteration) WithTempTableName(name string) Iteration {
	it.TempTableName = name
	return it
}

func (it Iteration) Validate() error {
	entity := "iteration " + it.Key().String()
	if err := checkName(entity, "activity name", it.ActivityName); err != nil {
		return err
	}
	if err := checkPositive(entity, "iteration ID", it.IterationID); err != nil {
		return err
	}
	if _, err := it.State.MarshalText(); err != nil {
		return err
	}
	if it.IterationID > 1 && it.CursorStart == "" {
		return invalidf(entity, "cursor start is required after the first iteration")
	}
	if it.State != IterationStarting && it.CursorEnd == "" {
		return invalidf(entity, "cursor end is required in state %s", it.State)
	}
	if it.State >= IterationTempTableCreating && it.TempTableName == "" {
		return invalidf(entity, "temp table name is required in state %s", it.State)
	}
	return nil
}

// TempTableName returns the deterministic staging table name for an
// iteration of an activity writing into destination table.
func TempTableName(activity, destinationTable string, iterationID int64) string {
	return fmt.Sprintf("%s_kc_%s_%d", destinationTable, shortHash(activity), iterationID)
}
