package state

import "fmt"

// ActivityState is the lifecycle of an Activity.
type ActivityState int

const (
	ActivityStarting ActivityState = iota + 1
	ActivityRunning
	ActivityCompleted
)

var activityStateNames = []string{"", "Starting", "Running", "Completed"}

func (s ActivityState) String() string { return enumName(activityStateNames, int(s)) }

func (s ActivityState) MarshalText() ([]byte, error) {
	return enumText("activity state", activityStateNames, int(s))
}

func (s *ActivityState) UnmarshalText(text []byte) error {
	v, err := parseEnum("activity state", activityStateNames, string(text))
	*s = ActivityState(v)
	return err
}

// IterationState is the lifecycle of an Iteration.
type IterationState int

const (
	IterationStarting IterationState = iota + 1
	IterationPlanning
	IterationPlanned
	IterationTempTableCreating
	IterationTempTableCreated
	IterationCompleted
)

var iterationStateNames = []string{
	"", "Starting", "Planning", "Planned", "TempTableCreating", "TempTableCreated", "Completed",
}

func (s IterationState) String() string { return enumName(iterationStateNames, int(s)) }

func (s IterationState) MarshalText() ([]byte, error) {
	return enumText("iteration state", iterationStateNames, int(s))
}

func (s *IterationState) UnmarshalText(text []byte) error {
	v, err := parseEnum("iteration state", iterationStateNames, string(text))
	*s = IterationState(v)
	return err
}

// BlockState is the lifecycle of a Block.
type BlockState int

const (
	BlockPlanned BlockState = iota + 1
	BlockExporting
	BlockCompletingExport
	BlockExported
	BlockQueued
	BlockIngested
	BlockExtentMoved
)

var blockStateNames = []string{
	"", "Planned", "Exporting", "CompletingExport", "Exported", "Queued", "Ingested", "ExtentMoved",
}

func (s BlockState) String() string { return enumName(blockStateNames, int(s)) }

func (s BlockState) MarshalText() ([]byte, error) {
	return enumText("block state", blockStateNames, int(s))
}

func (s *BlockState) UnmarshalText(text []byte) error {
	v, err := parseEnum("block state", blockStateNames, string(text))
	*s = BlockState(v)
	return err
}

// UrlState is the lifecycle of an exported Url.
type UrlState int

const (
	UrlPlanned UrlState = iota + 1
	UrlExported
	UrlQueued
	UrlIngested
	UrlDeleted
)

var urlStateNames = []string{"", "Planned", "Exported", "Queued", "Ingested", "Deleted"}

func (s UrlState) String() string { return enumName(urlStateNames, int(s)) }

func (s UrlState) MarshalText() ([]byte, error) {
	return enumText("url state", urlStateNames, int(s))
}

func (s *UrlState) UnmarshalText(text []byte) error {
	v, err := parseEnum("url state", urlStateNames, string(text))
	*s = UrlState(v)
	return err
}

func enumName(names []string, v int) string {
	if v <= 0 || v >= len(names) {
		return fmt.Sprintf("Unknown(%d)", v)
	}
	return names[v]
}

func enumText(kind string, names []string, v int) ([]byte, error) {
	if v <= 0 || v >= len(names) {
		return nil, fmt.Errorf("%w: %s %d", ErrInvalid, kind, v)
	}
	return []byte(names[v]), nil
}

func parseEnum(kind string, names []string, s string) (int, error) {
	for i := 1; i < len(names); i++ {
		if names[i] == s {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown %s %q", ErrInvalid, kind, s)
}
