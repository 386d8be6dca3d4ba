package state

import "fmt"

// IterationKey identifies an Iteration.
type IterationKey struct {
	Activity  string
	Iteration int64
}

func (k IterationKey) String() string {
	return fmt.Sprintf("%s#%d", k.Activity, k.Iteration)
}

// Compare orders keys by activity name then iteration ID.
func (k IterationKey) Compare(o IterationKey) int {
	if k.Activity != o.Activity {
		if k.Activity < o.Activity {
			return -1
		}
		return 1
	}
	return compareInt(k.Iteration, o.Iteration)
}

// BlockKey identifies a Block within its iteration.
type BlockKey struct {
	Activity  string
	Iteration int64
	Block     int64
}

func (k BlockKey) IterationKey() IterationKey {
	return IterationKey{Activity: k.Activity, Iteration: k.Iteration}
}

func (k BlockKey) String() string {
	return fmt.Sprintf("%s#%d/%d", k.Activity, k.Iteration, k.Block)
}

// Compare orders keys by iteration key then block ID.
func (k BlockKey) Compare(o BlockKey) int {
	if c := k.IterationKey().Compare(o.IterationKey()); c != 0 {
		return c
	}
	return compareInt(k.Block, o.Block)
}

// UrlKey identifies an exported Url within its block.
type UrlKey struct {
	BlockKey
	Url string
}

// ExtentKey identifies an ingested extent within its block.
type ExtentKey struct {
	BlockKey
	ExtentID string
}

func compareInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
