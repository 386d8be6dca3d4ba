package harness

import (
	"github.com/roach88/kustocopy/internal/cache"
	"github.com/roach88/kustocopy/internal/cluster/memcluster"
)

// Step outcomes recorded in a Snapshot.
const (
	OutcomeOK      = "ok"
	OutcomeStopped = "stopped"
	OutcomeError   = "error"
)

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every step behaved as expected and every
	// assertion held.
	Pass bool

	// Errors holds one message per failed expectation.
	Errors []string

	// Snapshot is the final state of the bookmark and destinations.
	Snapshot Snapshot

	source      *memcluster.Cluster
	destination *memcluster.Cluster
	final       *cache.Cache
}

// AddError records a failed expectation.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Snapshot is the deterministic part of a finished scenario.
type Snapshot struct {
	Runs        []string            `json:"runs"`
	Activities  []ActivitySnapshot  `json:"activities"`
	Destination map[string][]string `json:"destination"`
}

type ActivitySnapshot struct {
	Name       string              `json:"name"`
	State      string              `json:"state"`
	Iterations []IterationSnapshot `json:"iterations"`
}

type IterationSnapshot struct {
	ID          int64           `json:"id"`
	State       string          `json:"state"`
	CursorStart string          `json:"cursor_start,omitempty"`
	CursorEnd   string          `json:"cursor_end"`
	Blocks      []BlockSnapshot `json:"blocks"`
}

// BlockSnapshot counts urls and ingested rows instead of listing them.
type BlockSnapshot struct {
	ID      int64  `json:"id"`
	State   string `json:"state"`
	Retries int    `json:"retries"`
	Urls    int    `json:"urls"`
	Rows    int64  `json:"rows"`
}
