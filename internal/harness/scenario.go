package harness

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roach88/kustocopy/internal/cluster/memcluster"
	"github.com/roach88/kustocopy/internal/state"
)

// Scenario is one replication test case.
type Scenario struct {
	Name        string        `yaml:"name"`
	Description string        `yaml:"description"`
	Options     Options       `yaml:"options"`
	Activities  []ActivityDef `yaml:"activities"`

	// Source rows exist before the first step.
	Source     []TableRows `yaml:"source"`
	Faults     []Fault     `yaml:"faults"`
	Steps      []Step      `yaml:"steps"`
	Assertions []Assertion `yaml:"assertions"`
}

// Options tune the clusters and the runner.
type Options struct {
	// ExportChunk is the number of rows per exported url. Zero keeps the
	// in-memory cluster's default.
	ExportChunk     int `yaml:"export_chunk"`
	MaxBlockRetries int `yaml:"max_block_retries"`
	UrlsPerCommit   int `yaml:"urls_per_commit"`
}

// TableRef names a table. Scenarios use one source and one destination
// cluster, so the cluster is implied.
type TableRef struct {
	Database string `yaml:"database"`
	Table    string `yaml:"table"`
}

func (t TableRef) String() string { return t.Database + "." + t.Table }

// ActivityDef declares an activity copying Source to Destination.
type ActivityDef struct {
	Name        string   `yaml:"name"`
	Source      TableRef `yaml:"source"`
	Destination TableRef `yaml:"destination"`
	Continuous  bool     `yaml:"continuous"`
}

// TableRows are values appended to a source table.
type TableRows struct {
	Database string   `yaml:"database"`
	Table    string   `yaml:"table"`
	Values   []string `yaml:"values"`
}

// Fault is injected before the first step. Exactly one of Method,
// Operation and Ingestion is set.
type Fault struct {
	// Cluster is "source" or "destination".
	Cluster string `yaml:"cluster"`

	// Method fails the next call of a cluster method with Error. The error
	// "throttled" maps to cluster.ErrThrottled.
	Method string `yaml:"method,omitempty"`
	Error  string `yaml:"error,omitempty"`

	// Operation ends the next asynchronous operation in this state
	// ("Failed" or "Throttled").
	Operation   string `yaml:"operation,omitempty"`
	Message     string `yaml:"message,omitempty"`
	ShouldRetry bool   `yaml:"should_retry,omitempty"`

	// Ingestion fails the next queued ingestion with this message.
	Ingestion string `yaml:"ingestion,omitempty"`
}

// Step is one runner lifetime. Without StopAt the runner runs until it
// returns; with StopAt it is stopped once the record reaches the state.
type Step struct {
	Append []TableRows `yaml:"append,omitempty"`
	StopAt *StopAt     `yaml:"stop_at,omitempty"`

	// Polls set how many status polls asynchronous work takes before it
	// completes on each cluster.
	SourcePolls      *int `yaml:"source_polls,omitempty"`
	DestinationPolls *int `yaml:"destination_polls,omitempty"`

	// ExpectError is a substring of the error the run must return. Empty
	// means the run must succeed.
	ExpectError string `yaml:"expect_error,omitempty"`
}

// StopAt names an iteration ("orders#2") or block ("orders#1/1") key and
// the state that ends the step.
type StopAt struct {
	Key   string `yaml:"key"`
	State string `yaml:"state"`
}

// Assertion validates the final state.
type Assertion struct {
	Type string `yaml:"type"`

	// Key is an activity name, iteration key or block key.
	Key   string `yaml:"key,omitempty"`
	State string `yaml:"state,omitempty"`

	// Retries is checked by block_state.
	Retries int `yaml:"retries,omitempty"`

	// Table and Values are checked by destination_values; Table is
	// "database.table".
	Table  string   `yaml:"table,omitempty"`
	Values []string `yaml:"values,omitempty"`

	// Cluster, Method and Count are checked by call_count.
	Cluster string `yaml:"cluster,omitempty"`
	Method  string `yaml:"method,omitempty"`
	Count   int    `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertDestinationValues = "destination_values"
	AssertActivityState     = "activity_state"
	AssertIterationState    = "iteration_state"
	AssertBlockState        = "block_state"
	AssertCallCount         = "call_count"
)

const (
	clusterSource      = "source"
	clusterDestination = "destination"
)

// LoadScenario reads and parses a scenario YAML file. Unknown fields are
// rejected so typos fail loudly.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates a scenario document.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(s.Activities) == 0 {
		return fmt.Errorf("activities list is required and must be non-empty")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	seen := map[string]bool{}
	for i, a := range s.Activities {
		if a.Name == "" {
			return fmt.Errorf("activities[%d]: name is required", i)
		}
		if seen[a.Name] {
			return fmt.Errorf("activities[%d]: duplicate name %q", i, a.Name)
		}
		seen[a.Name] = true
		if a.Source.Table == "" || a.Destination.Table == "" {
			return fmt.Errorf("activities[%d]: source and destination tables are required", i)
		}
	}

	for i, f := range s.Faults {
		if err := validateFault(f); err != nil {
			return fmt.Errorf("faults[%d]: %w", i, err)
		}
	}

	for i, step := range s.Steps {
		if step.StopAt == nil {
			continue
		}
		if _, err := parseKey(step.StopAt.Key); err != nil {
			return fmt.Errorf("steps[%d].stop_at: %w", i, err)
		}
		if step.StopAt.State == "" {
			return fmt.Errorf("steps[%d].stop_at: state is required", i)
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(a); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func validateFault(f Fault) error {
	if f.Cluster != clusterSource && f.Cluster != clusterDestination {
		return fmt.Errorf("cluster must be %q or %q, got %q", clusterSource, clusterDestination, f.Cluster)
	}
	set := 0
	for _, s := range []string{f.Method, f.Operation, f.Ingestion} {
		if s != "" {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("exactly one of method, operation and ingestion is required")
	}
	if f.Method != "" && !methods[f.Method] {
		return fmt.Errorf("unknown method %q", f.Method)
	}
	if f.Method != "" && f.Error == "" {
		return fmt.Errorf("method fault needs an error")
	}
	if f.Operation != "" && f.Operation != "Failed" && f.Operation != "Throttled" {
		return fmt.Errorf("operation must be Failed or Throttled, got %q", f.Operation)
	}
	return nil
}

func validateAssertion(a Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("type is required")
	case AssertDestinationValues:
		if _, ok := splitTable(a.Table); !ok {
			return fmt.Errorf("table must be database.table for %s", a.Type)
		}
	case AssertActivityState:
		if a.Key == "" || a.State == "" {
			return fmt.Errorf("key and state are required for %s", a.Type)
		}
	case AssertIterationState, AssertBlockState:
		k, err := parseKey(a.Key)
		if err != nil {
			return err
		}
		if (a.Type == AssertBlockState) != k.isBlock {
			return fmt.Errorf("key %q does not fit %s", a.Key, a.Type)
		}
		if a.State == "" {
			return fmt.Errorf("state is required for %s", a.Type)
		}
	case AssertCallCount:
		if a.Cluster != clusterSource && a.Cluster != clusterDestination {
			return fmt.Errorf("cluster must be %q or %q for %s", clusterSource, clusterDestination, a.Type)
		}
		if !methods[a.Method] {
			return fmt.Errorf("unknown method %q for %s", a.Method, a.Type)
		}
	default:
		return fmt.Errorf("unknown type %q", a.Type)
	}
	return nil
}

func splitTable(s string) (TableRef, bool) {
	db, table, ok := strings.Cut(s, ".")
	if !ok || db == "" || table == "" {
		return TableRef{}, false
	}
	return TableRef{Database: db, Table: table}, true
}

// recordKey is a parsed iteration or block key.
type recordKey struct {
	iteration state.IterationKey
	block     state.BlockKey
	isBlock   bool
}

// parseKey parses "activity#iteration" or "activity#iteration/block".
func parseKey(s string) (recordKey, error) {
	activity, rest, ok := strings.Cut(s, "#")
	if !ok || activity == "" {
		return recordKey{}, fmt.Errorf("key %q must look like activity#iteration[/block]", s)
	}
	itPart, blockPart, isBlock := strings.Cut(rest, "/")
	it, err := strconv.ParseInt(itPart, 10, 64)
	if err != nil {
		return recordKey{}, fmt.Errorf("key %q: bad iteration: %w", s, err)
	}
	k := recordKey{iteration: state.IterationKey{Activity: activity, Iteration: it}}
	if !isBlock {
		return k, nil
	}
	blk, err := strconv.ParseInt(blockPart, 10, 64)
	if err != nil {
		return recordKey{}, fmt.Errorf("key %q: bad block: %w", s, err)
	}
	k.block = state.BlockKey{Activity: activity, Iteration: it, Block: blk}
	k.isBlock = true
	return k, nil
}

// methods lists the cluster methods a fault or call_count may name.
var methods = map[string]bool{
	memcluster.MethodCapacity:         true,
	memcluster.MethodCurrentCursor:    true,
	memcluster.MethodStartExport:      true,
	memcluster.MethodExportResults:    true,
	memcluster.MethodCreateTempTable:  true,
	memcluster.MethodDropTable:        true,
	memcluster.MethodDropExtentsByTag: true,
	memcluster.MethodQueueIngestion:   true,
	memcluster.MethodIngestionStatus:  true,
	memcluster.MethodExtentsByTag:     true,
	memcluster.MethodMoveExtents:      true,
	memcluster.MethodOperationStatus:  true,
}
