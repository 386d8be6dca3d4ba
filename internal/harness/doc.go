// Package harness runs replication scenarios end to end against in-memory
// clusters.
//
// A scenario seeds a source cluster, injects faults, and drives the runner
// through one or more steps. Each step opens the bookmark afresh, so a
// multi-step scenario exercises restart recovery exactly as a process
// restart would.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: scenario_name
//	description: "What this scenario validates"
//	options:
//	  export_chunk: 2
//	  max_block_retries: 1
//	activities:
//	  - name: orders
//	    source: {database: db, table: Orders}
//	    destination: {database: db, table: Orders}
//	    continuous: false
//	source:
//	  - {database: db, table: Orders, values: [a, b, c]}
//	faults:
//	  - {cluster: source, method: StartExport, error: throttled}
//	  - {cluster: source, operation: Failed, message: "node lost", should_retry: true}
//	  - {cluster: destination, ingestion: "corrupt blob"}
//	steps:
//	  - destination_polls: 1000000
//	    stop_at: {key: "orders#1/1", state: Queued}
//	  - destination_polls: 0
//	assertions:
//	  - type: destination_values
//	    table: db.Orders
//	    values: [a, b, c]
//	  - type: block_state
//	    key: "orders#1/1"
//	    state: ExtentMoved
//	    retries: 0
//
// # Assertion Types
//
//   - destination_values: the destination table holds exactly the values
//   - activity_state: an activity is in the given state
//   - iteration_state: an iteration ("orders#1") is in the given state
//   - block_state: a block ("orders#1/1") is in the given state, with retries
//   - call_count: a cluster method was called exactly count times
//
// # Golden Snapshots
//
// RunWithGolden compares a Snapshot of the final bookmark and destination
// tables with testdata/golden/{name}.golden. Snapshots leave out operation
// IDs and extent IDs, which are random.
package harness
