// Package harness runs scripted offline-sync scenarios against the engine.
//
// A scenario seeds an in-memory backend, opens one resource store through
// the engine, and plays a flow of client actions, link changes and writes
// from other clients. Every step is recorded with the snapshot and queue
// it left behind, so a run can be compared against a golden trace.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: weight_logs_offline_edit
//	description: "Offline edit is shown at once and replayed on reconnect"
//	resource: weight_logs
//	query:
//	  order: { field: recorded_at, desc: true }
//	seed:
//	  - { id: 1, weight: 80, recorded_at: "2024-01-02" }
//	flow:
//	  - action: offline
//	  - action: update
//	    id: "1"
//	    args: { weight: 79 }
//	    expect: { queue: 1 }
//	  - action: online
//	    expect: { queue: 0 }
//	assertions:
//	  - type: remote_row
//	    id: "1"
//	    expect: { weight: 79 }
//
// # Actions
//
//   - fetch, insert, update, remove: store operations
//   - offline, online: link changes; online runs the reconnect drain
//   - drain: an explicit drain cycle
//   - remote_insert, remote_update, remote_delete: writes by another client,
//     delivered through the change feed
//   - fail_next: plant a rejected or transient failure for a backend op
//
// # Assertion Types
//
//   - snapshot_ids, snapshot_row: the store's final snapshot
//   - queue_length: pending mutations
//   - remote_calls, remote_count, remote_row: the backend
//   - status: link state and the store's stale flag
package harness
