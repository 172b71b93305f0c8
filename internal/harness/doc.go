// Package harness runs sync conformance scenarios.
//
// A scenario drives one client (a real store plus the cycle coordinator)
// against an in-memory server reached over HTTP, then checks the final local
// and remote state. Every push body the server received is compared against a
// golden file, so any change to what goes over the wire shows up as a diff.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: push_retry_after_failure
//	description: "A failed push is retried with the same body"
//	cycle_id: cycle-retry
//	steps:
//	  - seed:
//	      cars:
//	        created: [{id: s1, model: Volvo, updated_at: 500}]
//	  - create: {table: cars, id: c1, fields: {model: Tesla}}
//	  - fail_pushes: 1
//	  - sync: {outcome: failed, failed_at: PUSHING, code: TRANSPORT}
//	  - sync: {pushed: 1}
//	expect:
//	  cursor: 1
//	  pending: 0
//	  local:
//	    cars: [{id: c1, model: Tesla}, {id: s1}]
//
// Each step sets exactly one action: seed, create, update, delete,
// fail_pushes, fail_pulls, sync or compact. Unknown fields are rejected.
//
// # Determinism
//
// The store is stamped by a deterministic clock starting at 1000 ms and
// advancing one second per reading. Local writes take one reading each, and
// each remote apply takes one reading per table. Cycle ids are fixed per
// scenario.
package harness
