// Package queue implements the datastore-backed distributed work queue:
// atomic batch claims, soft leases swept by a supervisor, and bounded
// retries. N independent worker processes pull disjoint batches for one
// run; the datastore row is the only source of truth for claim state.
package queue
