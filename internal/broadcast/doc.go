// Package broadcast holds the domain model shared by the delivery pipeline.
//
// A Job is a campaign: one template, many recipients. Its status moves
// QUEUED -> PROCESSING -> {COMPLETED, PARTIAL, FAILED}. Counters always
// account for every recipient exactly once (sent + failed + pending).
//
// The package also defines the error taxonomy. Provider failures are split
// into transient (retry with backoff) and permanent (record and move on);
// everything else is either a validation problem rejected at enqueue time
// or a store-level condition such as ErrClaimConflict.
package broadcast
