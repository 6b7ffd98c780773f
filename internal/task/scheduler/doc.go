// Package scheduler runs the single coordinator loop that turns due trigger
// entries into engine tasks.
//
// The loop only decides when a job fires. Execution, overlap gating and
// reconciliation happen in the engine and runner.
package scheduler
