// Package scheduler fires registered sweeps on a cadence.
//
// A sweep is a short function such as the dispatch trigger; durable work is
// handed to the job engine by the sweep itself. A sweep whose previous run
// is still in flight when the next tick arrives is skipped, never stacked.
package scheduler
