// Package dispatch turns ready publications into per-account publish
// outcomes.
//
// The Trigger claims due schedule rows and enqueues one DispatchRequest per
// (publication, batch, options) group. The Orchestrator runs each request as
// a durable engine job: it fans out to the target accounts, records one log
// entry per account and applies Decide to choose between retrying the whole
// unit and ending the lineage. The Gate wraps the orchestrator and defers
// jobs that would exceed a platform budget.
//
// Retries are safe because every account goes through the skip guard: an
// account already recorded as delivered is reported as a skipped success and
// never posted again.
package dispatch
