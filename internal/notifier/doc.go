// Package notifier delivers owner notifications about publication outcomes.
//
// Callers hand a Kind and a Payload to Notify and move on. The service
// renders the text in the recipient's language, then queues one delivery per
// recipient and channel. Workers drain the queue under a shared rate limit
// and retry transient channel errors with jittered backoff. Identical texts
// to the same recipient are suppressed for DedupWindow, optionally across
// restarts through the dedup store.
//
// Exactly-once per lineage is not decided here: the orchestrator claims the
// notification class in storage before calling Notify.
package notifier
