// Package domain holds the entities the dispatch pipeline coordinates through.
//
// All cross-worker coordination happens via these records as stored by
// internal/storage. Status types know which of their values are terminal so
// that callers can express compare-and-set transitions without string checks.
package domain
