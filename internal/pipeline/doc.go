// Package pipeline implements the scheduled multi-account publish
// pipeline: the ingestion gate (dedup + staging), the slot calculator,
// the single-timer queue scheduler and the fan-out dispatcher.
//
// The durable store is authoritative for ordering; the armed timer is
// only a cache of "who to wake next" and is always re-derivable through
// Scheduler.Rearm, which makes the queue crash-safe.
package pipeline
