// Package storage is the durable source of truth for the publish queue.
//
// It holds queued posts (ordered by their scheduled slot), the
// append-only per-account delivery statuses, and answers the two queries
// the pipeline's correctness rests on: "does a post with this
// fingerprint exist" and "which unposted post has the earliest slot".
package storage
