// Package expiry provides the ExpirationScheduler, an explicit service with
// its own Start/Stop lifecycle that periodically sweeps the remote document
// store.
//
// Each sweep collects three candidate sets and hands every candidate to the
// same idempotent Deleter used by the post-delivery grace timer:
//
//   - expired: Active or PendingDeletion messages whose expiresAt passed
//   - grace_elapsed: PendingDeletion messages whose grace window passed
//     without the owning timer firing
//   - tombstone: Deleted tombstones whose media cleanup has not finished
//
// A failed delete is logged and retried on the next sweep. After MaxRetries
// consecutive failures the message is reported at Error level and its count
// restarts. One failing message never blocks the others.
//
// Sweeps run on a jittered Interval or on a cron expression, and deletions are
// throttled to DeletesPerSecond.
package expiry
