// Package lifecycle coordinates the remote retention of messages.
//
// A Coordinator runs on every device. Sending caches the message locally,
// uploads media and creates the remote document with a snapshot of the
// recipients. Receiving caches the message locally before acknowledging it,
// so a delivered receipt always implies a durable local copy.
//
// Each message moves forward through three states:
//
//	Active -> PendingDeletion -> Deleted
//
// The sender's coordinator moves a message to PendingDeletion when every
// recipient has acknowledged it, then deletes it after the grace window.
// Messages that are never fully delivered are removed by the expiry
// scheduler once their TTL passes. Deletion is idempotent and guarded by a
// compare-and-set on the document version, so the blob behind a media
// message is deleted once even when several triggers race.
//
// Local records are never removed by remote deletion; they are only flagged
// with RemoteDeletionObserved.
package lifecycle
