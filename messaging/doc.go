// Package messaging defines the data model shared by every component of the
// message lifecycle manager.
//
// # Overview
//
// A [Message] lives in two places at once: an ephemeral copy in the shared
// remote document store, and a durable [LocalRecord] on every device that
// sent or received it. The remote copy moves through a forward-only
// [LifecycleState] machine (Active, PendingDeletion, Deleted) while the local
// copy is only ever aged out by its own retention policy.
//
// # Content
//
// Message content is a tagged variant. Each concrete type carries exactly the
// fields it needs:
//
//   - [Text]: inline body
//   - [Image], [Video], [Audio]: a [MediaRef] plus per-kind metadata
//   - [Document]: a [MediaRef] and a file name
//
// On the wire and on disk the variant is encoded as a JSON envelope of the
// form {"type": "image", "image": {...}} so the tag is never lost.
//
// # Monotonic state
//
// Delivery acknowledgment is tracked per recipient in a [DeliveryState]. A
// [Receipt] merges with OR semantics, so duplicated or reordered updates from
// an at-least-once sync layer can never turn a true flag back to false:
//
//	merged := current.Merge(incoming)
//
// Remote documents are mutated only through [Patch] values applied with
// [Message.Apply], which enforces the same rules for every store
// implementation: receipts OR-merge into the recipient snapshot taken at send
// time, lifecycle only advances, and a Deleted document keeps nothing but the
// media reference needed for cleanup.
//
// # Errors
//
// The error taxonomy used across the module lives here: [ErrUploadFailed],
// [ErrRemoteWriteFailed], [ErrRemoteDeleteFailed], [ErrLocalWriteFailed] and
// [ErrNotFound]. Send-path failures are returned as an [OpError], which
// records whether the caller may offer a retry.
package messaging
