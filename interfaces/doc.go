// Package interfaces defines the contracts of the external collaborators the
// message lifecycle depends on.
//
// # Remote Stores
//
// [DocumentStore] holds one document per message and is shared by every
// device. Updates are expressed as a messaging.Patch so that receipt merges
// and lifecycle advances keep the same monotonic semantics in every
// implementation. A non-zero Patch.ExpectedVersion turns an update into a
// compare-and-set:
//
//	cur, _ := docs.Get(ctx, id)
//	_, err := docs.Update(ctx, id, messaging.AdvanceTo(messaging.StateDeleted, now, cur.Version))
//	if errors.Is(err, messaging.ErrConflict) {
//	    // another device won the race
//	}
//
// [BlobStore] holds media payloads too large to embed in a document.
//
// # Real-time Sync
//
// [ChangeFeed] yields a [Subscription] per user. The stream is ordered per
// message but at-least-once; consumers deduplicate by message id and version.
// [Publisher] is the producer side, fed by the document store.
//
// The factory package selects an implementation:
//   - UseSimulation=true: SimulatedFeed from the testing package
//   - UseSimulation=false: websocket Feed from the real package
//
// # Thread Safety
//
// All implementations must be safe for concurrent use.
//
// # Error Handling
//
// Implementations report the messaging sentinels (ErrNotFound,
// ErrAlreadyExists, ErrConflict, ErrRejected) wrapped with context so callers
// can branch with errors.Is.
package interfaces
