// Package media manages message payloads held in the remote blob store.
//
// Upload validates the payload against limits.MaxMediaPayload, assigns a
// blob id scoped to the chat, records the sniffed MIME type and a BLAKE2b-256
// digest, and stores the bytes under an explicit timeout:
//
//	ref, err := manager.Upload(ctx, payload, chatID)
//	if messaging.IsRetryable(err) {
//	    // offer retry
//	}
//
// Delete is idempotent: a blob that is already gone counts as deleted.
// Neither operation retries internally.
//
// Abort cancels uploads still in flight, so a shutting-down node never leaves
// a half-written blob referenced by a message.
package media
