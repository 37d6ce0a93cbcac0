// Package limits provides centralized size constants and validation functions
// for message documents and media payloads.
//
// # Size Hierarchy
//
//   - InlineRecordCeiling (900 KiB): the largest encoded message document the
//     remote document store accepts. Text or metadata that would push a record
//     past this ceiling is uploaded to the blob store instead.
//
//   - MaxMediaPayload (256 MiB): the largest blob accepted for upload.
//
//   - MaxRecipients (1024): the largest recipient snapshot a message may carry.
//
// # Validation Functions
//
// Each validation function checks for empty payloads and size violations:
//
//	if err := limits.ValidateMediaPayload(data); err != nil {
//	    // ErrPayloadEmpty or ErrPayloadTooLarge
//	}
//
// For custom limits, use ValidateSize:
//
//	err := limits.ValidateSize(data, 4096)
//
// # Error Types
//
//   - ErrPayloadEmpty: an empty or nil payload was provided
//   - ErrPayloadTooLarge: the payload exceeds the specified limit
//   - ErrTooManyRecipients: the recipient snapshot exceeds MaxRecipients
package limits
