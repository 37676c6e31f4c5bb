// Package errors provides standardized error codes for the chat client and
// its reference backend.
//
// Error codes follow the format {domain}.{error} where:
//   - domain: The subsystem that generated the error (connection, delivery, storage, ...)
//   - error: The specific error type within that domain
//
// Codes are stable and are what callers branch on. Human-readable messages
// are provided alongside codes and are safe to show in a toast.
package errors

import (
	"errors"
	"fmt"
)

// Error codes by domain.
const (
	// Connection domain - push channel availability
	CodeConnectionUnavailable = "connection.unavailable" // Push channel not open; fallback path taken

	// Inbound domain - frames received over the push channel
	CodeInboundMalformed = "inbound.malformed" // Frame could not be parsed; dropped at the connection boundary

	// Attachment domain - pre-send validation
	CodeAttachmentTooLarge   = "attachment.too_large"   // Attachment exceeds the client-side ceiling
	CodeAttachmentReadFailed = "attachment.read_failed" // Attachment payload could not be produced

	// Delivery domain - durable HTTP path
	CodeDeliveryFailed     = "delivery.failed"      // Durable send/delete/refetch failed
	CodeDeliveryEmptyDraft = "delivery.empty_draft" // Nothing to send (no text, no attachment)

	// Bulk domain - multi-message operations
	CodeBulkPartialFailure = "bulk.partial_failure" // Some deletes in a bulk action failed

	// Message domain - ownership and lookup
	CodeMessageNotOwner = "message.not_owner" // Only the author may edit or delete a message
	CodeMessageNotFound = "message.not_found" // Message id is not in the thread

	// Permission domain - caller-declared capabilities
	CodePermissionDenied = "permission.denied" // canView/canChat forbids the operation

	// Auth domain - token authentication
	CodeAuthRequired = "auth.required" // Authentication required
	CodeAuthInvalid  = "auth.invalid"  // Invalid or expired token

	// Storage domain - backend persistence
	CodeStorageNotFound    = "storage.not_found"    // Resource not found
	CodeStorageOpenFailed  = "storage.open_failed"  // Database open failed
	CodeStorageQueryFailed = "storage.query_failed" // Database query failed
	CodeStorageSaveFailed  = "storage.save_failed"  // Failed to save data

	// Server domain - backend request handling
	CodeServerInvalidMessage = "server.invalid_message" // Malformed or invalid request
	CodeServerRateLimited    = "server.rate_limited"    // Too many frames per second

	// General domain - catch-all errors
	CodeUnknown  = "error.unknown"  // Unknown error
	CodeInternal = "error.internal" // Internal error
)

// nextActions maps user-visible codes to a short hint of what the user can do.
var nextActions = map[string]string{
	CodeAttachmentTooLarge:   "Choose a smaller file and send again.",
	CodeAttachmentReadFailed: "Re-attach the file and try again.",
	CodeDeliveryFailed:       "Check your connection and retry.",
	CodeDeliveryEmptyDraft:   "Type a message or attach a file.",
	CodeBulkPartialFailure:   "Failed messages are still selected; confirm again to retry.",
	CodeMessageNotOwner:      "You can only change your own messages.",
	CodeMessageNotFound:      "Refresh the chat to see its current state.",
	CodePermissionDenied:     "Ask a project owner for chat access.",
	CodeAuthRequired:         "Sign in again.",
	CodeAuthInvalid:          "Sign in again.",
}

// CodedError wraps an error with a stable error code.
type CodedError struct {
	Code    string // Stable error code (e.g., "delivery.failed")
	Message string // Human-readable error message
	Cause   error  // Underlying error (may be nil)
}

// Error implements the error interface.
func (e *CodedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *CodedError) Unwrap() error {
	return e.Cause
}

// New creates a new CodedError with the given code and message.
func New(code, message string) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
	}
}

// Wrap creates a new CodedError wrapping an existing error.
func Wrap(code, message string, cause error) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// GetCode extracts the error code from an error.
// Falls back to CodeUnknown for errors that carry no code.
func GetCode(err error) string {
	if err == nil {
		return ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}

	return CodeUnknown
}

// GetMessage extracts a human-readable message from an error.
func GetMessage(err error) string {
	if err == nil {
		return ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Message
	}

	return err.Error()
}

// ToCodeAndMessage extracts both code and message from an error.
// This is the primary function for converting errors to client responses.
func ToCodeAndMessage(err error) (code, message string) {
	if err == nil {
		return "", ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code, coded.Message
	}

	return CodeUnknown, err.Error()
}

// IsCode checks if an error has a specific error code.
func IsCode(err error, code string) bool {
	return GetCode(err) == code
}

// GetNextAction returns the user-facing hint for a code, or "" if the code
// is not meant to be surfaced.
func GetNextAction(code string) string {
	return nextActions[code]
}

// IsSurfaced reports whether errors with this code should be shown to the
// user. Transport-level codes are handled locally and only logged.
func IsSurfaced(code string) bool {
	switch code {
	case CodeConnectionUnavailable, CodeInboundMalformed, "":
		return false
	}
	return true
}

// ConnectionUnavailable creates a "connection.unavailable" error.
func ConnectionUnavailable(thread string) *CodedError {
	return New(CodeConnectionUnavailable, fmt.Sprintf("push channel for %s is not open", thread))
}

// InboundMalformed creates an "inbound.malformed" error.
func InboundMalformed(reason string, cause error) *CodedError {
	return Wrap(CodeInboundMalformed, reason, cause)
}

// AttachmentTooLarge creates an "attachment.too_large" error.
// The check runs before any network call.
func AttachmentTooLarge(name string, size, limit int64) *CodedError {
	msg := fmt.Sprintf("file %s is %d bytes; the limit is %d bytes", name, size, limit)
	return New(CodeAttachmentTooLarge, msg)
}

// AttachmentReadFailed creates an "attachment.read_failed" error.
func AttachmentReadFailed(name string, cause error) *CodedError {
	return Wrap(CodeAttachmentReadFailed, fmt.Sprintf("failed to read file %s, please try again", name), cause)
}

// DeliveryFailed creates a "delivery.failed" error for a durable operation.
func DeliveryFailed(op string, cause error) *CodedError {
	return Wrap(CodeDeliveryFailed, fmt.Sprintf("failed to %s, please try again", op), cause)
}

// EmptyDraft creates a "delivery.empty_draft" error.
func EmptyDraft() *CodedError {
	return New(CodeDeliveryEmptyDraft, "message has no text and no attachment")
}

// PartialBulkFailure creates a "bulk.partial_failure" error.
func PartialBulkFailure(succeeded, failed int) *CodedError {
	msg := fmt.Sprintf("deleted %d message(s), %d failed", succeeded, failed)
	return New(CodeBulkPartialFailure, msg)
}

// NotOwner creates a "message.not_owner" error.
func NotOwner(messageID string) *CodedError {
	return New(CodeMessageNotOwner, fmt.Sprintf("message %s belongs to another user", messageID))
}

// MessageNotFound creates a "message.not_found" error.
func MessageNotFound(messageID string) *CodedError {
	return New(CodeMessageNotFound, fmt.Sprintf("message %s not found", messageID))
}

// PermissionDenied creates a "permission.denied" error.
func PermissionDenied(action string) *CodedError {
	return New(CodePermissionDenied, fmt.Sprintf("you do not have permission to %s", action))
}

// NotFound creates a "storage.not_found" error.
func NotFound(resource string) *CodedError {
	return New(CodeStorageNotFound, fmt.Sprintf("%s not found", resource))
}

// InvalidMessage creates a "server.invalid_message" error.
func InvalidMessage(reason string) *CodedError {
	return New(CodeServerInvalidMessage, reason)
}

// Internal creates an "error.internal" error.
func Internal(message string, cause error) *CodedError {
	return Wrap(CodeInternal, message, cause)
}
