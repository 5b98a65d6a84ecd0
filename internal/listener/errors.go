package listener

import "fmt"

// Code is a stable error taxonomy code surfaced to callers and logs.
// See spec §6/§7 for the full enumeration.
type Code string

const (
	CodeDBError                   Code = "DB_ERROR"
	CodeMessageHandlingFailed     Code = "MESSAGE_HANDLING_FAILED"
	CodeMessageErrorHandlingFailed Code = "MESSAGE_ERROR_HANDLING_FAILED"
	CodeGivingUpMessageHandling   Code = "GIVING_UP_MESSAGE_HANDLING"
	CodePoisonousMessage          Code = "POISONOUS_MESSAGE"
	CodeConflictingHandlers       Code = "CONFLICTING_MESSAGE_HANDLERS"
	CodeNoHandlerRegistered       Code = "NO_MESSAGE_HANDLER_REGISTERED"
	CodeListenerStopped           Code = "LISTENER_STOPPED"
	CodeTimeout                  Code = "TIMEOUT"
	CodeMessageStorageFailed     Code = "MESSAGE_STORAGE_FAILED"
	CodeBatchProcessingError     Code = "BATCH_PROCESSING_ERROR"
)

// Error wraps a Code and the message it occurred against (where applicable)
// with the underlying cause.
type Error struct {
	Code      Code
	MessageID string
	Err       error
}

func (e *Error) Error() string {
	if e.MessageID != "" {
		return fmt.Sprintf("%s: message %s: %v", e.Code, e.MessageID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(code Code, messageID string, err error) *Error {
	return &Error{Code: code, MessageID: messageID, Err: err}
}
