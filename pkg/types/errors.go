package types

import "errors"

// ValidationError reports client-caused bad input. Message is meant for the
// client and is distinct per rule.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// NewValidationError builds a ValidationError for field.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// IsValidationError reports whether err is, or wraps, a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Validation failures shared by the message and session paths.
var (
	ErrInvalidSenderID       = NewValidationError("senderId", "Invalid sender ID")
	ErrInvalidReceiverID     = NewValidationError("receiverId", "Invalid receiver ID")
	ErrSameSenderReceiver    = NewValidationError("receiverId", "Sender and receiver must differ")
	ErrInvalidSessionID      = NewValidationError("sessionId", "Invalid session ID")
	ErrEmptyContent          = NewValidationError("content", "Message content cannot be empty")
	ErrContentTooLong        = NewValidationError("content", "Message content too long")
	ErrInvalidMessageKind    = NewValidationError("messageType", "Invalid message type")
	ErrInvalidUserID         = NewValidationError("userId", "Invalid user ID")
	ErrInvalidMessageID      = NewValidationError("messageId", "Invalid message or user ID")
	ErrInvalidSearchLimit    = NewValidationError("limit", "Invalid search limit")
	ErrInvalidSearchOffset   = NewValidationError("offset", "Invalid search offset")
	ErrInvalidPage           = NewValidationError("page", "Invalid page number")
	ErrInvalidParticipants   = NewValidationError("advisorId", "Invalid user or advisor ID")
	ErrInvalidSessionType    = NewValidationError("sessionType", "Invalid session type")
	ErrInvalidRate           = NewValidationError("ratePerMinute", "Rate per minute cannot be negative")
	ErrInvalidSessionStatus  = NewValidationError("status", "Invalid session status")
	ErrInvalidScheduleWindow = NewValidationError("endTime", "End time must be after start time")
)
