package router

import "errors"

var (
	ErrMalformedEnvelope  = errors.New("malformed envelope")
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrMissingPayload     = errors.New("missing payload")
	ErrRateLimitExceeded  = errors.New("rate limit exceeded")
	ErrSenderNotInSession = errors.New("sender not in session")
	ErrRecipientNotFound  = errors.New("recipient not found")
)
