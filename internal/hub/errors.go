package hub

import "errors"

var (
	ErrHubAlreadyRunning   = errors.New("hub is already running")
	ErrHubNotRunning       = errors.New("hub is not running")
	ErrNilConnection       = errors.New("nil connection")
	ErrInboundQueueFull    = errors.New("hub: inbound queue is full")
	ErrRegisterQueueFull   = errors.New("hub: register queue is full")
	ErrUnregisterQueueFull = errors.New("hub: unregister queue is full")
)
