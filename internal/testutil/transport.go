// Package testutil holds fakes shared by package tests.
package testutil

import (
	"errors"
	"sync"

	"advisorhub/pkg/types"
)

// ErrSendFailed is returned by a Transport configured to fail writes.
var ErrSendFailed = errors.New("send failed")

// Transport records everything written to it. It satisfies interfaces.Transport.
type Transport struct {
	mu       sync.Mutex
	messages []interface{}
	closed   bool
	failSend bool
	closes   int
}

// NewTransport returns an open recording transport.
func NewTransport() *Transport {
	return &Transport{}
}

func (t *Transport) WriteJSON(v interface{}) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return errors.New("transport closed")
	}
	if t.failSend {
		return ErrSendFailed
	}
	t.messages = append(t.messages, v)
	return nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	t.closes++
	return nil
}

func (t *Transport) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed
}

// SetFailSend makes subsequent writes fail while the transport stays open.
func (t *Transport) SetFailSend(fail bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failSend = fail
}

// CloseCount reports how many times Close was called.
func (t *Transport) CloseCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closes
}

// Messages returns a copy of everything written so far.
func (t *Transport) Messages() []interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]interface{}(nil), t.messages...)
}

// Envelopes returns the written messages that are envelopes.
func (t *Transport) Envelopes() []types.Envelope {
	var out []types.Envelope
	for _, m := range t.Messages() {
		if env, ok := m.(types.Envelope); ok {
			out = append(out, env)
		}
	}
	return out
}

// EnvelopesOfType filters Envelopes by type.
func (t *Transport) EnvelopesOfType(msgType string) []types.Envelope {
	var out []types.Envelope
	for _, env := range t.Envelopes() {
		if env.Type == msgType {
			out = append(out, env)
		}
	}
	return out
}

// Reset drops recorded messages.
func (t *Transport) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messages = nil
}
