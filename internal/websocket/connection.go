package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	defaultWriteBuffer  = 100
	defaultWriteTimeout = 5 * time.Second
)

// Connection wraps a gorilla connection behind interfaces.Transport.
// All frame writes go through a single writer goroutine; gorilla allows only
// one concurrent writer per connection.
type Connection struct {
	id           string
	conn         *websocket.Conn
	userID       int64
	writeCh      chan []byte
	writeTimeout time.Duration
	ctx          context.Context
	cancel       context.CancelFunc
	closeOnce    sync.Once
}

// NewConnection wraps conn for userID and starts its writer goroutine.
// bufferSize bounds the number of pending outbound frames.
func NewConnection(conn *websocket.Conn, userID int64, bufferSize int, writeTimeout time.Duration) *Connection {
	if bufferSize <= 0 {
		bufferSize = defaultWriteBuffer
	}
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		id:           uuid.New().String(),
		conn:         conn,
		userID:       userID,
		writeCh:      make(chan []byte, bufferSize),
		writeTimeout: writeTimeout,
		ctx:          ctx,
		cancel:       cancel,
	}

	go c.writeLoop()

	return c
}

func (c *Connection) writeLoop() {
	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				_ = c.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				_ = c.Close()
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

// WriteJSON marshals v and queues it for the writer goroutine. It fails fast
// once the connection is closed and gives up after the write timeout if the
// outbound buffer stays full.
func (c *Connection) WriteJSON(v interface{}) error {
	if !c.IsOpen() {
		return ErrConnectionClosed
	}

	data, err := json.Marshal(v)
	if err != nil {
		return ErrInvalidJSON
	}

	timer := time.NewTimer(c.writeTimeout)
	defer timer.Stop()

	select {
	case c.writeCh <- data:
		return nil
	case <-timer.C:
		return ErrWriteTimeout
	case <-c.ctx.Done():
		return ErrConnectionClosed
	}
}

// Close stops the writer and closes the socket. Safe to call repeatedly.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}

// IsOpen reports whether Close has not been called yet.
func (c *Connection) IsOpen() bool {
	return c.ctx.Err() == nil
}

// ID is a per-connection identifier used in logs.
func (c *Connection) ID() string {
	return c.id
}

func (c *Connection) UserID() int64 {
	return c.userID
}

// Done is closed when the connection is closed.
func (c *Connection) Done() <-chan struct{} {
	return c.ctx.Done()
}
