package websocket

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"advisorhub/pkg/interfaces"
)

// Test WebSocket upgrader for creating test connections
var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func TestConnection_InterfaceCompliance(t *testing.T) {
	var _ interfaces.Transport = &Connection{}
}

func TestConnection_NewConnectionInitialization(t *testing.T) {
	wsConn, _ := createTestWebSocketConnection(t)
	defer wsConn.Close()

	conn := NewConnection(wsConn, 123, 0, 0)
	defer conn.Close()

	if cap(conn.writeCh) != defaultWriteBuffer {
		t.Errorf("Expected write channel buffer of %d, got %d", defaultWriteBuffer, cap(conn.writeCh))
	}
	if conn.UserID() != 123 {
		t.Errorf("Expected user 123, got %d", conn.UserID())
	}
	if conn.ID() == "" {
		t.Error("Connection ID should be assigned")
	}
	if !conn.IsOpen() {
		t.Error("New connection should be open")
	}
}

func TestConnection_WriteJSONReachesPeer(t *testing.T) {
	wsConn, received := createTestWebSocketConnection(t)
	conn := NewConnection(wsConn, 1, 10, time.Second)
	defer conn.Close()

	if err := conn.WriteJSON(map[string]string{"type": "ping"}); err != nil {
		t.Fatalf("WriteJSON failed: %v", err)
	}

	select {
	case data := <-received:
		var got map[string]string
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("Peer received invalid JSON: %v", err)
		}
		if got["type"] != "ping" {
			t.Errorf("Expected type ping, got %q", got["type"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Peer did not receive the message")
	}
}

func TestConnection_WriteAfterClose(t *testing.T) {
	wsConn, _ := createTestWebSocketConnection(t)
	conn := NewConnection(wsConn, 1, 10, time.Second)

	if err := conn.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if conn.IsOpen() {
		t.Error("Connection should report closed")
	}
	if err := conn.WriteJSON("x"); err != ErrConnectionClosed {
		t.Errorf("Expected ErrConnectionClosed, got %v", err)
	}
	// Second close is a no-op.
	if err := conn.Close(); err != nil {
		t.Errorf("Second Close returned %v", err)
	}
}

func TestConnection_InvalidJSON(t *testing.T) {
	wsConn, _ := createTestWebSocketConnection(t)
	conn := NewConnection(wsConn, 1, 10, time.Second)
	defer conn.Close()

	if err := conn.WriteJSON(make(chan int)); err != ErrInvalidJSON {
		t.Errorf("Expected ErrInvalidJSON, got %v", err)
	}
}

func TestConnection_ConcurrentWrites(t *testing.T) {
	wsConn, received := createTestWebSocketConnection(t)
	conn := NewConnection(wsConn, 1, 100, time.Second)
	defer conn.Close()

	const writers, perWriter = 10, 10
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				if err := conn.WriteJSON(map[string]int{"writer": n, "seq": j}); err != nil {
					t.Errorf("WriteJSON failed: %v", err)
				}
			}
		}(i)
	}
	wg.Wait()

	deadline := time.After(3 * time.Second)
	for got := 0; got < writers*perWriter; got++ {
		select {
		case <-received:
		case <-deadline:
			t.Fatalf("Only %d of %d messages arrived", got, writers*perWriter)
		}
	}
}

// createTestWebSocketConnection dials a throwaway server and returns the
// client side plus a channel of frames the server read.
func createTestWebSocketConnection(t *testing.T) (*websocket.Conn, <-chan []byte) {
	received := make(chan []byte, 256)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Failed to upgrade connection: %v", err)
			return
		}
		defer conn.Close()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			received <- data
		}
	}))
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to create test WebSocket connection: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	return conn, received
}
