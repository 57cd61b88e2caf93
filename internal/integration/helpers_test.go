package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"

	"advisorhub/internal/app"
	"advisorhub/internal/config"
	"advisorhub/pkg/types"
)

const readDeadline = 3 * time.Second

// inbound mirrors an envelope with the payload left raw.
type inbound struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	From      int64           `json:"from"`
	To        int64           `json:"to"`
	SessionID int64           `json:"sessionId"`
}

type server struct {
	app  *app.Application
	base string
}

func startServer(t *testing.T) *server {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Database.Path = filepath.Join(t.TempDir(), "integration.db")
	cfg.HTTP.Host = "127.0.0.1"
	cfg.HTTP.Port = 0

	application, err := app.NewApplication(cfg, nil)
	if err != nil {
		t.Fatalf("Failed to build application: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := application.Start(ctx); err != nil {
		cancel()
		t.Fatalf("Failed to start application: %v", err)
	}
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		if err := application.Stop(stopCtx); err != nil {
			t.Logf("Stop returned: %v", err)
		}
		cancel()
	})
	return &server{app: application, base: application.Addr()}
}

func (s *server) connect(t *testing.T, userID int64) *gws.Conn {
	t.Helper()
	url := "ws://" + s.base + "/ws?user_id=" + strconv.FormatInt(userID, 10)
	conn, resp, err := gws.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("User %d failed to connect: %v", userID, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (s *server) postJSON(t *testing.T, path string, body interface{}, out interface{}) int {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("Failed to encode body: %v", err)
	}
	resp, err := http.Post("http://"+s.base+path, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s failed: %v", path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("Failed to decode %s response: %v", path, err)
		}
	}
	return resp.StatusCode
}

func (s *server) getJSON(t *testing.T, path string, out interface{}) int {
	t.Helper()
	resp, err := http.Get("http://" + s.base + path)
	if err != nil {
		t.Fatalf("GET %s failed: %v", path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("Failed to decode %s response: %v", path, err)
		}
	}
	return resp.StatusCode
}

func (s *server) createSession(t *testing.T, userID, advisorID, rate int64) *types.CallSession {
	t.Helper()
	var body struct {
		Session *types.CallSession `json:"session"`
	}
	code := s.postJSON(t, "/api/sessions", types.CreateSessionRequest{
		UserID:        userID,
		AdvisorID:     advisorID,
		SessionType:   types.SessionTypeVideo,
		RatePerMinute: rate,
	}, &body)
	if code != http.StatusCreated || body.Session == nil {
		t.Fatalf("Expected session to be created, got %d", code)
	}
	return body.Session
}

func send(t *testing.T, conn *gws.Conn, env types.Envelope) {
	t.Helper()
	if err := conn.WriteJSON(env); err != nil {
		t.Fatalf("Failed to send %s: %v", env.Type, err)
	}
}

// readUntil skips envelopes until one of msgType arrives.
func readUntil(t *testing.T, conn *gws.Conn, msgType string) inbound {
	t.Helper()
	deadline := time.Now().Add(readDeadline)
	for {
		conn.SetReadDeadline(deadline)
		var env inbound
		if err := conn.ReadJSON(&env); err != nil {
			t.Fatalf("Waiting for %s: %v", msgType, err)
		}
		if env.Type == msgType {
			return env
		}
	}
}

func decode(t *testing.T, env inbound, out interface{}) {
	t.Helper()
	if err := json.Unmarshal(env.Payload, out); err != nil {
		t.Fatalf("Failed to decode %s payload: %v", env.Type, err)
	}
}

// waitFor polls cond until it holds or the read deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(readDeadline)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}
