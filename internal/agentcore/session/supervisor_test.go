package session

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxrelay/agentcore/internal/agentcore/frame"
	"github.com/voxrelay/agentcore/internal/agentcore/pool"
)

func newTestServer(t *testing.T) (*httptest.Server, *pool.Pool) {
	t.Helper()
	p := pool.New(pool.Config{MaxConnections: 10}, nil)

	handler := func(w http.ResponseWriter, r *http.Request) {
		conn, err := pool.Upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade failed: %v", err)
			return
		}
		poolConn, ok := p.Admit("test-conn", conn)
		if !ok {
			conn.Close()
			return
		}
		sup := New(conn, poolConn, p, Dependencies{
			STTBaseURL: "wss://stt.invalid/listen",
			TTSBaseURL: "wss://tts.invalid/stream",
			LLMAPIKey:  "unused",
		}, nil)
		sup.Run()
	}

	srv := httptest.NewServer(http.HandlerFunc(handler))
	return srv, p
}

func dialTestServer(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn, wantType string, timeout time.Duration) frame.Envelope {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn.SetReadDeadline(time.Now().Add(timeout))
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if msgType != websocket.TextMessage {
			continue
		}
		var env frame.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("unmarshal envelope: %v", err)
		}
		if env.Type == wantType {
			return env
		}
	}
	t.Fatalf("timed out waiting for envelope type %q", wantType)
	return frame.Envelope{}
}

func TestTestUtteranceProducesSttFinal(t *testing.T) {
	srv, _ := newTestServer(t)
	defer srv.Close()
	conn := dialTestServer(t, srv)
	defer conn.Close()

	startData, _ := json.Marshal(frame.SessionStartData{SystemPrompt: "test"})
	startEnv, _ := json.Marshal(frame.Envelope{Type: frame.TypeSessionStart, SessionID: "s1", Data: startData})
	if err := conn.WriteMessage(websocket.TextMessage, startEnv); err != nil {
		t.Fatalf("write session.start: %v", err)
	}

	utterData, _ := json.Marshal(frame.TestUtteranceData{Text: "hello there"})
	utterEnv, _ := json.Marshal(frame.Envelope{Type: frame.TypeTestUtterance, SessionID: "s1", Data: utterData})
	if err := conn.WriteMessage(websocket.TextMessage, utterEnv); err != nil {
		t.Fatalf("write test.utterance: %v", err)
	}

	env := readEnvelope(t, conn, frame.TypeSTTFinal, 3*time.Second)
	var data frame.STTFinalData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("unmarshal stt.final data: %v", err)
	}
	if data.Text != "hello there" {
		t.Errorf("stt.final text = %q, want %q", data.Text, "hello there")
	}
}

func TestUnknownEnvelopeProducesError(t *testing.T) {
	srv, _ := newTestServer(t)
	defer srv.Close()
	conn := dialTestServer(t, srv)
	defer conn.Close()

	badEnv, _ := json.Marshal(frame.Envelope{Type: "bogus.type", SessionID: "s1"})
	if err := conn.WriteMessage(websocket.TextMessage, badEnv); err != nil {
		t.Fatalf("write: %v", err)
	}

	env := readEnvelope(t, conn, frame.TypeError, 3*time.Second)
	var data frame.ErrorData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("unmarshal error data: %v", err)
	}
	if data.Code != "protocol_error" {
		t.Errorf("error code = %q, want protocol_error", data.Code)
	}
}

func TestPoolRejectsOverCap(t *testing.T) {
	p := pool.New(pool.Config{MaxConnections: 1}, nil)
	if _, ok := p.Admit("one", nil); !ok {
		t.Fatalf("first admission should succeed")
	}
	if _, ok := p.Admit("two", nil); ok {
		t.Fatalf("second admission over cap should be refused")
	}
}
