package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/parlaai/voice-client/internal/audio"
)

var upgrader = websocket.Upgrader{}

// testServer is a minimal live backend: it records the setup message and any
// audio frames, and can push server messages to the client.
type testServer struct {
	*httptest.Server

	mu     sync.Mutex
	conn   *websocket.Conn
	setup  *setupMessage
	frames []audio.Blob
	ready  chan struct{}
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{ready: make(chan struct{})}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Upgrade failed: %v", err)
			return
		}
		ts.mu.Lock()
		ts.conn = conn
		ts.mu.Unlock()

		// First message must be the setup
		var setup setupMessage
		if err := conn.ReadJSON(&setup); err != nil {
			return
		}
		ts.mu.Lock()
		ts.setup = &setup
		ts.mu.Unlock()
		close(ts.ready)

		for {
			var msg clientMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if msg.Audio != nil {
				ts.mu.Lock()
				ts.frames = append(ts.frames, *msg.Audio)
				ts.mu.Unlock()
			}
		}
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func (ts *testServer) push(t *testing.T, msg ServerMessage) {
	t.Helper()
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if err := ts.conn.WriteJSON(msg); err != nil {
		t.Fatalf("Server push failed: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func TestConnect_SendsSetupAndFiresOnOpen(t *testing.T) {
	ts := newTestServer(t)

	opened := false
	client, err := Connect(context.Background(), Config{URL: ts.wsURL(), DialMaxAttempts: 1},
		Callbacks{OnOpen: func() { opened = true }},
		"You are a test persona.", "aoede", zerolog.Nop())
	if err != nil {
		t.Fatalf("Connect() failed: %v", err)
	}
	defer client.Close()

	if !opened {
		t.Error("Expected OnOpen to fire after connect")
	}

	<-ts.ready
	ts.mu.Lock()
	setup := ts.setup
	ts.mu.Unlock()
	if setup.Setup.SystemInstruction != "You are a test persona." {
		t.Errorf("Expected system instruction in setup, got '%s'", setup.Setup.SystemInstruction)
	}
	if setup.Setup.VoiceID != "aoede" {
		t.Errorf("Expected voice 'aoede' in setup, got '%s'", setup.Setup.VoiceID)
	}
}

func TestClient_SendAudioWireFormat(t *testing.T) {
	ts := newTestServer(t)

	client, err := Connect(context.Background(), Config{URL: ts.wsURL(), DialMaxAttempts: 1},
		Callbacks{}, "instr", "voice", zerolog.Nop())
	if err != nil {
		t.Fatalf("Connect() failed: %v", err)
	}
	defer client.Close()
	<-ts.ready

	blob := audio.EncodeFrame([]float32{0.1, -0.1, 0.2})
	if err := client.SendAudio(blob); err != nil {
		t.Fatalf("SendAudio() failed: %v", err)
	}

	waitFor(t, func() bool {
		ts.mu.Lock()
		defer ts.mu.Unlock()
		return len(ts.frames) == 1
	}, "audio frame to arrive")

	ts.mu.Lock()
	got := ts.frames[0]
	ts.mu.Unlock()
	if got.MIMEType != audio.TransportMIME {
		t.Errorf("Expected MIME %q on the wire, got %q", audio.TransportMIME, got.MIMEType)
	}
	if got.Data != blob.Data {
		t.Error("Expected payload to survive the wire unchanged")
	}
}

func TestClient_MessagesDispatchInArrivalOrder(t *testing.T) {
	ts := newTestServer(t)

	var mu sync.Mutex
	var deltas []string
	client, err := Connect(context.Background(), Config{URL: ts.wsURL(), DialMaxAttempts: 1},
		Callbacks{OnMessage: func(msg ServerMessage) {
			if msg.OutputTranscriptionDelta != "" {
				mu.Lock()
				deltas = append(deltas, msg.OutputTranscriptionDelta)
				mu.Unlock()
			}
		}}, "instr", "voice", zerolog.Nop())
	if err != nil {
		t.Fatalf("Connect() failed: %v", err)
	}
	defer client.Close()
	<-ts.ready

	for _, d := range []string{"a", "b", "c"} {
		ts.push(t, ServerMessage{OutputTranscriptionDelta: d})
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(deltas) == 3
	}, "all deltas to arrive")

	mu.Lock()
	defer mu.Unlock()
	if deltas[0] != "a" || deltas[1] != "b" || deltas[2] != "c" {
		t.Errorf("Expected arrival order [a b c], got %v", deltas)
	}
}

func TestClient_RemoteCloseFiresOnClose(t *testing.T) {
	ts := newTestServer(t)

	closed := make(chan struct{})
	client, err := Connect(context.Background(), Config{URL: ts.wsURL(), DialMaxAttempts: 1},
		Callbacks{OnClose: func() { close(closed) }}, "instr", "voice", zerolog.Nop())
	if err != nil {
		t.Fatalf("Connect() failed: %v", err)
	}
	defer client.Close()
	<-ts.ready

	ts.mu.Lock()
	ts.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	ts.conn.Close()
	ts.mu.Unlock()

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Expected OnClose after remote close")
	}
}

func TestClient_NoCallbacksAfterExplicitClose(t *testing.T) {
	ts := newTestServer(t)

	events := make(chan string, 4)
	client, err := Connect(context.Background(), Config{URL: ts.wsURL(), DialMaxAttempts: 1},
		Callbacks{
			OnError: func(error) { events <- "error" },
			OnClose: func() { events <- "close" },
		}, "instr", "voice", zerolog.Nop())
	if err != nil {
		t.Fatalf("Connect() failed: %v", err)
	}
	<-ts.ready

	if err := client.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Errorf("Second Close() failed: %v", err)
	}

	select {
	case evt := <-events:
		t.Errorf("Expected no callbacks after explicit close, got %q", evt)
	case <-time.After(200 * time.Millisecond):
	}

	if err := client.SendAudio(audio.EncodeFrame([]float32{0})); err != ErrSessionClosed {
		t.Errorf("Expected ErrSessionClosed after close, got %v", err)
	}
}

func TestConnect_DialFailureAfterRetries(t *testing.T) {
	start := time.Now()
	_, err := Connect(context.Background(), Config{
		URL:             "ws://127.0.0.1:1/live", // nothing listens here
		DialMaxAttempts: 2,
		DialBackoff:     10 * time.Millisecond,
	}, Callbacks{}, "instr", "voice", zerolog.Nop())

	if err == nil {
		t.Fatal("Expected dial failure")
	}
	if elapsed := time.Since(start); elapsed < 10*time.Millisecond {
		t.Errorf("Expected at least one backoff interval, elapsed %v", elapsed)
	}
}

func TestServerMessage_TaggedUnionJSON(t *testing.T) {
	payload := `{"audioChunk":{"mimeType":"audio/pcm;rate=16000","data":"AAA="}}`
	var msg ServerMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if msg.AudioChunk == nil {
		t.Fatal("Expected audioChunk to be set")
	}
	if msg.TurnComplete || msg.Interrupted || msg.InputTranscriptionDelta != "" {
		t.Error("Expected only the audioChunk variant to be populated")
	}
}
