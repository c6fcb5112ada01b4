package upstream

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
)

// fakeRealtime upgrades inbound connections and records everything the
// relay sends, while letting the test push events back.
type fakeRealtime struct {
	mu       sync.Mutex
	path     string
	query    string
	headers  http.Header
	received []map[string]any

	conn     *websocket.Conn
	connOnce sync.Once
	ready    chan struct{}
}

func newFakeRealtime(t *testing.T) (*fakeRealtime, *httptest.Server) {
	t.Helper()
	f := &fakeRealtime{ready: make(chan struct{})}

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.path = r.URL.Path
		f.query = r.URL.RawQuery
		f.headers = r.Header.Clone()
		f.mu.Unlock()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.connOnce.Do(func() {
			f.conn = conn
			close(f.ready)
		})

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var m map[string]any
			if err := json.Unmarshal(data, &m); err != nil {
				continue
			}
			f.mu.Lock()
			f.received = append(f.received, m)
			f.mu.Unlock()
		}
	}))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeRealtime) waitReceived(t *testing.T, n int) []map[string]any {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		if len(f.received) >= n {
			out := make([]map[string]any, len(f.received))
			copy(out, f.received)
			f.mu.Unlock()
			return out
		}
		f.mu.Unlock()
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d upstream messages", n)
	return nil
}

func (f *fakeRealtime) send(t *testing.T, payload string) {
	t.Helper()
	select {
	case <-f.ready:
	case <-time.After(5 * time.Second):
		t.Fatalf("upstream connection never arrived")
	}
	if err := f.conn.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
		t.Fatalf("send event: %v", err)
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialFake(t *testing.T, srv *httptest.Server, cfg DialConfig) *Conn {
	t.Helper()
	cfg.URL = wsURL(srv)
	conn, err := Dial(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestDialSendsModelAndAuthHeaders(t *testing.T) {
	f, srv := newFakeRealtime(t)

	dialFake(t, srv, DialConfig{APIKey: "sk-test", Model: "gpt-4o-realtime-preview"})

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.query != "model=gpt-4o-realtime-preview" {
		t.Fatalf("query = %q", f.query)
	}
	if got := f.headers.Get("Authorization"); got != "Bearer sk-test" {
		t.Fatalf("Authorization = %q", got)
	}
	if got := f.headers.Get("OpenAI-Beta"); got != "realtime=v1" {
		t.Fatalf("OpenAI-Beta = %q", got)
	}
}

func TestDialRequiresURL(t *testing.T) {
	if _, err := Dial(context.Background(), DialConfig{}); err == nil {
		t.Fatalf("Dial without URL must fail")
	}
}

func TestConfigureSendsSessionUpdate(t *testing.T) {
	f, srv := newFakeRealtime(t)
	conn := dialFake(t, srv, DialConfig{})

	err := conn.Configure(SessionConfig{
		Voice:              "alloy",
		InputAudioFormat:   "pcm16",
		OutputAudioFormat:  "pcm16",
		TranscriptionModel: "whisper-1",
		VADThreshold:       0.5,
		VADPrefixPaddingMS: 300,
		VADSilenceMS:       500,
	})
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}

	msgs := f.waitReceived(t, 1)
	if msgs[0]["type"] != "session.update" {
		t.Fatalf("type = %v", msgs[0]["type"])
	}
	sess, _ := msgs[0]["session"].(map[string]any)
	if sess["voice"] != "alloy" || sess["input_audio_format"] != "pcm16" {
		t.Fatalf("session = %v", sess)
	}
	turn, _ := sess["turn_detection"].(map[string]any)
	if turn["type"] != "server_vad" || turn["threshold"] != float64(0.5) {
		t.Fatalf("turn_detection = %v", turn)
	}
	if turn["silence_duration_ms"] != float64(500) {
		t.Fatalf("silence_duration_ms = %v", turn["silence_duration_ms"])
	}
}

func TestCommandVocabulary(t *testing.T) {
	f, srv := newFakeRealtime(t)
	conn := dialFake(t, srv, DialConfig{})

	if err := conn.AppendAudio("cGNt"); err != nil {
		t.Fatalf("AppendAudio: %v", err)
	}
	if err := conn.CommitAudio(); err != nil {
		t.Fatalf("CommitAudio: %v", err)
	}
	if err := conn.CreateResponse(); err != nil {
		t.Fatalf("CreateResponse: %v", err)
	}
	if err := conn.CancelResponse(); err != nil {
		t.Fatalf("CancelResponse: %v", err)
	}

	msgs := f.waitReceived(t, 4)
	wantTypes := []string{
		"input_audio_buffer.append",
		"input_audio_buffer.commit",
		"response.create",
		"response.cancel",
	}
	for i, want := range wantTypes {
		if msgs[i]["type"] != want {
			t.Fatalf("message %d type = %v, want %q", i, msgs[i]["type"], want)
		}
	}
	if msgs[0]["audio"] != "cGNt" {
		t.Fatalf("audio = %v", msgs[0]["audio"])
	}
}

func TestReadEventReturnsTypeAndRaw(t *testing.T) {
	f, srv := newFakeRealtime(t)
	conn := dialFake(t, srv, DialConfig{})

	f.send(t, `{"type":"response.done","response":{"id":"resp_1"}}`)

	eventType, raw, err := conn.ReadEvent()
	if err != nil {
		t.Fatalf("ReadEvent: %v", err)
	}
	if eventType != EventResponseDone {
		t.Fatalf("eventType = %q", eventType)
	}
	if !strings.Contains(string(raw), `"resp_1"`) {
		t.Fatalf("raw = %q", raw)
	}
}

func TestReadEventMalformedIsRecoverable(t *testing.T) {
	f, srv := newFakeRealtime(t)
	conn := dialFake(t, srv, DialConfig{})

	f.send(t, `{not json`)
	_, _, err := conn.ReadEvent()
	if !IsMalformed(err) {
		t.Fatalf("err = %v, want malformed", err)
	}

	f.send(t, `{"type":"error","error":{"message":"bad"}}`)
	eventType, _, err := conn.ReadEvent()
	if err != nil {
		t.Fatalf("ReadEvent after malformed frame: %v", err)
	}
	if eventType != EventError {
		t.Fatalf("eventType = %q", eventType)
	}
}

func TestReadEventSkipsBinaryFrames(t *testing.T) {
	f, srv := newFakeRealtime(t)
	conn := dialFake(t, srv, DialConfig{})

	select {
	case <-f.ready:
	case <-time.After(5 * time.Second):
		t.Fatalf("upstream connection never arrived")
	}
	if err := f.conn.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02}); err != nil {
		t.Fatalf("send binary: %v", err)
	}
	f.send(t, `{"type":"response.done"}`)

	eventType, _, err := conn.ReadEvent()
	if err != nil {
		t.Fatalf("ReadEvent: %v", err)
	}
	if eventType != EventResponseDone {
		t.Fatalf("eventType = %q, binary frame must be skipped", eventType)
	}
}
