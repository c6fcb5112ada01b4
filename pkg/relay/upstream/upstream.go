// Package upstream speaks the realtime speech endpoint's websocket protocol:
// dialing, the small command vocabulary the relay needs, and event reads.
// The relay never exposes this vocabulary to clients directly.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Upstream event types the relay translates into stable client frames.
// Everything else is passed through verbatim.
const (
	EventAudioDelta      = "response.audio.delta"
	EventTranscriptDelta = "response.audio_transcript.delta"
	EventResponseDone    = "response.done"
	EventSpeechStarted   = "input_audio_buffer.speech_started"
	EventSpeechStopped   = "input_audio_buffer.speech_stopped"
	EventError           = "error"
)

const defaultDialTimeout = 15 * time.Second

type DialConfig struct {
	URL         string
	APIKey      string
	Model       string
	DialTimeout time.Duration
}

// SessionConfig is the one-time configuration command sent immediately after
// the connection opens, before any client traffic is relayed.
type SessionConfig struct {
	Voice              string
	InputAudioFormat   string
	OutputAudioFormat  string
	TranscriptionModel string
	VADThreshold       float64
	VADPrefixPaddingMS int
	VADSilenceMS       int
}

// Conn is a single upstream connection. Write methods are safe for
// concurrent use; ReadEvent must be called from one goroutine.
type Conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func Dial(ctx context.Context, cfg DialConfig) (*Conn, error) {
	u := strings.TrimSpace(cfg.URL)
	if u == "" {
		return nil, fmt.Errorf("upstream url is required")
	}
	if strings.TrimSpace(cfg.Model) != "" {
		sep := "?"
		if strings.Contains(u, "?") {
			sep = "&"
		}
		u = u + sep + "model=" + cfg.Model
	}

	headers := make(http.Header)
	if strings.TrimSpace(cfg.APIKey) != "" {
		headers.Set("Authorization", "Bearer "+cfg.APIKey)
	}
	headers.Set("OpenAI-Beta", "realtime=v1")

	dialCtx := ctx
	var cancel context.CancelFunc
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		timeout := cfg.DialTimeout
		if timeout <= 0 {
			timeout = defaultDialTimeout
		}
		dialCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ws, resp, err := websocket.DefaultDialer.DialContext(dialCtx, u, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("upstream dial failed (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("upstream dial failed: %w", err)
	}
	return &Conn{ws: ws}, nil
}

// Configure sends the session.update command that fixes audio formats, the
// voice, transcription, and server-side VAD parameters for the session.
func (c *Conn) Configure(cfg SessionConfig) error {
	return c.writeJSON(map[string]any{
		"type": "session.update",
		"session": map[string]any{
			"voice":               cfg.Voice,
			"input_audio_format":  cfg.InputAudioFormat,
			"output_audio_format": cfg.OutputAudioFormat,
			"input_audio_transcription": map[string]any{
				"model": cfg.TranscriptionModel,
			},
			"turn_detection": map[string]any{
				"type":                "server_vad",
				"threshold":           cfg.VADThreshold,
				"prefix_padding_ms":   cfg.VADPrefixPaddingMS,
				"silence_duration_ms": cfg.VADSilenceMS,
			},
		},
	})
}

func (c *Conn) AppendAudio(audioB64 string) error {
	return c.writeJSON(map[string]any{
		"type":  "input_audio_buffer.append",
		"audio": audioB64,
	})
}

func (c *Conn) CommitAudio() error {
	return c.writeJSON(map[string]any{"type": "input_audio_buffer.commit"})
}

func (c *Conn) CreateResponse() error {
	return c.writeJSON(map[string]any{"type": "response.create"})
}

func (c *Conn) CancelResponse() error {
	return c.writeJSON(map[string]any{"type": "response.cancel"})
}

// ReadEvent blocks for the next upstream event and returns its type along
// with the raw payload, so unknown events can be relayed byte-for-byte.
func (c *Conn) ReadEvent() (string, []byte, error) {
	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			return "", nil, err
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			return "", data, errMalformed
		}
		return envelope.Type, data, nil
	}
}

var errMalformed = fmt.Errorf("malformed upstream event")

// IsMalformed reports whether a ReadEvent error means a single bad frame
// rather than a broken connection.
func IsMalformed(err error) bool {
	return err == errMalformed
}

func (c *Conn) Close() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(2*time.Second))
	return c.ws.Close()
}

func (c *Conn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(v)
}
