package session

import (
	"encoding/json"

	"github.com/arclight-ai/voice-relay/pkg/relay/protocol"
	"github.com/arclight-ai/voice-relay/pkg/relay/upstream"
)

// translateUpstreamEvent maps the known upstream event categories onto the
// stable client-facing vocabulary. Unknown event types are returned
// unmodified so newer upstream messages reach the client byte-for-byte.
func translateUpstreamEvent(eventType string, raw []byte) []byte {
	switch eventType {
	case upstream.EventAudioDelta:
		return mustMarshal(protocol.NewAudioDelta(deltaField(raw)))
	case upstream.EventTranscriptDelta:
		return mustMarshal(protocol.NewTranscriptDelta(deltaField(raw)))
	case upstream.EventResponseDone:
		return mustMarshal(protocol.NewResponseComplete())
	case upstream.EventSpeechStarted:
		return mustMarshal(protocol.NewSpeechStarted())
	case upstream.EventSpeechStopped:
		return mustMarshal(protocol.NewSpeechStopped())
	case upstream.EventError:
		return mustMarshal(protocol.NewErrorFrame(errorMessage(raw)))
	default:
		return raw
	}
}

func deltaField(raw []byte) string {
	var event struct {
		Delta string `json:"delta"`
	}
	_ = json.Unmarshal(raw, &event)
	return event.Delta
}

func errorMessage(raw []byte) string {
	var event struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	_ = json.Unmarshal(raw, &event)
	if event.Error.Message == "" {
		return "upstream error"
	}
	return event.Error.Message
}

func mustMarshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		// All frame types marshal; this is unreachable in practice.
		return []byte(`{"type":"error","error":"internal encoding failure"}`)
	}
	return data
}
