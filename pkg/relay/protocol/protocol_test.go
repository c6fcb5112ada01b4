package protocol

import (
	"encoding/json"
	"testing"
)

func TestDecodeClientFrameAudioAppend(t *testing.T) {
	frame, err := DecodeClientFrame([]byte(`{"type":"audio.append","audio":"c2lsZW5jZQ=="}`))
	if err != nil {
		t.Fatalf("DecodeClientFrame: %v", err)
	}
	if frame == nil {
		t.Fatalf("expected frame, got nil")
	}
	if frame.Type != ClientAudioAppend {
		t.Fatalf("type = %q, want %q", frame.Type, ClientAudioAppend)
	}
	if frame.Audio != "c2lsZW5jZQ==" {
		t.Fatalf("audio = %q", frame.Audio)
	}
}

func TestDecodeClientFrameCommands(t *testing.T) {
	for _, typ := range []string{ClientAudioCommit, ClientResponseCreate, ClientResponseCancel} {
		frame, err := DecodeClientFrame([]byte(`{"type":"` + typ + `"}`))
		if err != nil {
			t.Fatalf("DecodeClientFrame(%q): %v", typ, err)
		}
		if frame == nil || frame.Type != typ {
			t.Fatalf("DecodeClientFrame(%q) = %+v", typ, frame)
		}
	}
}

func TestDecodeClientFrameUnknownType(t *testing.T) {
	frame, err := DecodeClientFrame([]byte(`{"type":"something.new","payload":123}`))
	if err != nil {
		t.Fatalf("unknown type must not error, got %v", err)
	}
	if frame != nil {
		t.Fatalf("unknown type must yield nil frame, got %+v", frame)
	}
}

func TestDecodeClientFrameMalformed(t *testing.T) {
	if _, err := DecodeClientFrame([]byte(`{"type":`)); err == nil {
		t.Fatalf("expected error for malformed JSON")
	}
}

func TestDecodeClientFrameTrimsType(t *testing.T) {
	frame, err := DecodeClientFrame([]byte(`{"type":" audio.commit "}`))
	if err != nil {
		t.Fatalf("DecodeClientFrame: %v", err)
	}
	if frame == nil || frame.Type != ClientAudioCommit {
		t.Fatalf("got %+v, want audio.commit", frame)
	}
}

func TestCloseCodesAreDistinctPolicyCodes(t *testing.T) {
	codes := []int{
		CloseNoToken,
		CloseInvalidUser,
		CloseAuthFailure,
		CloseQuotaExceeded,
		CloseCredentialMissing,
		CloseSessionTimeout,
		CloseIdleTimeout,
		CloseServerShutdown,
	}
	seen := make(map[int]bool, len(codes))
	for _, c := range codes {
		if c < 4000 || c > 4999 {
			t.Fatalf("close code %d outside private range", c)
		}
		if seen[c] {
			t.Fatalf("duplicate close code %d", c)
		}
		seen[c] = true
	}
}

func TestServerFrameEncodings(t *testing.T) {
	cases := []struct {
		frame    any
		wantType string
	}{
		{NewSessionStarted("sess_1", 10), "session.started"},
		{NewAudioDelta("aGk="), "audio.delta"},
		{NewTranscriptDelta("hello"), "transcript.delta"},
		{NewResponseComplete(), "response.complete"},
		{NewSpeechStarted(), "user.speech_started"},
		{NewSpeechStopped(), "user.speech_stopped"},
		{NewSessionWarning("ending", 2), "session.warning"},
		{NewSessionTimeout("done"), "session.timeout"},
		{NewErrorFrame("boom"), "error"},
	}
	for _, tc := range cases {
		data, err := json.Marshal(tc.frame)
		if err != nil {
			t.Fatalf("marshal %T: %v", tc.frame, err)
		}
		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			t.Fatalf("unmarshal %T: %v", tc.frame, err)
		}
		if envelope.Type != tc.wantType {
			t.Fatalf("%T type = %q, want %q", tc.frame, envelope.Type, tc.wantType)
		}
	}
}

func TestSessionStartedFields(t *testing.T) {
	data, err := json.Marshal(NewSessionStarted("sess_abc", 10))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["sessionId"] != "sess_abc" {
		t.Fatalf("sessionId = %v", got["sessionId"])
	}
	if got["maxMinutes"] != float64(10) {
		t.Fatalf("maxMinutes = %v", got["maxMinutes"])
	}
}
