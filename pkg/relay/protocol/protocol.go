package protocol

import (
	"encoding/json"
	"strings"
)

// Policy close codes for the /v1/voice endpoint. They live in the websocket
// private range (4000-4999) so clients can tell "you may not start" causes
// apart from "your session ended" causes.
const (
	CloseNoToken           = 4001
	CloseInvalidUser       = 4002
	CloseAuthFailure       = 4003
	CloseQuotaExceeded     = 4004
	CloseCredentialMissing = 4005
	CloseSessionTimeout    = 4008
	CloseIdleTimeout       = 4009
	CloseServerShutdown    = 4010
)

// Client frame types accepted by the relay. Anything else is ignored.
const (
	ClientAudioAppend    = "audio.append"
	ClientAudioCommit    = "audio.commit"
	ClientResponseCreate = "response.create"
	ClientResponseCancel = "response.cancel"
)

type ClientFrame struct {
	Type  string `json:"type"`
	Audio string `json:"audio,omitempty"`
}

// DecodeClientFrame parses an inbound client frame. A nil frame with a nil
// error means the frame was valid JSON but of an unknown type; the caller
// drops it without forwarding.
func DecodeClientFrame(data []byte) (*ClientFrame, error) {
	var frame ClientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, err
	}
	switch strings.TrimSpace(frame.Type) {
	case ClientAudioAppend, ClientAudioCommit, ClientResponseCreate, ClientResponseCancel:
		frame.Type = strings.TrimSpace(frame.Type)
		return &frame, nil
	default:
		return nil, nil
	}
}

type SessionStarted struct {
	Type       string `json:"type"`
	SessionID  string `json:"sessionId"`
	MaxMinutes int    `json:"maxMinutes"`
}

func NewSessionStarted(sessionID string, maxMinutes int) SessionStarted {
	return SessionStarted{Type: "session.started", SessionID: sessionID, MaxMinutes: maxMinutes}
}

type AudioDelta struct {
	Type    string `json:"type"`
	Payload string `json:"payload"`
}

func NewAudioDelta(payload string) AudioDelta {
	return AudioDelta{Type: "audio.delta", Payload: payload}
}

type TranscriptDelta struct {
	Type    string `json:"type"`
	Payload string `json:"payload"`
}

func NewTranscriptDelta(payload string) TranscriptDelta {
	return TranscriptDelta{Type: "transcript.delta", Payload: payload}
}

type ResponseComplete struct {
	Type string `json:"type"`
}

func NewResponseComplete() ResponseComplete {
	return ResponseComplete{Type: "response.complete"}
}

type SpeechStarted struct {
	Type string `json:"type"`
}

func NewSpeechStarted() SpeechStarted {
	return SpeechStarted{Type: "user.speech_started"}
}

type SpeechStopped struct {
	Type string `json:"type"`
}

func NewSpeechStopped() SpeechStopped {
	return SpeechStopped{Type: "user.speech_stopped"}
}

type SessionWarning struct {
	Type             string `json:"type"`
	Message          string `json:"message"`
	RemainingMinutes int    `json:"remainingMinutes"`
}

func NewSessionWarning(message string, remainingMinutes int) SessionWarning {
	return SessionWarning{Type: "session.warning", Message: message, RemainingMinutes: remainingMinutes}
}

type SessionTimeout struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func NewSessionTimeout(message string) SessionTimeout {
	return SessionTimeout{Type: "session.timeout", Message: message}
}

type ErrorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

func NewErrorFrame(message string) ErrorFrame {
	return ErrorFrame{Type: "error", Error: message}
}
