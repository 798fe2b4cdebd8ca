package rtc

import (
	"encoding/json"
	"fmt"

	"github.com/elysialabs/voicepipe/pkg/transport"
)

// Data-channel events follow the realtime API wire contract: every
// message is a JSON object with a type field. Inbound messages decode
// to a tagged union so dispatch stays exhaustive.

// Event is an inbound data-channel message variant.
type Event interface{ isEvent() }

// SpeechStarted signals that the server detected the start of user
// speech on the uplink.
type SpeechStarted struct{}

// SpeechStopped signals the end of detected user speech.
type SpeechStopped struct{}

// InputTranscription carries the completed transcription of the user's
// utterance.
type InputTranscription struct{ Transcript string }

// OutputStarted signals that the server began emitting reply audio.
type OutputStarted struct{}

// OutputStopped signals that reply audio finished.
type OutputStopped struct{}

// TranscriptDelta is an incremental piece of the assistant's spoken
// reply transcript.
type TranscriptDelta struct{ Delta string }

// TranscriptDone carries the full reply transcript once synthesis ends.
type TranscriptDone struct{ Transcript string }

// RemoteError is an error reported in-band by the server.
type RemoteError struct{ Message string }

// UnknownEvent preserves types this client does not handle; they are
// logged and otherwise ignored.
type UnknownEvent struct{ Type string }

func (SpeechStarted) isEvent()      {}
func (SpeechStopped) isEvent()      {}
func (InputTranscription) isEvent() {}
func (OutputStarted) isEvent()      {}
func (OutputStopped) isEvent()      {}
func (TranscriptDelta) isEvent()    {}
func (TranscriptDone) isEvent()     {}
func (RemoteError) isEvent()        {}
func (UnknownEvent) isEvent()       {}

func decodeEvent(data []byte) (Event, error) {
	var env struct {
		Type       string `json:"type"`
		Transcript string `json:"transcript"`
		Delta      string `json:"delta"`
		Error      struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed data channel event: %v: %w", err, transport.ErrProtocol)
	}

	switch env.Type {
	case "input_audio_buffer.speech_started":
		return SpeechStarted{}, nil
	case "input_audio_buffer.speech_stopped":
		return SpeechStopped{}, nil
	case "input_audio_buffer.transcription.completed",
		"conversation.item.input_audio_transcription.completed":
		return InputTranscription{Transcript: env.Transcript}, nil
	case "output_audio_buffer.started":
		return OutputStarted{}, nil
	case "output_audio_buffer.stopped":
		return OutputStopped{}, nil
	case "response.audio_transcript.delta":
		return TranscriptDelta{Delta: env.Delta}, nil
	case "response.audio_transcript.done":
		return TranscriptDone{Transcript: env.Transcript}, nil
	case "error":
		return RemoteError{Message: env.Error.Message}, nil
	case "":
		return nil, fmt.Errorf("data channel event without type: %w", transport.ErrProtocol)
	default:
		return UnknownEvent{Type: env.Type}, nil
	}
}

// Outbound events.

type sessionUpdate struct {
	Type    string        `json:"type"`
	Session sessionConfig `json:"session"`
}

type sessionConfig struct {
	Modalities       []string           `json:"modalities"`
	Instructions     string             `json:"instructions,omitempty"`
	Voice            string             `json:"voice,omitempty"`
	Temperature      float64            `json:"temperature,omitempty"`
	InputTranscriber *transcriberConfig `json:"input_audio_transcription,omitempty"`
	TurnDetection    *turnDetection     `json:"turn_detection,omitempty"`
}

type transcriberConfig struct {
	Model string `json:"model"`
}

type turnDetection struct {
	Type string `json:"type"`
}

type responseCreate struct {
	Type string `json:"type"`
}

type bufferClear struct {
	Type string `json:"type"`
}

func newSessionUpdate(cfg Config) sessionUpdate {
	return sessionUpdate{
		Type: "session.update",
		Session: sessionConfig{
			Modalities:       []string{"audio", "text"},
			Instructions:     cfg.Instructions,
			Voice:            cfg.Voice,
			Temperature:      cfg.Temperature,
			InputTranscriber: &transcriberConfig{Model: cfg.TranscriberModel},
			TurnDetection:    &turnDetection{Type: "server_vad"},
		},
	}
}
