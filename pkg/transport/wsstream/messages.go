package wsstream

import (
	"encoding/json"
	"fmt"

	"github.com/elysialabs/voicepipe/pkg/transport"
)

// Inbound JSON frames form a closed set of variants keyed on the status
// field. Decoding to a tagged union keeps dispatch exhaustive instead of
// string-switching at every call site.

// Event is an inbound server message variant.
type Event interface{ isEvent() }

// TranscriptionComplete carries the finished transcription of the
// user's utterance.
type TranscriptionComplete struct{ Text string }

// LLMChunk is an incremental language-model delta. TextSoFar, when
// present, is the accumulated reply text.
type LLMChunk struct {
	Chunk     string
	TextSoFar string
}

// Complete carries the final assistant reply.
type Complete struct{ Reply string }

// StatusEvent is any other status the server reports.
type StatusEvent struct{ Status string }

// ServerError is an error reported in-band by the server.
type ServerError struct{ Message string }

func (TranscriptionComplete) isEvent() {}
func (LLMChunk) isEvent()              {}
func (Complete) isEvent()              {}
func (StatusEvent) isEvent()           {}
func (ServerError) isEvent()           {}

func decodeServerMessage(data []byte) (Event, error) {
	var env struct {
		Status        string `json:"status"`
		Transcription string `json:"transcription"`
		Chunk         string `json:"chunk"`
		TextSoFar     string `json:"text_so_far"`
		Reply         string `json:"reply"`
		Error         string `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed server frame: %v: %w", err, transport.ErrProtocol)
	}

	if env.Error != "" {
		return ServerError{Message: env.Error}, nil
	}

	switch env.Status {
	case "transcription_complete":
		return TranscriptionComplete{Text: env.Transcription}, nil
	case "llm_chunk":
		return LLMChunk{Chunk: env.Chunk, TextSoFar: env.TextSoFar}, nil
	case "complete":
		return Complete{Reply: env.Reply}, nil
	case "":
		return nil, fmt.Errorf("server frame without status or error: %w", transport.ErrProtocol)
	default:
		return StatusEvent{Status: env.Status}, nil
	}
}

// Outbound frames.

type authFrame struct {
	Token string `json:"token"`
	// History is a JSON-encoded array of {role, content} pairs; the
	// server contract takes it pre-serialized inside the auth frame.
	History string `json:"history,omitempty"`
}

type endAudioFrame struct {
	Type    string `json:"type"`
	Command string `json:"command"`
}

type resetFrame struct {
	Type         string `json:"type"`
	Command      string `json:"command"`
	ResetHistory bool   `json:"reset_history"`
}
