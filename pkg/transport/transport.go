// Package transport defines the contract between the voice session and
// the two protocol back ends (streaming WebSocket and WebRTC).
package transport

import (
	"context"

	"github.com/elysialabs/voicepipe/pkg/audio"
)

// Turn is one prior conversation exchange, re-sent on WebSocket
// (re)connects as serialized history.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Callbacks surface transport activity to the session layer. All fields
// are optional; nil callbacks are skipped. Errors are delivered here
// rather than thrown into UI code.
type Callbacks struct {
	// OnState fires on every connection state transition, so the UI can
	// observe status continuously rather than receive it once.
	OnState func(ConnState)
	// OnTranscript delivers a completed transcription of user speech.
	OnTranscript func(text string)
	// OnReplyDelta delivers incremental assistant text.
	OnReplyDelta func(text string)
	// OnReplyFinal delivers the complete assistant reply.
	OnReplyFinal func(text string)
	// OnAudio delivers synthesized audio for playback.
	OnAudio func(chunk audio.Chunk)
	// OnStatus delivers protocol statuses not covered above.
	OnStatus func(status string)
	// OnError delivers transport-level failures.
	OnError func(err error)
}

// Client is a protocol back end carrying one voice session.
type Client interface {
	// Connect establishes the session. Calling Connect while connecting
	// or connected is a no-op.
	Connect(ctx context.Context) error
	// Disconnect tears the session down cleanly and cancels any pending
	// reconnect. Idempotent.
	Disconnect() error
	// SendAudio forwards one encoded chunk in capture order.
	SendAudio(p []byte) error
	// EndAudio signals the end of the current utterance. A no-op for
	// continuous-media transports.
	EndAudio() error
	// Reset clears server-side utterance state; resetHistory also drops
	// accumulated conversation history. A no-op where unsupported.
	Reset(resetHistory bool) error
	// State reports the current connection state.
	State() ConnState
	// LastError reports the most recent recorded error, if any.
	LastError() error
}
