package transport

import "errors"

// Error taxonomy shared by the capture, transport and playback layers.
// Components wrap these sentinels with fmt.Errorf("...: %w", Err...) so
// callers can classify with errors.Is.
var (
	// ErrPermissionDenied: the platform refused microphone access.
	ErrPermissionDenied = errors.New("microphone permission denied")
	// ErrDeviceUnavailable: no usable capture or playback device.
	ErrDeviceUnavailable = errors.New("audio device unavailable")
	// ErrUnsupportedPlatform: a required media or socket API is missing.
	ErrUnsupportedPlatform = errors.New("platform does not support streaming media")
	// ErrNegotiationFailed: SDP exchange or signaling HTTP failure.
	ErrNegotiationFailed = errors.New("webrtc negotiation failed")
	// ErrConnectionLost: socket or peer connection closed abnormally.
	ErrConnectionLost = errors.New("connection lost")
	// ErrProtocol: malformed inbound message; dropped, never fatal.
	ErrProtocol = errors.New("protocol error")
	// ErrBuffer: decode/append failure; the offending chunk is discarded.
	ErrBuffer = errors.New("playback buffer error")
)
