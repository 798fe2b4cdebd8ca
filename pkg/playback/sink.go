// Package playback buffers synthesized reply audio and plays it out
// with adaptive rate control, so short network stalls do not translate
// into audible gaps.
package playback

import "time"

// Sink is a playout endpoint measured on a media timeline: Buffered is
// the end timestamp of everything appended, Position is the playout
// cursor. Appends complete asynchronously through the OnAppendDone
// hook; the buffer keeps at most one append outstanding.
type Sink interface {
	// Append schedules p for playout after all previously appended
	// audio. Completion fires the OnAppendDone hook.
	Append(p []byte) error
	// Buffered is the media timestamp of the end of appended audio.
	Buffered() time.Duration
	// Position is the current playout cursor.
	Position() time.Duration
	// Remove releases appended audio in [start, end). Implementations
	// that discard played audio eagerly may treat this as a no-op.
	Remove(start, end time.Duration) error
	// SetRate adjusts playout speed; 1.0 is nominal.
	SetRate(rate float64) error
	Rate() float64
	Play() error
	Pause() error
	// OnAppendDone registers the append-completion hook. Only one hook
	// is held at a time.
	OnAppendDone(fn func())
	// Reset discards all buffered audio and rewinds the timeline.
	Reset() error
	Close() error
}
