package playback

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/elysialabs/voicepipe/pkg/audio"
	"github.com/elysialabs/voicepipe/pkg/transport"
)

const (
	// deviceSampleRate matches the reply stream: 16 bytes/ms of PCM16LE
	// mono is 8000 samples per second.
	deviceSampleRate   = 8000
	deviceFrameSamples = 256

	minRate = 0.5
	maxRate = 2.0
)

// DeviceSink plays PCM16LE mono through the default output device.
// Rate adjustment resamples by stepping the read cursor fractionally,
// which is audible as a slight pitch shift at the ±10% the buffer uses.
type DeviceSink struct {
	mu      sync.Mutex
	stream  *portaudio.Stream
	pending []int16
	// cursor is the fractional read index into pending.
	cursor   float64
	rate     float64
	appended int64
	played   int64
	playing  bool
	closed   bool
	onDone   func()
}

// NewDeviceSink opens the default output device. Hosts without a usable
// audio backend get ErrUnsupportedPlatform; hosts where the device is
// busy or missing get ErrDeviceUnavailable.
func NewDeviceSink() (*DeviceSink, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("audio backend unavailable: %v: %w", err, transport.ErrUnsupportedPlatform)
	}
	s := &DeviceSink{rate: rateNormal}
	stream, err := portaudio.OpenDefaultStream(0, 1, deviceSampleRate, deviceFrameSamples, s.fill)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("open output device: %v: %w", err, transport.ErrDeviceUnavailable)
	}
	s.stream = stream
	return s, nil
}

// fill is the portaudio callback. Underrun plays silence rather than
// blocking the audio thread.
func (s *DeviceSink) fill(out []int16) {
	s.mu.Lock()
	for i := range out {
		idx := int(s.cursor)
		if !s.playing || idx >= len(s.pending) {
			out[i] = 0
			continue
		}
		out[i] = s.pending[idx]
		s.cursor += s.rate
	}
	consumed := int(s.cursor)
	if consumed > len(s.pending) {
		consumed = len(s.pending)
	}
	s.pending = s.pending[consumed:]
	s.cursor -= float64(consumed)
	s.played += int64(consumed) * 2
	s.mu.Unlock()
}

// Append decodes PCM16LE and queues it for playout. A trailing odd byte
// is dropped.
func (s *DeviceSink) Append(p []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return transport.ErrBuffer
	}
	for i := 0; i+1 < len(p); i += 2 {
		s.pending = append(s.pending, int16(binary.LittleEndian.Uint16(p[i:])))
	}
	s.appended += int64(len(p) &^ 1)
	hook := s.onDone
	s.mu.Unlock()

	if hook != nil {
		go hook()
	}
	return nil
}

// Buffered is the media timestamp of the end of appended audio.
func (s *DeviceSink) Buffered() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return bytesToDuration(s.appended)
}

// Position is the playout cursor.
func (s *DeviceSink) Position() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return bytesToDuration(s.played)
}

// Remove is a no-op: played samples are discarded as they are consumed,
// so there is no retained range to release.
func (s *DeviceSink) Remove(start, end time.Duration) error { return nil }

// SetRate adjusts playout speed, clamped to a sane range.
func (s *DeviceSink) SetRate(rate float64) error {
	if rate < minRate || rate > maxRate {
		return fmt.Errorf("rate %.2f out of range [%.1f, %.1f]: %w",
			rate, minRate, maxRate, transport.ErrBuffer)
	}
	s.mu.Lock()
	s.rate = rate
	s.mu.Unlock()
	return nil
}

func (s *DeviceSink) Rate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rate
}

// Play starts the output stream. Idempotent.
func (s *DeviceSink) Play() error {
	s.mu.Lock()
	if s.playing || s.closed {
		s.mu.Unlock()
		return nil
	}
	s.playing = true
	s.mu.Unlock()
	return s.stream.Start()
}

// Pause halts consumption; buffered audio is retained.
func (s *DeviceSink) Pause() error {
	s.mu.Lock()
	if !s.playing {
		s.mu.Unlock()
		return nil
	}
	s.playing = false
	s.mu.Unlock()
	return s.stream.Stop()
}

// ReadSamples exposes the unplayed head of the queue as float32 samples
// so the visualizer can render assistant audio. Reads do not consume;
// a paused or drained sink reports zero samples.
func (s *DeviceSink) ReadSamples(buf []float32) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.playing {
		return 0, nil
	}
	start := int(s.cursor)
	n := len(s.pending) - start
	if n <= 0 {
		return 0, nil
	}
	if n > len(buf) {
		n = len(buf)
	}
	for i := 0; i < n; i++ {
		buf[i] = float32(s.pending[start+i]) / 32768
	}
	return n, nil
}

// OnAppendDone registers the append-completion hook.
func (s *DeviceSink) OnAppendDone(fn func()) {
	s.mu.Lock()
	s.onDone = fn
	s.mu.Unlock()
}

// Reset discards buffered audio and rewinds the timeline. The stream
// keeps running; it plays silence until new audio arrives.
func (s *DeviceSink) Reset() error {
	s.mu.Lock()
	s.pending = nil
	s.cursor = 0
	s.appended = 0
	s.played = 0
	s.rate = rateNormal
	s.mu.Unlock()
	return nil
}

// Close stops the stream and releases the audio backend.
func (s *DeviceSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	playing := s.playing
	s.playing = false
	s.mu.Unlock()

	if playing {
		s.stream.Stop()
	}
	err := s.stream.Close()
	portaudio.Terminate()
	return err
}

func bytesToDuration(n int64) time.Duration {
	return time.Duration(n/int64(audio.DefaultBytesPerMs)) * time.Millisecond
}
