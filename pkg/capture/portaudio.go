package capture

import (
	"fmt"
	"strings"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/elysialabs/voicepipe/pkg/transport"
)

const (
	// DefaultSampleRate keeps the mic stream at 16 bytes/ms of PCM16LE.
	DefaultSampleRate = 8000
	micFrameSamples   = 256
)

// Microphone is a SampleSource over the default input device.
type Microphone struct {
	mu      sync.Mutex
	stream  *portaudio.Stream
	frame   []float32
	started bool
	closed  bool
}

// NewMicrophone opens the default input device at sampleRate (mono).
// Pass 0 for DefaultSampleRate.
func NewMicrophone(sampleRate int) (*Microphone, error) {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("audio backend unavailable: %v: %w", err, transport.ErrUnsupportedPlatform)
	}
	m := &Microphone{frame: make([]float32, micFrameSamples)}
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(sampleRate), micFrameSamples, m.frame)
	if err != nil {
		portaudio.Terminate()
		return nil, classifyDeviceError(err)
	}
	m.stream = stream
	return m, nil
}

// classifyDeviceError maps backend failures onto the capture error set.
// PortAudio reports permission problems as plain strings, so the match
// is textual.
func classifyDeviceError(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "permission") || strings.Contains(msg, "access denied") {
		return fmt.Errorf("open input device: %v: %w", err, transport.ErrPermissionDenied)
	}
	return fmt.Errorf("open input device: %v: %w", err, transport.ErrDeviceUnavailable)
}

func (m *Microphone) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return nil
	}
	if err := m.stream.Start(); err != nil {
		return fmt.Errorf("start input stream: %v: %w", err, transport.ErrDeviceUnavailable)
	}
	m.started = true
	return nil
}

// Read blocks for the next frame of mic samples and copies it into buf.
func (m *Microphone) Read(buf []float32) (int, error) {
	m.mu.Lock()
	started := m.started
	m.mu.Unlock()
	if !started {
		return 0, nil
	}
	if err := m.stream.Read(); err != nil {
		return 0, fmt.Errorf("read input stream: %v: %w", err, transport.ErrDeviceUnavailable)
	}
	n := copy(buf, m.frame)
	return n, nil
}

// Stop pauses the stream between utterances; the device stays open so
// a later Start resumes capture.
func (m *Microphone) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return nil
	}
	m.started = false
	return m.stream.Stop()
}

// Close releases the device and the audio backend. Idempotent; the
// microphone is unusable afterwards.
func (m *Microphone) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	if m.started {
		m.started = false
		if err := m.stream.Stop(); err != nil {
			m.stream.Close()
			portaudio.Terminate()
			return err
		}
	}
	err := m.stream.Close()
	portaudio.Terminate()
	return err
}
