// Package capture reads microphone audio and slices it into fixed
// timeslice chunks for the transport, while exposing a sample tap for
// voice activity detection and visualization.
package capture

import "sync"

// SampleSource produces mono float32 samples in [-1, 1]. Stop pauses
// delivery and may be followed by another Start; Close releases the
// device for good.
type SampleSource interface {
	Start() error
	// Read fills buf with available samples and reports how many were
	// written. Zero with nil error means no samples are ready yet.
	Read(buf []float32) (int, error)
	Stop() error
	Close() error
}

// tapBuffer retains the most recent window of samples for pull-based
// consumers. Reads do not consume; each read sees the latest window.
type tapBuffer struct {
	mu     sync.Mutex
	window []float32
	filled int
}

func newTapBuffer(size int) *tapBuffer {
	return &tapBuffer{window: make([]float32, size)}
}

// write shifts new samples into the window, keeping the newest at the
// end.
func (t *tapBuffer) write(samples []float32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(samples) >= len(t.window) {
		copy(t.window, samples[len(samples)-len(t.window):])
		t.filled = len(t.window)
		return
	}
	keep := len(t.window) - len(samples)
	copy(t.window, t.window[len(samples):])
	copy(t.window[keep:], samples)
	if t.filled += len(samples); t.filled > len(t.window) {
		t.filled = len(t.window)
	}
}

// ReadSamples copies the retained window into buf.
func (t *tapBuffer) ReadSamples(buf []float32) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.filled
	if n > len(buf) {
		n = len(buf)
	}
	copy(buf, t.window[len(t.window)-t.filled:][:n])
	return n, nil
}
