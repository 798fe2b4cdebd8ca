package capture

import (
	"context"
	"encoding/binary"
	"math"
	"sync"
	"time"

	"github.com/elysialabs/voicepipe/pkg/Logger"
	"github.com/elysialabs/voicepipe/pkg/audio"
	"github.com/elysialabs/voicepipe/pkg/vad"
)

const (
	// DefaultTimeslice is how much audio goes into one emitted chunk.
	DefaultTimeslice = 50 * time.Millisecond
	// CaptureMIME is the encoding of emitted chunks.
	CaptureMIME = "audio/pcm"

	tapWindowSamples = 512
)

// RecorderConfig carries the capture knobs. Zero values take defaults.
type RecorderConfig struct {
	Timeslice  time.Duration
	SampleRate int
	// OnChunk receives each completed timeslice in capture order.
	OnChunk func(audio.Chunk)
	// EchoGuard, when it reports true, suppresses chunk emission so
	// assistant playback does not feed back over the wire. The tap keeps
	// seeing real samples: voice detection must still hear the user.
	EchoGuard func() bool
}

// Recorder pulls samples from a source, slices them into fixed
// timeslices of PCM16LE, and mirrors them into a tap for voice
// detection and visualization.
type Recorder struct {
	cfg    RecorderConfig
	source SampleSource
	logger *Logger.Logger
	tap    *tapBuffer

	mu      sync.Mutex
	running bool
	seq     uint32
	pending []byte
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewRecorder builds a recorder over source.
func NewRecorder(source SampleSource, cfg RecorderConfig, logger *Logger.Logger) *Recorder {
	if cfg.Timeslice <= 0 {
		cfg.Timeslice = DefaultTimeslice
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultSampleRate
	}
	return &Recorder{
		cfg:    cfg,
		source: source,
		logger: logger,
		tap:    newTapBuffer(tapWindowSamples),
	}
}

// Tap exposes the most recent capture window. Safe to poll while the
// recorder runs.
func (r *Recorder) Tap() vad.SampleTap { return r.tap }

// chunkBytes is the emission threshold: timeslice worth of PCM16LE.
func (r *Recorder) chunkBytes() int {
	return int(r.cfg.Timeslice.Milliseconds()) * r.cfg.SampleRate * 2 / 1000
}

// Start begins pulling from the source. Calling Start while running is
// a no-op.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil
	}
	if err := r.source.Start(); err != nil {
		r.mu.Unlock()
		return err
	}
	r.running = true
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	done := r.done
	r.mu.Unlock()

	go r.loop(ctx, done)
	return nil
}

func (r *Recorder) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	buf := make([]float32, micFrameSamples)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := r.source.Read(buf)
		if err != nil {
			r.logger.Warnf("capture: source read failed: %v", err)
			return
		}
		if n == 0 {
			// Pull sources may have nothing ready; back off briefly.
			time.Sleep(time.Millisecond)
			continue
		}
		r.absorb(buf[:n])
	}
}

// absorb converts one frame of samples, feeds the tap, and emits
// completed timeslices.
func (r *Recorder) absorb(samples []float32) {
	r.tap.write(samples)
	if r.cfg.EchoGuard != nil && r.cfg.EchoGuard() {
		return
	}

	encoded := encodePCM16(samples)
	r.mu.Lock()
	r.pending = append(r.pending, encoded...)
	var out []audio.Chunk
	threshold := r.chunkBytes()
	for len(r.pending) >= threshold {
		data := make([]byte, threshold)
		copy(data, r.pending[:threshold])
		r.pending = r.pending[threshold:]
		out = append(out, audio.Chunk{
			Seq:       r.seq,
			MIME:      CaptureMIME,
			Data:      data,
			Timestamp: time.Now(),
		})
		r.seq++
	}
	r.mu.Unlock()

	if r.cfg.OnChunk != nil {
		for _, c := range out {
			r.cfg.OnChunk(c)
		}
	}
}

// Stop halts capture and flushes any partial timeslice as a final
// short chunk. Idempotent.
func (r *Recorder) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	cancel := r.cancel
	done := r.done
	r.mu.Unlock()

	cancel()
	<-done
	err := r.source.Stop()

	r.mu.Lock()
	var tail *audio.Chunk
	if len(r.pending) > 0 {
		tail = &audio.Chunk{
			Seq:       r.seq,
			MIME:      CaptureMIME,
			Data:      r.pending,
			Timestamp: time.Now(),
		}
		r.seq++
		r.pending = nil
	}
	r.mu.Unlock()

	if tail != nil && r.cfg.OnChunk != nil {
		r.cfg.OnChunk(*tail)
	}
	return err
}

// Close stops capture and releases the underlying device. The recorder
// cannot be restarted afterwards.
func (r *Recorder) Close() error {
	stopErr := r.Stop()
	if err := r.source.Close(); err != nil {
		return err
	}
	return stopErr
}

// encodePCM16 converts float32 samples to PCM16LE with clipping.
func encodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		v := int16(math.Round(float64(s) * math.MaxInt16))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}
