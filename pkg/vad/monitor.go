package vad

import (
	"context"
	"sync"
	"time"

	"github.com/elysialabs/voicepipe/pkg/Logger"
)

// DefaultPollInterval approximates an animation-frame cadence (~60 Hz).
const DefaultPollInterval = 16 * time.Millisecond

// DefaultWindowSize is the fixed sample window read on every tick.
const DefaultWindowSize = 512

// SampleTap exposes read-only access to a live sample stream. A tap that
// is not yet producing returns n == 0; the monitor treats that as a
// no-op tick, not an error.
type SampleTap interface {
	ReadSamples(buf []float32) (n int, err error)
}

// Monitor polls a sample tap at a fixed cadence and signals utterance
// completion through a callback. Stop is idempotent and always releases
// the polling goroutine.
type Monitor struct {
	det      *Detector
	tap      SampleTap
	interval time.Duration
	window   []float32
	logger   *Logger.Logger

	onComplete func()

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

func NewMonitor(det *Detector, tap SampleTap, onComplete func(), logger *Logger.Logger) *Monitor {
	return &Monitor{
		det:        det,
		tap:        tap,
		interval:   DefaultPollInterval,
		window:     make([]float32, DefaultWindowSize),
		logger:     logger,
		onComplete: onComplete,
	}
}

// Start launches the polling loop. Calling Start on a running monitor is
// a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.det.Reset()

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.running = true

	go m.loop(loopCtx)
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := m.tap.ReadSamples(m.window)
			if err != nil {
				m.logger.Debugf("vad: tap read failed: %v", err)
				continue
			}
			if n == 0 {
				// Source not initialized yet.
				continue
			}
			loudness := RMS(m.window[:n])
			if m.det.Observe(time.Now(), loudness) {
				m.logger.Debugf("vad: silence window elapsed, utterance complete")
				m.markStopped()
				// The callback may call Stop, which waits for this
				// goroutine; it must not run on the loop itself.
				go m.onComplete()
				return
			}
		}
	}
}

func (m *Monitor) markStopped() {
	m.mu.Lock()
	m.running = false
	m.mu.Unlock()
}

// Stop cancels the polling loop and waits for it to exit. Safe to call
// repeatedly and from any goroutine, including after auto-completion.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	done := m.done
	m.running = false
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}
