package playback

import (
	"math"
	"sync"
	"time"

	"github.com/elysialabs/voicepipe/pkg/Logger"
	"github.com/elysialabs/voicepipe/pkg/audio"
	"github.com/elysialabs/voicepipe/pkg/transport"
)

const (
	// DefaultInitialBuffer is how much audio must accumulate before
	// playout starts.
	DefaultInitialBuffer = 100 * time.Millisecond
	// DefaultMaxBuffer caps how far buffered audio may run ahead of the
	// cursor before playout speeds up to drain it.
	DefaultMaxBuffer = 2 * time.Second
	// DefaultHealthInterval is the cadence of rate and trim decisions.
	DefaultHealthInterval = 500 * time.Millisecond

	rateSlow   = 0.9
	rateNormal = 1.0
	rateFast   = 1.1
	// rateDeadband suppresses rate churn around the target.
	rateDeadband = 0.05

	// trimRetain is how much already-played audio stays buffered. The
	// cursor itself is never trimmed past.
	trimRetain = 500 * time.Millisecond
)

// Config carries the buffer tuning knobs. Zero values take defaults.
type Config struct {
	InitialBuffer  time.Duration
	MaxBuffer      time.Duration
	HealthInterval time.Duration
}

func (c *Config) withDefaults() {
	if c.InitialBuffer <= 0 {
		c.InitialBuffer = DefaultInitialBuffer
	}
	if c.MaxBuffer <= 0 {
		c.MaxBuffer = DefaultMaxBuffer
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = DefaultHealthInterval
	}
}

// Buffer queues reply chunks in arrival order, feeds the sink one
// append at a time, auto-starts playout once InitialBuffer of audio is
// ahead of the cursor, and nudges the playout rate to keep buffered
// depth between the low and high marks.
type Buffer struct {
	cfg    Config
	sink   Sink
	logger *Logger.Logger

	mu         sync.Mutex
	queue      []audio.Chunk
	inflight   bool
	started    bool
	closed     bool
	generation uint64
	// removedTo is the media timestamp up to which audio has been
	// released from the sink.
	removedTo time.Duration

	stop chan struct{}
	done chan struct{}
}

// New builds a buffer over sink and starts its health loop.
func New(sink Sink, cfg Config, logger *Logger.Logger) *Buffer {
	cfg.withDefaults()
	b := &Buffer{
		cfg:    cfg,
		sink:   sink,
		logger: logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	sink.OnAppendDone(b.appendDone)
	go b.healthLoop()
	return b
}

// Push enqueues one reply chunk. Chunks play in push order.
func (b *Buffer) Push(c audio.Chunk) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return transport.ErrBuffer
	}
	b.queue = append(b.queue, c)
	b.mu.Unlock()
	b.pump()
	return nil
}

// Pending reports how many chunks wait behind the in-flight append.
func (b *Buffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// pump moves the next queued chunk into the sink unless an append is
// already outstanding. A failed append drops that chunk only.
func (b *Buffer) pump() {
	for {
		b.mu.Lock()
		if b.closed || b.inflight || len(b.queue) == 0 {
			b.mu.Unlock()
			return
		}
		c := b.queue[0]
		b.queue = b.queue[1:]
		b.inflight = true
		gen := b.generation
		b.mu.Unlock()

		err := b.sink.Append(c.Data)
		if err == nil {
			return
		}
		b.logger.Warnf("playback: dropping chunk seq=%d: %v", c.Seq, err)
		b.mu.Lock()
		if b.generation == gen {
			b.inflight = false
		}
		b.mu.Unlock()
	}
}

func (b *Buffer) appendDone() {
	b.mu.Lock()
	b.inflight = false
	b.mu.Unlock()
	b.maybeStart()
	b.pump()
}

// maybeStart begins playout once the initial depth is reached. Playout
// is started once per generation; Reset re-arms it.
func (b *Buffer) maybeStart() {
	b.mu.Lock()
	if b.closed || b.started {
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	ahead := b.sink.Buffered() - b.sink.Position()
	if ahead < b.cfg.InitialBuffer {
		return
	}
	if err := b.sink.Play(); err != nil {
		b.logger.Warnf("playback: start failed: %v", err)
		return
	}
	b.mu.Lock()
	b.started = true
	b.mu.Unlock()
	b.logger.Debugf("playback: started with %s buffered", ahead)
}

func (b *Buffer) healthLoop() {
	defer close(b.done)
	ticker := time.NewTicker(b.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			b.checkHealth()
		}
	}
}

// checkHealth applies one rate and trim decision. Depth below half the
// initial mark slows playout, depth above 80% of the cap speeds it up,
// anything between runs at nominal rate.
func (b *Buffer) checkHealth() {
	b.mu.Lock()
	if b.closed || !b.started {
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	pos := b.sink.Position()
	ahead := b.sink.Buffered() - pos

	low := b.cfg.InitialBuffer / 2
	high := b.cfg.MaxBuffer * 8 / 10

	target := rateNormal
	switch {
	case ahead < low:
		target = rateSlow
	case ahead > high:
		target = rateFast
	}
	if math.Abs(b.sink.Rate()-target) > rateDeadband {
		if err := b.sink.SetRate(target); err != nil {
			b.logger.Warnf("playback: rate change failed: %v", err)
		} else {
			b.logger.Debugf("playback: rate %.1f (depth %s)", target, ahead)
		}
	}

	// Release played audio only once the retained span would exceed the
	// cap; a short reply stays buffered untouched.
	b.mu.Lock()
	removedTo := b.removedTo
	b.mu.Unlock()
	if b.sink.Buffered()-removedTo > b.cfg.MaxBuffer && pos > trimRetain {
		end := pos - trimRetain
		if end > removedTo {
			if err := b.sink.Remove(removedTo, end); err != nil {
				b.logger.Warnf("playback: trim failed: %v", err)
			} else {
				b.mu.Lock()
				b.removedTo = end
				b.mu.Unlock()
			}
		}
	}
}

// Pause halts playout, keeping queued and buffered audio, and re-arms
// auto-start so the next reply begins cleanly.
func (b *Buffer) Pause() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return transport.ErrBuffer
	}
	b.started = false
	b.mu.Unlock()
	return b.sink.Pause()
}

// Reset discards queued and buffered audio and re-arms auto-start.
// Appends in flight at reset time are abandoned; their completion does
// not resurrect pre-reset state.
func (b *Buffer) Reset() error {
	b.mu.Lock()
	b.queue = nil
	b.inflight = false
	b.started = false
	b.removedTo = 0
	b.generation++
	b.mu.Unlock()
	return b.sink.Reset()
}

// Close stops the health loop and closes the sink.
func (b *Buffer) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.queue = nil
	b.mu.Unlock()
	close(b.stop)
	<-b.done
	return b.sink.Close()
}
