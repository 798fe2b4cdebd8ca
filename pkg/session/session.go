// Package session orchestrates one voice conversation: it drives
// capture through voice detection, streams utterance audio to a
// transport, and routes replies into playback and history.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/looplab/fsm"

	"github.com/elysialabs/voicepipe/pkg/Logger"
	"github.com/elysialabs/voicepipe/pkg/audio"
	"github.com/elysialabs/voicepipe/pkg/transport"
	"github.com/elysialabs/voicepipe/pkg/vad"
)

// Phase is the observable conversation phase.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseRecording Phase = "recording"
	PhaseStreaming Phase = "streaming"
	PhaseSpeaking  Phase = "speaking"
)

const (
	evBegin  = "begin"
	evFinish = "finish"
	evSpeak  = "speak"
	evSettle = "settle"
)

// endMarkerMIME flows through the send ring so the end-of-utterance
// signal cannot overtake buffered audio.
const endMarkerMIME = "control/end"

// defaultRingSize holds roughly four seconds of capture audio.
const defaultRingSize = 64 * 1024

// Recorder is the capture surface the session drives. Stop ends one
// utterance; Close releases the device for good.
type Recorder interface {
	Start(ctx context.Context) error
	Stop() error
	Close() error
	Tap() vad.SampleTap
}

// Player is the playback surface the session feeds.
type Player interface {
	Push(c audio.Chunk) error
	Pause() error
	Reset() error
	Close() error
}

// Hooks surface session activity to the caller. All fields optional.
type Hooks struct {
	OnPhase      func(Phase)
	OnTranscript func(text string)
	OnReplyDelta func(text string)
	OnReplyFinal func(text string)
	OnStatus     func(status string)
	OnError      func(err error)
}

// Config carries session knobs.
type Config struct {
	// Token is inspected (not verified) to warn about expiry before the
	// transport rejects it.
	Token string
	// RingSize overrides defaultRingSize when positive.
	RingSize int
	// AutoEnd finishes the utterance when sustained silence is
	// detected.
	AutoEnd bool
	// VADThreshold and VADSilenceWindow tune the silence detector;
	// zero values take the vad package defaults.
	VADThreshold     float64
	VADSilenceWindow time.Duration
}

// Session is one voice conversation. Build it, take Callbacks() into
// the transport constructor, then Bind the client before use.
type Session struct {
	id       uuid.UUID
	cfg      Config
	hooks    Hooks
	logger   *Logger.Logger
	recorder Recorder
	player   Player

	machine *fsm.FSM
	ring    audio.ChunkRing
	notify  chan struct{}

	mu        sync.Mutex
	client    transport.Client
	history   []transport.Turn
	monitor   *vad.Monitor
	speaking  bool
	closed    bool
	senderCtx context.CancelFunc
	senderEnd chan struct{}
}

// New builds a session over a recorder and player.
func New(cfg Config, recorder Recorder, player Player, hooks Hooks, logger *Logger.Logger) *Session {
	size := cfg.RingSize
	if size <= 0 {
		size = defaultRingSize
	}
	s := &Session{
		id:       uuid.New(),
		cfg:      cfg,
		hooks:    hooks,
		logger:   logger,
		recorder: recorder,
		player:   player,
		ring:     audio.NewChunkRing(size),
		notify:   make(chan struct{}, 1),
	}
	s.machine = fsm.NewFSM(
		string(PhaseIdle),
		fsm.Events{
			{Name: evBegin, Src: []string{string(PhaseIdle)}, Dst: string(PhaseRecording)},
			{Name: evFinish, Src: []string{string(PhaseRecording)}, Dst: string(PhaseStreaming)},
			{Name: evSpeak, Src: []string{string(PhaseStreaming)}, Dst: string(PhaseSpeaking)},
			{Name: evSettle, Src: []string{string(PhaseRecording), string(PhaseStreaming), string(PhaseSpeaking)}, Dst: string(PhaseIdle)},
		},
		fsm.Callbacks{},
	)
	if cfg.Token != "" {
		warnIfExpired(cfg.Token, logger)
	}
	logger.Debugf("session %s created", s.id)
	return s
}

// ID is the stable identifier of this session, carried through logs.
func (s *Session) ID() uuid.UUID { return s.id }

// warnIfExpired inspects the token's exp claim without verifying the
// signature; verification is the server's job.
func warnIfExpired(token string, logger *Logger.Logger) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		logger.Warnf("session: token is not a parseable JWT: %v", err)
		return
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return
	}
	if exp.Before(time.Now()) {
		logger.Warnf("session: token expired at %s", exp.Time.Format(time.RFC3339))
	}
}

// Callbacks returns the transport callbacks that route replies through
// this session. Pass the result to the transport constructor.
func (s *Session) Callbacks() transport.Callbacks {
	return transport.Callbacks{
		OnState:      s.onConnState,
		OnTranscript: s.onTranscript,
		OnReplyDelta: s.onReplyDelta,
		OnReplyFinal: s.onReplyFinal,
		OnAudio:      s.onAudio,
		OnStatus:     s.onStatus,
		OnError:      s.onTransportError,
	}
}

// Bind attaches the connected transport client and starts the sender.
func (s *Session) Bind(ctx context.Context, client transport.Client) {
	s.mu.Lock()
	s.client = client
	ctx, s.senderCtx = context.WithCancel(ctx)
	s.senderEnd = make(chan struct{})
	end := s.senderEnd
	s.mu.Unlock()
	go s.sendLoop(ctx, end)
}

// EchoGuard reports whether assistant audio is playing; capture uses
// it to keep playback bleed off the wire while the tap stays live.
func (s *Session) EchoGuard() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speaking
}

// History returns a copy of the accumulated conversation turns.
func (s *Session) History() []transport.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]transport.Turn(nil), s.history...)
}

// Phase reports the current conversation phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Phase(s.machine.Current())
}

func (s *Session) transition(event string) bool {
	s.mu.Lock()
	err := s.machine.Event(context.Background(), event)
	current := Phase(s.machine.Current())
	s.mu.Unlock()
	if err != nil {
		return false
	}
	if s.hooks.OnPhase != nil {
		s.hooks.OnPhase(current)
	}
	return true
}

// BeginUtterance starts capturing one utterance. A no-op unless idle.
func (s *Session) BeginUtterance(ctx context.Context) error {
	if !s.transition(evBegin) {
		return nil
	}

	// Barge-in: silence any reply still playing before the mic opens,
	// so the user can talk over the assistant.
	if err := s.player.Pause(); err != nil {
		s.logger.Warnf("session: playback pause: %v", err)
	}
	s.mu.Lock()
	s.speaking = false
	s.mu.Unlock()

	// Clear any stale utterance state server-side before new audio.
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client != nil {
		if err := client.Reset(false); err != nil {
			s.logger.Debugf("session: pre-utterance reset: %v", err)
		}
	}

	if err := s.recorder.Start(ctx); err != nil {
		s.transition(evSettle)
		return err
	}
	if s.cfg.AutoEnd {
		threshold := s.cfg.VADThreshold
		if threshold <= 0 {
			threshold = vad.DefaultThreshold
		}
		window := s.cfg.VADSilenceWindow
		if window <= 0 {
			window = vad.DefaultSilenceWindow
		}
		det := vad.NewDetector(threshold, window)
		monitor := vad.NewMonitor(det, s.recorder.Tap(), func() {
			s.logger.Infof("session: silence detected, ending utterance")
			if err := s.EndUtterance(); err != nil {
				s.logger.Warnf("session: auto end failed: %v", err)
			}
		}, s.logger)
		s.mu.Lock()
		s.monitor = monitor
		s.mu.Unlock()
		monitor.Start(ctx)
	}
	return nil
}

// PushChunk enqueues one capture chunk for sending. Wire it as the
// recorder's chunk callback.
func (s *Session) PushChunk(c audio.Chunk) {
	if err := s.ring.Enqueue(c); err != nil {
		s.logger.Warnf("session: dropping capture chunk seq=%d: %v", c.Seq, err)
		return
	}
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// EndUtterance stops capture, flushes remaining audio, and signals the
// end of the utterance to the transport. A no-op unless recording.
func (s *Session) EndUtterance() error {
	if !s.transition(evFinish) {
		return nil
	}
	s.mu.Lock()
	monitor := s.monitor
	s.monitor = nil
	s.mu.Unlock()
	if monitor != nil {
		monitor.Stop()
	}

	// Stop flushes the partial timeslice through PushChunk before the
	// end marker is queued, preserving order.
	if err := s.recorder.Stop(); err != nil {
		s.logger.Warnf("session: recorder stop: %v", err)
	}
	s.PushChunk(audio.Chunk{MIME: endMarkerMIME})
	return nil
}

// sendLoop drains the ring in order, forwarding audio and the end
// marker to the transport.
func (s *Session) sendLoop(ctx context.Context, end chan struct{}) {
	defer close(end)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.notify:
		}
		for {
			c, ok := s.ring.Dequeue()
			if !ok {
				break
			}
			s.mu.Lock()
			client := s.client
			s.mu.Unlock()
			if client == nil {
				continue
			}
			if c.MIME == endMarkerMIME {
				if err := client.EndAudio(); err != nil {
					s.logger.Warnf("session: end audio: %v", err)
				}
				continue
			}
			if err := client.SendAudio(c.Data); err != nil {
				s.logger.Warnf("session: send chunk seq=%d: %v", c.Seq, err)
			}
		}
	}
}

func (s *Session) onConnState(state transport.ConnState) {
	s.logger.Debugf("session: transport %s", state)
	if s.hooks.OnStatus != nil {
		s.hooks.OnStatus("transport_" + string(state))
	}
}

func (s *Session) onTranscript(text string) {
	s.mu.Lock()
	s.history = append(s.history, transport.Turn{Role: "user", Content: text})
	s.mu.Unlock()
	if s.hooks.OnTranscript != nil {
		s.hooks.OnTranscript(text)
	}
}

func (s *Session) onReplyDelta(text string) {
	if s.hooks.OnReplyDelta != nil {
		s.hooks.OnReplyDelta(text)
	}
}

func (s *Session) onReplyFinal(text string) {
	s.mu.Lock()
	s.history = append(s.history, transport.Turn{Role: "assistant", Content: text})
	s.mu.Unlock()
	if s.hooks.OnReplyFinal != nil {
		s.hooks.OnReplyFinal(text)
	}
	// Reply text is complete; playback may still be draining, but the
	// session is ready for the next utterance.
	s.endSpeaking()
}

func (s *Session) onAudio(c audio.Chunk) {
	s.transition(evSpeak)
	s.mu.Lock()
	s.speaking = true
	s.mu.Unlock()
	if err := s.player.Push(c); err != nil {
		s.logger.Warnf("session: playback push seq=%d: %v", c.Seq, err)
	}
}

func (s *Session) onStatus(status string) {
	if status == "output_stopped" {
		s.endSpeaking()
	}
	if s.hooks.OnStatus != nil {
		s.hooks.OnStatus(status)
	}
}

func (s *Session) endSpeaking() {
	s.mu.Lock()
	s.speaking = false
	s.mu.Unlock()
	s.transition(evSettle)
}

func (s *Session) onTransportError(err error) {
	s.logger.Errorf("session: transport error: %v", err)
	s.endSpeaking()
	if s.hooks.OnError != nil {
		s.hooks.OnError(err)
	}
}

// Reset abandons the current exchange: playback and server-side state
// are cleared, and with resetHistory the local transcript too.
func (s *Session) Reset(resetHistory bool) error {
	s.ring.Drain()
	if err := s.player.Reset(); err != nil {
		s.logger.Warnf("session: playback reset: %v", err)
	}

	s.mu.Lock()
	client := s.client
	if resetHistory {
		s.history = nil
	}
	s.speaking = false
	s.mu.Unlock()

	s.endSpeaking()
	if client == nil {
		return nil
	}
	if err := client.Reset(resetHistory); err != nil {
		return fmt.Errorf("transport reset: %w", err)
	}
	return nil
}

// Close tears the session down: capture, sender, transport, playback.
// Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	monitor := s.monitor
	s.monitor = nil
	cancel := s.senderCtx
	end := s.senderEnd
	client := s.client
	s.mu.Unlock()

	if monitor != nil {
		monitor.Stop()
	}
	if err := s.recorder.Close(); err != nil {
		s.logger.Warnf("session: recorder close: %v", err)
	}
	if cancel != nil {
		cancel()
		<-end
	}
	if client != nil {
		if err := client.Disconnect(); err != nil {
			s.logger.Warnf("session: disconnect: %v", err)
		}
	}
	return s.player.Close()
}
