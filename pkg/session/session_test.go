package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/elysialabs/voicepipe/pkg/Logger"
	"github.com/elysialabs/voicepipe/pkg/audio"
	"github.com/elysialabs/voicepipe/pkg/transport"
	"github.com/elysialabs/voicepipe/pkg/vad"
)

type fakeClient struct {
	mu         sync.Mutex
	sent       [][]byte
	endSignals int
	resets     []bool
	closed     bool
}

func (f *fakeClient) Connect(ctx context.Context) error { return nil }

func (f *fakeClient) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeClient) SendAudio(p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, append([]byte(nil), p...))
	return nil
}

func (f *fakeClient) EndAudio() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.endSignals++
	return nil
}

func (f *fakeClient) Reset(resetHistory bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets = append(f.resets, resetHistory)
	return nil
}

func (f *fakeClient) State() transport.ConnState { return transport.Connected }
func (f *fakeClient) LastError() error           { return nil }

func (f *fakeClient) progress() (sends, ends int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent), f.endSignals
}

type silentTap struct{}

func (silentTap) ReadSamples(buf []float32) (int, error) { return 0, nil }

type fakeRecorder struct {
	mu     sync.Mutex
	starts int
	stops  int
	closes int
}

func (f *fakeRecorder) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	return nil
}

func (f *fakeRecorder) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func (f *fakeRecorder) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeRecorder) Tap() vad.SampleTap { return silentTap{} }

type fakePlayer struct {
	mu     sync.Mutex
	pushed []audio.Chunk
	pauses int
	resets int
	closed bool
}

func (f *fakePlayer) Push(c audio.Chunk) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushed = append(f.pushed, c)
	return nil
}

func (f *fakePlayer) Pause() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pauses++
	return nil
}

func (f *fakePlayer) Reset() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	return nil
}

func (f *fakePlayer) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestFullExchange(t *testing.T) {
	rec := &fakeRecorder{}
	player := &fakePlayer{}
	client := &fakeClient{}

	var mu sync.Mutex
	var deltas, finals, transcripts []string

	s := New(Config{}, rec, player, Hooks{
		OnTranscript: func(text string) { mu.Lock(); transcripts = append(transcripts, text); mu.Unlock() },
		OnReplyDelta: func(text string) { mu.Lock(); deltas = append(deltas, text); mu.Unlock() },
		OnReplyFinal: func(text string) { mu.Lock(); finals = append(finals, text); mu.Unlock() },
	}, Logger.Nop())

	cb := s.Callbacks()
	s.Bind(context.Background(), client)

	if err := s.BeginUtterance(context.Background()); err != nil {
		t.Fatalf("BeginUtterance: %v", err)
	}
	if s.Phase() != PhaseRecording {
		t.Fatalf("phase = %s, want recording", s.Phase())
	}

	for i, payload := range [][]byte{{1}, {2}, {3}} {
		s.PushChunk(audio.Chunk{Seq: uint32(i), MIME: "audio/pcm", Data: payload})
	}
	if err := s.EndUtterance(); err != nil {
		t.Fatalf("EndUtterance: %v", err)
	}
	if s.Phase() != PhaseStreaming {
		t.Fatalf("phase = %s, want streaming", s.Phase())
	}

	waitFor(t, func() bool { sends, ends := client.progress(); return sends == 3 && ends == 1 }, "audio flush")

	client.mu.Lock()
	for i, p := range client.sent {
		if p[0] != byte(i+1) {
			t.Errorf("send %d = %v, capture order broken", i, p)
		}
	}
	client.mu.Unlock()

	// Server: transcription, streamed reply, audio, completion.
	cb.OnTranscript("what's the weather")
	cb.OnReplyDelta("it's")
	cb.OnReplyDelta("it's sunny")
	cb.OnAudio(audio.Chunk{Seq: 0, MIME: "audio/mpeg", Data: []byte{9, 9}})

	if s.Phase() != PhaseSpeaking {
		t.Fatalf("phase = %s, want speaking", s.Phase())
	}
	if !s.EchoGuard() {
		t.Error("echo guard must engage while reply audio plays")
	}

	cb.OnReplyFinal("it's sunny")

	if s.Phase() != PhaseIdle {
		t.Fatalf("phase = %s, want idle after final reply", s.Phase())
	}
	if s.EchoGuard() {
		t.Error("echo guard must release after the reply completes")
	}

	mu.Lock()
	if len(deltas) != 2 {
		t.Errorf("deltas = %v, want 2", deltas)
	}
	if len(finals) != 1 || finals[0] != "it's sunny" {
		t.Errorf("finals = %v", finals)
	}
	if len(transcripts) != 1 {
		t.Errorf("transcripts = %v", transcripts)
	}
	mu.Unlock()

	history := s.History()
	if len(history) != 2 {
		t.Fatalf("history = %+v, want 2 turns", history)
	}
	if history[0].Role != "user" || history[0].Content != "what's the weather" {
		t.Errorf("turn 0 = %+v", history[0])
	}
	if history[1].Role != "assistant" || history[1].Content != "it's sunny" {
		t.Errorf("turn 1 = %+v", history[1])
	}

	player.mu.Lock()
	if len(player.pushed) != 1 {
		t.Errorf("player pushes = %d, want 1", len(player.pushed))
	}
	player.mu.Unlock()

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	client.mu.Lock()
	if !client.closed {
		t.Error("transport not disconnected on close")
	}
	client.mu.Unlock()
	rec.mu.Lock()
	if rec.closes != 1 {
		t.Errorf("recorder closes = %d, want 1", rec.closes)
	}
	rec.mu.Unlock()
}

func TestBeginUtterancePausesPlayback(t *testing.T) {
	rec := &fakeRecorder{}
	player := &fakePlayer{}
	s := New(Config{}, rec, player, Hooks{}, Logger.Nop())
	cb := s.Callbacks()
	s.Bind(context.Background(), &fakeClient{})
	defer s.Close()

	// A reply is still playing when the user starts talking again.
	cb.OnAudio(audio.Chunk{Seq: 0, MIME: "audio/mpeg", Data: []byte{9}})
	if !s.EchoGuard() {
		t.Fatal("precondition: reply audio playing")
	}

	if err := s.BeginUtterance(context.Background()); err != nil {
		t.Fatalf("BeginUtterance: %v", err)
	}

	player.mu.Lock()
	pauses := player.pauses
	player.mu.Unlock()
	if pauses != 1 {
		t.Errorf("player pauses = %d, want 1 before capture starts", pauses)
	}
	if s.EchoGuard() {
		t.Error("echo guard still engaged after playback was paused")
	}
	rec.mu.Lock()
	starts := rec.starts
	rec.mu.Unlock()
	if starts != 1 {
		t.Errorf("recorder starts = %d, want 1", starts)
	}
}

func TestBeginUtteranceOnlyFromIdle(t *testing.T) {
	rec := &fakeRecorder{}
	s := New(Config{}, rec, &fakePlayer{}, Hooks{}, Logger.Nop())
	s.Bind(context.Background(), &fakeClient{})

	if err := s.BeginUtterance(context.Background()); err != nil {
		t.Fatalf("BeginUtterance: %v", err)
	}
	if err := s.BeginUtterance(context.Background()); err != nil {
		t.Fatalf("second BeginUtterance: %v", err)
	}
	rec.mu.Lock()
	starts := rec.starts
	rec.mu.Unlock()
	if starts != 1 {
		t.Errorf("recorder starts = %d, want 1", starts)
	}
	s.Close()
}

func TestResetClearsState(t *testing.T) {
	player := &fakePlayer{}
	client := &fakeClient{}
	s := New(Config{}, &fakeRecorder{}, player, Hooks{}, Logger.Nop())
	cb := s.Callbacks()
	s.Bind(context.Background(), client)

	cb.OnTranscript("first question")
	cb.OnReplyFinal("first answer")
	if len(s.History()) != 2 {
		t.Fatalf("history = %d turns, want 2", len(s.History()))
	}

	if err := s.Reset(false); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if len(s.History()) != 2 {
		t.Error("Reset(false) must keep history")
	}

	if err := s.Reset(true); err != nil {
		t.Fatalf("Reset(true): %v", err)
	}
	if len(s.History()) != 0 {
		t.Error("Reset(true) must clear history")
	}

	player.mu.Lock()
	resets := player.resets
	player.mu.Unlock()
	if resets != 2 {
		t.Errorf("player resets = %d, want 2", resets)
	}
	client.mu.Lock()
	if len(client.resets) != 2 || client.resets[0] || !client.resets[1] {
		t.Errorf("client resets = %v, want [false true]", client.resets)
	}
	client.mu.Unlock()
	s.Close()
}

func TestTokenInspectionToleratesGarbage(t *testing.T) {
	// A malformed token must only warn, never fail construction.
	s := New(Config{Token: "not-a-jwt"}, &fakeRecorder{}, &fakePlayer{}, Hooks{}, Logger.Nop())
	if s == nil {
		t.Fatal("session not built")
	}
	s.Close()
}
