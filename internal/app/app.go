package app

import (
	"context"
	"fmt"

	"github.com/elysialabs/voicepipe/internal/config"
	"github.com/elysialabs/voicepipe/pkg/Logger"
	"github.com/elysialabs/voicepipe/pkg/audio"
	"github.com/elysialabs/voicepipe/pkg/capture"
	"github.com/elysialabs/voicepipe/pkg/playback"
	"github.com/elysialabs/voicepipe/pkg/session"
	"github.com/elysialabs/voicepipe/pkg/transport"
	"github.com/elysialabs/voicepipe/pkg/transport/rtc"
	"github.com/elysialabs/voicepipe/pkg/transport/wsstream"
	"github.com/elysialabs/voicepipe/pkg/vad"
	"github.com/elysialabs/voicepipe/pkg/visualizer"
)

// App represents the pipeline with all its dependencies
type App struct {
	Config     *config.Settings
	Logger     *Logger.Logger
	Session    *session.Session
	Client     transport.Client
	Recorder   *capture.Recorder
	Playback   *playback.Buffer
	Visualizer *visualizer.Feed
}

// NewApp creates a new pipeline instance with all dependencies properly wired
func NewApp(cfg *config.Settings, logger *Logger.Logger, hooks session.Hooks) (*App, error) {
	a := &App{
		Config: cfg,
		Logger: logger,
	}
	if err := a.setupDependencies(hooks); err != nil {
		return nil, err
	}
	return a, nil
}

// setupDependencies initializes the capture, playback, session, and
// transport layers in dependency order.
func (a *App) setupDependencies(hooks session.Hooks) error {
	// 1. Playout device and adaptive buffer
	sink, err := playback.NewDeviceSink()
	if err != nil {
		return fmt.Errorf("playback device: %w", err)
	}
	a.Playback = playback.New(sink, playback.Config{
		InitialBuffer:  a.Config.Playback.InitialBuffer,
		MaxBuffer:      a.Config.Playback.MaxBuffer,
		HealthInterval: a.Config.Playback.HealthInterval,
	}, a.Logger.Named("playback"))

	// 2. Microphone and recorder; the chunk callback and echo guard
	// are bound after the session exists.
	mic, err := capture.NewMicrophone(a.Config.Capture.SampleRate)
	if err != nil {
		a.Playback.Close()
		return fmt.Errorf("capture device: %w", err)
	}

	var sess *session.Session
	a.Recorder = capture.NewRecorder(mic, capture.RecorderConfig{
		Timeslice:  a.Config.Capture.Timeslice,
		SampleRate: a.Config.Capture.SampleRate,
		OnChunk:    func(c audio.Chunk) { sess.PushChunk(c) },
		EchoGuard:  func() bool { return sess.EchoGuard() },
	}, a.Logger.Named("capture"))

	// 3. Session over recorder and playback
	sess = session.New(session.Config{
		Token:            a.Config.Server.Token,
		AutoEnd:          a.Config.Capture.AutoEnd,
		VADThreshold:     a.Config.VAD.Threshold,
		VADSilenceWindow: a.Config.VAD.SilenceWindow,
	}, a.Recorder, a.Playback, hooks, a.Logger.Named("session"))
	a.Session = sess

	// 4. Transport selected by config, fed by session callbacks
	cb := sess.Callbacks()
	switch a.Config.Server.Transport {
	case "webrtc":
		a.Client = rtc.New(rtc.Config{
			BaseURL:          a.Config.Server.BaseURL,
			SignalPath:       a.Config.WebRTC.SignalPath,
			Token:            a.Config.Server.Token,
			ICEServers:       a.Config.WebRTC.ICEServers,
			ICETimeout:       a.Config.WebRTC.ICETimeout,
			TranscriberModel: a.Config.WebRTC.TranscriberModel,
			Instructions:     a.Config.WebRTC.Instructions,
			Voice:            a.Config.WebRTC.Voice,
			Temperature:      a.Config.WebRTC.Temperature,
		}, cb, a.Logger.Named("rtc"))
	default:
		a.Client = wsstream.New(wsstream.Config{
			BaseURL:              a.Config.Server.BaseURL,
			Path:                 a.Config.WebSocket.Path,
			Token:                a.Config.Server.Token,
			MaxReconnectAttempts: a.Config.WebSocket.MaxReconnectAttempts,
			ReconnectDelay:       a.Config.WebSocket.ReconnectDelay,
		}, cb, a.Logger.Named("wsstream"))
	}

	// 5. Visualizer over both ends of the pipeline. The playback sink
	// comes first so the meter renders the assistant while it speaks;
	// it reports silence when paused, which hands the mic tap the frame.
	if a.Config.Visualizer.Enabled {
		a.Visualizer = visualizer.New(visualizer.Config{
			Bins: a.Config.Visualizer.Bins,
			Taps: []vad.SampleTap{sink, a.Recorder.Tap()},
		})
	}
	return nil
}

// Start connects the transport and binds it into the session.
func (a *App) Start(ctx context.Context) error {
	if err := a.Client.Connect(ctx); err != nil {
		return fmt.Errorf("transport connect: %w", err)
	}
	a.Session.Bind(ctx, a.Client)
	return nil
}

// Stop tears the pipeline down.
func (a *App) Stop() error {
	return a.Session.Close()
}
