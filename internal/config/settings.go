package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type ServerConfig struct {
	// BaseURL is the HTTP base of the voice backend.
	BaseURL string `mapstructure:"base_url"`
	Token   string `mapstructure:"token"`
	// Transport selects the protocol: "websocket" or "webrtc".
	Transport string `mapstructure:"transport"`
}

type WebSocketConfig struct {
	Path                 string        `mapstructure:"path"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	ReconnectDelay       time.Duration `mapstructure:"reconnect_delay"`
}

type WebRTCConfig struct {
	SignalPath       string        `mapstructure:"signal_path"`
	ICEServers       []string      `mapstructure:"ice_servers"`
	ICETimeout       time.Duration `mapstructure:"ice_timeout"`
	TranscriberModel string        `mapstructure:"transcriber_model"`
	Instructions     string        `mapstructure:"instructions"`
	Voice            string        `mapstructure:"voice"`
	Temperature      float64       `mapstructure:"temperature"`
}

type VADConfig struct {
	Threshold     float64       `mapstructure:"threshold"`
	SilenceWindow time.Duration `mapstructure:"silence_window"`
}

type CaptureConfig struct {
	SampleRate int           `mapstructure:"sample_rate"`
	Timeslice  time.Duration `mapstructure:"timeslice"`
	// AutoEnd finishes the utterance on sustained silence.
	AutoEnd bool `mapstructure:"auto_end"`
}

type PlaybackConfig struct {
	InitialBuffer  time.Duration `mapstructure:"initial_buffer"`
	MaxBuffer      time.Duration `mapstructure:"max_buffer"`
	HealthInterval time.Duration `mapstructure:"health_interval"`
}

type VisualizerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Bins    int  `mapstructure:"bins"`
}

type Settings struct {
	Server     ServerConfig     `mapstructure:"server"`
	WebSocket  WebSocketConfig  `mapstructure:"websocket"`
	WebRTC     WebRTCConfig     `mapstructure:"webrtc"`
	Capture    CaptureConfig    `mapstructure:"capture"`
	VAD        VADConfig        `mapstructure:"vad"`
	Playback   PlaybackConfig   `mapstructure:"playback"`
	Visualizer VisualizerConfig `mapstructure:"visualizer"`
	Env        string           `mapstructure:"env"`
	Debug      bool             `mapstructure:"debug"`
}

func Load() (*Settings, error) {
	// Load settings from a configuration file or environment variables
	viper.SetConfigName("config_" + genEnv())
	viper.AddConfigPath(".")
	viper.SetConfigType("yaml")
	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var settings Settings
	if err := viper.Unmarshal(&settings); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if settings.Server.BaseURL == "" {
		return nil, fmt.Errorf("server.base_url is required")
	}
	switch settings.Server.Transport {
	case "websocket", "webrtc":
	default:
		return nil, fmt.Errorf("server.transport must be websocket or webrtc, got %q", settings.Server.Transport)
	}
	return &settings, nil
}

func setDefaults() {
	viper.SetDefault("server.transport", "websocket")
	viper.SetDefault("websocket.path", "/voice-agent/ws/voice")
	viper.SetDefault("websocket.max_reconnect_attempts", 5)
	viper.SetDefault("websocket.reconnect_delay", 2*time.Second)
	viper.SetDefault("webrtc.signal_path", "/realtime/webrtc-offer")
	viper.SetDefault("webrtc.ice_timeout", 10*time.Second)
	viper.SetDefault("capture.sample_rate", 8000)
	viper.SetDefault("capture.timeslice", 50*time.Millisecond)
	viper.SetDefault("capture.auto_end", true)
	viper.SetDefault("vad.threshold", 0.01)
	viper.SetDefault("vad.silence_window", 800*time.Millisecond)
	viper.SetDefault("playback.initial_buffer", 100*time.Millisecond)
	viper.SetDefault("playback.max_buffer", 2*time.Second)
	viper.SetDefault("playback.health_interval", 500*time.Millisecond)
	viper.SetDefault("visualizer.enabled", true)
	viper.SetDefault("visualizer.bins", 32)
}

func genEnv() string {
	env := viper.GetString("ENV")
	if env == "" {
		return "dev"
	}
	return env
}
