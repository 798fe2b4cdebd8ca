// Package rtc implements the WebRTC transport: a peer connection to the
// realtime voice backend with an opus uplink track, a downlink audio
// track, and an "oai-events" data channel for control messages.
package rtc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/elysialabs/voicepipe/pkg/Logger"
	"github.com/elysialabs/voicepipe/pkg/audio"
	"github.com/elysialabs/voicepipe/pkg/transport"
)

const (
	// DefaultSignalPath is appended to the API base URL for the SDP
	// offer/answer exchange.
	DefaultSignalPath = "/realtime/webrtc-offer"
	// DataChannelLabel is the control channel the backend expects.
	DataChannelLabel = "oai-events"
	// DefaultICETimeout bounds candidate gathering. On expiry the offer
	// is sent with whatever candidates were gathered so far.
	DefaultICETimeout = 10 * time.Second
	// DefaultSampleDuration is the assumed duration of one uplink chunk.
	DefaultSampleDuration = 20 * time.Millisecond
	// DefaultTranscriberModel names the server-side input transcriber.
	DefaultTranscriberModel = "whisper-1"
)

// DefaultICEServers are the STUN servers used when the config names
// none.
var DefaultICEServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// Config carries the knobs for one WebRTC session.
type Config struct {
	// BaseURL is the HTTP base of the signaling endpoint.
	BaseURL string
	// SignalPath overrides DefaultSignalPath when set.
	SignalPath string
	// Token is sent as a bearer credential on the offer request.
	Token string
	// ICEServers are STUN/TURN URLs; DefaultICEServers when empty.
	ICEServers []string
	// ICETimeout overrides DefaultICETimeout when positive.
	ICETimeout time.Duration
	// TranscriberModel overrides DefaultTranscriberModel when set.
	TranscriberModel string
	// Instructions, Voice, and Temperature configure the remote session
	// in the opening session.update.
	Instructions string
	Voice        string
	Temperature  float64
	// OnRemoteTrack, when set, takes ownership of the downlink track
	// instead of the built-in depacketize-to-OnAudio path.
	OnRemoteTrack func(remote *webrtc.TrackRemote)
}

func (c *Config) withDefaults() {
	if c.SignalPath == "" {
		c.SignalPath = DefaultSignalPath
	}
	if len(c.ICEServers) == 0 {
		c.ICEServers = DefaultICEServers
	}
	if c.ICETimeout <= 0 {
		c.ICETimeout = DefaultICETimeout
	}
	if c.TranscriberModel == "" {
		c.TranscriberModel = DefaultTranscriberModel
	}
}

// exchangeFunc performs the SDP offer/answer HTTP round trip.
type exchangeFunc func(ctx context.Context, offerSDP string) (string, error)

// Client is the WebRTC transport. One Client carries at most one peer
// connection; after Disconnect a new Client must be built.
type Client struct {
	cfg    Config
	cb     transport.Callbacks
	logger *Logger.Logger

	tracker  *transport.ConnTracker
	exchange exchangeFunc
	httpc    *http.Client

	mu          sync.Mutex
	pc          *webrtc.PeerConnection
	dc          *webrtc.DataChannel
	track       *webrtc.TrackLocalStaticSample
	sessionSent bool
	closed      bool
	lastErr     error
	seq         uint32
}

// New builds an unconnected WebRTC client.
func New(cfg Config, cb transport.Callbacks, logger *Logger.Logger) *Client {
	cfg.withDefaults()
	c := &Client{
		cfg:    cfg,
		cb:     cb,
		logger: logger,
		httpc:  &http.Client{Timeout: 15 * time.Second},
	}
	c.tracker = transport.NewConnTracker(cb.OnState)
	c.exchange = func(ctx context.Context, offerSDP string) (string, error) {
		url := strings.TrimRight(cfg.BaseURL, "/") + cfg.SignalPath
		return ExchangeSDP(ctx, c.httpc, url, cfg.Token, offerSDP)
	}
	return c
}

// ExchangeSDP posts an SDP offer and returns the answer SDP. Some
// proxies rewrite the status line while still relaying a valid answer
// body, so any body that parses as SDP is accepted regardless of
// status code.
func ExchangeSDP(ctx context.Context, httpc *http.Client, url, token, offerSDP string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(offerSDP))
	if err != nil {
		return "", fmt.Errorf("build offer request: %v: %w", err, transport.ErrNegotiationFailed)
	}
	req.Header.Set("Content-Type", "application/sdp")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("post offer: %v: %w", err, transport.ErrNegotiationFailed)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read answer: %v: %w", err, transport.ErrNegotiationFailed)
	}

	answer := strings.TrimSpace(string(body))
	if strings.HasPrefix(answer, "v=0") {
		return answer, nil
	}
	return "", fmt.Errorf("signaling returned %d without SDP answer: %w",
		resp.StatusCode, transport.ErrNegotiationFailed)
}

// Connect negotiates the peer connection: uplink track, data channel,
// offer/answer over HTTP, then media. Calling Connect while connecting
// or connected is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	switch c.tracker.State() {
	case transport.Connecting, transport.Connected:
		return nil
	}
	if err := c.tracker.Dial(); err != nil {
		return fmt.Errorf("connect in state %s: %v: %w",
			c.tracker.State(), err, transport.ErrNegotiationFailed)
	}

	pc, err := c.newPeerConnection()
	if err != nil {
		c.recordError(err)
		c.tracker.Drop()
		return err
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 1},
		"audio", "voicepipe-mic",
	)
	if err != nil {
		pc.Close()
		err = fmt.Errorf("create uplink track: %v: %w", err, transport.ErrNegotiationFailed)
		c.recordError(err)
		c.tracker.Drop()
		return err
	}
	if _, err := pc.AddTrack(track); err != nil {
		pc.Close()
		err = fmt.Errorf("add uplink track: %v: %w", err, transport.ErrNegotiationFailed)
		c.recordError(err)
		c.tracker.Drop()
		return err
	}

	dc, err := pc.CreateDataChannel(DataChannelLabel, nil)
	if err != nil {
		pc.Close()
		err = fmt.Errorf("create data channel: %v: %w", err, transport.ErrNegotiationFailed)
		c.recordError(err)
		c.tracker.Drop()
		return err
	}
	dc.OnOpen(func() { c.onChannelOpen() })
	dc.OnMessage(func(msg webrtc.DataChannelMessage) { c.handleEvent(msg.Data) })

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		if c.cfg.OnRemoteTrack != nil {
			c.cfg.OnRemoteTrack(remote)
			return
		}
		go c.readRemote(remote)
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		c.onConnectionState(state)
	})

	c.mu.Lock()
	c.pc = pc
	c.dc = dc
	c.track = track
	c.sessionSent = false
	c.closed = false
	c.mu.Unlock()

	answer, err := c.negotiate(ctx, pc)
	if err != nil {
		c.recordError(err)
		c.teardown()
		return err
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer,
	}); err != nil {
		err = fmt.Errorf("apply answer: %v: %w", err, transport.ErrNegotiationFailed)
		c.recordError(err)
		c.teardown()
		return err
	}
	return nil
}

func (c *Client) newPeerConnection() (*webrtc.PeerConnection, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %v: %w", err, transport.ErrNegotiationFailed)
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine))

	servers := make([]webrtc.ICEServer, len(c.cfg.ICEServers))
	for i, u := range c.cfg.ICEServers {
		servers[i] = webrtc.ICEServer{URLs: []string{u}}
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %v: %w", err, transport.ErrNegotiationFailed)
	}
	return pc, nil
}

// negotiate creates the local offer, waits for ICE gathering up to the
// configured timeout, then exchanges SDP. A gathering timeout is not
// fatal: the offer goes out with the candidates collected so far.
func (c *Client) negotiate(ctx context.Context, pc *webrtc.PeerConnection) (string, error) {
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %v: %w", err, transport.ErrNegotiationFailed)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local description: %v: %w", err, transport.ErrNegotiationFailed)
	}

	select {
	case <-gathered:
	case <-time.After(c.cfg.ICETimeout):
		c.logger.Warnf("rtc: ICE gathering timed out after %s, sending partial candidates", c.cfg.ICETimeout)
	case <-ctx.Done():
		return "", fmt.Errorf("negotiation cancelled: %v: %w", ctx.Err(), transport.ErrNegotiationFailed)
	}

	local := pc.LocalDescription()
	if local == nil {
		return "", fmt.Errorf("no local description: %w", transport.ErrNegotiationFailed)
	}
	return c.exchange(ctx, local.SDP)
}

// onChannelOpen sends the session configuration exactly once per
// connection.
func (c *Client) onChannelOpen() {
	c.mu.Lock()
	if c.sessionSent || c.dc == nil {
		c.mu.Unlock()
		return
	}
	c.sessionSent = true
	dc := c.dc
	c.mu.Unlock()

	if err := sendEvent(dc, newSessionUpdate(c.cfg)); err != nil {
		c.logger.Warnf("rtc: session.update failed: %v", err)
	}
}

func (c *Client) onConnectionState(state webrtc.PeerConnectionState) {
	switch state {
	case webrtc.PeerConnectionStateConnected:
		c.tracker.Established()
		c.logger.Infof("rtc: peer connection established")
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
		// Renegotiating ICE mid-session is not worth the complexity for
		// a voice turn; the session layer decides whether to redial.
		err := fmt.Errorf("peer connection %s: %w", state, transport.ErrConnectionLost)
		c.recordError(err)
		c.tracker.Drop()
		if c.cb.OnError != nil {
			c.cb.OnError(err)
		}
	case webrtc.PeerConnectionStateClosed:
		c.tracker.Drop()
	}
}

func (c *Client) handleEvent(data []byte) {
	event, err := decodeEvent(data)
	if err != nil {
		c.logger.Warnf("rtc: dropping event: %v", err)
		return
	}

	switch e := event.(type) {
	case SpeechStarted:
		c.emitStatus("speech_started")
	case SpeechStopped:
		c.emitStatus("speech_stopped")
	case InputTranscription:
		if c.cb.OnTranscript != nil {
			c.cb.OnTranscript(e.Transcript)
		}
		// The backend waits for an explicit response request after each
		// completed transcription.
		c.mu.Lock()
		dc := c.dc
		c.mu.Unlock()
		if dc != nil {
			if err := sendEvent(dc, responseCreate{Type: "response.create"}); err != nil {
				c.logger.Warnf("rtc: response.create failed: %v", err)
			}
		}
	case OutputStarted:
		c.emitStatus("output_started")
	case OutputStopped:
		c.emitStatus("output_stopped")
	case TranscriptDelta:
		if c.cb.OnReplyDelta != nil {
			c.cb.OnReplyDelta(e.Delta)
		}
	case TranscriptDone:
		if c.cb.OnReplyFinal != nil {
			c.cb.OnReplyFinal(e.Transcript)
		}
	case RemoteError:
		err := fmt.Errorf("server error: %s: %w", e.Message, transport.ErrProtocol)
		c.recordError(err)
		if c.cb.OnError != nil {
			c.cb.OnError(err)
		}
	case UnknownEvent:
		c.logger.Debugf("rtc: ignoring event type %q", e.Type)
	}
}

func (c *Client) emitStatus(status string) {
	if c.cb.OnStatus != nil {
		c.cb.OnStatus(status)
	}
}

// readRemote drains RTP from the downlink track and forwards the
// depacketized payloads to playback.
func (c *Client) readRemote(remote *webrtc.TrackRemote) {
	mime := remote.Codec().MimeType
	c.logger.Infof("rtc: downlink track opened (%s)", mime)
	for {
		pkt, _, err := remote.ReadRTP()
		if err != nil {
			if err != io.EOF {
				c.logger.Debugf("rtc: downlink read ended: %v", err)
			}
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		c.mu.Lock()
		seq := c.seq
		c.seq++
		c.mu.Unlock()
		if c.cb.OnAudio != nil {
			c.cb.OnAudio(audio.Chunk{
				Seq:       seq,
				MIME:      mime,
				Data:      pkt.Payload,
				Timestamp: time.Now(),
			})
		}
	}
}

func sendEvent(dc *webrtc.DataChannel, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return dc.SendText(string(payload))
}

// SendAudio writes one encoded chunk onto the uplink track.
func (c *Client) SendAudio(p []byte) error {
	c.mu.Lock()
	track := c.track
	closed := c.closed
	c.mu.Unlock()
	if closed || track == nil {
		return transport.ErrConnectionLost
	}
	return track.WriteSample(media.Sample{Data: p, Duration: DefaultSampleDuration})
}

// EndAudio is a no-op: turn boundaries come from server-side VAD on the
// continuous uplink.
func (c *Client) EndAudio() error { return nil }

// Reset clears the server's pending input buffer. History lives
// server-side for this transport, so resetHistory has no local effect.
func (c *Client) Reset(resetHistory bool) error {
	c.mu.Lock()
	dc := c.dc
	c.mu.Unlock()
	if dc == nil {
		return nil
	}
	return sendEvent(dc, bufferClear{Type: "input_audio_buffer.clear"})
}

// Disconnect closes the data channel and peer connection. Idempotent.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	dc := c.dc
	pc := c.pc
	c.dc = nil
	c.pc = nil
	c.track = nil
	c.mu.Unlock()

	if st := c.tracker.State(); st == transport.Connecting || st == transport.Connected {
		c.tracker.Close()
	}
	if dc != nil {
		dc.Close()
	}
	var err error
	if pc != nil {
		err = pc.Close()
	}
	c.tracker.Drop()
	return err
}

func (c *Client) teardown() {
	c.tracker.Drop()
	c.mu.Lock()
	pc := c.pc
	c.pc = nil
	c.dc = nil
	c.track = nil
	c.mu.Unlock()
	if pc != nil {
		pc.Close()
	}
}

func (c *Client) recordError(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}

// State reports the current connection state.
func (c *Client) State() transport.ConnState { return c.tracker.State() }

// LastError reports the most recent recorded error.
func (c *Client) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}
