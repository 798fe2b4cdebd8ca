// Package wsstream implements the streaming voice WebSocket protocol:
// binary audio frames outbound, JSON status/text frames and binary
// synthesized audio inbound, with automatic bounded reconnection.
package wsstream

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/elysialabs/voicepipe/pkg/Logger"
	"github.com/elysialabs/voicepipe/pkg/audio"
	"github.com/elysialabs/voicepipe/pkg/transport"
)

const (
	// DefaultPath is the voice-agent socket endpoint appended to the
	// API base URL.
	DefaultPath = "/voice-agent/ws/voice"
	// Subprotocol requested on dial; the server accepts with the same.
	Subprotocol = "permessage-deflate"

	DefaultMaxReconnectAttempts = 5
	DefaultReconnectDelay       = 2 * time.Second
)

// Config holds the immutable per-session parameters. Token and History
// are re-sent as the first frame on every (re)connect.
type Config struct {
	// BaseURL is the HTTP(S) API base; it is rewritten to ws(s).
	BaseURL string
	// Path overrides DefaultPath when set.
	Path  string
	Token string
	// History is prior conversation context replayed to the server.
	History []transport.Turn
	// ReplyMIME is the declared codec of inbound binary audio.
	ReplyMIME string

	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
}

func (c *Config) withDefaults() {
	if c.Path == "" {
		c.Path = DefaultPath
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.ReplyMIME == "" {
		c.ReplyMIME = "audio/mpeg"
	}
}

// wsConn is the slice of *websocket.Conn the client depends on; tests
// substitute a scripted implementation.
type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type dialFunc func(url string, subprotocols []string) (wsConn, error)

func gorillaDial(url string, subprotocols []string) (wsConn, error) {
	dialer := websocket.Dialer{
		Subprotocols:      subprotocols,
		EnableCompression: true,
		HandshakeTimeout:  10 * time.Second,
	}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Client is a reconnecting streaming-voice socket. One Client carries
// one logical session; ConnState transitions are driven purely by
// socket events.
type Client struct {
	cfg     Config
	logger  *Logger.Logger
	cb      transport.Callbacks
	tracker *transport.ConnTracker

	dial      dialFunc
	afterFunc func(d time.Duration, f func()) *time.Timer

	mu         sync.Mutex
	conn       wsConn
	attempts   int
	retryTimer *time.Timer
	closing    bool
	lastErr    error
	seq        uint32

	writeMu sync.Mutex
}

func New(cfg Config, cb transport.Callbacks, logger *Logger.Logger) *Client {
	cfg.withDefaults()
	c := &Client{
		cfg:       cfg,
		logger:    logger,
		cb:        cb,
		dial:      gorillaDial,
		afterFunc: time.AfterFunc,
	}
	c.tracker = transport.NewConnTracker(cb.OnState)
	return c
}

// Connect opens the socket, authenticates, and starts the read loop.
// A no-op while already connecting or connected.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.tracker.State() {
	case transport.Connecting, transport.Connected:
		c.mu.Unlock()
		c.logger.Debugf("wsstream: connect ignored, state=%s", c.tracker.State())
		return nil
	}
	c.closing = false
	if err := c.tracker.Dial(); err != nil {
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	url := deriveWSURL(c.cfg.BaseURL, c.cfg.Path)
	c.logger.Infof("wsstream: connecting to %s", url)

	conn, err := c.dial(url, []string{Subprotocol})
	if err != nil {
		c.logger.Warnf("wsstream: dial failed: %v", err)
		c.mu.Lock()
		c.tracker.Drop()
		c.scheduleReconnectLocked()
		c.mu.Unlock()
		return fmt.Errorf("dial %s: %v: %w", url, err, transport.ErrConnectionLost)
	}

	if err := c.sendAuth(conn); err != nil {
		conn.Close()
		c.mu.Lock()
		c.tracker.Drop()
		c.scheduleReconnectLocked()
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.lastErr = nil
	c.tracker.Established()
	c.mu.Unlock()

	go c.readLoop(conn)
	return nil
}

// sendAuth writes the mandatory first frame: bearer token plus optional
// serialized history.
func (c *Client) sendAuth(conn wsConn) error {
	frame := authFrame{Token: c.cfg.Token}
	if len(c.cfg.History) > 0 {
		h, err := json.Marshal(c.cfg.History)
		if err != nil {
			return fmt.Errorf("marshal history: %w", err)
		}
		frame.History = string(h)
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal auth frame: %w", err)
	}
	return conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *Client) readLoop(conn wsConn) {
	settled := false
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(err)
			return
		}
		if !settled {
			// The connection is provably usable; a later drop starts a
			// fresh backoff sequence. Resetting on dial alone would let
			// a connect-then-drop loop retry forever.
			settled = true
			c.mu.Lock()
			c.attempts = 0
			c.mu.Unlock()
		}

		switch messageType {
		case websocket.BinaryMessage:
			// Synthesized audio, forwarded verbatim to playback.
			c.mu.Lock()
			seq := c.seq
			c.seq++
			c.mu.Unlock()
			if c.cb.OnAudio != nil {
				c.cb.OnAudio(audio.Chunk{
					Seq:       seq,
					MIME:      c.cfg.ReplyMIME,
					Data:      data,
					Timestamp: time.Now(),
				})
			}
		case websocket.TextMessage:
			c.handleJSONFrame(data)
		}
	}
}

func (c *Client) handleJSONFrame(data []byte) {
	event, err := decodeServerMessage(data)
	if err != nil {
		// A single malformed message is dropped; it does not
		// terminate the connection.
		c.logger.Warnf("wsstream: dropping frame: %v", err)
		return
	}

	switch e := event.(type) {
	case TranscriptionComplete:
		if c.cb.OnTranscript != nil {
			c.cb.OnTranscript(e.Text)
		}
	case LLMChunk:
		if c.cb.OnStatus != nil {
			c.cb.OnStatus("llm_chunk")
		}
		if e.TextSoFar != "" && c.cb.OnReplyDelta != nil {
			c.cb.OnReplyDelta(e.TextSoFar)
		}
	case Complete:
		if c.cb.OnReplyFinal != nil {
			c.cb.OnReplyFinal(e.Reply)
		}
		if c.cb.OnStatus != nil {
			c.cb.OnStatus("complete")
		}
	case StatusEvent:
		if c.cb.OnStatus != nil {
			c.cb.OnStatus(e.Status)
		}
	case ServerError:
		err := fmt.Errorf("server error: %s: %w", e.Message, transport.ErrConnectionLost)
		c.mu.Lock()
		c.lastErr = err
		c.mu.Unlock()
		if c.cb.OnError != nil {
			c.cb.OnError(err)
		}
	}
}

// handleClose classifies a socket close. Normal closure and going-away
// end the session; anything else triggers bounded reconnection, unless
// the close was initiated by Disconnect.
func (c *Client) handleClose(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.conn = nil
	if c.closing {
		c.tracker.Drop()
		c.logger.Infof("wsstream: closed by client")
		return
	}

	if ce, ok := err.(*websocket.CloseError); ok {
		if ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway {
			c.tracker.Drop()
			c.logger.Infof("wsstream: closed cleanly (%d)", ce.Code)
			return
		}
	}

	c.logger.Warnf("wsstream: abnormal close: %v", err)
	c.tracker.Drop()
	c.scheduleReconnectLocked()
}

// scheduleReconnectLocked arms the retry timer with linearly increasing
// backoff. Caller holds c.mu.
func (c *Client) scheduleReconnectLocked() {
	c.attempts++
	if c.attempts > c.cfg.MaxReconnectAttempts {
		c.lastErr = fmt.Errorf("gave up after %d reconnect attempts: %w",
			c.cfg.MaxReconnectAttempts, transport.ErrConnectionLost)
		c.logger.Errorf("wsstream: %v", c.lastErr)
		if c.cb.OnError != nil {
			go c.cb.OnError(c.lastErr)
		}
		return
	}

	delay := time.Duration(c.attempts) * c.cfg.ReconnectDelay
	c.logger.Infof("wsstream: reconnecting in %s (attempt %d/%d)",
		delay, c.attempts, c.cfg.MaxReconnectAttempts)
	c.tracker.Retry()
	c.retryTimer = c.afterFunc(delay, func() {
		if err := c.Connect(context.Background()); err != nil {
			c.logger.Warnf("wsstream: reconnect attempt failed: %v", err)
		}
	})
}

// Disconnect closes the socket with a normal-closure frame and cancels
// any pending reconnect. Idempotent; never triggers a retry.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	c.closing = true
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	conn := c.conn
	if conn != nil {
		c.tracker.Close()
	} else if c.tracker.State() == transport.Reconnecting {
		c.tracker.Drop()
	}
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	deadline := time.Now().Add(time.Second)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "closed by client")
	if w, ok := conn.(interface {
		WriteControl(int, []byte, time.Time) error
	}); ok {
		_ = w.WriteControl(websocket.CloseMessage, msg, deadline)
	}
	return conn.Close()
}

// SendAudio forwards one encoded chunk as a binary frame, no envelope.
func (c *Client) SendAudio(p []byte) error {
	conn, err := c.currentConn()
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.BinaryMessage, p)
}

// EndAudio tells the server the utterance is complete.
func (c *Client) EndAudio() error {
	return c.sendJSON(endAudioFrame{Type: "control", Command: "end_audio"})
}

// Reset clears server-side utterance state; resetHistory also clears
// accumulated conversation history.
func (c *Client) Reset(resetHistory bool) error {
	return c.sendJSON(resetFrame{Type: "control", Command: "reset", ResetHistory: resetHistory})
}

func (c *Client) sendJSON(v any) error {
	conn, err := c.currentConn()
	if err != nil {
		return err
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *Client) currentConn() (wsConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.tracker.State() != transport.Connected {
		return nil, fmt.Errorf("socket not connected: %w", transport.ErrConnectionLost)
	}
	return c.conn, nil
}

// State reports the current connection state.
func (c *Client) State() transport.ConnState {
	return c.tracker.State()
}

// LastError reports the most recent recorded error.
func (c *Client) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// deriveWSURL rewrites an HTTP(S) base URL to the ws(s) scheme and
// appends the socket path. Already-ws URLs pass through.
func deriveWSURL(base, path string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return strings.TrimSuffix(base, "/") + path
}
