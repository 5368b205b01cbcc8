package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/parlaai/voice-client/internal/audio"
	"github.com/parlaai/voice-client/internal/resilience"
)

// ErrSessionClosed is returned by SendAudio after Close.
var ErrSessionClosed = errors.New("live session is closed")

// Config holds connection parameters for the live backend.
type Config struct {
	URL             string
	APIKey          string
	DialMaxAttempts int
	DialBackoff     time.Duration
}

// setupMessage configures the session before any audio flows.
type setupMessage struct {
	Setup setupPayload `json:"setup"`
}

type setupPayload struct {
	SystemInstruction string `json:"systemInstruction"`
	VoiceID           string `json:"voiceId"`
}

// clientMessage is the outbound envelope.
type clientMessage struct {
	Audio *audio.Blob `json:"audio,omitempty"`
}

// Client is a websocket-backed live session. One Client serves exactly one
// conversation; there is no automatic re-establishment after a mid-session
// failure.
type Client struct {
	conn   *websocket.Conn
	cb     Callbacks
	logger zerolog.Logger

	writeMu   sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
}

// Connect dials the live backend, sends the session setup, and starts the
// read loop. The dial is retried with backoff within this one user-initiated
// attempt; OnOpen fires once the session is usable.
func Connect(ctx context.Context, cfg Config, cb Callbacks, systemInstruction, voiceID string, logger zerolog.Logger) (*Client, error) {
	var conn *websocket.Conn
	dial := func() error {
		header := http.Header{}
		if cfg.APIKey != "" {
			header.Set("Authorization", "Bearer "+cfg.APIKey)
		}
		c, resp, err := websocket.DefaultDialer.DialContext(ctx, cfg.URL, header)
		if err != nil {
			if resp != nil {
				return fmt.Errorf("dial live session: %w (status %d)", err, resp.StatusCode)
			}
			return fmt.Errorf("dial live session: %w", err)
		}
		conn = c
		return nil
	}

	retryCfg := &resilience.RetryConfig{
		MaxAttempts:    cfg.DialMaxAttempts,
		InitialBackoff: cfg.DialBackoff,
		MaxBackoff:     5 * time.Second,
		Multiplier:     2.0,
	}
	if retryCfg.MaxAttempts <= 0 {
		retryCfg.MaxAttempts = 1
	}
	if err := resilience.Retry(ctx, dial, retryCfg); err != nil {
		return nil, err
	}

	c := &Client{conn: conn, cb: cb, logger: logger}
	if err := c.writeJSON(setupMessage{Setup: setupPayload{
		SystemInstruction: systemInstruction,
		VoiceID:           voiceID,
	}}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send session setup: %w", err)
	}

	go c.readLoop()

	if cb.OnOpen != nil {
		cb.OnOpen()
	}
	return c, nil
}

// readLoop dispatches inbound messages in arrival order until the connection
// ends. Callbacks are suppressed after an explicit Close: a close following
// deliberate disconnect must not be reported as a remote event.
func (c *Client) readLoop() {
	for {
		var msg ServerMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if c.closed.Load() {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug().Msg("Live session closed by remote")
				if c.cb.OnClose != nil {
					c.cb.OnClose()
				}
			} else {
				c.logger.Warn().Err(err).Msg("Live session read failed")
				if c.cb.OnError != nil {
					c.cb.OnError(err)
				}
			}
			return
		}

		if c.cb.OnMessage != nil {
			c.cb.OnMessage(msg)
		}
	}
}

// SendAudio transmits one captured frame. Frames are serialized through a
// single writer; send order is preserved.
func (c *Client) SendAudio(blob audio.Blob) error {
	if c.closed.Load() {
		return ErrSessionClosed
	}
	if err := c.writeJSON(clientMessage{Audio: &blob}); err != nil {
		return fmt.Errorf("send audio frame: %w", err)
	}
	return nil
}

func (c *Client) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

// Close ends the session. Best-effort: the close handshake failing only gets
// logged. Idempotent.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)

		c.writeMu.Lock()
		err := c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.writeMu.Unlock()
		if err != nil {
			c.logger.Debug().Err(err).Msg("Close handshake failed")
		}

		if err := c.conn.Close(); err != nil {
			c.logger.Debug().Err(err).Msg("Connection close failed")
		}
	})
	return nil
}
