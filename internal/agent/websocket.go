package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/markus-barta/fleetlink/internal/config"
	"github.com/markus-barta/fleetlink/internal/protocol"
	"github.com/rs/zerolog"
)

// ConnectionHandler is called on connection events.
type ConnectionHandler interface {
	OnConnected()
	OnDisconnected()
}

// ErrNotConnected is returned when sending without a connection.
var ErrNotConnected = errors.New("not connected")

// Connection parameters
const (
	pingInterval     = 30 * time.Second
	pongWait         = 45 * time.Second
	writeWait        = 10 * time.Second
	maxBackoff       = 60 * time.Second
	initialBackoff   = 1 * time.Second
	closeGracePeriod = 5 * time.Second
)

// WebSocketClient keeps a connection to fleetlink open, reconnecting with
// exponential backoff.
type WebSocketClient struct {
	cfg     *config.AgentConfig
	log     zerolog.Logger
	handler ConnectionHandler

	conn   *websocket.Conn
	mu     sync.Mutex
	frames chan protocol.Frame

	connected bool
	backoff   time.Duration
}

// NewWebSocketClient creates a client.
func NewWebSocketClient(cfg *config.AgentConfig, log zerolog.Logger, handler ConnectionHandler) *WebSocketClient {
	return &WebSocketClient{
		cfg:     cfg,
		log:     log.With().Str("component", "websocket").Logger(),
		handler: handler,
		frames:  make(chan protocol.Frame, 100),
		backoff: initialBackoff,
	}
}

// Run connects and maintains the connection until ctx is cancelled.
func (c *WebSocketClient) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			c.log.Debug().Msg("context cancelled, stopping")
			return
		default:
		}

		if err := c.connect(ctx); err != nil {
			c.log.Error().Err(err).Dur("backoff", c.backoff).Msg("connection failed, retrying")
			c.waitBackoff(ctx)
			continue
		}

		c.backoff = initialBackoff
		c.readLoop(ctx)
		c.waitBackoff(ctx)
	}
}

func (c *WebSocketClient) connect(ctx context.Context) error {
	c.log.Debug().Str("url", c.cfg.URL).Msg("connecting")

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.cfg.Token)
	header.Set("X-Device-ID", c.cfg.DeviceID)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			c.log.Error().Str("device", c.cfg.DeviceID).Msg("authentication failed: 401 Unauthorized")
		}
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	go c.pingLoop(ctx, conn)
	c.handler.OnConnected()
	return nil
}

func (c *WebSocketClient) readLoop(ctx context.Context) {
	defer func() {
		c.mu.Lock()
		c.connected = false
		if c.conn != nil {
			_ = c.conn.Close()
			c.conn = nil
		}
		c.mu.Unlock()
		c.handler.OnDisconnected()
	}()

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	// Cancellation closes the connection cleanly, which ends ReadMessage.
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	for {
		if ctx.Err() != nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Error().Err(err).Msg("read error")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		var f protocol.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.log.Error().Err(err).Msg("failed to parse frame")
			continue
		}
		c.log.Debug().Str("type", f.Type).Msg("received frame")

		if f.Type == protocol.TypeCommand {
			// Commands wait for room; reading stalls until the agent catches up.
			select {
			case c.frames <- f:
			case <-ctx.Done():
				return
			}
			continue
		}
		select {
		case c.frames <- f:
		default:
			c.log.Warn().Str("type", f.Type).Msg("frame queue full, dropping frame")
		}
	}
}

func (c *WebSocketClient) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			current := c.conn == conn && c.connected
			c.mu.Unlock()
			if !current {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.log.Debug().Err(err).Msg("ping failed")
				return
			}
		}
	}
}

func (c *WebSocketClient) waitBackoff(ctx context.Context) {
	timer := time.NewTimer(c.backoff)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	}

	c.backoff *= 2
	if c.backoff > maxBackoff {
		c.backoff = maxBackoff
	}
}

// Send writes a frame of the given type.
func (c *WebSocketClient) Send(frameType string, payload any) error {
	f, err := protocol.NewFrame(frameType, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Frames returns inbound frames.
func (c *WebSocketClient) Frames() <-chan protocol.Frame {
	return c.frames
}

// Close sends a normal close so the server records a clean disconnect.
func (c *WebSocketClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}

	err := c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
		time.Now().Add(closeGracePeriod),
	)
	if err != nil {
		_ = c.conn.Close()
		return err
	}
	return nil
}

// IsConnected reports whether the client holds a connection.
func (c *WebSocketClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}
