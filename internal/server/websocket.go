package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/markus-barta/fleetlink/internal/fleet"
	"github.com/markus-barta/fleetlink/internal/protocol"
	"github.com/markus-barta/fleetlink/internal/relay"
)

// wsConn adapts a websocket to session.Conn. Writes are serialized; Close
// may be called from any goroutine.
type wsConn struct {
	id        string
	ws        *websocket.Conn
	writeWait time.Duration
	remote    string
	agent     string

	mu        sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func newWSConn(ws *websocket.Conn, r *http.Request, writeWait time.Duration) *wsConn {
	return &wsConn{
		id:        uuid.NewString(),
		ws:        ws,
		writeWait: writeWait,
		remote:    r.RemoteAddr,
		agent:     r.UserAgent(),
		done:      make(chan struct{}),
	}
}

func (c *wsConn) ID() string         { return c.id }
func (c *wsConn) RemoteAddr() string { return c.remote }
func (c *wsConn) UserAgent() string  { return c.agent }

// Send writes one frame, bounded by the write timeout or ctx's deadline.
func (c *wsConn) Send(ctx context.Context, f protocol.Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	deadline := time.Now().Add(c.writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: %w", fleet.ErrTransport, err)
	}
	return nil
}

func (c *wsConn) ping() error {
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeWait))
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.ws.Close()
	})
	return err
}

// ═══════════════════════════════════════════════════════════════════════════
// DEVICE CONNECTIONS
// ═══════════════════════════════════════════════════════════════════════════

// handleDevice authenticates a device and serves its connection. A device
// that fails authentication is rejected before the upgrade and never
// registered.
func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := r.Header.Get("X-Device-ID")
	if deviceID == "" {
		deviceID = r.URL.Query().Get("device_id")
	}
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if deviceID == "" || token == "" || token == r.Header.Get("Authorization") {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	dev, err := s.deps.Store.GetDevice(r.Context(), deviceID)
	switch {
	case errors.Is(err, fleet.ErrNotFound):
		err = fleet.ErrUnauthorized
	case err == nil:
		err = fleet.VerifyToken(dev, token)
	}
	if err != nil {
		if errors.Is(err, fleet.ErrUnauthorized) {
			s.log.Warn().Str("device", deviceID).Str("remote", r.RemoteAddr).Msg("device authentication failed")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		s.writeError(w, r, err)
		return
	}

	s.devices.Add(1)
	defer s.devices.Done()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Str("device", deviceID).Msg("websocket upgrade failed")
		return
	}
	conn := newWSConn(ws, r, s.cfg.WriteWait)
	ctx := context.WithoutCancel(r.Context())

	ws.SetReadLimit(s.cfg.MaxFrameBytes)
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	})
	go s.pingLoop(conn)

	// Registering drains the backlog, which may take longer than PongWait.
	if _, err := s.deps.Registry.Register(ctx, deviceID, conn); err != nil {
		s.log.Error().Err(err).Str("device", deviceID).Msg("register failed")
		_ = conn.Close()
		return
	}
	_ = ws.SetReadDeadline(time.Now().Add(s.cfg.PongWait))

	clean := s.readLoop(ctx, deviceID, conn)
	s.deps.Registry.Unregister(ctx, deviceID, conn, clean)
	_ = conn.Close()
}

// readLoop feeds inbound frames to the relay until the connection ends. It
// reports whether the device closed the connection normally.
func (s *Server) readLoop(ctx context.Context, deviceID string, conn *wsConn) bool {
	ws := conn.ws
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return true
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.log.Warn().Err(err).Str("device", deviceID).Msg("device read error")
			} else {
				s.log.Debug().Err(err).Str("device", deviceID).Msg("device connection ended")
			}
			return false
		}

		// Any frame counts as a keepalive.
		_ = ws.SetReadDeadline(time.Now().Add(s.cfg.PongWait))

		if err := s.deps.Relay.HandleInbound(ctx, deviceID, conn, data); err != nil && !relay.IsInvalidFrame(err) {
			s.log.Warn().Err(err).Str("device", deviceID).Msg("inbound frame failed")
			return false
		}
	}
}

func (s *Server) pingLoop(conn *wsConn) {
	ticker := time.NewTicker(s.cfg.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-conn.done:
			return
		case <-ticker.C:
			if err := conn.ping(); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// OBSERVERS
// ═══════════════════════════════════════════════════════════════════════════

// handleObserve streams a device's inbound frames to an observer. Frames the
// observer cannot keep up with are dropped.
func (s *Server) handleObserve(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	if _, err := s.deps.Store.GetDevice(r.Context(), deviceID); err != nil {
		s.writeError(w, r, err)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Str("device", deviceID).Msg("observer upgrade failed")
		return
	}
	defer func() { _ = ws.Close() }()

	sub := s.deps.Relay.Subscribe(deviceID)
	defer sub.Close()
	s.log.Debug().Str("device", deviceID).Msg("observer attached")

	// Observers only listen; the read loop detects the close.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		ws.SetReadLimit(4096)
		_ = ws.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
		})
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.cfg.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-gone:
			return
		case f, ok := <-sub.Frames():
			if !ok {
				return
			}
			_ = ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if err := ws.WriteJSON(f); err != nil {
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
