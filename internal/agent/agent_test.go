package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/markus-barta/fleetlink/internal/config"
	"github.com/markus-barta/fleetlink/internal/protocol"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeFleet accepts one device connection and hands it to the test.
func fakeFleet(t *testing.T) (*httptest.Server, <-chan *websocket.Conn, <-chan http.Header) {
	t.Helper()
	conns := make(chan *websocket.Conn, 1)
	headers := make(chan http.Header, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers <- r.Header.Clone()
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- ws
	}))
	t.Cleanup(srv.Close)
	return srv, conns, headers
}

func sendCommand(t *testing.T, ws *websocket.Conn, id, command string, args any) {
	t.Helper()
	p := protocol.CommandPayload{CommandID: id, Command: command, Attempt: 1}
	if args != nil {
		raw, err := json.Marshal(args)
		require.NoError(t, err)
		p.Args = raw
	}
	f, err := protocol.NewFrame(protocol.TypeCommand, p)
	require.NoError(t, err)
	require.NoError(t, ws.WriteJSON(f))
}

// nextAck skips status frames.
func nextAck(t *testing.T, ws *websocket.Conn) protocol.ControlAckPayload {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var f protocol.Frame
		require.NoError(t, ws.ReadJSON(&f))
		if f.Type != protocol.TypeControlAck {
			continue
		}
		var ack protocol.ControlAckPayload
		require.NoError(t, f.ParsePayload(&ack))
		return ack
	}
}

func TestAgentExecutesAndAcksCommands(t *testing.T) {
	srv, conns, headers := fakeFleet(t)

	var runs atomic.Int32
	exec := ExecutorFunc(func(ctx context.Context, command string, args json.RawMessage) (string, error) {
		runs.Add(1)
		return NewBuiltins("D1").Execute(ctx, command, args)
	})
	cfg := &config.AgentConfig{
		URL:            "ws" + strings.TrimPrefix(srv.URL, "http"),
		DeviceID:       "D1",
		Token:          "tok",
		StatusInterval: time.Hour,
	}
	a := New(cfg, zerolog.Nop(), WithExecutor(exec))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = a.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	var ws *websocket.Conn
	select {
	case ws = <-conns:
	case <-time.After(3 * time.Second):
		t.Fatal("agent did not connect")
	}
	defer ws.Close()

	h := <-headers
	assert.Equal(t, "Bearer tok", h.Get("Authorization"))
	assert.Equal(t, "D1", h.Get("X-Device-ID"))

	sendCommand(t, ws, "c1", "ping", nil)
	ack := nextAck(t, ws)
	assert.Equal(t, "c1", ack.CommandID)
	assert.Equal(t, protocol.AckExecuted, ack.Status)
	assert.Equal(t, "pong", ack.Output)

	sendCommand(t, ws, "c2", "reboot-the-moon", nil)
	ack = nextAck(t, ws)
	assert.Equal(t, protocol.AckFailed, ack.Status)
	assert.Contains(t, ack.Error, "unknown command")

	// Redelivery is acknowledged again without running twice.
	sendCommand(t, ws, "c1", "ping", nil)
	ack = nextAck(t, ws)
	assert.Equal(t, "c1", ack.CommandID)
	assert.Equal(t, "pong", ack.Output)
	assert.Equal(t, int32(2), runs.Load())
}

func TestBuiltins(t *testing.T) {
	b := NewBuiltins("D1")
	ctx := context.Background()

	out, err := b.Execute(ctx, "echo", json.RawMessage(`"hello"`))
	require.NoError(t, err)
	assert.Equal(t, "hello", out)

	out, err = b.Execute(ctx, "echo", json.RawMessage(`{"a":1}`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, out)

	out, err = b.Execute(ctx, "status", nil)
	require.NoError(t, err)
	var status map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &status))
	assert.Equal(t, "D1", status["device"])

	out, err = b.Execute(ctx, "sleep", json.RawMessage(`{"seconds":0.01}`))
	require.NoError(t, err)
	assert.Equal(t, "slept 0.01s", out)

	_, err = b.Execute(ctx, "sleep", json.RawMessage(`9999`))
	assert.Error(t, err)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = b.Execute(cancelled, "sleep", json.RawMessage(`1`))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRecentOutcomesAreBounded(t *testing.T) {
	a := New(&config.AgentConfig{DeviceID: "D1", StatusInterval: time.Hour}, zerolog.Nop())
	for i := 0; i < recentCapacity+10; i++ {
		a.remember(protocol.ControlAckPayload{CommandID: fmt.Sprintf("cmd-%d", i)})
	}
	assert.Len(t, a.recent, recentCapacity)
	assert.Len(t, a.order, recentCapacity)
}

func TestCommandsQueueBehindBusyExecutor(t *testing.T) {
	srv, conns, _ := fakeFleet(t)

	release := make(chan struct{})
	exec := ExecutorFunc(func(ctx context.Context, command string, _ json.RawMessage) (string, error) {
		if command == "hold" {
			select {
			case <-release:
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		return command, nil
	})
	cfg := &config.AgentConfig{
		URL:            "ws" + strings.TrimPrefix(srv.URL, "http"),
		DeviceID:       "D1",
		Token:          "tok",
		StatusInterval: time.Hour,
	}
	a := New(cfg, zerolog.Nop(), WithExecutor(exec))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = a.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	var ws *websocket.Conn
	select {
	case ws = <-conns:
	case <-time.After(3 * time.Second):
		t.Fatal("agent did not connect")
	}
	defer ws.Close()

	// More commands than the frame queue holds while the first one blocks.
	const n = 150
	sendCommand(t, ws, "c0", "hold", nil)
	for i := 1; i < n; i++ {
		sendCommand(t, ws, fmt.Sprintf("c%d", i), "ping", nil)
	}
	close(release)

	for i := 0; i < n; i++ {
		ack := nextAck(t, ws)
		require.Equal(t, fmt.Sprintf("c%d", i), ack.CommandID)
		assert.Equal(t, protocol.AckExecuted, ack.Status)
	}
}
