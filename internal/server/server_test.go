package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/markus-barta/fleetlink/internal/dispatch"
	"github.com/markus-barta/fleetlink/internal/fleet"
	"github.com/markus-barta/fleetlink/internal/identity"
	"github.com/markus-barta/fleetlink/internal/presence"
	"github.com/markus-barta/fleetlink/internal/protocol"
	"github.com/markus-barta/fleetlink/internal/queue"
	"github.com/markus-barta/fleetlink/internal/relay"
	"github.com/markus-barta/fleetlink/internal/session"
	"github.com/markus-barta/fleetlink/internal/store"
	"github.com/markus-barta/fleetlink/internal/store/storetest"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const deviceToken = "device-secret"

type testServer struct {
	*httptest.Server
	srv        *Server
	store      *store.Store
	registry   *session.Registry
	relay      *relay.Relay
	dispatcher *dispatch.Dispatcher
	verifier   *identity.Verifier
}

func testSettings() Settings {
	cfg := DefaultSettings()
	cfg.PongWait = 5 * time.Second
	cfg.PingPeriod = time.Second
	cfg.WriteWait = time.Second
	return cfg
}

func newTestServer(t *testing.T, devices ...string) *testServer {
	t.Helper()
	return newTestServerWith(t, testSettings(), nil, devices...)
}

func newTestServerWith(t *testing.T, cfg Settings, opts []session.Option, devices ...string) *testServer {
	t.Helper()
	s := storetest.New(t)
	for _, id := range devices {
		storetest.AddDevice(t, s, id, deviceToken)
	}

	log := zerolog.Nop()
	q := queue.New(log, s)
	reg := session.NewRegistry(log, s, opts...)
	rl := relay.New(log, reg, 0)
	d := dispatch.New(log, q, reg, rl, s)
	reg.SetListener(d)
	rl.SetAckHandler(d)
	v := identity.NewVerifier("test-secret", "")

	srv := New(log, cfg, Deps{Store: s, Registry: reg, Relay: rl, Dispatcher: d, Verifier: v})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		reg.CloseAll()
		ts.Close()
	})
	return &testServer{Server: ts, srv: srv, store: s, registry: reg, relay: rl, dispatcher: d, verifier: v}
}

func (ts *testServer) token(t *testing.T, role identity.Role) string {
	t.Helper()
	tok, err := ts.verifier.Issue(identity.Identity{Subject: "tester", Role: role}, time.Minute)
	require.NoError(t, err)
	return tok
}

func (ts *testServer) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func (ts *testServer) dialDevice(t *testing.T, deviceID, token string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	h := http.Header{}
	h.Set("X-Device-ID", deviceID)
	h.Set("Authorization", "Bearer "+token)
	ws, resp, err := websocket.DefaultDialer.Dial(ts.wsURL("/ws/device"), h)
	if err == nil {
		t.Cleanup(func() { ws.Close() })
	}
	return ws, resp, err
}

func (ts *testServer) connect(t *testing.T, deviceID string) *websocket.Conn {
	t.Helper()
	ws, _, err := ts.dialDevice(t, deviceID, deviceToken)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return ts.registry.IsLive(deviceID) }, 2*time.Second, 5*time.Millisecond)
	return ws
}

func (ts *testServer) do(t *testing.T, method, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.URL+path, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func readFrame(t *testing.T, ws *websocket.Conn) protocol.Frame {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f protocol.Frame
	require.NoError(t, ws.ReadJSON(&f))
	return f
}

func readCommand(t *testing.T, ws *websocket.Conn) protocol.CommandPayload {
	t.Helper()
	f := readFrame(t, ws)
	require.Equal(t, protocol.TypeCommand, f.Type)
	var p protocol.CommandPayload
	require.NoError(t, f.ParsePayload(&p))
	return p
}

func sendAck(t *testing.T, ws *websocket.Conn, commandID, status string) {
	t.Helper()
	f, err := protocol.NewFrame(protocol.TypeControlAck, protocol.ControlAckPayload{CommandID: commandID, Status: status, Output: "ok"})
	require.NoError(t, err)
	require.NoError(t, ws.WriteJSON(f))
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	resp, body := ts.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestDeviceAuthentication(t *testing.T) {
	ts := newTestServer(t, "D1")

	for name, tc := range map[string]struct{ device, token string }{
		"wrong token":    {"D1", "nope"},
		"unknown device": {"ghost", deviceToken},
		"missing token":  {"D1", ""},
	} {
		t.Run(name, func(t *testing.T) {
			_, resp, err := ts.dialDevice(t, tc.device, tc.token)
			require.Error(t, err)
			require.NotNil(t, resp)
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		})
	}

	assert.False(t, ts.registry.IsLive("D1"))
	d, err := ts.store.GetDevice(context.Background(), "D1")
	require.NoError(t, err)
	assert.Equal(t, fleet.StateOffline, d.Status)
	assert.True(t, d.LastSeen.IsZero(), "a rejected connection mutates nothing")
}

func TestQueuedCommandsDeliveredOnConnect(t *testing.T) {
	ts := newTestServer(t, "D1")
	op := ts.token(t, identity.RoleOperator)

	resp, body := ts.do(t, http.MethodPost, "/api/devices/D1/commands", op, map[string]any{"command": "ping"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, dispatch.OutcomeQueued, body["status"])
	queueID, _ := body["queueId"].(string)
	require.NotEmpty(t, queueID)

	ws := ts.connect(t, "D1")
	cmd := readCommand(t, ws)
	assert.Equal(t, queueID, cmd.CommandID)
	assert.Equal(t, "ping", cmd.Command)

	sendAck(t, ws, cmd.CommandID, protocol.AckExecuted)
	require.Eventually(t, func() bool {
		_, body := ts.do(t, http.MethodGet, "/api/commands/"+queueID, op, nil)
		return body["status"] == string(fleet.StatusExecuted)
	}, 2*time.Second, 10*time.Millisecond)

	_, body = ts.do(t, http.MethodGet, "/api/commands/"+queueID, op, nil)
	records, _ := body["records"].([]any)
	assert.Len(t, records, 1)
}

func TestSubmitToLiveDevice(t *testing.T) {
	ts := newTestServer(t, "D1")
	ws := ts.connect(t, "D1")

	resp, body := ts.do(t, http.MethodPost, "/api/devices/D1/commands", ts.token(t, identity.RoleAdmin),
		map[string]any{"command": "status", "priority": 3})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, dispatch.OutcomeDelivered, body["status"])

	cmd := readCommand(t, ws)
	assert.Equal(t, "status", cmd.Command)
	assert.Equal(t, 3, cmd.Priority)
}

func TestSubmitErrors(t *testing.T) {
	ts := newTestServer(t, "D1")
	op := ts.token(t, identity.RoleOperator)

	resp, _ := ts.do(t, http.MethodPost, "/api/devices/D1/commands", "", map[string]any{"command": "ping"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodPost, "/api/devices/D1/commands", ts.token(t, identity.RoleViewer), map[string]any{"command": "ping"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodPost, "/api/devices/ghost/commands", op, map[string]any{"command": "ping"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodPost, "/api/devices/D1/commands", op, map[string]any{"command": ""})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodPost, "/api/commands/nope/retry", op, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRetryFailedCommand(t *testing.T) {
	ts := newTestServer(t, "D1")
	op := ts.token(t, identity.RoleOperator)
	ws := ts.connect(t, "D1")

	_, body := ts.do(t, http.MethodPost, "/api/devices/D1/commands", op, map[string]any{"command": "flaky"})
	id := body["queueId"].(string)
	readCommand(t, ws)

	// Not failed yet.
	resp, _ := ts.do(t, http.MethodPost, "/api/commands/"+id+"/retry", op, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	sendAck(t, ws, id, protocol.AckFailed)
	require.Eventually(t, func() bool {
		_, body := ts.do(t, http.MethodGet, "/api/commands/"+id, op, nil)
		return body["status"] == string(fleet.StatusFailed)
	}, 2*time.Second, 10*time.Millisecond)

	resp, body = ts.do(t, http.MethodPost, "/api/commands/"+id+"/retry", op, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEqual(t, id, body["queueId"])

	cmd := readCommand(t, ws)
	assert.Equal(t, "flaky", cmd.Command)

	resp, _ = ts.do(t, http.MethodPost, "/api/commands/"+id+"/retry", op, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "a failed command is retried once")
}

func TestListDeviceCommands(t *testing.T) {
	ts := newTestServer(t, "D1", "D2")
	op := ts.token(t, identity.RoleOperator)

	var ids []string
	for _, name := range []string{"first", "second"} {
		resp, body := ts.do(t, http.MethodPost, "/api/devices/D1/commands", op, map[string]any{"command": name})
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
		ids = append(ids, body["queueId"].(string))
	}

	resp, body := ts.do(t, http.MethodGet, "/api/devices/D1/commands", op, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cmds, _ := body["commands"].([]any)
	require.Len(t, cmds, 2)
	for i, c := range cmds {
		view := c.(map[string]any)
		assert.Equal(t, ids[i], view["id"])
		assert.Equal(t, string(fleet.StatusPending), view["status"])
		assert.NotContains(t, view, "records")
	}

	_, body = ts.do(t, http.MethodGet, "/api/devices/D2/commands", op, nil)
	assert.Empty(t, body["commands"])

	resp, _ = ts.do(t, http.MethodGet, "/api/devices/ghost/commands", op, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMaintenanceRequiresAdmin(t *testing.T) {
	ts := newTestServer(t, "D1")

	resp, _ := ts.do(t, http.MethodPut, "/api/devices/D1/maintenance", ts.token(t, identity.RoleOperator), map[string]any{"enabled": true})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body := ts.do(t, http.MethodPut, "/api/devices/D1/maintenance", ts.token(t, identity.RoleAdmin), map[string]any{"enabled": true})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["maintenance"])

	_, body = ts.do(t, http.MethodGet, "/api/devices", ts.token(t, identity.RoleViewer), nil)
	devices, _ := body["devices"].([]any)
	require.Len(t, devices, 1)
	assert.Equal(t, string(fleet.StateMaintenance), devices[0].(map[string]any)["liveness"])
}

func TestMalformedFrameKeepsConnectionOpen(t *testing.T) {
	ts := newTestServer(t, "D1")
	ws := ts.connect(t, "D1")

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("not json")))
	f := readFrame(t, ws)
	require.Equal(t, protocol.TypeError, f.Type)
	var p protocol.ErrorPayload
	require.NoError(t, f.ParsePayload(&p))
	assert.Equal(t, protocol.CodeInvalidFrame, p.Code)

	assert.True(t, ts.registry.IsLive("D1"))
	resp, _ := ts.do(t, http.MethodPost, "/api/devices/D1/commands", ts.token(t, identity.RoleOperator), map[string]any{"command": "ping"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ping", readCommand(t, ws).Command)
}

func TestObserverReceivesDeviceFrames(t *testing.T) {
	ts := newTestServer(t, "D1")
	device := ts.connect(t, "D1")

	obs, _, err := websocket.DefaultDialer.Dial(ts.wsURL("/ws/devices/D1/observe?access_token="+ts.token(t, identity.RoleViewer)), nil)
	require.NoError(t, err)
	defer obs.Close()
	require.Eventually(t, func() bool { return ts.relay.Subscribers("D1") == 1 }, 2*time.Second, 5*time.Millisecond)

	status, err := protocol.NewFrame(protocol.TypeStatus, protocol.StatusPayload{State: "idle"})
	require.NoError(t, err)
	require.NoError(t, device.WriteJSON(status))

	f := readFrame(t, obs)
	assert.Equal(t, protocol.TypeStatus, f.Type)

	_, _, err = websocket.DefaultDialer.Dial(ts.wsURL("/ws/devices/D1/observe"), nil)
	assert.Error(t, err, "observers need an identity")
}

func TestCleanDisconnectRecorded(t *testing.T) {
	ts := newTestServer(t, "D1")
	ws := ts.connect(t, "D1")

	require.NoError(t, ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))
	require.Eventually(t, func() bool { return !ts.registry.IsLive("D1") }, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		d, err := ts.store.GetDevice(context.Background(), "D1")
		return err == nil && d.Status == fleet.StateOffline && d.CleanDisconnect
	}, 2*time.Second, 10*time.Millisecond)
}

// remoteOwner reports every device as held by another instance.
type remoteOwner struct{ presence.Nop }

func (remoteOwner) Lookup(context.Context, string) (string, bool, error) {
	return "fleetlink-2", true, nil
}

func TestListDevicesShowsRemoteOwner(t *testing.T) {
	ts := newTestServerWith(t, testSettings(), []session.Option{session.WithPresence(remoteOwner{})}, "D1", "D2")
	ts.connect(t, "D1")

	resp, body := ts.do(t, http.MethodGet, "/api/devices", ts.token(t, identity.RoleViewer), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	devices, _ := body["devices"].([]any)
	require.Len(t, devices, 2)

	byID := map[string]map[string]any{}
	for _, d := range devices {
		v := d.(map[string]any)
		byID[v["id"].(string)] = v
	}
	assert.Equal(t, true, byID["D1"]["live"])
	assert.NotContains(t, byID["D1"], "instance", "held locally")
	assert.Equal(t, false, byID["D2"]["live"])
	assert.Equal(t, "fleetlink-2", byID["D2"]["instance"])
}

func TestWaitReturnsAfterDeviceHandlersExit(t *testing.T) {
	ts := newTestServer(t, "D1", "D2")
	ts.connect(t, "D1")
	ts.connect(t, "D2")

	ts.registry.CloseAll()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, ts.srv.Wait(ctx))

	// Handlers have unregistered, so storage is no longer touched.
	for _, id := range []string{"D1", "D2"} {
		assert.False(t, ts.registry.IsLive(id))
		d, err := ts.store.GetDevice(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, fleet.StateOffline, d.Status)
	}
}

func TestWaitHonoursContext(t *testing.T) {
	ts := newTestServer(t, "D1")
	ts.connect(t, "D1")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, ts.srv.Wait(ctx), context.DeadlineExceeded, "the connection is still open")
}

// slowConnect delays the backlog drain that runs on registration.
type slowConnect struct {
	session.Listener
	delay time.Duration
}

func (l *slowConnect) OnDeviceConnected(ctx context.Context, id string) {
	time.Sleep(l.delay)
	l.Listener.OnDeviceConnected(ctx, id)
}

func TestSlowBacklogDrainKeepsConnection(t *testing.T) {
	cfg := testSettings()
	cfg.PongWait = 300 * time.Millisecond
	cfg.PingPeriod = 100 * time.Millisecond
	ts := newTestServerWith(t, cfg, nil, "D1")
	ts.registry.SetListener(&slowConnect{Listener: ts.dispatcher, delay: time.Second})
	op := ts.token(t, identity.RoleOperator)

	resp, body := ts.do(t, http.MethodPost, "/api/devices/D1/commands", op, map[string]any{"command": "backlog"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	id := body["queueId"].(string)

	ws := ts.connect(t, "D1")
	cmd := readCommand(t, ws)
	assert.Equal(t, id, cmd.CommandID)
	sendAck(t, ws, id, protocol.AckExecuted)

	// Keep reading so pings are answered.
	go func() {
		_ = ws.SetReadDeadline(time.Time{})
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	require.Eventually(t, func() bool {
		_, body := ts.do(t, http.MethodGet, "/api/commands/"+id, op, nil)
		return body["status"] == string(fleet.StatusExecuted)
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(3 * cfg.PongWait)
	assert.True(t, ts.registry.IsLive("D1"), "pongs keep the connection past the drain")
}

func TestCheckOrigin(t *testing.T) {
	s := &Server{cfg: Settings{}}
	r := httptest.NewRequest(http.MethodGet, "http://fleet.example/ws/device", nil)
	assert.True(t, s.checkOrigin(r), "no origin header")

	r.Header.Set("Origin", "http://fleet.example")
	assert.True(t, s.checkOrigin(r))
	r.Header.Set("Origin", "http://evil.example")
	assert.False(t, s.checkOrigin(r))

	s.cfg.AllowedOrigins = []string{"http://evil.example"}
	assert.True(t, s.checkOrigin(r))
}
