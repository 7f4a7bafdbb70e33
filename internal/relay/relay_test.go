package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/markus-barta/fleetlink/internal/fleet"
	"github.com/markus-barta/fleetlink/internal/protocol"
	"github.com/markus-barta/fleetlink/internal/session"
	"github.com/markus-barta/fleetlink/internal/session/sessiontest"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticSessions map[string]session.Conn

func (s staticSessions) Primary(id string) (session.Conn, bool) {
	c, ok := s[id]
	return c, ok
}

type ackRecorder struct {
	mu   sync.Mutex
	acks []protocol.ControlAckPayload
}

func (a *ackRecorder) HandleAck(_ context.Context, _ string, ack protocol.ControlAckPayload) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks = append(a.acks, ack)
}

func receive(t *testing.T, sub *Subscription) protocol.Frame {
	t.Helper()
	select {
	case f, ok := <-sub.Frames():
		require.True(t, ok, "subscription closed")
		return f
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
		return protocol.Frame{}
	}
}

func TestSend(t *testing.T) {
	conn := sessiontest.NewConn("c1")
	r := New(zerolog.Nop(), staticSessions{"d1": conn}, 0)
	ctx := context.Background()

	f, err := protocol.NewFrame(protocol.TypeCommand, protocol.CommandPayload{CommandID: "x", Command: "ping"})
	require.NoError(t, err)
	require.NoError(t, r.Send(ctx, "d1", f))
	assert.Len(t, conn.Frames(), 1)

	assert.ErrorIs(t, r.Send(ctx, "d2", f), fleet.ErrTransport)

	conn.FailNext(1)
	assert.ErrorIs(t, r.Send(ctx, "d1", f), fleet.ErrTransport)
}

func TestFanOutToAllSubscribersInOrder(t *testing.T) {
	conn := sessiontest.NewConn("c1")
	r := New(zerolog.Nop(), staticSessions{"d1": conn}, 8)
	ctx := context.Background()

	a := r.Subscribe("d1")
	b := r.Subscribe("d1")
	other := r.Subscribe("d2")
	defer a.Close()
	defer b.Close()
	defer other.Close()

	for _, stream := range []string{"one", "two", "three"} {
		raw := `{"type":"data","payload":{"stream":"` + stream + `","data":{}}}`
		require.NoError(t, r.HandleInbound(ctx, "d1", conn, []byte(raw)))
	}

	for _, sub := range []*Subscription{a, b} {
		for _, want := range []string{"one", "two", "three"} {
			f := receive(t, sub)
			var p protocol.DataPayload
			require.NoError(t, f.ParsePayload(&p))
			assert.Equal(t, want, p.Stream)
		}
	}
	assert.Empty(t, other.Frames())
}

func TestMalformedFrameGetsErrorReply(t *testing.T) {
	conn := sessiontest.NewConn("c1")
	r := New(zerolog.Nop(), staticSessions{"d1": conn}, 8)
	sub := r.Subscribe("d1")
	defer sub.Close()

	err := r.HandleInbound(context.Background(), "d1", conn, []byte(`{"type":"bogus"}`))
	require.Error(t, err)
	assert.True(t, IsInvalidFrame(err))

	frames := conn.Frames()
	require.Len(t, frames, 1)
	assert.Equal(t, protocol.TypeError, frames[0].Type)
	var p protocol.ErrorPayload
	require.NoError(t, frames[0].ParsePayload(&p))
	assert.Equal(t, protocol.CodeInvalidFrame, p.Code)

	assert.Empty(t, sub.Frames(), "rejected frames are not fanned out")
	assert.False(t, conn.Closed())
}

func TestControlAckReachesHandler(t *testing.T) {
	conn := sessiontest.NewConn("c1")
	r := New(zerolog.Nop(), staticSessions{"d1": conn}, 8)
	acks := &ackRecorder{}
	r.SetAckHandler(acks)
	sub := r.Subscribe("d1")
	defer sub.Close()

	raw := `{"type":"control_ack","payload":{"command_id":"c-1","status":"failed","error":"nope"}}`
	require.NoError(t, r.HandleInbound(context.Background(), "d1", conn, []byte(raw)))

	require.Len(t, acks.acks, 1)
	assert.Equal(t, "c-1", acks.acks[0].CommandID)
	assert.Equal(t, protocol.AckFailed, acks.acks[0].Status)
	assert.Equal(t, protocol.TypeControlAck, receive(t, sub).Type)
}

func TestSlowSubscriberDropsWithoutBlocking(t *testing.T) {
	conn := sessiontest.NewConn("c1")
	r := New(zerolog.Nop(), staticSessions{"d1": conn}, 2)
	sub := r.Subscribe("d1")
	defer sub.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, r.HandleInbound(context.Background(), "d1", conn, []byte(`{"type":"status"}`)))
	}
	assert.Equal(t, uint64(3), sub.Dropped())
	assert.Len(t, sub.Frames(), 2)
}

func TestCloseIsIdempotentAndStopsDelivery(t *testing.T) {
	r := New(zerolog.Nop(), staticSessions{}, 2)
	sub := r.Subscribe("d1")
	assert.Equal(t, 1, r.Subscribers("d1"))

	sub.Close()
	sub.Close()
	assert.Equal(t, 0, r.Subscribers("d1"))

	r.Publish("d1", protocol.ErrorFrame("x", "y"))
	_, ok := <-sub.Frames()
	assert.False(t, ok)
}
