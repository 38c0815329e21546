package monitor

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lokutor-ai/lokutor-aec/pkg/aec"
)

func dialHub(t *testing.T, h *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func TestHubStreamsFrames(t *testing.T) {
	h := NewHub()
	conn := dialHub(t, h)
	require.Eventually(t, func() bool { return h.Clients() == 1 }, 2*time.Second, 5*time.Millisecond)

	h.Broadcast(&aec.DebugFrame{
		Cancelled:     []int16{1, -2},
		InputChannels: 1,
		StartMicros:   100,
		EndMicros:     150,
		Pairings:      []aec.PairingStatus{{Output: "spk", Input: "mic", State: aec.Degraded}},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var got aec.DebugFrame
	require.NoError(t, wsjson.Read(ctx, conn, &got))
	assert.Equal(t, []int16{1, -2}, got.Cancelled)
	assert.Equal(t, int64(150), got.EndMicros)
	require.Len(t, got.Pairings, 1)
	assert.Equal(t, aec.Degraded, got.Pairings[0].State)
}

func TestHubDecimates(t *testing.T) {
	h := NewHub(WithDecimation(3))
	conn := dialHub(t, h)
	require.Eventually(t, func() bool { return h.Clients() == 1 }, 2*time.Second, 5*time.Millisecond)

	for i := 0; i < 6; i++ {
		h.Broadcast(&aec.DebugFrame{StartMicros: int64(i)})
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, want := range []int64{0, 3} {
		var got aec.DebugFrame
		require.NoError(t, wsjson.Read(ctx, conn, &got))
		assert.Equal(t, want, got.StartMicros)
	}
}

func TestHubDropsForSlowClient(t *testing.T) {
	h := NewHub(WithClientBuffer(1))
	c := &client{frames: make(chan *aec.DebugFrame, 1)}
	h.add(c)

	h.Broadcast(&aec.DebugFrame{})
	h.Broadcast(&aec.DebugFrame{})
	h.Broadcast(&aec.DebugFrame{})
	assert.Equal(t, uint64(2), h.Dropped())

	h.remove(c)
	assert.Equal(t, 0, h.Clients())
}

func TestHubForgetsDisconnectedClient(t *testing.T) {
	h := NewHub()
	conn := dialHub(t, h)
	require.Eventually(t, func() bool { return h.Clients() == 1 }, 2*time.Second, 5*time.Millisecond)

	conn.Close(websocket.StatusNormalClosure, "bye")
	assert.Eventually(t, func() bool { return h.Clients() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestPairingStateRoundTripsAsText(t *testing.T) {
	var s aec.PairingState
	require.NoError(t, s.UnmarshalText([]byte("active")))
	assert.Equal(t, aec.Active, s)
	assert.Error(t, s.UnmarshalText([]byte("bogus")))
}
