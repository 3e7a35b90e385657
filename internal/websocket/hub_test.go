package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"dm-go/internal/config"
	"dm-go/internal/imtypes"
)

func startHub(t *testing.T) *Hub {
	t.Helper()
	h := NewHub()
	h.log = zap.NewNop()
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	t.Cleanup(cancel)
	return h
}

// bare registers a connection-less client so the hub's buffering can be observed.
func bare(h *Hub, userID uint, buf int) *Client {
	c := &Client{hub: h, send: make(chan []byte, buf), UserID: userID}
	h.Register(c)
	return c
}

func TestMulticastReachesEveryConnectionOfAUser(t *testing.T) {
	h := startHub(t)
	phone := bare(h, 1, 4)
	laptop := bare(h, 1, 4)
	other := bare(h, 2, 4)
	require.Eventually(t, func() bool { return h.ConnectionCount(1) == 2 }, time.Second, time.Millisecond)

	h.Multicast([]uint{1}, []byte("hello"))

	for _, c := range []*Client{phone, laptop} {
		select {
		case got := <-c.send:
			assert.Equal(t, "hello", string(got))
		case <-time.After(time.Second):
			t.Fatal("no delivery")
		}
	}
	assert.Empty(t, other.send)
}

func TestSlowConnectionIsDropped(t *testing.T) {
	h := startHub(t)
	slow := bare(h, 3, 1)
	require.Eventually(t, func() bool { return h.ConnectionCount(3) == 1 }, time.Second, time.Millisecond)

	h.Multicast([]uint{3}, []byte("a"))
	h.Multicast([]uint{3}, []byte("b"))

	require.Eventually(t, func() bool { return h.ConnectionCount(3) == 0 }, time.Second, time.Millisecond)
	assert.Equal(t, "a", string(<-slow.send))
	_, open := <-slow.send
	assert.False(t, open, "send channel is closed when the hub drops the connection")

	h.Unregister(slow) // already gone, must not double-close
}

func TestRunClosesConnectionsOnShutdown(t *testing.T) {
	h := NewHub()
	h.log = zap.NewNop()
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(stopped)
	}()
	c := bare(h, 1, 1)
	cancel()
	<-stopped

	_, open := <-c.send
	assert.False(t, open)
	assert.False(t, h.Register(&Client{UserID: 1, send: make(chan []byte)}))
	h.Multicast([]uint{1}, []byte("late")) // must not block
}

func TestClientPumps(t *testing.T) {
	h := startHub(t)
	cfg := config.WebSocketConfig{WriteWaitSeconds: 5, PongWaitSeconds: 60, PingPeriodSeconds: 54, MaxMessageSizeBytes: 4096, SendBufferSize: 8, InboundRPS: 100, InboundBurst: 10}
	upgrader := NewUpgrader(cfg)

	handler := func(_ context.Context, userID uint, frame imtypes.InboundFrame) *imtypes.Event {
		if frame.Type == imtypes.FramePing {
			evt, _ := imtypes.NewEvent(imtypes.EventPong, nil)
			return &evt
		}
		return nil
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if r.URL.Query().Get("reject") != "" {
			Reject(conn, CloseInvalidToken, "INVALID_TOKEN")
			return
		}
		ServeClient(h, conn, 9, cfg, handler)
	}))
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return h.ConnectionCount(9) == 1 }, time.Second, time.Millisecond)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var evt imtypes.Event
	require.NoError(t, conn.ReadJSON(&evt))
	assert.Equal(t, imtypes.EventPong, evt.Type)

	h.Multicast([]uint{9}, []byte(`{"type":"typing","payload":{"from":1,"isTyping":true}}`))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var typing imtypes.Event
	require.NoError(t, json.Unmarshal(raw, &typing))
	assert.Equal(t, imtypes.EventTyping, typing.Type)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	require.NoError(t, conn.ReadJSON(&evt))
	assert.Equal(t, imtypes.EventError, evt.Type)

	conn.Close()
	require.Eventually(t, func() bool { return h.ConnectionCount(9) == 0 }, 2*time.Second, 5*time.Millisecond)

	rejected, _, err := websocket.DefaultDialer.Dial(wsURL+"?reject=1", nil)
	require.NoError(t, err)
	defer rejected.Close()
	_, _, err = rejected.ReadMessage()
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, CloseInvalidToken, ce.Code)
	assert.Equal(t, "INVALID_TOKEN", ce.Text)
}
