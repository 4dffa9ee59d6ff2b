package liveserver

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubBroadcast(t *testing.T) {
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	c1 := NewClient("c1")
	c2 := NewClient("c2")
	hub.Register(c1)
	hub.Register(c2)

	require.Eventually(t, func() bool { return hub.ClientCount() == 2 }, time.Second, 5*time.Millisecond)

	hub.Broadcast(Message{Type: TypeStateUpdate, Data: "hello"})

	for _, c := range []*Client{c1, c2} {
		select {
		case msg := <-c.Outbound():
			assert.Equal(t, TypeStateUpdate, msg.Type)
			assert.Equal(t, "hello", msg.Data)
		case <-time.After(time.Second):
			t.Fatal("client did not receive broadcast")
		}
	}
}

func TestSlowClientIsDropped(t *testing.T) {
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	slow := NewClient("slow")
	hub.Register(slow)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	// Saturate the client's buffer without draining it; the hub must not
	// block and must eventually unregister the client.
	for i := 0; i < 600; i++ {
		hub.Broadcast(Message{Type: TypeStateUpdate, Data: i})
	}

	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestClientCloseIdempotent(t *testing.T) {
	c := NewClient("x")
	c.Close()
	c.Close()
	assert.False(t, c.Send(Message{Type: TypeStateUpdate}))
}

func TestWebSocketEndToEnd(t *testing.T) {
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := NewServer(hub, nil, []string{"*"})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	srv.Broadcast(TypeStateUpdate, map[string]string{"bot_state": "RUNNING"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, TypeStateUpdate, msg.Type)

	data, ok := msg.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "RUNNING", data["bot_state"])
}

func TestOriginRejected(t *testing.T) {
	hub := NewHub(nil)
	srv := NewServer(hub, nil, []string{"https://dashboard.example.com"})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	header := map[string][]string{"Origin": {"https://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.Error(t, err)
	if resp != nil {
		resp.Body.Close()
		assert.Equal(t, 403, resp.StatusCode)
	}
}
