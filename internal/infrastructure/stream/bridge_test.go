package stream

import (
	"context"
	"sync"
	"testing"
	"time"

	"gridbot/internal/core"
	"gridbot/internal/state"
	"gridbot/pkg/liveserver"
	"gridbot/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureSink struct {
	mu   sync.Mutex
	msgs []liveserver.Message
}

func (c *captureSink) Broadcast(msgType string, data interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, liveserver.Message{Type: msgType, Data: data})
}

func (c *captureSink) messages() []liveserver.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]liveserver.Message(nil), c.msgs...)
}

func TestBridgeForwardsEvents(t *testing.T) {
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)

	store := state.NewStore()
	sink := &captureSink{}
	bridge := NewBridge(store, sink, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bridge.Run(ctx)

	// Let the subscription land before publishing.
	time.Sleep(20 * time.Millisecond)

	store.SetBotState(core.StateRunning)
	store.SetActiveLevels([]int{0, 3})

	require.Eventually(t, func() bool {
		return len(sink.messages()) >= 2
	}, 2*time.Second, 10*time.Millisecond)

	msgs := sink.messages()
	assert.Equal(t, liveserver.TypeStateUpdate, msgs[0].Type)

	first, ok := msgs[0].Data.(Update)
	require.True(t, ok)
	assert.Equal(t, string(state.EventStateChange), first.Event)
	assert.Equal(t, core.StateRunning, first.State.BotState)

	second, ok := msgs[1].Data.(Update)
	require.True(t, ok)
	assert.Equal(t, string(state.EventLevelsUpdate), second.Event)
	assert.Equal(t, []int{0, 3}, second.State.ActiveLevels)
}

func TestBridgeStopsOnCancel(t *testing.T) {
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)

	store := state.NewStore()
	sink := &captureSink{}
	bridge := NewBridge(store, sink, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		bridge.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("bridge did not stop on cancel")
	}
}
