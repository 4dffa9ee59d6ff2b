// Package stream connects the state store to the websocket surface: every
// store event becomes one state_update frame.
package stream

import (
	"context"

	"gridbot/internal/core"
	"gridbot/internal/state"
	"gridbot/pkg/liveserver"
)

// Broadcaster is the slice of the live server the bridge needs.
type Broadcaster interface {
	Broadcast(msgType string, data interface{})
}

// Update is the payload of one state_update frame.
type Update struct {
	Event string             `json:"event"`
	State *core.RuntimeState `json:"state"`
}

// Bridge forwards state-store events to websocket clients.
type Bridge struct {
	store  *state.Store
	sink   Broadcaster
	logger core.Logger
}

// NewBridge wires a store to a broadcaster.
func NewBridge(store *state.Store, sink Broadcaster, logger core.Logger) *Bridge {
	return &Bridge{
		store:  store,
		sink:   sink,
		logger: logger.WithField("component", "stream"),
	}
}

// Run forwards events until ctx is cancelled. Blocking; run in a goroutine.
func (b *Bridge) Run(ctx context.Context) {
	events, cancel := b.store.Subscribe(64)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			b.sink.Broadcast(liveserver.TypeStateUpdate, Update{
				Event: string(ev.Type),
				State: ev.State,
			})
		}
	}
}
