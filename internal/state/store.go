// Package state holds the bot's runtime state and fans change events out to
// observers. The engine is the only writer; observers get deep copies.
package state

import (
	"sync"

	"gridbot/internal/core"

	"github.com/shopspring/decimal"
)

// EventType identifies what changed.
type EventType string

const (
	EventStateChange     EventType = "state_change"
	EventLevelsUpdate    EventType = "levels_update"
	EventPnLUpdate       EventType = "pnl_update"
	EventInventoryUpdate EventType = "inventory_update"
	EventError           EventType = "error"
	EventReset           EventType = "reset"
)

// Event is one state-store change notification.
type Event struct {
	Type  EventType          `json:"type"`
	State *core.RuntimeState `json:"state"`
}

// Store is the single runtime-state holder. Subscribers receive every event
// on a buffered channel; slow subscribers drop events rather than block the
// engine.
type Store struct {
	mu    sync.RWMutex
	state *core.RuntimeState

	subMu  sync.Mutex
	subs   map[int]chan Event
	nextID int
}

// NewStore creates a store in the STOPPED state.
func NewStore() *Store {
	return &Store{
		state: core.NewRuntimeState(),
		subs:  make(map[int]chan Event),
	}
}

// Snapshot returns a deep copy of the current state.
func (s *Store) Snapshot() *core.RuntimeState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Clone()
}

// BotState returns the current lifecycle state.
func (s *Store) BotState() core.BotState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.BotState
}

// Subscribe registers an observer. The returned cancel func must be called
// to release the channel.
func (s *Store) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	s.subMu.Unlock()

	cancel := func() {
		s.subMu.Lock()
		if _, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(ch)
		}
		s.subMu.Unlock()
	}
	return ch, cancel
}

func (s *Store) publish(t EventType) {
	snapshot := s.Snapshot()

	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- Event{Type: t, State: snapshot}:
		default:
			// subscriber is behind, drop
		}
	}
}

// SetBotState transitions the lifecycle state and notifies.
func (s *Store) SetBotState(bs core.BotState) {
	s.mu.Lock()
	s.state.BotState = bs
	if bs != core.StateError {
		s.state.LastError = ""
	}
	s.mu.Unlock()
	s.publish(EventStateChange)
}

// SetError transitions to ERROR with a message.
func (s *Store) SetError(msg string) {
	s.mu.Lock()
	s.state.BotState = core.StateError
	s.state.LastError = msg
	s.mu.Unlock()
	s.publish(EventError)
}

// SetActiveLevels replaces the set of level indices holding an open order.
func (s *Store) SetActiveLevels(levels []int) {
	s.mu.Lock()
	s.state.ActiveLevels = append([]int(nil), levels...)
	s.mu.Unlock()
	s.publish(EventLevelsUpdate)
}

// SetPnL updates both PnL figures.
func (s *Store) SetPnL(realized, unrealized decimal.Decimal) {
	s.mu.Lock()
	s.state.PnLRealized = realized
	s.state.PnLUnrealized = unrealized
	s.mu.Unlock()
	s.publish(EventPnLUpdate)
}

// AddRealizedPnL accumulates the quote delta of observed fills.
func (s *Store) AddRealizedPnL(delta decimal.Decimal) {
	s.mu.Lock()
	s.state.PnLRealized = s.state.PnLRealized.Add(delta)
	s.mu.Unlock()
	s.publish(EventPnLUpdate)
}

// SetInventory replaces the per-asset inventory map.
func (s *Store) SetInventory(inv map[string]decimal.Decimal) {
	s.mu.Lock()
	s.state.Inventory = make(map[string]decimal.Decimal, len(inv))
	for k, v := range inv {
		s.state.Inventory[k] = v
	}
	s.mu.Unlock()
	s.publish(EventInventoryUpdate)
}

// Reset clears active levels and the last error. PnL and inventory survive;
// state history persists across starts.
func (s *Store) Reset(clearPositions bool) {
	s.mu.Lock()
	s.state.ActiveLevels = nil
	s.state.LastError = ""
	if clearPositions {
		s.state.Inventory = make(map[string]decimal.Decimal)
		s.state.PnLRealized = decimal.Zero
		s.state.PnLUnrealized = decimal.Zero
	}
	s.mu.Unlock()
	s.publish(EventReset)
}
