// Package events carries the structured notifications emitted by mutating
// operations. The core publishes them; it never consumes them. Log and
// Recorder are the stock subscribers used by the CLI and the HTTP server.
package events

import (
	"sync"
	"time"

	"github.com/danmuck/beaconctl/internal/identity"
	"github.com/rs/zerolog"
)

// Kind names one notification type.
type Kind string

const (
	KindInitialized          Kind = "initialized"
	KindValueChanged         Kind = "value_changed"
	KindOwnershipTransferred Kind = "ownership_transferred"
	KindMigrated             Kind = "migrated"
	KindUpgraded             Kind = "upgraded"
	KindBeaconOwnerChanged   Kind = "beacon_owner_changed"
)

// Event is one notification. Which fields are set depends on Kind:
//
//   - value_changed: Value
//   - ownership_transferred, beacon_owner_changed: Previous, Next
//   - initialized: Value, Next (owner)
//   - migrated: Value (history seed), Version
//   - upgraded: Previous, Next (implementation ids)
type Event struct {
	Kind           Kind             `json:"kind"`
	Emitter        identity.Address `json:"emitter"`
	Implementation identity.Address `json:"implementation,omitempty"`
	Value          uint64           `json:"value,omitempty"`
	Version        uint64           `json:"version,omitempty"`
	Previous       identity.Address `json:"previous,omitempty"`
	Next           identity.Address `json:"next,omitempty"`
	TimestampMS    uint64           `json:"timestamp_ms"`
}

// Handler receives published events synchronously.
type Handler func(Event)

// Bus fans events out to subscribers in subscription order.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]Handler
	order  []uint64
}

// NewBus returns a bus with no subscribers.
func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]Handler)}
}

// Subscribe registers h and returns a function that removes it.
func (b *Bus) Subscribe(h Handler) func() {
	if h == nil {
		return func() {}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs[id] = h
	b.order = append(b.order, id)
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
		for i, v := range b.order {
			if v == id {
				b.order = append(b.order[:i], b.order[i+1:]...)
				break
			}
		}
	}
}

// Publish delivers events to every current subscriber. A nil bus drops them.
func (b *Bus) Publish(evts ...Event) {
	if b == nil || len(evts) == 0 {
		return
	}
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.order))
	for _, id := range b.order {
		handlers = append(handlers, b.subs[id])
	}
	b.mu.RUnlock()

	now := uint64(time.Now().UnixMilli())
	for _, evt := range evts {
		if evt.TimestampMS == 0 {
			evt.TimestampMS = now
		}
		for _, h := range handlers {
			h(evt)
		}
	}
}

// Recorder is a subscriber that keeps the events it sees. The zero value
// keeps everything; NewRecorder bounds it to the most recent limit events.
type Recorder struct {
	mu     sync.Mutex
	limit  int
	events []Event
}

func NewRecorder(limit int) *Recorder {
	return &Recorder{limit: limit}
}

// Handle implements Handler.
func (r *Recorder) Handle(evt Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	if r.limit > 0 && len(r.events) > r.limit {
		r.events = append(r.events[:0], r.events[len(r.events)-r.limit:]...)
	}
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfKind returns recorded events of one kind.
func (r *Recorder) OfKind(kind Kind) []Event {
	out := make([]Event, 0)
	for _, evt := range r.Events() {
		if evt.Kind == kind {
			out = append(out, evt)
		}
	}
	return out
}

// Log returns a handler that writes each event to logger.
func Log(logger zerolog.Logger) Handler {
	return func(evt Event) {
		ev := logger.Info().
			Str("kind", string(evt.Kind)).
			Str("emitter", evt.Emitter.String())
		if !evt.Implementation.IsNull() {
			ev = ev.Str("implementation", evt.Implementation.String())
		}
		switch evt.Kind {
		case KindInitialized, KindValueChanged, KindMigrated:
			ev = ev.Uint64("value", evt.Value)
		}
		if evt.Version != 0 {
			ev = ev.Uint64("version", evt.Version)
		}
		if !evt.Previous.IsNull() {
			ev = ev.Str("previous", evt.Previous.String())
		}
		if !evt.Next.IsNull() {
			ev = ev.Str("next", evt.Next.String())
		}
		ev.Uint64("timestamp_ms", evt.TimestampMS).Msg("event")
	}
}
