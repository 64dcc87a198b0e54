// Package events provides the typed in-process publish/subscribe bus that
// decouples the ledger coordinator from UI subscribers, plus a WebSocket hub
// that relays domain events to connected clients.
package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/consultahub/portal-client-go/internal/money"
)

// Type identifies a domain event.
type Type string

const (
	TypeBalanceRecharged Type = "balance-recharged"
	TypePlanPurchased    Type = "plan-purchased"
	TypeUserDataUpdated  Type = "user-data-updated"
	TypeBalanceUpdated   Type = "balance-updated"
)

// Event is the payload delivered to subscribers.
type Event struct {
	Type          Type        `json:"type"`
	UserID        string      `json:"userId"`
	Amount        money.Cents `json:"amount,omitempty"`
	PlanName      string      `json:"planName,omitempty"`
	ShouldAnimate bool        `json:"shouldAnimate,omitempty"`
	At            time.Time   `json:"at"`
}

const subscriberBuffer = 16

type subscriber struct {
	ch    chan Event
	types map[Type]bool // nil means all types
}

// Bus is a process-wide fan-out of domain events. Publish never blocks: a
// subscriber that cannot keep up loses events rather than stalling the
// ledger coordinator.
type Bus struct {
	mu   sync.RWMutex
	subs map[*subscriber]bool
	now  func() time.Time
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[*subscriber]bool),
		now:  time.Now,
	}
}

// Subscribe registers interest in the given event types (all types when none
// are given). The returned cancel function must be called to release the
// subscription; the channel is closed by cancel.
func (b *Bus) Subscribe(types ...Type) (<-chan Event, func()) {
	sub := &subscriber{ch: make(chan Event, subscriberBuffer)}
	if len(types) > 0 {
		sub.types = make(map[Type]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}

	b.mu.Lock()
	b.subs[sub] = true
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, sub)
			b.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// Publish delivers the event to every matching subscriber without blocking.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = b.now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs {
		if sub.types != nil && !sub.types[ev.Type] {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			log.Warn().
				Str("event", string(ev.Type)).
				Str("userId", ev.UserID).
				Msg("Event subscriber buffer full, dropping event")
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
