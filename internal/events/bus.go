package events

import "sync"

// UnitEvent announces a work unit reaching a terminal state.
type UnitEvent struct {
	ConversationID string
	Analysis       string
	Status         string
	Completed      int
	Total          int
}

// Bus provides simple in-process pub/sub for progress observers.
type Bus struct {
	mu   sync.RWMutex
	subs []chan UnitEvent
}

func NewBus() *Bus { return &Bus{} }

func (b *Bus) Subscribe() <-chan UnitEvent {
	ch := make(chan UnitEvent, 64)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, ch)
	return ch
}

// Publish never blocks; slow subscribers drop events.
func (b *Bus) Publish(ev UnitEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
