package mqttclient

import "sync"

// Signal names published by the keep-alive monitor. The owning client decides
// whether a signal means teardown or another connect attempt.
type Signal string

const (
	SignalNoPingResponse Signal = "disconnect:no-ping-response"
	SignalNoMessageSent  Signal = "disconnect:no-message-sent"
)

// SignalFirer is the publish half of the event bus as consumed by the core.
type SignalFirer interface {
	Fire(Signal)
}

// Bus is a per-client publish/subscribe channel for lifecycle signals.
// Fire never blocks: a subscriber that has not drained its channel misses the
// signal, the same way the disconnect notification channel behaves.
type Bus struct {
	mu   sync.RWMutex
	subs map[Signal][]chan Signal
}

func NewBus() *Bus {
	return &Bus{subs: make(map[Signal][]chan Signal)}
}

func (b *Bus) Subscribe(sig Signal) <-chan Signal {
	ch := make(chan Signal, 1)
	b.mu.Lock()
	b.subs[sig] = append(b.subs[sig], ch)
	b.mu.Unlock()
	return ch
}

func (b *Bus) Fire(sig Signal) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[sig] {
		select {
		case ch <- sig:
		default:
		}
	}
}
