package mqttclient

import (
	"sync"

	"github.com/dustinxie/lockfree"

	"github.com/racknoris/mqtt-client/packets"
)

// Handler reacts to a control packet. The returned bool is advisory; the
// dispatcher never retries on false.
type Handler func(packets.Packet) bool

// Registrar is the registration capability the keep-alive monitor consumes.
type Registrar interface {
	OnReceive(t packets.Type, h Handler)
	OnAnySent(h Handler)
}

// Dispatcher routes inbound packets to per-kind handlers and tells outbound
// observers about every packet the client sends.
type Dispatcher struct {
	handlers lockfree.HashMap

	sentMu sync.Mutex
	sent   []Handler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: lockfree.NewHashMap()}
}

// OnReceive registers h for packet kind t. One handler per kind; the last
// registration wins.
func (d *Dispatcher) OnReceive(t packets.Type, h Handler) {
	d.handlers.Set(t.String(), h)
}

// OnAnySent registers an observer invoked after every outbound packet.
func (d *Dispatcher) OnAnySent(h Handler) {
	d.sentMu.Lock()
	d.sent = append(d.sent, h)
	d.sentMu.Unlock()
}

// Dispatch hands p to its registered handler. Returns false when no handler
// is registered for the kind.
func (d *Dispatcher) Dispatch(p packets.Packet) bool {
	v, ok := d.handlers.Get(p.Type().String())
	if !ok {
		return false
	}
	return v.(Handler)(p)
}

// NotifySent invokes every outbound observer with p.
func (d *Dispatcher) NotifySent(p packets.Packet) {
	d.sentMu.Lock()
	observers := make([]Handler, len(d.sent))
	copy(observers, d.sent)
	d.sentMu.Unlock()

	for _, h := range observers {
		h(p)
	}
}
