package mqttclient

import (
	"sync/atomic"

	"github.com/racknoris/mqtt-client/states"
)

// Status is the connection record shared by every component of the client.
// State and the broker's handshake return code are packed into one word so a
// concurrent reader never observes a half-written pair. Only the connect
// sequencer (including its CONNACK handler) writes; everyone else reads.
type Status struct {
	v uint64
}

func packStatus(s states.ConnectionState, c states.ReturnCode) uint64 {
	return uint64(uint32(s))<<32 | uint64(c)
}

func NewStatus() *Status {
	s := &Status{}
	s.set(states.StateDisconnected, states.ReturnCodeNone)
	return s
}

func (s *Status) Snapshot() (states.ConnectionState, states.ReturnCode) {
	v := atomic.LoadUint64(&s.v)
	return states.ConnectionState(int32(v >> 32)), states.ReturnCode(v & 0xFF)
}

func (s *Status) State() states.ConnectionState {
	st, _ := s.Snapshot()
	return st
}

func (s *Status) ReturnCode() states.ReturnCode {
	_, rc := s.Snapshot()
	return rc
}

func (s *Status) set(st states.ConnectionState, rc states.ReturnCode) {
	atomic.StoreUint64(&s.v, packStatus(st, rc))
}

func (s *Status) transition(from, to states.ConnectionState, rc states.ReturnCode) bool {
	old := atomic.LoadUint64(&s.v)
	if states.ConnectionState(int32(old>>32)) != from {
		return false
	}
	return atomic.CompareAndSwapUint64(&s.v, old, packStatus(to, rc))
}

// SetConnecting starts a handshake attempt: state connecting, no return code.
func (s *Status) SetConnecting() {
	s.set(states.StateConnecting, states.ReturnCodeNone)
}

// SetConnected records an accepted handshake. Fails if a concurrent writer
// already moved the state away from connecting.
func (s *Status) SetConnected(rc states.ReturnCode) bool {
	return s.transition(states.StateConnecting, states.StateConnected, rc)
}

// SetReturnCode records a rejection code while the handshake attempt is still
// in flight; the state stays connecting so the retry loop keeps driving.
func (s *Status) SetReturnCode(rc states.ReturnCode) bool {
	return s.transition(states.StateConnecting, states.StateConnecting, rc)
}

func (s *Status) SetFaulted() {
	s.set(states.StateFaulted, s.ReturnCode())
}

func (s *Status) SetDisconnecting() bool {
	return s.transition(states.StateConnected, states.StateDisconnecting, s.ReturnCode())
}

func (s *Status) SetDisconnected() {
	s.set(states.StateDisconnected, s.ReturnCode())
}

// SetDisconnectedFromConnected is the transition taken when the transport
// drops underneath an established session.
func (s *Status) SetDisconnectedFromConnected() bool {
	return s.transition(states.StateConnected, states.StateDisconnected, s.ReturnCode())
}
