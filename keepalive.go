package mqttclient

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/racknoris/mqtt-client/packets"
	"github.com/racknoris/mqtt-client/states"
)

// Sender is the message-send capability the monitor transmits through. It is
// only expected to succeed while the connection status is connected.
type Sender interface {
	Send(p packets.Packet) error
}

// Monitor is the keep-alive subsystem for one connection: it owns a recurring
// heartbeat timer and a one-shot watchdog timer, sends PINGREQ when the
// connection is idle, answers broker PINGREQs, and tracks round-trip latency.
// A broker that stops answering is reported through the signal bus, never by
// a synchronous error; the owning client decides what to do about it.
//
// The heartbeat and the broker-ping answer share one non-reentrant guard
// because both transmit on the connection. A firing that finds the guard held
// is dropped, not queued.
type Monitor struct {
	logger  *slog.Logger
	sender  Sender
	signals SignalFirer
	status  *Status

	period         time.Duration
	watchdogPeriod time.Duration

	inCycle atomic.Bool

	statsMu        sync.Mutex
	lastPingSentAt time.Time
	cycles         int64
	lastLatencyMs  int64
	avgLatencyMs   int64

	heartbeat task
	watchdog  task

	// Optional hooks, invoked synchronously. Nil is fine.
	OnPingSent     func()
	OnPongReceived func()
}

// NewMonitor wires the monitor into the dispatch registry, arms the heartbeat
// for one period and returns it. watchdogPeriod zero disables the watchdog.
// The monitor reads status but never writes it.
func NewMonitor(sender Sender, reg Registrar, signals SignalFirer, status *Status, period, watchdogPeriod time.Duration, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Monitor{
		logger:         logger,
		sender:         sender,
		signals:        signals,
		status:         status,
		period:         period,
		watchdogPeriod: watchdogPeriod,
	}
	reg.OnReceive(packets.TypePingreq, m.handlePingreq)
	reg.OnReceive(packets.TypePingresp, m.handlePingresp)
	reg.OnAnySent(m.observeSent)
	m.heartbeat.Arm(m.period, m.heartbeatFire)
	return m
}

// heartbeatFire runs one heartbeat cycle. A fire that overlaps a running
// cycle (or a broker-ping answer) is a no-op.
func (m *Monitor) heartbeatFire() {
	if !m.inCycle.CompareAndSwap(false, true) {
		return
	}
	defer m.inCycle.Store(false)

	pinged := false
	if m.status.State() == states.StateConnected {
		if err := m.sender.Send(&packets.Pingreq{}); err != nil {
			m.logger.Error("keepalive: ping send failed", "error", err)
		} else {
			m.statsMu.Lock()
			m.lastPingSentAt = time.Now()
			m.statsMu.Unlock()
			pinged = true
			if m.OnPingSent != nil {
				m.OnPingSent()
			}
		}
	}

	m.heartbeat.Arm(m.period, m.heartbeatFire)

	// A pending watchdog stays untouched; it already covers an earlier ping.
	if m.watchdogPeriod > 0 && !m.watchdog.Armed() {
		if pinged {
			m.watchdog.Arm(m.watchdogPeriod, m.watchdogFire)
		} else {
			m.noMessageSent()
		}
	}
}

// handlePingreq answers a broker-initiated ping. It shares the heartbeat's
// critical section; if a cycle is running the request is dropped and the
// broker will ping again.
func (m *Monitor) handlePingreq(packets.Packet) bool {
	if !m.inCycle.CompareAndSwap(false, true) {
		return false
	}
	defer m.inCycle.Store(false)

	if err := m.sender.Send(&packets.Pingresp{}); err != nil {
		m.logger.Error("keepalive: pong send failed", "error", err)
		return false
	}
	return true
}

// handlePingresp closes the current ping/pong cycle: it records the round
// trip, folds it into the running mean and calls off the watchdog.
func (m *Monitor) handlePingresp(packets.Packet) bool {
	m.statsMu.Lock()
	m.lastLatencyMs = time.Since(m.lastPingSentAt).Milliseconds()
	m.cycles++
	m.avgLatencyMs += (m.lastLatencyMs - m.avgLatencyMs) / m.cycles
	m.statsMu.Unlock()

	if m.OnPongReceived != nil {
		m.OnPongReceived()
	}
	m.watchdog.Cancel()
	return true
}

// observeSent is the any-message-sent acknowledgement hook. Reserved
// extension point.
func (m *Monitor) observeSent(packets.Packet) bool {
	return true
}

// Stop cancels both timers and zeroes the cycle and latency counters. Safe to
// call on a monitor whose timers never armed, and safe to call twice.
func (m *Monitor) Stop() {
	m.heartbeat.Cancel()
	m.watchdog.Cancel()

	m.statsMu.Lock()
	m.lastPingSentAt = time.Time{}
	m.cycles = 0
	m.lastLatencyMs = 0
	m.avgLatencyMs = 0
	m.statsMu.Unlock()
}

// Reset prepares a stopped monitor for a new connection: counters zeroed,
// heartbeat armed for one period.
func (m *Monitor) Reset() {
	m.Stop()
	m.heartbeat.Arm(m.period, m.heartbeatFire)
}

// watchdogFire runs when a ping went unanswered for the whole watchdog
// period. It never touches the connection status itself.
func (m *Monitor) watchdogFire() {
	if m.status.State() != states.StateConnected {
		return
	}
	m.logger.Warn("keepalive: no ping response from broker")
	m.signals.Fire(SignalNoPingResponse)
}

// noMessageSent is the failure path for a heartbeat cycle that could not
// transmit at all.
func (m *Monitor) noMessageSent() {
	if m.status.State() != states.StateConnected {
		return
	}
	m.logger.Warn("keepalive: ping could not be sent")
	m.signals.Fire(SignalNoMessageSent)
}

// Stats returns completed ping/pong cycles and the latest and mean round-trip
// latencies. The mean is the incremental integer mean, recomputed as samples
// arrive, never from history.
func (m *Monitor) Stats() (cycles int64, last, avg time.Duration) {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	return m.cycles,
		time.Duration(m.lastLatencyMs) * time.Millisecond,
		time.Duration(m.avgLatencyMs) * time.Millisecond
}
