package mqttclient

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/racknoris/mqtt-client/packets"
	"github.com/racknoris/mqtt-client/states"
)

// ConnectError is the terminal failure of an exhausted connect sequence. The
// return code separates a broker that never answered from one that rejected
// the handshake.
type ConnectError struct {
	ReturnCode states.ReturnCode
}

func (e *ConnectError) Error() string {
	if e.ReturnCode == states.ReturnCodeNone {
		return "mqtt: broker did not respond to the connect handshake"
	}
	return fmt.Sprintf("mqtt: broker rejected connection: %s (return code %d)",
		e.ReturnCode, uint8(e.ReturnCode))
}

// sequencer drives the synchronous connect/retry loop. It is the only writer
// of the shared Status and owns the transport for the lifetime of one
// connection attempt cycle.
type sequencer struct {
	opts   *Options
	status *Status
	logger *slog.Logger

	// allocate builds a fresh transport, wired with a disconnect hook.
	allocate func() Transport
	// readerStart spawns the inbound read loop for a freshly dialed
	// transport. Must tolerate being called more than once.
	readerStart func(Transport)

	// onFailedAttempt, when set, is invoked with the 1-based attempt count
	// after every unacknowledged attempt of a first connect, and a terminal
	// failure parks the status at faulted instead of raising ConnectError.
	onFailedAttempt func(attempt int)

	// retryPeriod overrides the options-derived handshake wait when nonzero.
	retryPeriod time.Duration

	trMu      sync.RWMutex
	transport Transport

	initialConnectDone bool
}

func (s *sequencer) retryWait() time.Duration {
	if s.retryPeriod > 0 {
		return s.retryPeriod
	}
	return s.opts.connectRetryPeriod()
}

func (s *sequencer) currentTransport() Transport {
	s.trMu.RLock()
	defer s.trMu.RUnlock()
	return s.transport
}

func (s *sequencer) setTransport(tr Transport) {
	s.trMu.Lock()
	s.transport = tr
	s.trMu.Unlock()
}

// run executes one connect sequence. auto marks an automatic-reconnect
// continuation: the existing transport is reused and redialed best-effort,
// dial failures are swallowed, and the failed-attempt callback stays quiet.
// A fresh sequence allocates a transport once and reuses it across retries;
// only the handshake is repeated.
func (s *sequencer) run(ctx context.Context, auto bool) (states.ConnectionState, error) {
	if !auto {
		s.setTransport(s.allocate())
	}
	tr := s.currentTransport()
	if tr == nil {
		return s.status.State(), ErrTransportNil
	}

	addr := s.opts.Address()
	attempt := 0
	for {
		s.status.SetConnecting()

		dialed := true
		if auto {
			if err := tr.ConnectAuto(ctx, addr); err != nil {
				s.logger.Debug("reconnect dial failed, retrying", "addr", addr, "error", err)
				dialed = false
			}
		} else if attempt == 0 {
			if err := tr.Connect(ctx, addr); err != nil {
				s.status.SetDisconnected()
				return s.status.State(), fmt.Errorf("transport connect to %s failed: %w", addr, err)
			}
		}

		if dialed {
			s.readerStart(tr)
			if err := s.writeConnect(ctx, tr); err != nil {
				if !auto {
					s.status.SetDisconnected()
					return s.status.State(), fmt.Errorf("connect handshake send failed: %w", err)
				}
				s.logger.Debug("handshake send failed, retrying", "error", err)
			}
		}

		// The CONNACK arrives asynchronously through the read loop and lands
		// in the status record; all this loop does is wait bounded.
		if !s.sleep(ctx, s.retryWait()) {
			return s.status.State(), ctx.Err()
		}

		attempt++
		if s.status.State() != states.StateConnected && !auto && s.onFailedAttempt != nil {
			s.onFailedAttempt(attempt)
		}
		if s.status.State() == states.StateConnected || attempt >= s.opts.MaxConnectionAttempts {
			break
		}
	}

	if st := s.status.State(); st != states.StateConnected && !auto {
		if s.onFailedAttempt == nil {
			_, rc := s.status.Snapshot()
			s.status.SetDisconnected()
			return s.status.State(), &ConnectError{ReturnCode: rc}
		}
		s.status.SetFaulted()
	}

	s.initialConnectDone = true
	return s.status.State(), nil
}

func (s *sequencer) writeConnect(ctx context.Context, tr Transport) error {
	return tr.WritePacket(ctx, &packets.Connect{
		ClientID:         s.opts.ClientID,
		Username:         s.opts.Username,
		Password:         s.opts.Password,
		CleanSession:     s.opts.CleanSession,
		KeepAliveSeconds: uint16(s.opts.KeepAliveSeconds),
	})
}

// sleep is the cancellable bounded wait between handshake attempts. Returns
// false when ctx was cancelled before the period elapsed.
func (s *sequencer) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
