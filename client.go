// Package mqttclient implements the connection-lifecycle and liveness core of
// an MQTT v3.1.1 client: establishing a broker connection, keeping it alive
// with pings, detecting an unresponsive broker, and driving bounded reconnect
// attempts. Topic routing, persistence and QoS retry live above this layer.
package mqttclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"log/slog"

	"github.com/coder/websocket"

	pp "github.com/wwnbb/pprint"

	"github.com/racknoris/mqtt-client/packets"
	"github.com/racknoris/mqtt-client/states"
)

// readRetryDelay spaces out read attempts while the connection is down and a
// connect sequence may be swapping in a fresh conn on the same transport.
const readRetryDelay = 20 * time.Millisecond

// Client owns one broker connection: the shared status record, the dispatch
// registry, the signal bus, the keep-alive monitor and the connect sequencer.
type Client struct {
	Logger *slog.Logger

	opts *Options

	parentCtx context.Context
	ctx       context.Context
	ctxCancel context.CancelFunc

	status     *Status
	dispatcher *Dispatcher
	bus        *Bus
	monitor    *Monitor
	seq        *sequencer

	// DisconnectSig gets a non-blocking nudge whenever an established
	// connection drops. The owner decides between teardown and Reconnect.
	DisconnectSig chan struct{}

	readWg       sync.WaitGroup
	readerActive atomic.Bool
}

// NewClient builds a client from opts (defaults applied, then validated).
func NewClient(opts *Options, parentCtx context.Context) (*Client, error) {
	if opts == nil {
		opts = &Options{}
	}
	opts = opts.withDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(parentCtx)
	c := &Client{
		Logger:        slog.Default(),
		opts:          opts,
		parentCtx:     parentCtx,
		ctx:           ctx,
		ctxCancel:     cancel,
		status:        NewStatus(),
		dispatcher:    NewDispatcher(),
		bus:           NewBus(),
		DisconnectSig: make(chan struct{}, 1),
	}
	c.dispatcher.OnReceive(packets.TypeConnack, c.handleConnack)
	c.monitor = NewMonitor(c, c.dispatcher, c.bus, c.status,
		opts.keepAlivePeriod(), opts.watchdogPeriod(), c.Logger)
	c.seq = &sequencer{
		opts:        opts,
		status:      c.status,
		logger:      c.Logger,
		allocate:    c.allocateTransport,
		readerStart: c.startReader,
	}
	return c, nil
}

func (c *Client) SetLogger(logger *slog.Logger) {
	c.Logger = logger
	c.seq.logger = logger
	c.monitor.logger = logger
}

func (c *Client) SetProductionLogger() {
	c.SetLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// OnFailedAttempt opts into soft failure handling: fn is called with each
// unacknowledged attempt count and an exhausted first connect parks the
// status at faulted instead of returning a ConnectError.
func (c *Client) OnFailedAttempt(fn func(attempt int)) {
	c.seq.onFailedAttempt = fn
}

func (c *Client) Status() *Status { return c.status }

func (c *Client) Signals() *Bus { return c.bus }

func (c *Client) KeepAlive() *Monitor { return c.monitor }

func (c *Client) Registry() *Dispatcher { return c.dispatcher }

// InitialConnectDone reports whether a first connect sequence has run to
// completion, successfully or not.
func (c *Client) InitialConnectDone() bool { return c.seq.initialConnectDone }

func (c *Client) allocateTransport() Transport {
	tr := newTransport(c.opts)
	tr.OnDisconnected(c.handleTransportDown)
	return tr
}

// Connect runs a fresh connect sequence: allocate a transport, dial, send the
// handshake, wait bounded for the CONNACK and retry up to the configured
// attempt limit. With no failed-attempt callback an exhausted sequence
// returns a *ConnectError; with one it returns nil and the status is faulted.
func (c *Client) Connect() error {
	c.Logger.Info("connecting to broker", "addr", c.opts.Address())
	st, err := c.seq.run(c.ctx, false)
	if err != nil {
		return err
	}
	if st == states.StateConnected {
		c.monitor.Reset()
	}
	return nil
}

// Reconnect is the automatic-reconnect continuation after a connection loss:
// the existing transport is redialed best-effort, dial errors are swallowed
// and the failed-attempt callback stays quiet. Returns the usual nil even
// when the broker stayed away; check Status afterwards.
func (c *Client) Reconnect() error {
	c.Logger.Info("reconnecting to broker", "addr", c.opts.Address())
	st, err := c.seq.run(c.ctx, true)
	if err != nil {
		return err
	}
	if st == states.StateConnected {
		c.monitor.Reset()
	}
	return nil
}

// Send transmits a control packet on the established connection and tells the
// outbound observers. Callers must be connected.
func (c *Client) Send(p packets.Packet) error {
	if st := c.status.State(); st != states.StateConnected {
		return fmt.Errorf("%w (state %s)", ErrNotConnected, st)
	}
	tr := c.seq.currentTransport()
	if tr == nil {
		return ErrTransportNil
	}
	if err := tr.WritePacket(c.ctx, p); err != nil {
		c.Logger.Error("failed to send packet", "type", p.Type().String(), "error", err)
		return fmt.Errorf("send %s: %w", p.Type(), err)
	}
	c.Logger.Debug("sent packet", "packet", pp.PrettyFormat(p.String()))
	c.dispatcher.NotifySent(p)
	return nil
}

// handleConnack is the status side channel the sequencer waits on: the broker
// acknowledgement lands here asynchronously via the read loop.
func (c *Client) handleConnack(p packets.Packet) bool {
	ack, ok := p.(*packets.Connack)
	if !ok {
		return false
	}
	rc := states.ReturnCode(ack.ReturnCode)
	if rc == states.ReturnCodeAccepted {
		if c.status.SetConnected(rc) {
			c.Logger.Info("broker accepted connection", "session_present", ack.SessionPresent)
			return true
		}
		return false
	}
	c.Logger.Error("broker rejected connection", "return_code", rc.String())
	c.status.SetReturnCode(rc)
	return false
}

// startReader spawns the inbound read loop. One loop per client; calling it
// again while a loop is running is a no-op.
func (c *Client) startReader(tr Transport) {
	if !c.readerActive.CompareAndSwap(false, true) {
		return
	}
	c.readWg.Add(1)
	go func() {
		defer c.readWg.Done()
		defer c.readerActive.Store(false)
		c.readPackets(tr)
	}()
}

func (c *Client) readPackets(tr Transport) {
	defer func() {
		if r := recover(); r != nil {
			c.Logger.Error("recovered from panic in read loop", "panic", r)
			c.transportDown()
		}
	}()

	c.Logger.Debug("read loop starting")
	defer c.Logger.Debug("read loop exiting")

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		p, err := tr.ReadPacket(c.ctx)
		if err != nil {
			c.handleReadError(err)
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(readRetryDelay):
			}
			continue
		}

		c.Logger.Debug("received packet", "packet", pp.PrettyFormat(p.String()))
		if !c.dispatcher.Dispatch(p) {
			c.Logger.Debug("no handler for packet", "type", p.Type().String())
		}
	}
}

func (c *Client) handleReadError(err error) {
	var closeErr websocket.CloseError
	if errors.As(err, &closeErr) {
		switch closeErr.Code {
		case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			c.Logger.Debug("connection closed normally", "code", closeErr.Code, "reason", closeErr.Reason)
		default:
			c.Logger.Error("connection closed with error", "code", closeErr.Code, "reason", closeErr.Reason)
		}
		c.transportDown()
		return
	}

	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		c.Logger.Debug("connection closed")
		c.transportDown()
		return
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		c.Logger.Debug("read context done")
		return
	}
	if errors.Is(err, ErrTransportNil) {
		return
	}

	c.Logger.Error("failed to read packet", "error", err, "conn_state", c.status.State().String())
	c.transportDown()
}

// handleTransportDown is the hook wired into every allocated transport.
func (c *Client) handleTransportDown(err error) {
	_ = err
	c.transportDown()
}

func (c *Client) transportDown() {
	if c.status.SetDisconnectedFromConnected() {
		c.Logger.Warn("connection to broker lost")
		c.notifyDisconnect()
	}
}

func (c *Client) notifyDisconnect() {
	select {
	case c.DisconnectSig <- struct{}{}:
	default:
	}
}

// Close shuts the client down: best-effort clean DISCONNECT, keep-alive
// stopped, contexts cancelled, transport closed. Terminal; build a new client
// to connect again.
func (c *Client) Close() error {
	c.Logger.Info("closing mqtt client")

	if c.status.SetDisconnecting() {
		if tr := c.seq.currentTransport(); tr != nil {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			if err := tr.WritePacket(ctx, &packets.Disconnect{}); err != nil {
				c.Logger.Debug("clean disconnect send failed", "error", err)
			}
			cancel()
		}
	}

	c.monitor.Stop()
	c.ctxCancel()

	var err error
	if tr := c.seq.currentTransport(); tr != nil {
		err = tr.Close()
	}
	c.status.SetDisconnected()
	c.readWg.Wait()
	return err
}
