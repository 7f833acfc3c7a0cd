package mqttclient

import (
	"bufio"
	"context"
	"crypto/tls"
	"net"
	"sync"
	"time"

	"github.com/racknoris/mqtt-client/packets"
)

const dialTimeout = 15 * time.Second

// Transport moves control packets for one broker connection. The connect
// sequencer owns the instance; the keep-alive monitor only ever sees it
// through the client's send capability.
type Transport interface {
	// Connect dials the broker. Used for the first connection.
	Connect(ctx context.Context, address string) error
	// ConnectAuto re-dials after a connection loss. Best effort: the
	// sequencer swallows its errors and retries.
	ConnectAuto(ctx context.Context, address string) error
	ReadPacket(ctx context.Context) (packets.Packet, error)
	WritePacket(ctx context.Context, p packets.Packet) error
	Close() error
	// OnDisconnected registers a hook invoked when a read fails on an
	// established connection.
	OnDisconnected(fn func(error))
}

// newTransport allocates the transport variant the options select.
func newTransport(opts *Options) Transport {
	switch {
	case opts.UseWebSocket && opts.UseAlternateWebSocket:
		return newAltWSTransport(opts)
	case opts.UseWebSocket:
		return newWSTransport(opts)
	default:
		return newTCPTransport(opts)
	}
}

func tlsConfigFrom(opts *Options) *tls.Config {
	if !opts.UseTLS {
		return nil
	}
	return &tls.Config{
		ServerName:         opts.Host,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: opts.TLSInsecureSkipVerify,
	}
}

// tcpTransport is the plain TCP variant, with optional TLS layered on top.
type tcpTransport struct {
	tlsConfig *tls.Config

	mu      sync.RWMutex
	conn    net.Conn
	reader  *bufio.Reader
	writeMu sync.Mutex

	onDisconnected func(error)
}

func newTCPTransport(opts *Options) *tcpTransport {
	return &tcpTransport{tlsConfig: tlsConfigFrom(opts)}
}

func (t *tcpTransport) Connect(ctx context.Context, address string) error {
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return err
	}
	if t.tlsConfig != nil {
		tlsConn := tls.Client(conn, t.tlsConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return err
		}
		conn = tlsConn
	}

	t.mu.Lock()
	if t.conn != nil {
		t.conn.Close()
	}
	t.conn = conn
	t.reader = bufio.NewReader(conn)
	t.mu.Unlock()
	return nil
}

func (t *tcpTransport) ConnectAuto(ctx context.Context, address string) error {
	return t.Connect(ctx, address)
}

func (t *tcpTransport) ReadPacket(_ context.Context) (packets.Packet, error) {
	t.mu.RLock()
	r := t.reader
	t.mu.RUnlock()
	if r == nil {
		return nil, ErrTransportNil
	}
	p, err := packets.ReadPacket(r)
	if err != nil {
		t.notifyDisconnected(err)
		return nil, err
	}
	return p, nil
}

func (t *tcpTransport) WritePacket(ctx context.Context, p packets.Packet) error {
	t.mu.RLock()
	conn := t.conn
	t.mu.RUnlock()
	if conn == nil {
		return ErrTransportNil
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
		defer conn.SetWriteDeadline(time.Time{})
	}
	_, err := p.WriteTo(conn)
	return err
}

func (t *tcpTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	t.reader = nil
	return err
}

func (t *tcpTransport) OnDisconnected(fn func(error)) {
	t.mu.Lock()
	t.onDisconnected = fn
	t.mu.Unlock()
}

func (t *tcpTransport) notifyDisconnected(err error) {
	t.mu.RLock()
	fn := t.onDisconnected
	t.mu.RUnlock()
	if fn != nil {
		fn(err)
	}
}
