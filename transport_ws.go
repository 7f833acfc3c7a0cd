package mqttclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	gws "github.com/gorilla/websocket"

	"github.com/racknoris/mqtt-client/packets"
)

// MQTT over WebSocket uses binary frames on the "mqtt" subprotocol.
const mqttSubprotocol = "mqtt"

type wsConfig struct {
	path      string
	protocols []string
	headers   map[string]string
	tlsConfig *tls.Config
}

func wsConfigFrom(opts *Options) wsConfig {
	return wsConfig{
		path:      opts.WebSocketPath,
		protocols: opts.WebSocketProtocols,
		headers:   opts.WebSocketHeaders,
		tlsConfig: tlsConfigFrom(opts),
	}
}

func (c wsConfig) url(address string) string {
	scheme := "ws"
	if c.tlsConfig != nil {
		scheme = "wss"
	}
	return scheme + "://" + address + c.path
}

func (c wsConfig) subprotocols() []string {
	return append([]string{mqttSubprotocol}, c.protocols...)
}

func (c wsConfig) header() http.Header {
	hdr := http.Header{}
	for k, v := range c.headers {
		hdr.Set(k, v)
	}
	return hdr
}

// wsTransport is the primary WebSocket variant.
type wsTransport struct {
	cfg wsConfig

	mu      sync.RWMutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	onDisconnected func(error)
}

func newWSTransport(opts *Options) *wsTransport {
	return &wsTransport{cfg: wsConfigFrom(opts)}
}

func (t *wsTransport) Connect(ctx context.Context, address string) error {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, t.cfg.url(address), &websocket.DialOptions{
		Subprotocols: t.cfg.subprotocols(),
		HTTPHeader:   t.cfg.header(),
		HTTPClient: &http.Client{
			Transport: &http.Transport{
				TLSClientConfig:       t.cfg.tlsConfig,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: 10 * time.Second,
			},
		},
	})
	if err != nil {
		return err
	}
	conn.SetReadLimit(-1)

	t.mu.Lock()
	if t.conn != nil {
		t.conn.Close(websocket.StatusNormalClosure, "replaced")
	}
	t.conn = conn
	t.mu.Unlock()
	return nil
}

func (t *wsTransport) ConnectAuto(ctx context.Context, address string) error {
	return t.Connect(ctx, address)
}

func (t *wsTransport) ReadPacket(ctx context.Context) (packets.Packet, error) {
	t.mu.RLock()
	conn := t.conn
	t.mu.RUnlock()
	if conn == nil {
		return nil, ErrTransportNil
	}
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.notifyDisconnected(err)
		return nil, err
	}
	return packets.ReadPacket(bytes.NewReader(data))
}

func (t *wsTransport) WritePacket(ctx context.Context, p packets.Packet) error {
	t.mu.RLock()
	conn := t.conn
	t.mu.RUnlock()
	if conn == nil {
		return ErrTransportNil
	}

	var buf bytes.Buffer
	if _, err := p.WriteTo(&buf); err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	writeCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageBinary, buf.Bytes())
}

func (t *wsTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close(websocket.StatusNormalClosure, "done")
	t.conn = nil
	return err
}

func (t *wsTransport) OnDisconnected(fn func(error)) {
	t.mu.Lock()
	t.onDisconnected = fn
	t.mu.Unlock()
}

func (t *wsTransport) notifyDisconnected(err error) {
	t.mu.RLock()
	fn := t.onDisconnected
	t.mu.RUnlock()
	if fn != nil {
		fn(err)
	}
}

// altWSTransport is the alternate WebSocket variant, built on gorilla.
type altWSTransport struct {
	cfg wsConfig

	mu      sync.RWMutex
	conn    *gws.Conn
	writeMu sync.Mutex

	onDisconnected func(error)
}

func newAltWSTransport(opts *Options) *altWSTransport {
	return &altWSTransport{cfg: wsConfigFrom(opts)}
}

func (t *altWSTransport) Connect(ctx context.Context, address string) error {
	d := gws.Dialer{
		HandshakeTimeout: dialTimeout,
		Subprotocols:     t.cfg.subprotocols(),
		TLSClientConfig:  t.cfg.tlsConfig,
	}
	conn, resp, err := d.DialContext(ctx, t.cfg.url(address), t.cfg.header())
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return err
	}

	t.mu.Lock()
	if t.conn != nil {
		t.conn.Close()
	}
	t.conn = conn
	t.mu.Unlock()
	return nil
}

func (t *altWSTransport) ConnectAuto(ctx context.Context, address string) error {
	return t.Connect(ctx, address)
}

func (t *altWSTransport) ReadPacket(_ context.Context) (packets.Packet, error) {
	t.mu.RLock()
	conn := t.conn
	t.mu.RUnlock()
	if conn == nil {
		return nil, ErrTransportNil
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.notifyDisconnected(err)
		return nil, err
	}
	return packets.ReadPacket(bytes.NewReader(data))
}

func (t *altWSTransport) WritePacket(ctx context.Context, p packets.Packet) error {
	t.mu.RLock()
	conn := t.conn
	t.mu.RUnlock()
	if conn == nil {
		return ErrTransportNil
	}

	var buf bytes.Buffer
	if _, err := p.WriteTo(&buf); err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
		defer conn.SetWriteDeadline(time.Time{})
	}
	return conn.WriteMessage(gws.BinaryMessage, buf.Bytes())
}

func (t *altWSTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}

func (t *altWSTransport) OnDisconnected(fn func(error)) {
	t.mu.Lock()
	t.onDisconnected = fn
	t.mu.Unlock()
}

func (t *altWSTransport) notifyDisconnected(err error) {
	t.mu.RLock()
	fn := t.onDisconnected
	t.mu.RUnlock()
	if fn != nil {
		fn(err)
	}
}
