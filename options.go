package mqttclient

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

const (
	defaultKeepAliveSeconds      = 60
	defaultMaxConnectionAttempts = 3
	defaultConnectRetrySeconds   = 5
	defaultWebSocketPath         = "/mqtt"
)

// Options is the configuration surface consumed by the connection core.
type Options struct {
	// Broker endpoint.
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// Session identity. ClientID defaults to a uuid-suffixed name.
	ClientID     string `yaml:"client_id"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	CleanSession bool   `yaml:"clean_session"`

	// KeepAliveSeconds is the heartbeat interval. Must be positive.
	KeepAliveSeconds int `yaml:"keep_alive_seconds"`

	// DisconnectOnNoResponseSeconds is the watchdog grace period after a ping.
	// Zero disables the watchdog.
	DisconnectOnNoResponseSeconds int `yaml:"disconnect_on_no_response_seconds"`

	// MaxConnectionAttempts bounds the connect retry loop.
	MaxConnectionAttempts int `yaml:"max_connection_attempts"`

	// ConnectRetryPeriodSeconds is how long each attempt waits for the
	// broker's handshake acknowledgement before retrying.
	ConnectRetryPeriodSeconds int `yaml:"connect_retry_period_seconds"`

	// Transport selection.
	UseTLS                bool `yaml:"use_tls"`
	TLSInsecureSkipVerify bool `yaml:"tls_insecure_skip_verify"`
	UseWebSocket          bool `yaml:"use_websocket"`
	// UseAlternateWebSocket switches the WebSocket path to the gorilla
	// implementation. Only meaningful together with UseWebSocket.
	UseAlternateWebSocket bool `yaml:"use_alternate_websocket"`

	WebSocketPath      string            `yaml:"websocket_path"`
	WebSocketProtocols []string          `yaml:"websocket_protocols"`
	WebSocketHeaders   map[string]string `yaml:"websocket_headers"`
}

// LoadOptions reads a YAML options file, applies defaults and validates.
func LoadOptions(path string) (*Options, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read options file: %w", err)
	}
	opts := &Options{}
	if err := yaml.Unmarshal(raw, opts); err != nil {
		return nil, fmt.Errorf("parse options file: %w", err)
	}
	opts = opts.withDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return opts, nil
}

func (o *Options) withDefaults() *Options {
	out := *o
	if out.ClientID == "" {
		out.ClientID = "mqtt-client-" + uuid.NewString()
	}
	if out.KeepAliveSeconds == 0 {
		out.KeepAliveSeconds = defaultKeepAliveSeconds
	}
	if out.MaxConnectionAttempts == 0 {
		out.MaxConnectionAttempts = defaultMaxConnectionAttempts
	}
	if out.ConnectRetryPeriodSeconds == 0 {
		out.ConnectRetryPeriodSeconds = defaultConnectRetrySeconds
	}
	if out.WebSocketPath == "" {
		out.WebSocketPath = defaultWebSocketPath
	}
	return &out
}

func (o *Options) Validate() error {
	if o.Host == "" {
		return ErrMissingHost
	}
	if o.Port < 1 || o.Port > 65535 {
		return ErrInvalidPort
	}
	if o.KeepAliveSeconds <= 0 {
		return ErrInvalidKeepAlive
	}
	if o.DisconnectOnNoResponseSeconds < 0 {
		return ErrInvalidWatchdog
	}
	if o.MaxConnectionAttempts <= 0 {
		return ErrInvalidAttempts
	}
	if o.ConnectRetryPeriodSeconds <= 0 {
		return ErrInvalidRetryPeriod
	}
	return nil
}

// Address is the broker endpoint in host:port form.
func (o *Options) Address() string {
	return net.JoinHostPort(o.Host, strconv.Itoa(o.Port))
}

func (o *Options) keepAlivePeriod() time.Duration {
	return time.Duration(o.KeepAliveSeconds) * time.Second
}

func (o *Options) watchdogPeriod() time.Duration {
	return time.Duration(o.DisconnectOnNoResponseSeconds) * time.Second
}

func (o *Options) connectRetryPeriod() time.Duration {
	return time.Duration(o.ConnectRetryPeriodSeconds) * time.Second
}
