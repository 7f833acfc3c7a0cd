package mqttclient

import "errors"

// Domain errors. Check with errors.Is; connect rejections carry the broker
// return code in *ConnectError instead.
var (
	// ErrNotConnected is returned when sending on a client whose connection
	// is not established.
	ErrNotConnected = errors.New("mqtt: client not connected")

	// ErrTransportNil is returned when an operation needs a transport that
	// was never allocated.
	ErrTransportNil = errors.New("mqtt: transport is nil")

	// ErrMissingHost is returned by Options.Validate when no broker host is set.
	ErrMissingHost = errors.New("mqtt: broker host must be set")

	// ErrInvalidPort is returned by Options.Validate for ports outside 1..65535.
	ErrInvalidPort = errors.New("mqtt: broker port must be in 1..65535")

	// ErrInvalidKeepAlive is returned by Options.Validate when the keep-alive
	// period is not positive.
	ErrInvalidKeepAlive = errors.New("mqtt: keep-alive period must be positive")

	// ErrInvalidWatchdog is returned by Options.Validate when the
	// disconnect-on-no-response period is negative.
	ErrInvalidWatchdog = errors.New("mqtt: disconnect-on-no-response period must not be negative")

	// ErrInvalidAttempts is returned by Options.Validate when the connection
	// attempt bound is not positive.
	ErrInvalidAttempts = errors.New("mqtt: max connection attempts must be positive")

	// ErrInvalidRetryPeriod is returned by Options.Validate when the connect
	// retry period is not positive.
	ErrInvalidRetryPeriod = errors.New("mqtt: connect retry period must be positive")
)
