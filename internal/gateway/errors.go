package gateway

import (
	"errors"
	"fmt"
)

// Configuration errors are rejected immediately and never retried.
// Transport errors are plain wrapped errors; the caller owns retry policy.
var (
	// ErrUnknownProtocol means a device record names a protocol no adapter handles.
	ErrUnknownProtocol = errors.New("unknown protocol")

	// ErrNoSession means a command was sent to a device with no active connection.
	ErrNoSession = errors.New("no active session for device")

	// ErrNotStarted means the adapter's transport is not online.
	ErrNotStarted = errors.New("adapter not started")
)

// ConfigError marks invalid or missing device addressing. It is terminal:
// retrying without fixing the device record cannot succeed.
type ConfigError struct {
	Protocol string
	Reason   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s configuration error: %s", e.Protocol, e.Reason)
}

// NewConfigError creates a ConfigError for the given protocol.
func NewConfigError(protocol, format string, args ...any) *ConfigError {
	return &ConfigError{Protocol: protocol, Reason: fmt.Sprintf(format, args...)}
}

// IsConfigError reports whether err is terminal misconfiguration rather than
// a transient transport failure.
func IsConfigError(err error) bool {
	var ce *ConfigError

	return errors.As(err, &ce) || errors.Is(err, ErrUnknownProtocol)
}
