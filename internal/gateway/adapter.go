package gateway

import "context"

// Adapter is the capability set every protocol variant implements.
// Implementations own their transport connections and per-device state;
// they never retry on transport failure and never update Command status.
type Adapter interface {
	// Protocol returns the protocol name this adapter is registered under.
	Protocol() string

	// Start brings the adapter's transport online. Safe to call when the
	// transport endpoint is unreachable; returns an error instead of crashing.
	Start(ctx context.Context) error

	// Stop takes the transport offline and drops all device sessions.
	Stop(ctx context.Context) error

	// ConnectDevice opens or records a per-device session from the addressing
	// fields in cfg. Fails without side effects on missing addressing.
	ConnectDevice(ctx context.Context, deviceID string, cfg DeviceConfig) error

	// DisconnectDevice tears down the device session. Disconnecting an
	// unknown device returns an error but has no other effect.
	DisconnectDevice(ctx context.Context, deviceID string) error

	// SendCommand serializes cmd into the wire format and transmits it over
	// the device's existing session. At-most-once; no internal retries.
	SendCommand(ctx context.Context, deviceID string, cmd *Command) error

	// HandleInbound parses raw protocol traffic into a NormalizedEvent.
	// Returns nil (not an error) for traffic that cannot be attributed to a
	// known device or parsed.
	HandleInbound(deviceID string, raw []byte) *NormalizedEvent

	// Status reports the adapter's health entry.
	Status() AdapterStatus

	// Connection returns the live session view for a device, if any.
	Connection(deviceID string) (DeviceConnection, bool)
}

// EventSink receives every NormalizedEvent an adapter produces.
// Publishing must never block the adapter's receive loop.
type EventSink interface {
	Publish(ev NormalizedEvent)
}

// NopSink discards events. Useful in tests and as a default.
type NopSink struct{}

func (NopSink) Publish(NormalizedEvent) {}
