package gateway

import (
	"time"
)

// ConnectionStatus is the lifecycle state of a per-device session.
type ConnectionStatus string

const (
	ConnectionConnecting ConnectionStatus = "connecting"
	ConnectionOnline     ConnectionStatus = "online"
	ConnectionOffline    ConnectionStatus = "offline"
	ConnectionFailed     ConnectionStatus = "failed"
)

// DeviceConnection is the transport-agnostic view of one live (device, protocol) session.
// At most one exists per pair; reconnecting supersedes the previous one.
type DeviceConnection struct {
	DeviceID    string           `json:"device_id"`
	Protocol    string           `json:"protocol"`
	Status      ConnectionStatus `json:"status"`
	ConnectedAt time.Time        `json:"connected_at"`
	LastSeen    time.Time        `json:"last_seen"`
}

// CommandStatus is the lifecycle state of an outbound Command.
type CommandStatus string

const (
	CommandPending      CommandStatus = "pending"
	CommandSent         CommandStatus = "sent"
	CommandAcknowledged CommandStatus = "acknowledged"
	CommandFailed       CommandStatus = "failed"
)

// rank orders statuses so that transitions are monotonic:
// pending < sent < {acknowledged, failed}.
func (s CommandStatus) rank() int {
	switch s {
	case CommandPending:
		return 0
	case CommandSent:
		return 1
	case CommandAcknowledged, CommandFailed:
		return 2
	default:
		return -1
	}
}

// CanTransition reports whether a transition from s to next is allowed.
// Statuses never move backwards and terminal statuses never change.
func (s CommandStatus) CanTransition(next CommandStatus) bool {
	from, to := s.rank(), next.rank()
	if from < 0 || to < 0 {
		return false
	}

	if from == 2 {
		return false
	}

	return to > from
}

// Command is one outbound instruction to a device, independent of transport.
type Command struct {
	ID             string         `json:"command_id"`
	DeviceID       string         `json:"device_id"`
	Type           string         `json:"type"`
	Data           map[string]any `json:"data,omitempty"`
	Status         CommandStatus  `json:"status"`
	CreatedAt      time.Time      `json:"created_at"`
	SentAt         *time.Time     `json:"sent_at,omitempty"`
	AcknowledgedAt *time.Time     `json:"acknowledged_at,omitempty"`
	Response       map[string]any `json:"response,omitempty"`
	Error          string         `json:"error,omitempty"`
}

// EventType classifies inbound device traffic.
type EventType string

const (
	EventTelemetry       EventType = "telemetry"
	EventStatus          EventType = "status"
	EventHeartbeat       EventType = "heartbeat"
	EventCommandResponse EventType = "command_response"
	EventFirmwareStatus  EventType = "firmware_status"
)

// EventTypes returns all known event types.
func EventTypes() []EventType {
	return []EventType{
		EventTelemetry,
		EventStatus,
		EventHeartbeat,
		EventCommandResponse,
		EventFirmwareStatus,
	}
}

// Quality indicates how trustworthy the parsed payload is.
type Quality string

const (
	QualityGood      Quality = "good"
	QualityBad       Quality = "bad"
	QualityUncertain Quality = "uncertain"
)

// NormalizedEvent is the protocol-agnostic representation of one piece of
// inbound device traffic. Immutable once created.
type NormalizedEvent struct {
	DeviceID  string         `json:"device_id"`
	Protocol  string         `json:"protocol"`
	Timestamp time.Time      `json:"timestamp"`
	Type      EventType      `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Quality   Quality        `json:"quality"`
	Raw       []byte         `json:"-"`
}

// DeviceConfig carries the protocol-specific addressing fields for one device,
// as supplied by the device-management collaborator.
type DeviceConfig map[string]any

// StringField returns the string value for key, or fallback when absent or not a string.
func (c DeviceConfig) StringField(key, fallback string) string {
	if v, ok := c[key].(string); ok && v != "" {
		return v
	}

	return fallback
}

// MapField returns the nested map for key, or nil when absent.
func (c DeviceConfig) MapField(key string) map[string]any {
	if v, ok := c[key].(map[string]any); ok {
		return v
	}

	return nil
}

// DeviceMetadata is the routing record for one device: which protocol carries
// its traffic and how to address it there.
type DeviceMetadata struct {
	DeviceID string       `json:"device_id"`
	Protocol string       `json:"protocol"`
	Config   DeviceConfig `json:"config,omitempty"`
}

// AdapterStatus is one entry of the health/introspection surface.
type AdapterStatus struct {
	Protocol          string `json:"protocol"`
	Connected         bool   `json:"connected"`
	DeviceCount       int    `json:"device_count"`
	BrokerAddress     string `json:"broker_address,omitempty"`
	MessagesPublished uint64 `json:"messages_published"`
	MessagesReceived  uint64 `json:"messages_received"`
}
