package coap

import (
	"context"
	"fmt"
	"iot-gateway/internal/gateway"
	"iot-gateway/pkg/utils"
	"log/slog"
	"sync/atomic"
	"time"
)

// Protocol is the registry key for this adapter.
const Protocol = "coap"

const (
	heartbeatResource = "/heartbeat"
	discoveryResource = "/.well-known/core"
	fallbackResource  = "/command"
	fallbackMethod    = "POST"
)

// resourceSpec maps a command type onto a device resource and method.
type resourceSpec struct {
	Path   string
	Method string
}

// defaultResources is the resource map devices expose unless their config
// overrides it.
func defaultResources() map[string]resourceSpec {
	return map[string]resourceSpec{
		"control": {Path: "/actuator/control", Method: "POST"},
		"config":  {Path: "/config", Method: "PUT"},
		"upgrade": {Path: "/firmware/upgrade", Method: "POST"},
		"query":   {Path: "/sensor/query", Method: "GET"},
	}
}

// session is the per-device state: endpoint, resource set, open transport.
type session struct {
	conn      gateway.DeviceConnection
	endpoint  string
	resources map[string]resourceSpec
	tr        transport
}

// Adapter speaks CoAP over UDP: no central broker, one client session per
// device endpoint, every command a single confirmable request/response
// exchange with a bounded timeout.
type Adapter struct {
	l       *slog.Logger
	sink    gateway.EventSink
	dial    dialFunc
	timeout time.Duration

	devices *gateway.DeviceMap[session]

	started   atomic.Bool
	published atomic.Uint64
	received  atomic.Uint64
}

// New creates the CoAP adapter. timeout bounds every request/response
// exchange, probes included.
func New(l *slog.Logger, sink gateway.EventSink, timeout time.Duration) *Adapter {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return &Adapter{
		l:       l.With(slog.String("component", "coap-adapter")),
		sink:    sink,
		dial:    dialUDP,
		timeout: timeout,
		devices: gateway.NewDeviceMap[session](),
	}
}

func (a *Adapter) Protocol() string {
	return Protocol
}

// Start marks the adapter online. CoAP is client-initiated; there is no
// shared connection to open.
func (a *Adapter) Start(_ context.Context) error {
	a.started.Store(true)
	a.l.Info("CoAP adapter started")

	return nil
}

// Stop closes every device transport and drops all sessions.
func (a *Adapter) Stop(_ context.Context) error {
	if !a.started.Swap(false) {
		return nil
	}

	a.devices.Range(func(deviceID string, s session) bool {
		if s.tr != nil {
			utils.LogOnError(a.l, s.tr.Close, "failed to close CoAP transport for "+deviceID)
		}

		return true
	})

	dropped := a.devices.Clear()
	a.l.Info("CoAP adapter stopped", slog.Int("sessions_dropped", dropped))

	return nil
}

// ConnectDevice dials the device endpoint and verifies reachability by
// probing its heartbeat resource, falling back to CoRE discovery.
func (a *Adapter) ConnectDevice(ctx context.Context, deviceID string, cfg gateway.DeviceConfig) error {
	if !a.started.Load() {
		return fmt.Errorf("cannot connect device %s: %w", deviceID, gateway.ErrNotStarted)
	}

	endpoint := cfg.StringField("endpoint", "")
	if endpoint == "" {
		return gateway.NewConfigError(Protocol, "device %s: endpoint is required", deviceID)
	}

	resources := resourcesFromConfig(cfg)

	tr, err := a.dial(ctx, endpoint)
	if err != nil {
		return fmt.Errorf("device %s: %w", deviceID, err)
	}

	if err := a.probe(ctx, tr); err != nil {
		utils.LogOnError(a.l, tr.Close, "failed to close transport after failed probe")

		return fmt.Errorf("device %s unreachable at %s: %w", deviceID, endpoint, err)
	}

	// Supersede any previous session for this device.
	if old, ok := a.devices.Get(deviceID); ok && old.tr != nil {
		a.l.Info("superseding existing CoAP session", slog.String("device_id", deviceID))
		utils.LogOnError(a.l, old.tr.Close, "failed to close superseded transport")
	}

	now := time.Now()
	a.devices.Set(deviceID, session{
		endpoint:  endpoint,
		resources: resources,
		tr:        tr,
		conn: gateway.DeviceConnection{
			DeviceID:    deviceID,
			Protocol:    Protocol,
			Status:      gateway.ConnectionOnline,
			ConnectedAt: now,
			LastSeen:    now,
		},
	})

	a.l.Info("device connected via CoAP",
		slog.String("device_id", deviceID),
		slog.String("endpoint", endpoint),
	)

	return nil
}

// probe checks reachability: heartbeat first, CoRE discovery as fallback.
func (a *Adapter) probe(ctx context.Context, tr transport) error {
	probeCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	if _, err := tr.Request(probeCtx, "GET", heartbeatResource, nil); err == nil {
		return nil
	}

	discoverCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	if _, err := tr.Request(discoverCtx, "GET", discoveryResource, nil); err != nil {
		return fmt.Errorf("probe failed: %w", err)
	}

	return nil
}

// DisconnectDevice closes the transport and removes the session.
func (a *Adapter) DisconnectDevice(_ context.Context, deviceID string) error {
	sess, ok := a.devices.Get(deviceID)
	if !ok || !a.devices.Delete(deviceID) {
		return fmt.Errorf("device %s: %w", deviceID, gateway.ErrNoSession)
	}

	if sess.tr != nil {
		utils.LogOnError(a.l, sess.tr.Close, "failed to close CoAP transport for "+deviceID)
	}

	a.l.Info("device disconnected from CoAP", slog.String("device_id", deviceID))

	return nil
}

// SendCommand maps the command type onto a device resource and performs one
// request/response exchange. No response within the timeout is a send
// failure; retry policy belongs to the caller.
func (a *Adapter) SendCommand(ctx context.Context, deviceID string, cmd *gateway.Command) error {
	if !a.started.Load() {
		return fmt.Errorf("cannot send command to %s: %w", deviceID, gateway.ErrNotStarted)
	}

	sess, ok := a.devices.Get(deviceID)
	if !ok {
		return fmt.Errorf("device %s: %w", deviceID, gateway.ErrNoSession)
	}

	spec, ok := sess.resources[cmd.Type]
	if !ok {
		spec = resourceSpec{Path: fallbackResource, Method: fallbackMethod}
	}

	payload, err := utils.ToJSON(map[string]any{
		"command_id": cmd.ID,
		"type":       cmd.Type,
		"timestamp":  cmd.CreatedAt.UTC().Format(time.RFC3339),
		"data":       cmd.Data,
	})
	if err != nil {
		return fmt.Errorf("failed to serialize command %s: %w", cmd.ID, err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	body, err := sess.tr.Request(reqCtx, spec.Method, spec.Path, payload)
	if err != nil {
		return fmt.Errorf("command %s to device %s failed: %w", cmd.ID, deviceID, err)
	}

	a.published.Add(1)
	a.touch(deviceID)

	// The synchronous response doubles as the command acknowledgment.
	if len(body) > 0 {
		a.received.Add(1)

		if ev := a.normalizeResponse(deviceID, cmd.ID, body); ev != nil {
			a.sink.Publish(*ev)
		}
	}

	return nil
}

// normalizeResponse turns a command response body into a command_response event.
func (a *Adapter) normalizeResponse(deviceID, commandID string, raw []byte) *gateway.NormalizedEvent {
	payload, err := utils.FromJSON[map[string]any](raw)
	if err != nil {
		a.l.Warn("dropping unparseable CoAP response",
			slog.String("device_id", deviceID),
			utils.ErrAttr(err),
		)

		return nil
	}

	if _, ok := payload["command_id"]; !ok {
		payload["command_id"] = commandID
	}

	return &gateway.NormalizedEvent{
		DeviceID:  deviceID,
		Protocol:  Protocol,
		Timestamp: time.Now(),
		Type:      gateway.EventCommandResponse,
		Payload:   payload,
		Quality:   gateway.QualityGood,
		Raw:       raw,
	}
}

// HandleInbound normalizes unsolicited traffic from a known device, e.g. an
// observe notification. Unknown devices and parse failures yield nil.
func (a *Adapter) HandleInbound(deviceID string, raw []byte) *gateway.NormalizedEvent {
	if _, ok := a.devices.Get(deviceID); !ok {
		a.l.Debug("dropping message from unknown device", slog.String("device_id", deviceID))

		return nil
	}

	payload, err := utils.FromJSON[map[string]any](raw)
	if err != nil {
		a.l.Warn("dropping unparseable CoAP payload",
			slog.String("device_id", deviceID),
			utils.ErrAttr(err),
		)

		return nil
	}

	a.received.Add(1)
	a.touch(deviceID)

	return &gateway.NormalizedEvent{
		DeviceID:  deviceID,
		Protocol:  Protocol,
		Timestamp: time.Now(),
		Type:      gateway.EventTelemetry,
		Payload:   payload,
		Quality:   gateway.QualityGood,
		Raw:       raw,
	}
}

// Status reports the health entry for get_status.
func (a *Adapter) Status() gateway.AdapterStatus {
	return gateway.AdapterStatus{
		Protocol:          Protocol,
		Connected:         a.started.Load(),
		DeviceCount:       a.devices.Len(),
		MessagesPublished: a.published.Load(),
		MessagesReceived:  a.received.Load(),
	}
}

// Connection returns the live session view for a device.
func (a *Adapter) Connection(deviceID string) (gateway.DeviceConnection, bool) {
	sess, ok := a.devices.Get(deviceID)
	if !ok {
		return gateway.DeviceConnection{}, false
	}

	return sess.conn, true
}

func (a *Adapter) touch(deviceID string) {
	a.devices.Update(deviceID, func(s session) session {
		s.conn.LastSeen = time.Now()
		s.conn.Status = gateway.ConnectionOnline

		return s
	})
}

// resourcesFromConfig merges device-specific resource overrides over the
// defaults. Overrides are either "type": "/path" strings or
// "type": {"path": "/p", "method": "PUT"} maps.
func resourcesFromConfig(cfg gateway.DeviceConfig) map[string]resourceSpec {
	resources := defaultResources()

	for name, v := range cfg.MapField("resources") {
		switch spec := v.(type) {
		case string:
			method := fallbackMethod
			if existing, ok := resources[name]; ok {
				method = existing.Method
			}

			resources[name] = resourceSpec{Path: spec, Method: method}
		case map[string]any:
			path, _ := spec["path"].(string)
			if path == "" {
				continue
			}

			method, _ := spec["method"].(string)
			if method == "" {
				method = fallbackMethod
			}

			resources[name] = resourceSpec{Path: path, Method: method}
		}
	}

	return resources
}
