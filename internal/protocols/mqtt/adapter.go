package mqtt

import (
	"context"
	"fmt"
	"iot-gateway/internal/gateway"
	"iot-gateway/pkg/utils"
	"log/slog"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// Protocol is the registry key for this adapter.
const Protocol = "mqtt"

const (
	qosAtLeastOnce byte = 1

	connectTimeout    = 5 * time.Second
	publishTimeout    = 5 * time.Second
	subscribeTimeout  = 5 * time.Second
	disconnectQuiesce = 250 // milliseconds, paho grace period
)

// Options configures the broker connection.
type Options struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
}

// session is the per-device state behind one DeviceConnection.
type session struct {
	conn        gateway.DeviceConnection
	topicPrefix string
}

// Adapter speaks MQTT: one shared client, wildcard subscriptions for all
// device traffic, JSON command publishes on device/{id}/command.
type Adapter struct {
	l      *slog.Logger
	opts   Options
	client paho.Client
	sink   gateway.EventSink

	devices *gateway.DeviceMap[session]

	started   atomic.Bool
	published atomic.Uint64
	received  atomic.Uint64

	connectedSince atomic.Int64 // unix seconds, 0 when disconnected
}

// New creates the MQTT adapter. The broker connection is opened by Start.
func New(l *slog.Logger, sink gateway.EventSink, opts Options) (*Adapter, error) {
	if opts.BrokerURL == "" {
		return nil, gateway.NewConfigError(Protocol, "broker URL is required")
	}

	if opts.ClientID == "" {
		return nil, gateway.NewConfigError(Protocol, "client ID is required")
	}

	a := &Adapter{
		l:       l.With(slog.String("component", "mqtt-adapter")),
		opts:    opts,
		sink:    sink,
		devices: gateway.NewDeviceMap[session](),
	}

	clientOpts := paho.NewClientOptions()
	clientOpts.AddBroker(opts.BrokerURL)
	clientOpts.SetClientID(opts.ClientID)

	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
	}

	if opts.Password != "" {
		clientOpts.SetPassword(opts.Password)
	}

	// Reconnect automatically after a drop, but fail the initial Start
	// quickly so start_all can report the adapter as failed.
	clientOpts.SetAutoReconnect(true)
	clientOpts.SetConnectTimeout(connectTimeout)
	clientOpts.SetMaxReconnectInterval(15 * time.Second)
	clientOpts.SetKeepAlive(30 * time.Second)

	clientOpts.SetOnConnectHandler(a.onConnect)
	clientOpts.SetConnectionLostHandler(a.onConnectionLost)
	clientOpts.SetReconnectingHandler(a.onReconnecting)

	a.client = paho.NewClient(clientOpts)

	return a, nil
}

func (a *Adapter) Protocol() string {
	return Protocol
}

// Start opens the broker connection and subscribes to all device topics.
func (a *Adapter) Start(ctx context.Context) error {
	if a.started.Load() {
		return nil
	}

	a.l.Info("connecting to MQTT broker", slog.String("broker", a.opts.BrokerURL))

	token := a.client.Connect()
	if err := waitToken(ctx, token, connectTimeout); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker %s: %w", a.opts.BrokerURL, err)
	}

	a.started.Store(true)
	a.l.Info("MQTT adapter started")

	return nil
}

// Stop disconnects from the broker and drops all device sessions.
func (a *Adapter) Stop(_ context.Context) error {
	if !a.started.Swap(false) {
		return nil
	}

	dropped := a.devices.Clear()
	a.client.Disconnect(disconnectQuiesce)
	a.connectedSince.Store(0)

	a.l.Info("MQTT adapter stopped", slog.Int("sessions_dropped", dropped))

	return nil
}

// ConnectDevice records a broker session for the device. MQTT needs no
// per-device handshake; the wildcard subscriptions already cover its topics.
func (a *Adapter) ConnectDevice(_ context.Context, deviceID string, cfg gateway.DeviceConfig) error {
	if !a.started.Load() {
		return fmt.Errorf("cannot connect device %s: %w", deviceID, gateway.ErrNotStarted)
	}

	now := time.Now()
	_, superseded := a.devices.Get(deviceID)

	a.devices.Set(deviceID, session{
		topicPrefix: cfg.StringField("topic_prefix", topicSegmentRoot),
		conn: gateway.DeviceConnection{
			DeviceID:    deviceID,
			Protocol:    Protocol,
			Status:      gateway.ConnectionOnline,
			ConnectedAt: now,
			LastSeen:    now,
		},
	})

	if superseded {
		a.l.Info("superseding existing MQTT session", slog.String("device_id", deviceID))
	} else {
		a.l.Info("device connected via MQTT", slog.String("device_id", deviceID))
	}

	return nil
}

// DisconnectDevice removes the device session. Unknown devices report an
// error but have no other effect.
func (a *Adapter) DisconnectDevice(_ context.Context, deviceID string) error {
	if !a.devices.Delete(deviceID) {
		return fmt.Errorf("device %s: %w", deviceID, gateway.ErrNoSession)
	}

	a.l.Info("device disconnected from MQTT", slog.String("device_id", deviceID))

	return nil
}

// SendCommand publishes the command as JSON on device/{id}/command at QoS 1.
func (a *Adapter) SendCommand(ctx context.Context, deviceID string, cmd *gateway.Command) error {
	if !a.started.Load() {
		return fmt.Errorf("cannot send command to %s: %w", deviceID, gateway.ErrNotStarted)
	}

	sess, ok := a.devices.Get(deviceID)
	if !ok {
		return fmt.Errorf("device %s: %w", deviceID, gateway.ErrNoSession)
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

	topic := commandTopic(sess.topicPrefix, deviceID)

	token := a.client.Publish(topic, qosAtLeastOnce, false, payload)
	if err := waitToken(ctx, token, publishTimeout); err != nil {
		return fmt.Errorf("failed to publish command %s to %s: %w", cmd.ID, topic, err)
	}

	a.published.Add(1)
	a.l.Debug("command published",
		slog.String("device_id", deviceID),
		slog.String("command_id", cmd.ID),
		slog.String("topic", topic),
	)

	return nil
}

// HandleInbound normalizes a generic data message from a known device.
// The payload may carry a "type" field naming the event type; anything else
// is treated as telemetry. Returns nil for unknown devices and parse failures.
func (a *Adapter) HandleInbound(deviceID string, raw []byte) *gateway.NormalizedEvent {
	if _, ok := a.devices.Get(deviceID); !ok {
		a.l.Debug("dropping message from unknown device", slog.String("device_id", deviceID))

		return nil
	}

	payload, err := utils.FromJSON[map[string]any](raw)
	if err != nil {
		a.l.Warn("dropping unparseable MQTT payload",
			slog.String("device_id", deviceID),
			utils.ErrAttr(err),
		)

		return nil
	}

	evType := gateway.EventTelemetry

	if t, ok := payload["type"].(string); ok {
		for _, known := range gateway.EventTypes() {
			if gateway.EventType(t) == known {
				evType = known

				break
			}
		}
	}

	a.touch(deviceID)

	return &gateway.NormalizedEvent{
		DeviceID:  deviceID,
		Protocol:  Protocol,
		Timestamp: time.Now(),
		Type:      evType,
		Payload:   payload,
		Quality:   gateway.QualityGood,
		Raw:       raw,
	}
}

// Status reports the health entry for get_status.
func (a *Adapter) Status() gateway.AdapterStatus {
	return gateway.AdapterStatus{
		Protocol:          Protocol,
		Connected:         a.started.Load() && a.client.IsConnectionOpen(),
		DeviceCount:       a.devices.Len(),
		BrokerAddress:     a.opts.BrokerURL,
		MessagesPublished: a.published.Load(),
		MessagesReceived:  a.received.Load(),
	}
}

// ConnectedSince returns when the current broker connection was established.
func (a *Adapter) ConnectedSince() (time.Time, bool) {
	ts := a.connectedSince.Load()
	if ts == 0 {
		return time.Time{}, false
	}

	return time.Unix(ts, 0), true
}

// Connection returns the live session view for a device.
func (a *Adapter) Connection(deviceID string) (gateway.DeviceConnection, bool) {
	sess, ok := a.devices.Get(deviceID)
	if !ok {
		return gateway.DeviceConnection{}, false
	}

	return sess.conn, true
}

// onConnect runs on every successful connect or reconnect and restores all
// wildcard subscriptions.
func (a *Adapter) onConnect(client paho.Client) {
	a.connectedSince.Store(time.Now().Unix())
	a.l.Info("connected to MQTT broker, subscribing to device topics")

	for _, pattern := range subscriptionPatterns() {
		token := client.Subscribe(pattern, qosAtLeastOnce, a.onMessage)
		if !token.WaitTimeout(subscribeTimeout) {
			a.l.Error("subscribe timed out", slog.String("topic", pattern))

			continue
		}

		if err := token.Error(); err != nil {
			a.l.Error("failed to subscribe", slog.String("topic", pattern), utils.ErrAttr(err))

			continue
		}

		a.l.Debug("subscribed", slog.String("topic", pattern))
	}
}

func (a *Adapter) onConnectionLost(_ paho.Client, err error) {
	a.connectedSince.Store(0)
	a.l.Warn("connection to MQTT broker lost", utils.ErrAttr(err))
}

func (a *Adapter) onReconnecting(_ paho.Client, _ *paho.ClientOptions) {
	a.l.Info("reconnecting to MQTT broker")
}

// onMessage dispatches inbound traffic by message kind. Parse failures are
// logged and dropped; the receive loop never dies on bad input.
func (a *Adapter) onMessage(_ paho.Client, msg paho.Message) {
	a.received.Add(1)

	deviceID, kind, err := parseTopic(msg.Topic())
	if err != nil {
		a.l.Warn("dropping message on unparseable topic", slog.String("topic", msg.Topic()), utils.ErrAttr(err))

		return
	}

	switch kind {
	case kindData:
		if ev := a.HandleInbound(deviceID, msg.Payload()); ev != nil {
			a.sink.Publish(*ev)
		}
	case kindStatus:
		a.handleStatus(deviceID, msg.Payload())
	case kindHeartbeat:
		a.handleHeartbeat(deviceID, msg.Payload())
	case kindCommandResponse:
		a.handleEnvelope(deviceID, gateway.EventCommandResponse, msg.Payload())
	case kindFirmwareStatus:
		a.handleEnvelope(deviceID, gateway.EventFirmwareStatus, msg.Payload())
	default:
		a.l.Warn("dropping message of unknown kind",
			slog.String("device_id", deviceID),
			slog.String("kind", kind),
		)
	}
}

// handleStatus tracks online/offline announcements and republishes them as
// status events.
func (a *Adapter) handleStatus(deviceID string, raw []byte) {
	payload, err := utils.FromJSON[map[string]any](raw)
	if err != nil {
		a.l.Warn("dropping unparseable status payload", slog.String("device_id", deviceID), utils.ErrAttr(err))

		return
	}

	status := gateway.ConnectionOnline
	if s, ok := payload["status"].(string); ok && s == "offline" {
		status = gateway.ConnectionOffline
	}

	known := a.devices.Update(deviceID, func(s session) session {
		s.conn.Status = status
		s.conn.LastSeen = time.Now()

		return s
	})
	if !known {
		a.l.Debug("status from unknown device", slog.String("device_id", deviceID))

		return
	}

	a.sink.Publish(gateway.NormalizedEvent{
		DeviceID:  deviceID,
		Protocol:  Protocol,
		Timestamp: time.Now(),
		Type:      gateway.EventStatus,
		Payload:   payload,
		Quality:   gateway.QualityGood,
		Raw:       raw,
	})
}

// handleHeartbeat refreshes last-seen and emits a heartbeat event.
// Heartbeats never become telemetry.
func (a *Adapter) handleHeartbeat(deviceID string, raw []byte) {
	if !a.touch(deviceID) {
		a.l.Debug("heartbeat from unknown device", slog.String("device_id", deviceID))

		return
	}

	payload, err := utils.FromJSON[map[string]any](raw)
	if err != nil {
		// A bare heartbeat with no JSON body is still a valid liveness signal.
		payload = nil
	}

	a.sink.Publish(gateway.NormalizedEvent{
		DeviceID:  deviceID,
		Protocol:  Protocol,
		Timestamp: time.Now(),
		Type:      gateway.EventHeartbeat,
		Payload:   payload,
		Quality:   gateway.QualityGood,
		Raw:       raw,
	})
}

// handleEnvelope normalizes command-response and firmware-status messages.
func (a *Adapter) handleEnvelope(deviceID string, evType gateway.EventType, raw []byte) {
	payload, err := utils.FromJSON[map[string]any](raw)
	if err != nil {
		a.l.Warn("dropping unparseable payload",
			slog.String("device_id", deviceID),
			slog.String("type", string(evType)),
			utils.ErrAttr(err),
		)

		return
	}

	a.touch(deviceID)

	a.sink.Publish(gateway.NormalizedEvent{
		DeviceID:  deviceID,
		Protocol:  Protocol,
		Timestamp: time.Now(),
		Type:      evType,
		Payload:   payload,
		Quality:   gateway.QualityGood,
		Raw:       raw,
	})
}

// touch refreshes last-seen and marks the device online.
func (a *Adapter) touch(deviceID string) bool {
	return a.devices.Update(deviceID, func(s session) session {
		s.conn.LastSeen = time.Now()
		s.conn.Status = gateway.ConnectionOnline

		return s
	})
}

// waitToken waits for a paho token honoring both the context and a timeout.
func waitToken(ctx context.Context, token paho.Token, timeout time.Duration) error {
	select {
	case <-token.Done():
	case <-time.After(timeout):
		return fmt.Errorf("operation timed out after %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}

	return token.Error()
}
