package amqp

import (
	"context"
	"fmt"
	"iot-gateway/internal/gateway"
	"iot-gateway/pkg/utils"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Protocol is the registry key for this adapter.
const Protocol = "amqp"

// replyToQueue is where devices are asked to send command responses.
const replyToQueue = "device.response"

// channel is the subset of *amqp091.Channel the adapter uses, extracted so
// tests can fake the broker.
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Cancel(consumer string, noWait bool) error
	Close() error
}

// connection pairs a channel factory with connection lifecycle.
type connection interface {
	Channel() (channel, error)
	Close() error
	IsClosed() bool
}

// connector opens a broker connection from a URL.
type connector func(url string) (connection, error)

// dialAMQP is the production connector.
func dialAMQP(url string) (connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial AMQP broker: %w", err)
	}

	return &amqpConnection{conn: conn}, nil
}

type amqpConnection struct {
	conn *amqp.Connection
}

func (c *amqpConnection) Channel() (channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open AMQP channel: %w", err)
	}

	return ch, nil
}

func (c *amqpConnection) Close() error {
	return c.conn.Close()
}

func (c *amqpConnection) IsClosed() bool {
	return c.conn.IsClosed()
}

// Options configures the broker connection.
type Options struct {
	URL      string
	Exchange string
}

// session is the per-device state: its bound routing key and consumer.
type session struct {
	conn        gateway.DeviceConnection
	routingKey  string
	queueName   string
	consumerTag string
}

// Adapter speaks AMQP: one topic exchange, one exclusive queue per device
// bound to {routing-key}.*, manual acks with Nack-requeue on parse failure.
type Adapter struct {
	l    *slog.Logger
	sink gateway.EventSink
	opts Options

	connect connector
	conn    connection
	ch      channel

	devices *gateway.DeviceMap[session]

	started   atomic.Bool
	published atomic.Uint64
	received  atomic.Uint64
}

// New creates the AMQP adapter. The broker connection is opened by Start.
func New(l *slog.Logger, sink gateway.EventSink, opts Options) (*Adapter, error) {
	if opts.URL == "" {
		return nil, gateway.NewConfigError(Protocol, "broker URL is required")
	}

	if opts.Exchange == "" {
		opts.Exchange = "iot_devices"
	}

	return &Adapter{
		l:       l.With(slog.String("component", "amqp-adapter")),
		sink:    sink,
		opts:    opts,
		connect: dialAMQP,
		devices: gateway.NewDeviceMap[session](),
	}, nil
}

func (a *Adapter) Protocol() string {
	return Protocol
}

// Start opens the broker connection and declares the topic exchange.
func (a *Adapter) Start(_ context.Context) error {
	if a.started.Load() {
		return nil
	}

	conn, err := a.connect(a.opts.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to AMQP broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		utils.LogOnError(a.l, conn.Close, "failed to close connection after channel error")

		return err
	}

	if err := ch.ExchangeDeclare(a.opts.Exchange, "topic", true, false, false, false, nil); err != nil {
		utils.LogOnError(a.l, conn.Close, "failed to close connection after exchange error")

		return fmt.Errorf("failed to declare exchange %s: %w", a.opts.Exchange, err)
	}

	a.conn = conn
	a.ch = ch
	a.started.Store(true)

	a.l.Info("AMQP adapter started", slog.String("exchange", a.opts.Exchange))

	return nil
}

// Stop closes the broker connection, which ends all consumer loops, and
// drops all device sessions.
func (a *Adapter) Stop(_ context.Context) error {
	if !a.started.Swap(false) {
		return nil
	}

	dropped := a.devices.Clear()

	if a.conn != nil {
		utils.LogOnError(a.l, a.conn.Close, "failed to close AMQP connection")
	}

	a.l.Info("AMQP adapter stopped", slog.Int("sessions_dropped", dropped))

	return nil
}

// ConnectDevice binds an exclusive queue for the device's routing key and
// starts consuming it.
func (a *Adapter) ConnectDevice(_ context.Context, deviceID string, cfg gateway.DeviceConfig) error {
	if !a.started.Load() {
		return fmt.Errorf("cannot connect device %s: %w", deviceID, gateway.ErrNotStarted)
	}

	routingKey := cfg.StringField("routing_key", "device."+deviceID)
	consumerTag := "gateway-" + deviceID

	// Supersede a previous session before binding a new queue.
	if old, ok := a.devices.Get(deviceID); ok {
		a.l.Info("superseding existing AMQP session", slog.String("device_id", deviceID))
		utils.LogOnError(a.l, func() error { return a.ch.Cancel(old.consumerTag, false) },
			"failed to cancel superseded consumer")
	}

	q, err := a.ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("failed to declare queue for device %s: %w", deviceID, err)
	}

	bindPattern := routingKey + ".*"
	if err := a.ch.QueueBind(q.Name, bindPattern, a.opts.Exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %s to %s: %w", q.Name, bindPattern, err)
	}

	deliveries, err := a.ch.Consume(q.Name, consumerTag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume queue %s: %w", q.Name, err)
	}

	now := time.Now()
	a.devices.Set(deviceID, session{
		routingKey:  routingKey,
		queueName:   q.Name,
		consumerTag: consumerTag,
		conn: gateway.DeviceConnection{
			DeviceID:    deviceID,
			Protocol:    Protocol,
			Status:      gateway.ConnectionOnline,
			ConnectedAt: now,
			LastSeen:    now,
		},
	})

	go a.consume(deviceID, deliveries)

	a.l.Info("device connected via AMQP",
		slog.String("device_id", deviceID),
		slog.String("routing_key", routingKey),
		slog.String("queue", q.Name),
	)

	return nil
}

// DisconnectDevice cancels the device's consumer and removes the session.
func (a *Adapter) DisconnectDevice(_ context.Context, deviceID string) error {
	sess, ok := a.devices.Get(deviceID)
	if !ok || !a.devices.Delete(deviceID) {
		return fmt.Errorf("device %s: %w", deviceID, gateway.ErrNoSession)
	}

	if a.ch != nil {
		utils.LogOnError(a.l, func() error { return a.ch.Cancel(sess.consumerTag, false) },
			"failed to cancel consumer for "+deviceID)
	}

	a.l.Info("device disconnected from AMQP", slog.String("device_id", deviceID))

	return nil
}

// SendCommand publishes the command on {routing-key}.command.{type} with
// persistent delivery. An explicit "routing_key" entry in the command data
// overrides the derived key and is carried through unmodified.
func (a *Adapter) SendCommand(ctx context.Context, deviceID string, cmd *gateway.Command) error {
	if !a.started.Load() {
		return fmt.Errorf("cannot send command to %s: %w", deviceID, gateway.ErrNotStarted)
	}

	sess, ok := a.devices.Get(deviceID)
	if !ok {
		return fmt.Errorf("device %s: %w", deviceID, gateway.ErrNoSession)
	}

	key := sess.routingKey + ".command." + cmd.Type
	if explicit, ok := cmd.Data["routing_key"].(string); ok && explicit != "" {
		key = explicit
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

	pub := amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     cmd.ID,
		CorrelationId: cmd.ID,
		ReplyTo:       replyToQueue,
		Timestamp:     time.Now(),
		Body:          payload,
	}

	if err := a.ch.PublishWithContext(ctx, a.opts.Exchange, key, false, false, pub); err != nil {
		return fmt.Errorf("failed to publish command %s to %s: %w", cmd.ID, key, err)
	}

	a.published.Add(1)
	a.l.Debug("command published",
		slog.String("device_id", deviceID),
		slog.String("command_id", cmd.ID),
		slog.String("routing_key", key),
	)

	return nil
}

// consume is the per-device receive loop. It acknowledges a delivery only
// after a successful parse; malformed messages are Nack-requeued so the
// broker redelivers them instead of silently losing them. The loop exits
// when the consumer is cancelled or the connection closes.
func (a *Adapter) consume(deviceID string, deliveries <-chan amqp.Delivery) {
	for d := range deliveries {
		a.received.Add(1)

		ev := a.normalizeDelivery(deviceID, d)
		if ev == nil {
			if err := d.Nack(false, true); err != nil {
				a.l.Error("failed to nack delivery", slog.String("device_id", deviceID), utils.ErrAttr(err))
			}

			continue
		}

		a.sink.Publish(*ev)

		if err := d.Ack(false); err != nil {
			a.l.Error("failed to ack delivery", slog.String("device_id", deviceID), utils.ErrAttr(err))
		}
	}

	a.l.Debug("consumer loop ended", slog.String("device_id", deviceID))
}

// normalizeDelivery classifies a delivery by its routing-key suffix and
// parses the body. Returns nil when the body does not parse.
func (a *Adapter) normalizeDelivery(deviceID string, d amqp.Delivery) *gateway.NormalizedEvent {
	payload, err := utils.FromJSON[map[string]any](d.Body)
	if err != nil || payload == nil {
		a.l.Warn("unparseable AMQP message, requeueing",
			slog.String("device_id", deviceID),
			slog.String("routing_key", d.RoutingKey),
			utils.ErrAttr(err),
		)

		return nil
	}

	evType := eventTypeFromRoutingKey(d.RoutingKey)

	a.touch(deviceID)

	if evType == gateway.EventHeartbeat {
		// Liveness only; the last-seen update above is the point.
		a.l.Debug("heartbeat received", slog.String("device_id", deviceID))
	}

	return &gateway.NormalizedEvent{
		DeviceID:  deviceID,
		Protocol:  Protocol,
		Timestamp: time.Now(),
		Type:      evType,
		Payload:   payload,
		Quality:   gateway.QualityGood,
		Raw:       d.Body,
	}
}

// eventTypeFromRoutingKey maps the routing-key suffix (device.{id}.telemetry,
// device.{id}.heartbeat, ...) onto an event type, defaulting to telemetry.
func eventTypeFromRoutingKey(key string) gateway.EventType {
	idx := strings.LastIndex(key, ".")
	if idx < 0 || idx == len(key)-1 {
		return gateway.EventTelemetry
	}

	switch suffix := key[idx+1:]; suffix {
	case "status":
		return gateway.EventStatus
	case "heartbeat":
		return gateway.EventHeartbeat
	case "response":
		return gateway.EventCommandResponse
	case "firmware":
		return gateway.EventFirmwareStatus
	default:
		return gateway.EventTelemetry
	}
}

// HandleInbound normalizes a raw message from a known device. The payload
// may carry a "type" field; anything else is telemetry.
func (a *Adapter) HandleInbound(deviceID string, raw []byte) *gateway.NormalizedEvent {
	if _, ok := a.devices.Get(deviceID); !ok {
		a.l.Debug("dropping message from unknown device", slog.String("device_id", deviceID))

		return nil
	}

	payload, err := utils.FromJSON[map[string]any](raw)
	if err != nil {
		a.l.Warn("dropping unparseable AMQP payload",
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
	connected := a.started.Load() && a.conn != nil && !a.conn.IsClosed()

	return gateway.AdapterStatus{
		Protocol:          Protocol,
		Connected:         connected,
		DeviceCount:       a.devices.Len(),
		BrokerAddress:     a.opts.URL,
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
