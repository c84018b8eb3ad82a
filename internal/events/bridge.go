package events

import (
	"iot-gateway/internal/gateway"
	"log/slog"
	"sync"
	"sync/atomic"
)

const defaultBufferSize = 64

// ChannelStats are the counters for one named channel.
type ChannelStats struct {
	Published   uint64 `json:"published"`
	Dropped     uint64 `json:"dropped"`
	Subscribers int    `json:"subscribers"`
}

type channel struct {
	published atomic.Uint64
	dropped   atomic.Uint64

	mu          sync.RWMutex
	subscribers []chan gateway.NormalizedEvent
}

// Bridge fans every NormalizedEvent out to named channels keyed by event
// type, decoupling adapter ingestion speed from consumer processing speed.
// Publish is fire-and-forget: a slow subscriber loses events (with a log
// line), it never blocks an adapter's receive loop.
type Bridge struct {
	l          *slog.Logger
	bufferSize int
	channels   map[gateway.EventType]*channel

	closeOnce sync.Once
	closed    atomic.Bool
}

// NewBridge creates a Bridge with one named channel per known event type.
func NewBridge(l *slog.Logger, bufferSize int) *Bridge {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}

	channels := make(map[gateway.EventType]*channel, len(gateway.EventTypes()))
	for _, t := range gateway.EventTypes() {
		channels[t] = &channel{}
	}

	return &Bridge{
		l:          l.With(slog.String("component", "event-bridge")),
		bufferSize: bufferSize,
		channels:   channels,
	}
}

// Subscribe returns a buffered channel receiving every event of the given
// types. Events of one type arrive in publish order; no ordering holds
// across types. The channel is closed when the bridge closes.
func (b *Bridge) Subscribe(types ...gateway.EventType) <-chan gateway.NormalizedEvent {
	sub := make(chan gateway.NormalizedEvent, b.bufferSize)

	for _, t := range types {
		ch, ok := b.channels[t]
		if !ok {
			b.l.Warn("subscription to unknown event type ignored", slog.String("type", string(t)))

			continue
		}

		ch.mu.Lock()
		ch.subscribers = append(ch.subscribers, sub)
		ch.mu.Unlock()
	}

	return sub
}

// SubscribeAll returns a channel receiving events of every known type.
func (b *Bridge) SubscribeAll() <-chan gateway.NormalizedEvent {
	return b.Subscribe(gateway.EventTypes()...)
}

// Publish delivers ev to every subscriber of its type without blocking.
// Events for a full subscriber are dropped and counted; events of unknown
// type are dropped with a log line. Never fails the caller.
func (b *Bridge) Publish(ev gateway.NormalizedEvent) {
	if b.closed.Load() {
		return
	}

	ch, ok := b.channels[ev.Type]
	if !ok {
		b.l.Warn("dropping event of unknown type",
			slog.String("type", string(ev.Type)),
			slog.String("device_id", ev.DeviceID),
		)

		return
	}

	ch.published.Add(1)

	ch.mu.RLock()
	defer ch.mu.RUnlock()

	for _, sub := range ch.subscribers {
		select {
		case sub <- ev:
		default:
			ch.dropped.Add(1)
			b.l.Warn("subscriber full, dropping event",
				slog.String("type", string(ev.Type)),
				slog.String("device_id", ev.DeviceID),
			)
		}
	}
}

// Stats returns per-channel counters.
func (b *Bridge) Stats() map[gateway.EventType]ChannelStats {
	stats := make(map[gateway.EventType]ChannelStats, len(b.channels))

	for t, ch := range b.channels {
		ch.mu.RLock()
		subs := len(ch.subscribers)
		ch.mu.RUnlock()

		stats[t] = ChannelStats{
			Published:   ch.published.Load(),
			Dropped:     ch.dropped.Load(),
			Subscribers: subs,
		}
	}

	return stats
}

// Close closes all subscriber channels. Publish becomes a no-op.
func (b *Bridge) Close() {
	b.closeOnce.Do(func() {
		b.closed.Store(true)

		// Detach all subscribers first so no in-flight Publish can reach a
		// channel once it is closed. A subscriber may be registered under
		// several types; close each exactly once.
		seen := make(map[chan gateway.NormalizedEvent]struct{})

		for _, ch := range b.channels {
			ch.mu.Lock()
			for _, sub := range ch.subscribers {
				seen[sub] = struct{}{}
			}
			ch.subscribers = nil
			ch.mu.Unlock()
		}

		for sub := range seen {
			close(sub)
		}
	})
}
