package gateway

import (
	"context"
	"errors"
	"testing"
)

func TestManager_InitializeIdempotent(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(testLogger())
	m := NewManager(testLogger(), registry, &fakeAdapter{protocol: "mqtt"}, nil, &fakeAdapter{protocol: "coap"})

	m.Initialize()
	m.Initialize()

	// nil candidates stand for absent transport dependencies and are skipped.
	if got := len(registry.Protocols()); got != 2 {
		t.Errorf("registered %d adapters, want 2", got)
	}
}

func TestManager_StartStopCounts(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(testLogger())
	m := NewManager(testLogger(), registry,
		&fakeAdapter{protocol: "mqtt"},
		&fakeAdapter{protocol: "coap"},
		&fakeAdapter{protocol: "amqp", startErr: errBrokerDown},
	)
	m.Initialize()

	results, started, failed := m.StartAll(context.Background())
	if started != 2 || failed != 1 {
		t.Errorf("StartAll() started=%d failed=%d, want 2, 1", started, failed)
	}

	if results["amqp"] {
		t.Error("failing adapter should report false in results")
	}

	_, stopped, stopFailed := m.StopAll(context.Background())
	if stopped != 3 || stopFailed != 0 {
		t.Errorf("StopAll() stopped=%d failed=%d, want 3, 0", stopped, stopFailed)
	}
}

func TestManager_RestartProtocol(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{protocol: "mqtt"}
	registry := NewRegistry(testLogger())
	m := NewManager(testLogger(), registry, adapter)
	m.Initialize()

	if err := m.RestartProtocol(context.Background(), "mqtt"); err != nil {
		t.Fatalf("RestartProtocol() error = %v", err)
	}

	if adapter.stops.Load() != 1 || adapter.starts.Load() != 1 {
		t.Errorf("restart should stop then start once, got stops=%d starts=%d",
			adapter.stops.Load(), adapter.starts.Load())
	}
}

func TestManager_RestartProtocol_StopFailureIsTolerated(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{protocol: "mqtt", stopErr: errBrokerDown}
	registry := NewRegistry(testLogger())
	m := NewManager(testLogger(), registry, adapter)
	m.Initialize()

	if err := m.RestartProtocol(context.Background(), "mqtt"); err != nil {
		t.Fatalf("RestartProtocol() should tolerate a stop failure, got %v", err)
	}

	if adapter.starts.Load() != 1 {
		t.Error("adapter should still be started after a failed stop")
	}
}

func TestManager_RestartProtocol_Errors(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(testLogger())
	m := NewManager(testLogger(), registry, &fakeAdapter{protocol: "mqtt", startErr: errBrokerDown})
	m.Initialize()

	if err := m.RestartProtocol(context.Background(), "zigbee"); !errors.Is(err, ErrUnknownProtocol) {
		t.Errorf("RestartProtocol(zigbee) error = %v, want ErrUnknownProtocol", err)
	}

	if err := m.RestartProtocol(context.Background(), "mqtt"); !errors.Is(err, errBrokerDown) {
		t.Errorf("RestartProtocol(mqtt) error = %v, want wrapped start failure", err)
	}
}

func TestManager_ConnectDisconnectDevice(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{protocol: "coap"}
	registry := NewRegistry(testLogger())
	m := NewManager(testLogger(), registry, adapter)
	m.Initialize()

	meta := DeviceMetadata{DeviceID: "sensor-1", Protocol: "coap", Config: DeviceConfig{"endpoint": "10.0.0.1:5683"}}

	if err := m.ConnectDevice(context.Background(), meta); err != nil {
		t.Fatalf("ConnectDevice() error = %v", err)
	}

	if err := m.DisconnectDevice(context.Background(), meta); err != nil {
		t.Fatalf("DisconnectDevice() error = %v", err)
	}

	if adapter.connects.Load() != 1 || adapter.disconnects.Load() != 1 {
		t.Errorf("connects=%d disconnects=%d, want 1, 1", adapter.connects.Load(), adapter.disconnects.Load())
	}

	meta.Protocol = "zigbee"
	if err := m.ConnectDevice(context.Background(), meta); !errors.Is(err, ErrUnknownProtocol) {
		t.Errorf("ConnectDevice() with unknown protocol error = %v", err)
	}
}
