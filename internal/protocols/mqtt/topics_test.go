package mqtt

import "testing"

func TestParseTopic(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		topic        string
		wantDeviceID string
		wantKind     string
		wantErr      bool
	}{
		{name: "data", topic: "device/sensor-1/data", wantDeviceID: "sensor-1", wantKind: "data"},
		{name: "status", topic: "device/sensor-1/status", wantDeviceID: "sensor-1", wantKind: "status"},
		{name: "heartbeat", topic: "device/pump-7/heartbeat", wantDeviceID: "pump-7", wantKind: "heartbeat"},
		{name: "command response", topic: "device/sensor-1/command/response", wantDeviceID: "sensor-1", wantKind: "command/response"},
		{name: "firmware status", topic: "device/sensor-1/firmware/status", wantDeviceID: "sensor-1", wantKind: "firmware/status"},
		{name: "wrong root", topic: "sensor/sensor-1/data", wantErr: true},
		{name: "missing kind", topic: "device/sensor-1", wantErr: true},
		{name: "empty device id", topic: "device//data", wantErr: true},
		{name: "empty topic", topic: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			deviceID, kind, err := parseTopic(tt.topic)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parseTopic(%q) expected an error", tt.topic)
				}

				return
			}

			if err != nil {
				t.Fatalf("parseTopic(%q) error = %v", tt.topic, err)
			}

			if deviceID != tt.wantDeviceID || kind != tt.wantKind {
				t.Errorf("parseTopic(%q) = %q, %q, want %q, %q", tt.topic, deviceID, kind, tt.wantDeviceID, tt.wantKind)
			}
		})
	}
}

func TestCommandTopic(t *testing.T) {
	t.Parallel()

	if got := commandTopic("device", "sensor-1"); got != "device/sensor-1/command" {
		t.Errorf("commandTopic() = %q", got)
	}

	if got := commandTopic("plant-a/device", "pump-7"); got != "plant-a/device/pump-7/command" {
		t.Errorf("commandTopic() with custom prefix = %q", got)
	}
}

func TestSubscriptionPatterns(t *testing.T) {
	t.Parallel()

	patterns := subscriptionPatterns()
	if len(patterns) != 5 {
		t.Fatalf("subscriptionPatterns() returned %d patterns, want 5", len(patterns))
	}

	want := map[string]bool{
		"device/+/data":             true,
		"device/+/status":           true,
		"device/+/heartbeat":        true,
		"device/+/command/response": true,
		"device/+/firmware/status":  true,
	}

	for _, p := range patterns {
		if !want[p] {
			t.Errorf("unexpected pattern %q", p)
		}
	}
}
