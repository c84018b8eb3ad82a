package gateway

import "testing"

func TestCommandStatus_CanTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		from CommandStatus
		to   CommandStatus
		want bool
	}{
		{name: "pending to sent", from: CommandPending, to: CommandSent, want: true},
		{name: "pending to failed", from: CommandPending, to: CommandFailed, want: true},
		{name: "pending to acknowledged", from: CommandPending, to: CommandAcknowledged, want: true},
		{name: "sent to acknowledged", from: CommandSent, to: CommandAcknowledged, want: true},
		{name: "sent to failed", from: CommandSent, to: CommandFailed, want: true},
		{name: "sent back to pending", from: CommandSent, to: CommandPending, want: false},
		{name: "acknowledged back to sent", from: CommandAcknowledged, to: CommandSent, want: false},
		{name: "acknowledged back to pending", from: CommandAcknowledged, to: CommandPending, want: false},
		{name: "failed to acknowledged", from: CommandFailed, to: CommandAcknowledged, want: false},
		{name: "failed to failed", from: CommandFailed, to: CommandFailed, want: false},
		{name: "pending to pending", from: CommandPending, to: CommandPending, want: false},
		{name: "unknown status", from: CommandStatus("bogus"), to: CommandSent, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := tt.from.CanTransition(tt.to); got != tt.want {
				t.Errorf("CanTransition(%s -> %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestDeviceConfig_StringField(t *testing.T) {
	t.Parallel()

	cfg := DeviceConfig{
		"endpoint": "10.0.0.1:5683",
		"empty":    "",
		"number":   42,
	}

	if got := cfg.StringField("endpoint", "fallback"); got != "10.0.0.1:5683" {
		t.Errorf("StringField(endpoint) = %q", got)
	}

	if got := cfg.StringField("empty", "fallback"); got != "fallback" {
		t.Errorf("StringField(empty) = %q, want fallback", got)
	}

	if got := cfg.StringField("number", "fallback"); got != "fallback" {
		t.Errorf("StringField(number) = %q, want fallback", got)
	}

	if got := cfg.StringField("missing", "fallback"); got != "fallback" {
		t.Errorf("StringField(missing) = %q, want fallback", got)
	}
}

func TestDeviceConfig_MapField(t *testing.T) {
	t.Parallel()

	cfg := DeviceConfig{
		"resources": map[string]any{"control": "/led"},
		"scalar":    "not a map",
	}

	if got := cfg.MapField("resources"); got == nil || got["control"] != "/led" {
		t.Errorf("MapField(resources) = %v", got)
	}

	if got := cfg.MapField("scalar"); got != nil {
		t.Errorf("MapField(scalar) = %v, want nil", got)
	}

	if got := cfg.MapField("missing"); got != nil {
		t.Errorf("MapField(missing) = %v, want nil", got)
	}
}

func TestIsConfigError(t *testing.T) {
	t.Parallel()

	if !IsConfigError(NewConfigError("coap", "endpoint is required")) {
		t.Error("ConfigError should be recognized")
	}

	if !IsConfigError(ErrUnknownProtocol) {
		t.Error("ErrUnknownProtocol should be recognized as a config error")
	}

	if IsConfigError(ErrNoSession) {
		t.Error("ErrNoSession is a transport-level error, not a config error")
	}
}
