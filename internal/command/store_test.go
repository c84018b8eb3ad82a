package command

import (
	"context"
	"errors"
	"iot-gateway/internal/gateway"
	"testing"
	"time"
)

func newStoredCommand(t *testing.T, s Store, id string) *gateway.Command {
	t.Helper()

	cmd := &gateway.Command{
		ID:        id,
		DeviceID:  "sensor-1",
		Type:      "control",
		Data:      map[string]any{"led": true},
		Status:    gateway.CommandPending,
		CreatedAt: time.Now(),
	}

	if err := s.Create(context.Background(), cmd); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	return cmd
}

func TestMemoryStore_CreateAndGet(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()

	cmd := newStoredCommand(t, s, "cmd-1")

	got, err := s.Get(ctx, "cmd-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	if got.DeviceID != cmd.DeviceID || got.Type != cmd.Type || got.Status != gateway.CommandPending {
		t.Errorf("Get() = %+v", got)
	}

	// The store hands out clones; mutating them must not leak back.
	got.Status = gateway.CommandFailed

	again, _ := s.Get(ctx, "cmd-1")
	if again.Status != gateway.CommandPending {
		t.Error("mutating a returned command should not affect the stored record")
	}

	if err := s.Create(ctx, cmd); err == nil {
		t.Error("Create() with a duplicate id should fail")
	}

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_StatusLifecycle(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()
	newStoredCommand(t, s, "cmd-1")

	if err := s.UpdateStatus(ctx, "cmd-1", gateway.CommandSent, ""); err != nil {
		t.Fatalf("UpdateStatus(sent) error = %v", err)
	}

	got, _ := s.Get(ctx, "cmd-1")
	if got.Status != gateway.CommandSent || got.SentAt == nil {
		t.Errorf("after sent: status=%s sentAt=%v", got.Status, got.SentAt)
	}

	if err := s.UpdateStatus(ctx, "cmd-1", gateway.CommandAcknowledged, ""); err != nil {
		t.Fatalf("UpdateStatus(acknowledged) error = %v", err)
	}

	got, _ = s.Get(ctx, "cmd-1")
	if got.Status != gateway.CommandAcknowledged || got.AcknowledgedAt == nil {
		t.Errorf("after acknowledged: status=%s ackAt=%v", got.Status, got.AcknowledgedAt)
	}
}

func TestMemoryStore_RejectsBackwardsTransitions(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()
	newStoredCommand(t, s, "cmd-1")

	if err := s.UpdateStatus(ctx, "cmd-1", gateway.CommandAcknowledged, ""); err != nil {
		t.Fatalf("UpdateStatus(acknowledged) error = %v", err)
	}

	tests := []struct {
		name   string
		status gateway.CommandStatus
	}{
		{name: "back to pending", status: gateway.CommandPending},
		{name: "back to sent", status: gateway.CommandSent},
		{name: "terminal to terminal", status: gateway.CommandFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := s.UpdateStatus(ctx, "cmd-1", tt.status, "")
			if !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("UpdateStatus(%s) error = %v, want ErrInvalidTransition", tt.status, err)
			}
		})
	}
}

func TestMemoryStore_FailureDetail(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()
	newStoredCommand(t, s, "cmd-1")

	if err := s.UpdateStatus(ctx, "cmd-1", gateway.CommandFailed, "broker unreachable"); err != nil {
		t.Fatalf("UpdateStatus(failed) error = %v", err)
	}

	got, _ := s.Get(ctx, "cmd-1")
	if got.Status != gateway.CommandFailed || got.Error != "broker unreachable" {
		t.Errorf("after failed: status=%s error=%q", got.Status, got.Error)
	}
}

func TestMemoryStore_SetResponse(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()
	newStoredCommand(t, s, "cmd-1")

	if err := s.UpdateStatus(ctx, "cmd-1", gateway.CommandSent, ""); err != nil {
		t.Fatalf("UpdateStatus(sent) error = %v", err)
	}

	response := map[string]any{"command_id": "cmd-1", "result": "ok"}
	if err := s.SetResponse(ctx, "cmd-1", gateway.CommandAcknowledged, response); err != nil {
		t.Fatalf("SetResponse() error = %v", err)
	}

	got, _ := s.Get(ctx, "cmd-1")
	if got.Status != gateway.CommandAcknowledged {
		t.Errorf("status = %s, want acknowledged", got.Status)
	}

	if got.Response["result"] != "ok" {
		t.Errorf("response = %v", got.Response)
	}

	// Terminal commands stay frozen even for responses.
	if err := s.SetResponse(ctx, "cmd-1", gateway.CommandFailed, nil); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("SetResponse() on terminal command error = %v, want ErrInvalidTransition", err)
	}

	if err := s.SetResponse(ctx, "missing", gateway.CommandAcknowledged, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetResponse(missing) error = %v, want ErrNotFound", err)
	}
}
