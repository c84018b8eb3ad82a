package command

import (
	"context"
	"errors"
	"fmt"
	"iot-gateway/internal/gateway"
	"log/slog"
	"sync"
	"testing"
)

// fakeDispatcher fails submissions for device ids listed in failing.
type fakeDispatcher struct {
	mu      sync.Mutex
	failing map[string]bool
	sent    []*gateway.Command
}

func (d *fakeDispatcher) SendCommand(_ context.Context, meta gateway.DeviceMetadata, cmd *gateway.Command) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.failing[meta.DeviceID] {
		return fmt.Errorf("%w: device %s", gateway.ErrNoSession, meta.DeviceID)
	}

	d.sent = append(d.sent, cmd)

	return nil
}

func newTestTranslator(dispatcher Dispatcher) (*Translator, *MemoryStore) {
	store := NewMemoryStore()

	return NewTranslator(slog.New(slog.DiscardHandler), store, dispatcher), store
}

func TestTranslator_Submit(t *testing.T) {
	t.Parallel()

	dispatcher := &fakeDispatcher{}
	translator, store := newTestTranslator(dispatcher)
	ctx := context.Background()

	meta := gateway.DeviceMetadata{DeviceID: "sensor-1", Protocol: "mqtt"}

	id, err := translator.Submit(ctx, meta, "control", map[string]any{"led": true})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	if id == "" {
		t.Fatal("Submit() returned an empty command id")
	}

	cmd, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	if cmd.Status != gateway.CommandSent {
		t.Errorf("status = %s, want sent", cmd.Status)
	}

	if cmd.SentAt == nil {
		t.Error("SentAt should be stamped after a successful dispatch")
	}

	if cmd.DeviceID != "sensor-1" || cmd.Type != "control" {
		t.Errorf("stored command = %+v", cmd)
	}

	if len(dispatcher.sent) != 1 || dispatcher.sent[0].ID != id {
		t.Error("dispatcher should receive the persisted command")
	}
}

func TestTranslator_Submit_DispatchFailure(t *testing.T) {
	t.Parallel()

	dispatcher := &fakeDispatcher{failing: map[string]bool{"sensor-1": true}}
	translator, store := newTestTranslator(dispatcher)
	ctx := context.Background()

	meta := gateway.DeviceMetadata{DeviceID: "sensor-1", Protocol: "mqtt"}

	id, err := translator.Submit(ctx, meta, "control", nil)
	if !errors.Is(err, gateway.ErrNoSession) {
		t.Fatalf("Submit() error = %v, want wrapped ErrNoSession", err)
	}

	if id != "" {
		t.Errorf("Submit() id = %q, want empty on failure", id)
	}

	// Even a failed submission leaves an auditable record behind. The
	// translator generates the id internally, so find the record by scanning.
	failed := findSingleCommand(t, store)

	if failed.Status != gateway.CommandFailed {
		t.Errorf("status = %s, want failed", failed.Status)
	}

	if failed.Error == "" {
		t.Error("failure detail should be recorded")
	}
}

// findSingleCommand returns the only command in the store.
func findSingleCommand(t *testing.T, store *MemoryStore) *gateway.Command {
	t.Helper()

	store.mu.RLock()
	defer store.mu.RUnlock()

	if len(store.commands) != 1 {
		t.Fatalf("store holds %d commands, want 1", len(store.commands))
	}

	for _, cmd := range store.commands {
		clone := *cmd

		return &clone
	}

	return nil
}

func TestTranslator_BatchSend(t *testing.T) {
	t.Parallel()

	dispatcher := &fakeDispatcher{failing: map[string]bool{"sensor-2": true}}
	translator, store := newTestTranslator(dispatcher)
	ctx := context.Background()

	metas := []gateway.DeviceMetadata{
		{DeviceID: "sensor-1", Protocol: "mqtt"},
		{DeviceID: "sensor-2", Protocol: "mqtt"},
		{DeviceID: "sensor-3", Protocol: "mqtt"},
	}

	results := translator.BatchSend(ctx, metas, "upgrade", map[string]any{"version": "2.0"})

	if len(results) != 3 {
		t.Fatalf("BatchSend() returned %d results, want 3", len(results))
	}

	if results["sensor-2"] != BatchFailed {
		t.Errorf("results[sensor-2] = %v, want %d", results["sensor-2"], BatchFailed)
	}

	for _, deviceID := range []string{"sensor-1", "sensor-3"} {
		id, ok := results[deviceID].(string)
		if !ok || id == "" {
			t.Errorf("results[%s] = %v, want a command id", deviceID, results[deviceID])

			continue
		}

		cmd, err := store.Get(ctx, id)
		if err != nil {
			t.Errorf("Get(%s) error = %v", id, err)

			continue
		}

		if cmd.Status != gateway.CommandSent {
			t.Errorf("command for %s has status %s, want sent", deviceID, cmd.Status)
		}
	}
}

func TestTranslator_HandleResponse(t *testing.T) {
	t.Parallel()

	dispatcher := &fakeDispatcher{}
	translator, store := newTestTranslator(dispatcher)
	ctx := context.Background()

	meta := gateway.DeviceMetadata{DeviceID: "sensor-1", Protocol: "mqtt"}

	id, err := translator.Submit(ctx, meta, "query", nil)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	payload := map[string]any{"command_id": id, "result": "ok"}
	if err := translator.HandleResponse(ctx, "mqtt", "sensor-1", payload); err != nil {
		t.Fatalf("HandleResponse() error = %v", err)
	}

	cmd, _ := store.Get(ctx, id)
	if cmd.Status != gateway.CommandAcknowledged {
		t.Errorf("status = %s, want acknowledged without an explicit status field", cmd.Status)
	}

	if cmd.Response["result"] != "ok" {
		t.Errorf("response = %v", cmd.Response)
	}
}

func TestTranslator_HandleResponse_DeviceReportedFailure(t *testing.T) {
	t.Parallel()

	dispatcher := &fakeDispatcher{}
	translator, store := newTestTranslator(dispatcher)
	ctx := context.Background()

	id, err := translator.Submit(ctx, gateway.DeviceMetadata{DeviceID: "sensor-1", Protocol: "coap"}, "upgrade", nil)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	payload := map[string]any{"command_id": id, "status": "failed", "reason": "checksum mismatch"}
	if err := translator.HandleResponse(ctx, "coap", "sensor-1", payload); err != nil {
		t.Fatalf("HandleResponse() error = %v", err)
	}

	cmd, _ := store.Get(ctx, id)
	if cmd.Status != gateway.CommandFailed {
		t.Errorf("status = %s, want failed", cmd.Status)
	}
}

func TestTranslator_HandleResponse_Errors(t *testing.T) {
	t.Parallel()

	translator, _ := newTestTranslator(&fakeDispatcher{})
	ctx := context.Background()

	if err := translator.HandleResponse(ctx, "mqtt", "sensor-1", map[string]any{"result": "ok"}); err == nil {
		t.Error("HandleResponse() without command_id should fail")
	}

	payload := map[string]any{"command_id": "no-such-command"}
	if err := translator.HandleResponse(ctx, "mqtt", "sensor-1", payload); !errors.Is(err, ErrNotFound) {
		t.Errorf("HandleResponse() for unknown command error = %v, want ErrNotFound", err)
	}
}
