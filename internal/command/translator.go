package command

import (
	"context"
	"fmt"
	"iot-gateway/internal/events"
	"iot-gateway/internal/gateway"
	"iot-gateway/pkg/utils"
	"log/slog"
	"sync"
	"time"
)

// BatchFailed is the per-device result for a device whose submission failed.
const BatchFailed = -1

// Dispatcher routes a command to the adapter owning the device's protocol.
// Satisfied by *gateway.Manager.
type Dispatcher interface {
	SendCommand(ctx context.Context, meta gateway.DeviceMetadata, cmd *gateway.Command) error
}

// Translator converts generic {command_type, command_data} submissions into
// wire commands, tracks their status in the Store, and correlates inbound
// command responses back to the originating Command.
type Translator struct {
	l          *slog.Logger
	store      Store
	dispatcher Dispatcher
}

// NewTranslator creates a Translator.
func NewTranslator(l *slog.Logger, store Store, dispatcher Dispatcher) *Translator {
	return &Translator{
		l:          l.With(slog.String("component", "command-translator")),
		store:      store,
		dispatcher: dispatcher,
	}
}

// Submit builds a Command with a fresh id, persists it as pending, hands it
// to the device's adapter and records the outcome: sent on success, failed
// (with detail) on transport or configuration failure. Returns the command
// id; acknowledgment arrives later through the event stream.
func (t *Translator) Submit(ctx context.Context, meta gateway.DeviceMetadata, commandType string, data map[string]any) (string, error) {
	cmd := &gateway.Command{
		ID:        utils.NewUUID(),
		DeviceID:  meta.DeviceID,
		Type:      commandType,
		Data:      data,
		Status:    gateway.CommandPending,
		CreatedAt: time.Now(),
	}

	if err := t.store.Create(ctx, cmd); err != nil {
		return "", fmt.Errorf("failed to persist command: %w", err)
	}

	if err := t.dispatcher.SendCommand(ctx, meta, cmd); err != nil {
		if updateErr := t.store.UpdateStatus(ctx, cmd.ID, gateway.CommandFailed, err.Error()); updateErr != nil {
			t.l.Error("failed to mark command failed", slog.String("command_id", cmd.ID), utils.ErrAttr(updateErr))
		}

		return "", fmt.Errorf("failed to send command %s to device %s: %w", cmd.ID, meta.DeviceID, err)
	}

	if err := t.store.UpdateStatus(ctx, cmd.ID, gateway.CommandSent, ""); err != nil {
		t.l.Error("failed to mark command sent", slog.String("command_id", cmd.ID), utils.ErrAttr(err))
	}

	t.l.Info("command submitted",
		slog.String("command_id", cmd.ID),
		slog.String("device_id", meta.DeviceID),
		slog.String("type", commandType),
	)

	return cmd.ID, nil
}

// BatchSend applies the single-device path to each device independently and
// concurrently. The result maps device id to its command id, or BatchFailed
// (-1) when that device's submission failed. One failure never aborts the
// batch.
func (t *Translator) BatchSend(ctx context.Context, metas []gateway.DeviceMetadata, commandType string, data map[string]any) map[string]any {
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = make(map[string]any, len(metas))
	)

	for _, meta := range metas {
		wg.Add(1)

		go func() {
			defer wg.Done()

			id, err := t.Submit(ctx, meta, commandType, data)

			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				t.l.Warn("batch item failed", slog.String("device_id", meta.DeviceID), utils.ErrAttr(err))
				results[meta.DeviceID] = BatchFailed

				return
			}

			results[meta.DeviceID] = id
		}()
	}

	wg.Wait()

	return results
}

// GetCommand loads a Command record for status queries.
func (t *Translator) GetCommand(ctx context.Context, id string) (*gateway.Command, error) {
	return t.store.Get(ctx, id)
}

// HandleResponse correlates an inbound command response with its Command by
// command id and records the device-reported status (acknowledged unless the
// device says otherwise) plus the response payload.
func (t *Translator) HandleResponse(ctx context.Context, protocol, deviceID string, payload map[string]any) error {
	commandID, _ := payload["command_id"].(string)
	if commandID == "" {
		return fmt.Errorf("command response from device %s via %s has no command_id", deviceID, protocol)
	}

	status := gateway.CommandAcknowledged
	if reported, ok := payload["status"].(string); ok && reported == string(gateway.CommandFailed) {
		status = gateway.CommandFailed
	}

	if err := t.store.SetResponse(ctx, commandID, status, payload); err != nil {
		return fmt.Errorf("failed to record response for command %s: %w", commandID, err)
	}

	t.l.Info("command response recorded",
		slog.String("command_id", commandID),
		slog.String("device_id", deviceID),
		slog.String("status", string(status)),
	)

	return nil
}

// Run consumes command_response events from the bridge until ctx is
// cancelled or the bridge closes. A bad response is logged and skipped;
// the loop never dies on one event.
func (t *Translator) Run(ctx context.Context, bridge *events.Bridge) {
	sub := bridge.Subscribe(gateway.EventCommandResponse)

	t.l.Info("command response consumer running")

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}

			if err := t.HandleResponse(ctx, ev.Protocol, ev.DeviceID, ev.Payload); err != nil {
				t.l.Warn("dropping command response", utils.ErrAttr(err))
			}
		}
	}
}
