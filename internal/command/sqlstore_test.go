package command

import (
	"context"
	"database/sql"
	"errors"
	"iot-gateway/internal/gateway"
	"iot-gateway/pkg/dialect"
	"log/slog"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// commandsSchema mirrors the embedded migration so the store can be tested
// against an in-memory database without running dbmate.
const commandsSchema = `
CREATE TABLE commands (
    id TEXT PRIMARY KEY,
    device_id TEXT NOT NULL,
    type TEXT NOT NULL,
    data TEXT,
    status TEXT NOT NULL DEFAULT 'pending',
    error TEXT,
    response TEXT,
    created_at TIMESTAMP NOT NULL,
    sent_at TIMESTAMP,
    acknowledged_at TIMESTAMP
);`

func newSQLiteStore(t *testing.T) *SQLStore {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}

	t.Cleanup(func() { _ = db.Close() })

	if _, err := db.Exec(commandsSchema); err != nil {
		t.Fatalf("failed to create schema: %v", err)
	}

	store, err := NewSQLStore(slog.New(slog.DiscardHandler), db, dialect.SQLite)
	if err != nil {
		t.Fatalf("NewSQLStore() error = %v", err)
	}

	return store
}

func TestSQLStore_RoundTrip(t *testing.T) {
	t.Parallel()

	store := newSQLiteStore(t)
	ctx := context.Background()

	cmd := &gateway.Command{
		ID:        "cmd-1",
		DeviceID:  "sensor-1",
		Type:      "control",
		Data:      map[string]any{"led": true},
		Status:    gateway.CommandPending,
		CreatedAt: time.Now().UTC(),
	}

	if err := store.Create(ctx, cmd); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	got, err := store.Get(ctx, "cmd-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	if got.DeviceID != "sensor-1" || got.Type != "control" || got.Status != gateway.CommandPending {
		t.Errorf("Get() = %+v", got)
	}

	if got.Data["led"] != true {
		t.Errorf("data = %v", got.Data)
	}

	if got.SentAt != nil || got.AcknowledgedAt != nil {
		t.Error("timestamps should be unset for a pending command")
	}
}

func TestSQLStore_GetNotFound(t *testing.T) {
	t.Parallel()

	store := newSQLiteStore(t)

	if _, err := store.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
	}
}

func TestSQLStore_StatusLifecycle(t *testing.T) {
	t.Parallel()

	store := newSQLiteStore(t)
	ctx := context.Background()

	cmd := &gateway.Command{
		ID:        "cmd-1",
		DeviceID:  "sensor-1",
		Type:      "upgrade",
		Status:    gateway.CommandPending,
		CreatedAt: time.Now().UTC(),
	}

	if err := store.Create(ctx, cmd); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := store.UpdateStatus(ctx, "cmd-1", gateway.CommandSent, ""); err != nil {
		t.Fatalf("UpdateStatus(sent) error = %v", err)
	}

	got, _ := store.Get(ctx, "cmd-1")
	if got.Status != gateway.CommandSent || got.SentAt == nil {
		t.Errorf("after sent: %+v", got)
	}

	response := map[string]any{"command_id": "cmd-1", "result": "ok"}
	if err := store.SetResponse(ctx, "cmd-1", gateway.CommandAcknowledged, response); err != nil {
		t.Fatalf("SetResponse() error = %v", err)
	}

	got, _ = store.Get(ctx, "cmd-1")
	if got.Status != gateway.CommandAcknowledged || got.AcknowledgedAt == nil {
		t.Errorf("after acknowledged: %+v", got)
	}

	if got.Response["result"] != "ok" {
		t.Errorf("response = %v", got.Response)
	}

	// Terminal: no further transitions.
	if err := store.UpdateStatus(ctx, "cmd-1", gateway.CommandSent, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("UpdateStatus() on terminal command error = %v, want ErrInvalidTransition", err)
	}
}

func TestSQLStore_FailureDetail(t *testing.T) {
	t.Parallel()

	store := newSQLiteStore(t)
	ctx := context.Background()

	cmd := &gateway.Command{
		ID:        "cmd-1",
		DeviceID:  "sensor-1",
		Type:      "control",
		Status:    gateway.CommandPending,
		CreatedAt: time.Now().UTC(),
	}

	if err := store.Create(ctx, cmd); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := store.UpdateStatus(ctx, "cmd-1", gateway.CommandFailed, "broker unreachable"); err != nil {
		t.Fatalf("UpdateStatus(failed) error = %v", err)
	}

	got, _ := store.Get(ctx, "cmd-1")
	if got.Status != gateway.CommandFailed || got.Error != "broker unreachable" {
		t.Errorf("after failed: status=%s error=%q", got.Status, got.Error)
	}
}

func TestSQLStore_UpdateMissingCommand(t *testing.T) {
	t.Parallel()

	store := newSQLiteStore(t)

	err := store.UpdateStatus(context.Background(), "missing", gateway.CommandSent, "")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateStatus(missing) error = %v, want ErrNotFound", err)
	}
}

func TestNewSQLStore_InvalidDialect(t *testing.T) {
	t.Parallel()

	if _, err := NewSQLStore(slog.New(slog.DiscardHandler), nil, dialect.Dialect("oracle")); err == nil {
		t.Error("NewSQLStore() with unknown dialect should fail")
	}
}
