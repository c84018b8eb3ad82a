package command

import (
	"context"
	"errors"
	"fmt"
	"iot-gateway/internal/gateway"
	"sync"
	"time"
)

var (
	// ErrNotFound means no Command exists for the given id.
	ErrNotFound = errors.New("command not found")

	// ErrInvalidTransition means an update would move a Command's status
	// backwards. Statuses only move pending -> sent -> {acknowledged, failed}.
	ErrInvalidTransition = errors.New("invalid command status transition")
)

// Store persists Command records. The gateway never deletes commands; their
// lifecycle belongs to whoever owns the store.
type Store interface {
	Create(ctx context.Context, cmd *gateway.Command) error
	Get(ctx context.Context, id string) (*gateway.Command, error)

	// UpdateStatus advances the command's status, recording the error detail
	// for failures. A monotonicity violation returns ErrInvalidTransition and
	// leaves the record untouched.
	UpdateStatus(ctx context.Context, id string, status gateway.CommandStatus, errDetail string) error

	// SetResponse records the device-reported status and response payload.
	SetResponse(ctx context.Context, id string, status gateway.CommandStatus, response map[string]any) error
}

// MemoryStore is the in-memory Store used by tests and the default dev setup.
type MemoryStore struct {
	mu       sync.RWMutex
	commands map[string]*gateway.Command
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{commands: make(map[string]*gateway.Command)}
}

func (s *MemoryStore) Create(_ context.Context, cmd *gateway.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.commands[cmd.ID]; exists {
		return fmt.Errorf("command %s already exists", cmd.ID)
	}

	clone := *cmd
	s.commands[cmd.ID] = &clone

	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*gateway.Command, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cmd, ok := s.commands[id]
	if !ok {
		return nil, fmt.Errorf("command %s: %w", id, ErrNotFound)
	}

	clone := *cmd

	return &clone, nil
}

func (s *MemoryStore) UpdateStatus(_ context.Context, id string, status gateway.CommandStatus, errDetail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cmd, ok := s.commands[id]
	if !ok {
		return fmt.Errorf("command %s: %w", id, ErrNotFound)
	}

	if !cmd.Status.CanTransition(status) {
		return fmt.Errorf("command %s: %s -> %s: %w", id, cmd.Status, status, ErrInvalidTransition)
	}

	applyStatus(cmd, status, errDetail)

	return nil
}

func (s *MemoryStore) SetResponse(_ context.Context, id string, status gateway.CommandStatus, response map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cmd, ok := s.commands[id]
	if !ok {
		return fmt.Errorf("command %s: %w", id, ErrNotFound)
	}

	if !cmd.Status.CanTransition(status) {
		return fmt.Errorf("command %s: %s -> %s: %w", id, cmd.Status, status, ErrInvalidTransition)
	}

	applyStatus(cmd, status, "")
	cmd.Response = response

	return nil
}

// applyStatus mutates cmd for the new status, stamping the matching timestamp.
func applyStatus(cmd *gateway.Command, status gateway.CommandStatus, errDetail string) {
	now := time.Now()
	cmd.Status = status

	switch status {
	case gateway.CommandSent:
		cmd.SentAt = &now
	case gateway.CommandAcknowledged:
		cmd.AcknowledgedAt = &now
	case gateway.CommandFailed:
		cmd.Error = errDetail
	case gateway.CommandPending:
	}
}
