package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/loadrudder/pkg/log"
	"github.com/raterudder/loadrudder/pkg/types"
)

// FileStore keeps the state as a JSON document on the local disk. Every write
// goes to a temporary file that is synced and renamed over the old one so a
// crash never leaves a partial document behind.
type FileStore struct {
	mu       sync.Mutex
	path     string
	mockPath string
}

func configuredFile() *FileStore {
	path := lflag.String("state-file", "loadrudder-state.json", "Path of the state document")
	mockPath := lflag.String("state-switch-mock-file", "loadrudder-switch.json", "Path of the simulated switch document")

	f := &FileStore{}
	lflag.Do(func() {
		f.path = *path
		f.mockPath = *mockPath
	})
	return f
}

// NewFileStore returns a store writing the state to path and the simulated
// switch to mockPath.
func NewFileStore(path, mockPath string) *FileStore {
	return &FileStore{path: path, mockPath: mockPath}
}

// Validate checks if the store is properly configured.
func (f *FileStore) Validate() error {
	if f.path == "" {
		return fmt.Errorf("state-file is required")
	}
	return nil
}

// LoadState implements StateStore.
func (f *FileStore) LoadState(ctx context.Context) (types.ControllerState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	b, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return types.ControllerState{}, ErrStateNotFound
	}
	if err != nil {
		return types.ControllerState{}, fmt.Errorf("failed to read state: %w", err)
	}

	var s types.ControllerState
	if err := json.Unmarshal(b, &s); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal state", slog.String("path", f.path), slog.Any("err", err))
		return types.ControllerState{}, fmt.Errorf("%w: %w", ErrStateCorrupt, err)
	}
	if err := s.Validate(); err != nil {
		return types.ControllerState{}, fmt.Errorf("%w: %w", ErrStateCorrupt, err)
	}
	return s, nil
}

// SaveState implements StateStore.
func (f *FileStore) SaveState(ctx context.Context, state types.ControllerState) error {
	b, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := writeFileAtomic(f.path, b); err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}
	log.Ctx(ctx).DebugContext(ctx, "saved state", slog.String("path", f.path), slog.Int("bytes", len(b)))
	return nil
}

// GetSwitchMockState implements StateStore. A missing document is an empty
// state.
func (f *FileStore) GetSwitchMockState(ctx context.Context) (types.SwitchMockState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var s types.SwitchMockState
	b, err := os.ReadFile(f.mockPath)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return s, fmt.Errorf("failed to read switch mock state: %w", err)
	}
	if err := json.Unmarshal(b, &s); err != nil {
		return s, fmt.Errorf("failed to unmarshal switch mock state: %w", err)
	}
	return s, nil
}

// UpdateSwitchMockState implements StateStore.
func (f *FileStore) UpdateSwitchMockState(ctx context.Context, state types.SwitchMockState) error {
	b, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal switch mock state: %w", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return writeFileAtomic(f.mockPath, b)
}

// writeFileAtomic replaces path with b using a synced temporary file in the
// same directory.
func writeFileAtomic(path string, b []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		// no-op once renamed
		_ = os.Remove(tmp.Name())
	}()

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
