package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/loadrudder/pkg/types"
)

var (
	// ErrStateNotFound is returned when no state was ever saved. Callers start
	// from the default state.
	ErrStateNotFound = errors.New("state not found")
	// ErrStateCorrupt is returned when the saved state can't be decoded.
	// Callers start from the default state and report it.
	ErrStateCorrupt = errors.New("state corrupt")
)

// StateStore persists the controller document between ticks.
type StateStore interface {
	// LoadState returns the saved state as it was written. The caller
	// migrates it to the current version.
	LoadState(ctx context.Context) (types.ControllerState, error)
	// SaveState replaces the saved state atomically.
	SaveState(ctx context.Context, state types.ControllerState) error

	GetSwitchMockState(ctx context.Context) (types.SwitchMockState, error)
	UpdateSwitchMockState(ctx context.Context, state types.SwitchMockState) error
}

// Archive keeps the daily records of a device after they leave the state's
// window.
type Archive interface {
	// UpsertDay adds or replaces the record of day.Date for the device.
	UpsertDay(ctx context.Context, device string, day types.DailyRecord) error
	// Days returns the records with a date in [start, end) ordered by date.
	Days(ctx context.Context, device string, start, end time.Time) ([]types.DailyRecord, error)
	// Prune deletes the records of every device dated before before and
	// returns how many were deleted.
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// Database combines the state store and the archive.
type Database interface {
	StateStore
	Archive

	// Lifecycle
	Close() error
}

type database struct {
	StateStore
	Archive
	closers []func() error
}

// Close implements Database.
func (d *database) Close() error {
	var errs []error
	for _, c := range d.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// noArchive discards records when archiving is disabled.
type noArchive struct{}

func (noArchive) UpsertDay(ctx context.Context, device string, day types.DailyRecord) error {
	return nil
}

func (noArchive) Days(ctx context.Context, device string, start, end time.Time) ([]types.DailyRecord, error) {
	return nil, nil
}

func (noArchive) Prune(ctx context.Context, before time.Time) (int64, error) {
	return 0, nil
}

// New combines a state store and an archive into a Database. A nil archive
// disables archiving.
func New(state StateStore, archive Archive, closers ...func() error) Database {
	if archive == nil {
		archive = noArchive{}
	}
	return &database{StateStore: state, Archive: archive, closers: closers}
}

// Configured sets up the Storage provider based on flags.
func Configured() Database {
	provider := lflag.String("storage-provider", "file", "Storage provider for the state (available: file, firestore)")
	archiveProvider := lflag.String("archive-provider", "sqlite", "Archive for daily records (available: sqlite, firestore, none)")

	var p struct{ Database }

	file := configuredFile()
	fs := configuredFirestore()
	lite := configuredSQLite()

	lflag.Do(func() {
		ctx := context.Background()
		var closers []func() error

		var fsReady bool
		initFirestore := func() {
			if fsReady {
				return
			}
			if err := fs.Validate(); err != nil {
				panic(fmt.Sprintf("firestore validation failed: %v", err))
			}
			if err := fs.Init(ctx); err != nil {
				panic(fmt.Sprintf("firestore init failed: %v", err))
			}
			closers = append(closers, fs.Close)
			fsReady = true
		}

		var state StateStore
		switch *provider {
		case "file":
			if err := file.Validate(); err != nil {
				panic(fmt.Sprintf("file store validation failed: %v", err))
			}
			state = file
		case "firestore":
			initFirestore()
			state = fs
		default:
			panic(fmt.Sprintf("unknown storage provider: %s", *provider))
		}

		var archive Archive
		switch *archiveProvider {
		case "sqlite":
			if err := lite.Init(ctx); err != nil {
				panic(fmt.Sprintf("sqlite init failed: %v", err))
			}
			closers = append(closers, lite.Close)
			archive = lite
		case "firestore":
			initFirestore()
			archive = fs
		case "none":
		default:
			panic(fmt.Sprintf("unknown archive provider: %s", *archiveProvider))
		}

		p.Database = New(state, archive, closers...)
	})

	return &p
}
