package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/loadrudder/pkg/log"
	"github.com/raterudder/loadrudder/pkg/types"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreProvider implements StateStore and Archive using Google Cloud
// Firestore. Everything lives under the "devices/{deviceID}" document.
type FirestoreProvider struct {
	client    *firestore.Client
	projectID string
	database  string
	deviceID  string
}

// configuredFirestore sets up the Firestore provider.
// It registers flags for configuration.
func configuredFirestore() *FirestoreProvider {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")
	deviceID := lflag.String("firestore-device-id", "default", "Document ID the state of this device is stored under")

	f := &FirestoreProvider{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database
		f.deviceID = *deviceID

		// set this because that's how firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Validate checks if the provider is properly configured.
func (f *FirestoreProvider) Validate() error {
	// Project ID may be empty and inferred from the environment.
	if f.deviceID == "" {
		return fmt.Errorf("firestore-device-id is required")
	}
	return nil
}

// Init initializes the Firestore client.
// This must be called before using the provider methods.
func (f *FirestoreProvider) Init(ctx context.Context) error {
	projectID := f.projectID
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	database := f.database
	if database == "" {
		database = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, database)
	if err != nil {
		return fmt.Errorf("failed to create firestore client (project=%s, database=%s): %w", projectID, database, err)
	}
	f.client = client
	return nil
}

// Close closes the Firestore client connection.
func (f *FirestoreProvider) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

func (f *FirestoreProvider) deviceDoc(device string) (*firestore.DocumentRef, error) {
	if device == "" {
		return nil, fmt.Errorf("device cannot be empty")
	}
	return f.client.Collection("devices").Doc(device), nil
}

// LoadState implements StateStore.
func (f *FirestoreProvider) LoadState(ctx context.Context) (types.ControllerState, error) {
	ref, err := f.deviceDoc(f.deviceID)
	if err != nil {
		return types.ControllerState{}, err
	}
	doc, err := ref.Collection("state").Doc("current").Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.ControllerState{}, ErrStateNotFound
		}
		return types.ControllerState{}, fmt.Errorf("failed to fetch state doc: %w", err)
	}

	val, err := doc.DataAt("json")
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "state doc missing json", slog.String("deviceID", f.deviceID))
		return types.ControllerState{}, fmt.Errorf("%w: state document missing 'json' field: %w", ErrStateCorrupt, err)
	}
	jsonStr, ok := val.(string)
	if !ok {
		log.Ctx(ctx).WarnContext(ctx, "state doc json not string", slog.String("deviceID", f.deviceID))
		return types.ControllerState{}, fmt.Errorf("%w: state 'json' field is not a string", ErrStateCorrupt)
	}

	var s types.ControllerState
	if err := json.Unmarshal([]byte(jsonStr), &s); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal state json", slog.String("deviceID", f.deviceID), slog.Any("err", err))
		return types.ControllerState{}, fmt.Errorf("%w: failed to unmarshal state json: %w", ErrStateCorrupt, err)
	}
	if err := s.Validate(); err != nil {
		return types.ControllerState{}, fmt.Errorf("%w: %w", ErrStateCorrupt, err)
	}
	return s, nil
}

// SaveState implements StateStore. It stores the state as a JSON string for
// portability. A single document write is atomic.
func (f *FirestoreProvider) SaveState(ctx context.Context, state types.ControllerState) error {
	jsonBytes, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	ref, err := f.deviceDoc(f.deviceID)
	if err != nil {
		return err
	}
	_, err = ref.Collection("state").Doc("current").Set(ctx, map[string]interface{}{
		"json":      string(jsonBytes),
		"version":   state.Version,
		"timestamp": state.LastStateSaveTime,
	})
	if err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}
	return nil
}

// GetSwitchMockState implements StateStore.
func (f *FirestoreProvider) GetSwitchMockState(ctx context.Context) (types.SwitchMockState, error) {
	ref, err := f.deviceDoc(f.deviceID)
	if err != nil {
		return types.SwitchMockState{}, err
	}
	doc, err := ref.Collection("state").Doc("switch_mock").Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.SwitchMockState{}, nil
		}
		return types.SwitchMockState{}, fmt.Errorf("failed to fetch switch mock state: %w", err)
	}
	var s types.SwitchMockState
	if err := doc.DataTo(&s); err != nil {
		return types.SwitchMockState{}, fmt.Errorf("failed to decode switch mock state: %w", err)
	}
	return s, nil
}

// UpdateSwitchMockState implements StateStore.
func (f *FirestoreProvider) UpdateSwitchMockState(ctx context.Context, state types.SwitchMockState) error {
	ref, err := f.deviceDoc(f.deviceID)
	if err != nil {
		return err
	}
	if _, err := ref.Collection("state").Doc("switch_mock").Set(ctx, state); err != nil {
		return fmt.Errorf("failed to update switch mock state: %w", err)
	}
	return nil
}

// UpsertDay implements Archive. The document ID is the date so a day is only
// stored once.
func (f *FirestoreProvider) UpsertDay(ctx context.Context, device string, day types.DailyRecord) error {
	if day.Date == "" {
		return fmt.Errorf("daily record missing date")
	}
	date, err := time.Parse(time.DateOnly, day.Date)
	if err != nil {
		return fmt.Errorf("invalid daily record date %q: %w", day.Date, err)
	}
	jsonBytes, err := json.Marshal(day)
	if err != nil {
		return fmt.Errorf("failed to marshal daily record: %w", err)
	}
	ref, err := f.deviceDoc(device)
	if err != nil {
		return err
	}
	_, err = ref.Collection("days").Doc(day.Date).Set(ctx, map[string]interface{}{
		"json":      string(jsonBytes),
		"timestamp": date,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert daily record: %w", err)
	}
	return nil
}

// Days implements Archive.
func (f *FirestoreProvider) Days(ctx context.Context, device string, start, end time.Time) ([]types.DailyRecord, error) {
	ref, err := f.deviceDoc(device)
	if err != nil {
		return nil, err
	}
	coll := ref.Collection("days")
	iter := coll.
		Where(firestore.DocumentID, ">=", coll.Doc(start.Format(time.DateOnly))).
		Where(firestore.DocumentID, "<", coll.Doc(end.Format(time.DateOnly))).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var days []types.DailyRecord
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating daily records: %w", err)
		}

		val, err := doc.DataAt("json")
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "daily record doc missing json", slog.String("docID", doc.Ref.ID), slog.String("device", device), slog.Any("err", err))
			return nil, fmt.Errorf("daily record doc %s missing 'json' field: %w", doc.Ref.ID, err)
		}
		jsonStr, ok := val.(string)
		if !ok {
			return nil, fmt.Errorf("daily record doc %s 'json' field is not string", doc.Ref.ID)
		}
		var d types.DailyRecord
		if err := json.Unmarshal([]byte(jsonStr), &d); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal daily record", slog.String("docID", doc.Ref.ID), slog.String("device", device), slog.Any("err", err))
			return nil, fmt.Errorf("failed to unmarshal daily record (id=%s): %w", doc.Ref.ID, err)
		}
		days = append(days, d)
	}
	return days, nil
}

// Prune implements Archive for every device.
func (f *FirestoreProvider) Prune(ctx context.Context, before time.Time) (int64, error) {
	cutoff, err := time.Parse(time.DateOnly, before.Format(time.DateOnly))
	if err != nil {
		return 0, err
	}
	iter := f.client.CollectionGroup("days").
		Where("timestamp", "<", cutoff).
		Documents(ctx)
	defer iter.Stop()

	bw := f.client.BulkWriter(ctx)
	var deleted int64
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			bw.End()
			return deleted, fmt.Errorf("error iterating old daily records: %w", err)
		}
		if _, err := bw.Delete(doc.Ref); err != nil {
			bw.End()
			return deleted, fmt.Errorf("failed to delete daily record %s: %w", doc.Ref.ID, err)
		}
		deleted++
	}
	bw.End()
	return deleted, nil
}
