package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/levenlabs/go-lflag"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/raterudder/chargewindow/pkg/log"
	"github.com/raterudder/chargewindow/pkg/types"
)

const (
	plansCollection   = "plans"
	actionsCollection = "action_history"
	ratesCollection   = "rate_history"
	configCollection  = "config"
	controlDoc        = "control"
)

// FirestoreProvider implements the Database interface using Google Cloud
// Firestore. Every record is stored as a JSON blob below
// installations/<installation>/, keyed by an RFC3339 timestamp so time range
// queries can use document ID ranges.
type FirestoreProvider struct {
	client       *firestore.Client
	projectID    string
	database     string
	installation string
}

// configuredFirestore sets up the Firestore provider.
// It registers flags for configuration.
func configuredFirestore() *FirestoreProvider {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")
	installation := lflag.String("firestore-installation", "default", "Document under installations/ holding this battery's data")

	f := &FirestoreProvider{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database
		f.installation = *installation

		// set this because that's how firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Validate checks if the provider is properly configured.
func (f *FirestoreProvider) Validate() error {
	if f.installation == "" {
		return errors.New("installation cannot be empty")
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

func (f *FirestoreProvider) collection(name string) *firestore.CollectionRef {
	return f.client.Collection("installations").Doc(f.installation).Collection(name)
}

func docID(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func jsonDoc(v any, ts time.Time) (map[string]interface{}, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"json":      string(b),
		"timestamp": ts,
	}, nil
}

func decodeDoc[T any](ctx context.Context, doc *firestore.DocumentSnapshot, kind string) (T, error) {
	var v T
	val, err := doc.DataAt("json")
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, kind+" doc missing json", slog.String("docID", doc.Ref.ID), slog.Any("err", err))
		return v, fmt.Errorf("%s document %s missing 'json' field: %w", kind, doc.Ref.ID, err)
	}
	jsonStr, ok := val.(string)
	if !ok {
		log.Ctx(ctx).WarnContext(ctx, kind+" doc json not string", slog.String("docID", doc.Ref.ID))
		return v, fmt.Errorf("%s document %s 'json' field is not string", kind, doc.Ref.ID)
	}
	if err := json.Unmarshal([]byte(jsonStr), &v); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal "+kind, slog.String("docID", doc.Ref.ID), slog.Any("err", err))
		return v, fmt.Errorf("failed to unmarshal %s (id=%s): %w", kind, doc.Ref.ID, err)
	}
	return v, nil
}

// queryRange reads every document whose ID is in [start, end).
func queryRange[T any](ctx context.Context, coll *firestore.CollectionRef, start, end time.Time, kind string) ([]T, error) {
	iter := coll.
		Where(firestore.DocumentID, ">=", coll.Doc(docID(start))).
		Where(firestore.DocumentID, "<", coll.Doc(docID(end))).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var out []T
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating %s: %w", kind, err)
		}
		v, err := decodeDoc[T](ctx, doc, kind)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// InsertPlan stores plan under its creation time.
func (f *FirestoreProvider) InsertPlan(ctx context.Context, plan types.ChargePlan) error {
	if plan.CreatedAt.IsZero() {
		return errors.New("plan missing createdAt")
	}
	data, err := jsonDoc(plan, plan.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to marshal plan: %w", err)
	}
	data["state"] = string(plan.State)
	if _, err := f.collection(plansCollection).Doc(docID(plan.CreatedAt)).Set(ctx, data); err != nil {
		return fmt.Errorf("failed to insert plan: %w", err)
	}
	return nil
}

// GetLatestPlan returns the most recently stored plan.
func (f *FirestoreProvider) GetLatestPlan(ctx context.Context) (types.ChargePlan, error) {
	iter := f.collection(plansCollection).
		OrderBy(firestore.DocumentID, firestore.Desc).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	doc, err := iter.Next()
	if err == iterator.Done {
		return types.ChargePlan{}, ErrPlanNotFound
	}
	if err != nil {
		return types.ChargePlan{}, fmt.Errorf("failed to get latest plan doc: %w", err)
	}
	return decodeDoc[types.ChargePlan](ctx, doc, "plan")
}

// GetPlanHistory retrieves plans created within [start, end).
func (f *FirestoreProvider) GetPlanHistory(ctx context.Context, start, end time.Time) ([]types.ChargePlan, error) {
	return queryRange[types.ChargePlan](ctx, f.collection(plansCollection), start, end, "plan")
}

// InsertAction adds a new action record to the "action_history" collection.
func (f *FirestoreProvider) InsertAction(ctx context.Context, action types.Action) error {
	data, err := jsonDoc(action, action.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to marshal action: %w", err)
	}
	if _, err := f.collection(actionsCollection).Doc(docID(action.Timestamp)).Set(ctx, data); err != nil {
		return fmt.Errorf("failed to insert action: %w", err)
	}
	return nil
}

// GetActionHistory retrieves action records within the specified time range.
func (f *FirestoreProvider) GetActionHistory(ctx context.Context, start, end time.Time) ([]types.Action, error) {
	return queryRange[types.Action](ctx, f.collection(actionsCollection), start, end, "action")
}

// UpsertRates writes one document per slot with a BulkWriter.
func (f *FirestoreProvider) UpsertRates(ctx context.Context, set types.RateSet) error {
	if set.Len() == 0 {
		return nil
	}
	coll := f.collection(ratesCollection)
	bw := f.client.BulkWriter(ctx)

	jobs := make([]*firestore.BulkWriterJob, 0, set.Len())
	for _, slot := range set.Slots() {
		data, err := jsonDoc(slot, slot.Start)
		if err != nil {
			bw.End()
			return fmt.Errorf("failed to marshal rate: %w", err)
		}
		job, err := bw.Set(coll.Doc(docID(slot.Start)), data)
		if err != nil {
			bw.End()
			return fmt.Errorf("failed to queue rate %s: %w", docID(slot.Start), err)
		}
		jobs = append(jobs, job)
	}
	bw.End()

	for _, job := range jobs {
		if _, err := job.Results(); err != nil {
			return fmt.Errorf("failed to upsert rate: %w", err)
		}
	}
	return nil
}

// GetRateHistory retrieves slots starting within [start, end).
func (f *FirestoreProvider) GetRateHistory(ctx context.Context, start, end time.Time) (types.RateSet, error) {
	slots, err := queryRange[types.RateSlot](ctx, f.collection(ratesCollection), start, end, "rate")
	if err != nil {
		return types.RateSet{}, err
	}
	return types.NewRateSet(slots), nil
}

// GetControlSettings reads the "config/control" document. Missing settings
// are returned as the defaults with version 0.
func (f *FirestoreProvider) GetControlSettings(ctx context.Context) (types.ControlSettings, int, error) {
	doc, err := f.collection(configCollection).Doc(controlDoc).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.ControlSettings{TargetSOC: types.DefaultTargetSOC}, 0, nil
		}
		return types.ControlSettings{}, 0, fmt.Errorf("failed to fetch control settings doc: %w", err)
	}

	// Read version if available (default 0)
	var version int
	if v, err := doc.DataAt("version"); err == nil {
		if vInt, ok := v.(int64); ok {
			version = int(vInt)
		}
	}

	s, err := decodeDoc[types.ControlSettings](ctx, doc, "control settings")
	if err != nil {
		return types.ControlSettings{}, 0, err
	}
	return s, version, nil
}

// SetControlSettings saves the control settings to "config/control".
func (f *FirestoreProvider) SetControlSettings(ctx context.Context, settings types.ControlSettings, version int) error {
	data, err := jsonDoc(settings, time.Now())
	if err != nil {
		return fmt.Errorf("failed to marshal control settings: %w", err)
	}
	data["version"] = version
	if _, err := f.collection(configCollection).Doc(controlDoc).Set(ctx, data); err != nil {
		return fmt.Errorf("failed to save control settings: %w", err)
	}
	return nil
}
