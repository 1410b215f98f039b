// Package mongo provides the MongoDB-backed Store. It is the intended
// production backend: every task state transition is one conditional
// update on the tasks collection, so any number of workers and
// orchestrators can share a deployment with no coordination beyond the
// database itself.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/phoenix/internal/persistence"
	"github.com/petrijr/phoenix/pkg/api"
)

// DefaultDatabase is used when no database name is configured.
const DefaultDatabase = "phoenix"

const opTimeout = 5 * time.Second

// Store implements persistence.Store on top of MongoDB.
type Store struct {
	tasks      *mongo.Collection
	workflows  *mongo.Collection
	workers    *mongo.Collection
	logs       *mongo.Collection
	heartbeats *mongo.Collection
}

// Ensure Store implements the full persistence contract.
var _ persistence.Store = (*Store)(nil)

// NewStore creates a Mongo-backed store on the given client.
// dbName defaults to "phoenix" if empty.
func NewStore(client *mongo.Client, dbName string) *Store {
	if dbName == "" {
		dbName = DefaultDatabase
	}
	db := client.Database(dbName)
	return &Store{
		tasks:      db.Collection("tasks"),
		workflows:  db.Collection("workflows"),
		workers:    db.Collection("workers"),
		logs:       db.Collection("logs"),
		heartbeats: db.Collection("orchestrator_heartbeat"),
	}
}

// Connect dials uri, pings the server, ensures the secondary indexes,
// and returns a ready store. Close the client via the returned closer.
func Connect(ctx context.Context, uri, dbName string) (*Store, func(context.Context) error, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, nil, err
	}

	s := NewStore(client, dbName)
	if err := s.EnsureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, nil, err
	}
	return s, client.Disconnect, nil
}

// EnsureIndexes creates the secondary indexes the scheduling tick
// depends on for performance. They carry no semantic contract.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.tasks.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "type", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "locked_at", Value: 1}}},
		{Keys: bson.D{{Key: "workflow_id", Value: 1}}},
		{Keys: bson.D{{Key: "dependencies", Value: 1}}},
	})
	if err != nil {
		return err
	}

	_, err = s.logs.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "workflow_id", Value: 1}, {Key: "timestamp", Value: -1}}},
		// Logs are observability-only; nothing reads them for
		// correctness, so they may age out after a day.
		{
			Keys:    bson.D{{Key: "timestamp", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(24 * 60 * 60),
		},
	})
	if err != nil {
		return err
	}

	_, err = s.workflows.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "status", Value: 1}},
	})
	return err
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, opTimeout)
}

// normalizeValue rewrites the driver's bson document and array types
// into plain maps and slices so artifacts read back the same from every
// backend.
func normalizeValue(v any) any {
	switch val := v.(type) {
	case bson.M:
		m := make(map[string]any, len(val))
		for k, inner := range val {
			m[k] = normalizeValue(inner)
		}
		return m
	case bson.D:
		m := make(map[string]any, len(val))
		for _, e := range val {
			m[e.Key] = normalizeValue(e.Value)
		}
		return m
	case bson.A:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = normalizeValue(inner)
		}
		return out
	default:
		return v
	}
}

func normalizeMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeTaskDoc(t *api.Task) *api.Task {
	if t == nil {
		return nil
	}
	t.InputContext = normalizeMap(t.InputContext)
	t.OutputArtifact = normalizeMap(t.OutputArtifact)
	for _, ts := range []**time.Time{&t.LockedAt, &t.CompletedAt, &t.FailedAt} {
		if *ts != nil {
			utc := (*ts).UTC()
			*ts = &utc
		}
	}
	t.CreatedAt = t.CreatedAt.UTC()
	return t
}

func (s *Store) InsertTask(ctx context.Context, t *api.Task) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	cp := *t
	persistence.NormalizeTask(&cp)
	if cp.Dependencies == nil {
		cp.Dependencies = []string{}
	}

	_, err := s.tasks.InsertOne(ctx, &cp)
	if mongo.IsDuplicateKeyError(err) {
		return persistence.ErrDuplicateID
	}
	return err
}

func (s *Store) GetTask(ctx context.Context, id string) (*api.Task, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var t api.Task
	err := s.tasks.FindOne(ctx, bson.M{"_id": id}).Decode(&t)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, persistence.ErrTaskNotFound
		}
		return nil, err
	}
	return normalizeTaskDoc(&t), nil
}

func (s *Store) ListTasks(ctx context.Context, f persistence.TaskFilter) ([]*api.Task, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*opTimeout)
	defer cancel()

	filter := bson.M{}
	if f.WorkflowID != "" {
		filter["workflow_id"] = f.WorkflowID
	}
	if f.Status != "" {
		filter["status"] = string(f.Status)
	}

	cur, err := s.tasks.Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []*api.Task
	for cur.Next(ctx) {
		var t api.Task
		if err := cur.Decode(&t); err != nil {
			return nil, err
		}
		out = append(out, normalizeTaskDoc(&t))
	}
	return out, cur.Err()
}

// ClaimTask is the atomic claim: one FindOneAndUpdate whose filter and
// update fire as a unit server-side, so exactly one worker wins any
// given task.
func (s *Store) ClaimTask(ctx context.Context, workerID string, types []api.TaskType) (*api.Task, error) {
	if len(types) == 0 {
		return nil, nil
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	typeStrs := make([]string, len(types))
	for i, t := range types {
		typeStrs[i] = string(t)
	}

	filter := bson.M{
		"status": string(api.TaskPending),
		"type":   bson.M{"$in": typeStrs},
	}
	update := bson.M{"$set": bson.M{
		"status":      string(api.TaskInProgress),
		"worker_lock": workerID,
		"locked_at":   time.Now().UTC(),
	}}
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}).
		SetReturnDocument(options.After)

	var t api.Task
	err := s.tasks.FindOneAndUpdate(ctx, filter, update, opts).Decode(&t)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, err
	}
	return normalizeTaskDoc(&t), nil
}

// ownedUpdate applies update to the task only while owner still holds
// its lock.
func (s *Store) ownedUpdate(ctx context.Context, id, owner string, update bson.M) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	res, err := s.tasks.UpdateOne(ctx, bson.M{
		"_id":         id,
		"status":      string(api.TaskInProgress),
		"worker_lock": owner,
	}, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return persistence.ErrLockLost
	}
	return nil
}

func (s *Store) CompleteTask(ctx context.Context, id, owner string, artifact api.Artifact) error {
	return s.ownedUpdate(ctx, id, owner, bson.M{
		"$set": bson.M{
			"status":          string(api.TaskCompleted),
			"output_artifact": artifact,
			"completed_at":    time.Now().UTC(),
		},
		"$unset": bson.M{"worker_lock": "", "locked_at": ""},
	})
}

func (s *Store) ReleaseTaskForRetry(ctx context.Context, id, owner string, retryCount int, lastError string) error {
	return s.ownedUpdate(ctx, id, owner, bson.M{
		"$set": bson.M{
			"status":      string(api.TaskPending),
			"retry_count": retryCount,
			"last_error":  lastError,
		},
		"$unset": bson.M{"worker_lock": "", "locked_at": ""},
	})
}

func (s *Store) FailTask(ctx context.Context, id, owner string, retryCount int, lastError string) error {
	return s.ownedUpdate(ctx, id, owner, bson.M{
		"$set": bson.M{
			"status":      string(api.TaskFailed),
			"retry_count": retryCount,
			"last_error":  lastError,
			"failed_at":   time.Now().UTC(),
		},
		"$unset": bson.M{"worker_lock": "", "locked_at": ""},
	})
}

func (s *Store) UnblockTask(ctx context.Context, id string, depOutputs map[string]any) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	set := bson.M{"status": string(api.TaskPending)}
	if depOutputs != nil {
		set["input_context."+api.DependencyOutputsKey] = depOutputs
	}

	res, err := s.tasks.UpdateOne(ctx, bson.M{
		"_id":    id,
		"status": string(api.TaskBlocked),
	}, bson.M{"$set": set})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		// Already unblocked by a concurrent pass, or genuinely missing.
		if _, getErr := s.GetTask(ctx, id); getErr != nil {
			return getErr
		}
	}
	return nil
}

func (s *Store) FailBlockedTask(ctx context.Context, id, reason string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	res, err := s.tasks.UpdateOne(ctx, bson.M{
		"_id":    id,
		"status": string(api.TaskBlocked),
	}, bson.M{"$set": bson.M{
		"status":     string(api.TaskFailed),
		"last_error": reason,
		"failed_at":  time.Now().UTC(),
	}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		if _, getErr := s.GetTask(ctx, id); getErr != nil {
			return getErr
		}
	}
	return nil
}

func (s *Store) ExpiredLeases(ctx context.Context, threshold time.Time) ([]*api.Task, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*opTimeout)
	defer cancel()

	cur, err := s.tasks.Find(ctx, bson.M{
		"status":    string(api.TaskInProgress),
		"locked_at": bson.M{"$lt": threshold.UTC()},
	}, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []*api.Task
	for cur.Next(ctx) {
		var t api.Task
		if err := cur.Decode(&t); err != nil {
			return nil, err
		}
		out = append(out, normalizeTaskDoc(&t))
	}
	return out, cur.Err()
}
