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

func (s *Store) InsertWorkflow(ctx context.Context, w *api.Workflow) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	cp := *w
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	if cp.Status == "" {
		cp.Status = api.WorkflowPending
	}

	_, err := s.workflows.InsertOne(ctx, &cp)
	if mongo.IsDuplicateKeyError(err) {
		return persistence.ErrDuplicateID
	}
	return err
}

func (s *Store) GetWorkflow(ctx context.Context, id string) (*api.Workflow, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var w api.Workflow
	err := s.workflows.FindOne(ctx, bson.M{"_id": id}).Decode(&w)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, persistence.ErrWorkflowNotFound
		}
		return nil, err
	}
	w.CreatedAt = w.CreatedAt.UTC()
	return &w, nil
}

func (s *Store) ListWorkflows(ctx context.Context, statuses ...api.WorkflowStatus) ([]*api.Workflow, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*opTimeout)
	defer cancel()

	filter := bson.M{}
	if len(statuses) > 0 {
		strs := make([]string, len(statuses))
		for i, st := range statuses {
			strs[i] = string(st)
		}
		filter["status"] = bson.M{"$in": strs}
	}

	cur, err := s.workflows.Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []*api.Workflow
	for cur.Next(ctx) {
		var w api.Workflow
		if err := cur.Decode(&w); err != nil {
			return nil, err
		}
		w.CreatedAt = w.CreatedAt.UTC()
		out = append(out, &w)
	}
	return out, cur.Err()
}

func (s *Store) SetWorkflowStatus(ctx context.Context, id string, status api.WorkflowStatus) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	res, err := s.workflows.UpdateOne(ctx, bson.M{
		"_id": id,
		"status": bson.M{"$nin": []string{
			string(api.WorkflowCompleted),
			string(api.WorkflowFailed),
		}},
	}, bson.M{"$set": bson.M{"status": string(status)}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		if _, getErr := s.GetWorkflow(ctx, id); getErr != nil {
			return getErr
		}
	}
	return nil
}

func (s *Store) UpsertWorker(ctx context.Context, reg *api.WorkerRegistration) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	types := make([]string, len(reg.TaskTypes))
	for i, t := range reg.TaskTypes {
		types[i] = string(t)
	}

	_, err := s.workers.UpdateOne(ctx,
		bson.M{"_id": reg.WorkerID},
		bson.M{"$set": bson.M{
			"name":           reg.Name,
			"task_types":     types,
			"status":         string(reg.Status),
			"last_heartbeat": reg.LastHeartbeat.UTC(),
		}},
		options.Update().SetUpsert(true))
	return err
}

func (s *Store) SetWorkerStatus(ctx context.Context, workerID string, status api.WorkerStatus) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	_, err := s.workers.UpdateOne(ctx,
		bson.M{"_id": workerID},
		bson.M{"$set": bson.M{"status": string(status)}})
	return err
}

func (s *Store) ListWorkers(ctx context.Context) ([]*api.WorkerRegistration, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*opTimeout)
	defer cancel()

	cur, err := s.workers.Find(ctx, bson.M{},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []*api.WorkerRegistration
	for cur.Next(ctx) {
		var reg api.WorkerRegistration
		if err := cur.Decode(&reg); err != nil {
			return nil, err
		}
		reg.LastHeartbeat = reg.LastHeartbeat.UTC()
		out = append(out, &reg)
	}
	return out, cur.Err()
}

func (s *Store) AppendLog(ctx context.Context, e *api.LogEntry) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	cp := *e
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now().UTC()
	}
	_, err := s.logs.InsertOne(ctx, &cp)
	return err
}

func (s *Store) ListLogs(ctx context.Context, f persistence.LogFilter) ([]*api.LogEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*opTimeout)
	defer cancel()

	filter := bson.M{}
	if f.WorkflowID != "" {
		filter["workflow_id"] = f.WorkflowID
	}

	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: -1}})
	if f.Limit > 0 {
		opts = opts.SetLimit(int64(f.Limit))
	}

	cur, err := s.logs.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []*api.LogEntry
	for cur.Next(ctx) {
		var e api.LogEntry
		if err := cur.Decode(&e); err != nil {
			return nil, err
		}
		e.Timestamp = e.Timestamp.UTC()
		out = append(out, &e)
	}
	return out, cur.Err()
}

func (s *Store) BeatOrchestrator(ctx context.Context) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	_, err := s.heartbeats.UpdateOne(ctx,
		bson.M{"_id": api.OrchestratorHeartbeatID},
		bson.M{
			"$set": bson.M{
				"last_heartbeat": time.Now().UTC(),
				"status":         api.HeartbeatRunning,
			},
			"$setOnInsert": bson.M{"restarts": 0},
		},
		options.Update().SetUpsert(true))
	return err
}

func (s *Store) OrchestratorHeartbeat(ctx context.Context) (*api.OrchestratorHeartbeat, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var hb api.OrchestratorHeartbeat
	err := s.heartbeats.FindOne(ctx, bson.M{"_id": api.OrchestratorHeartbeatID}).Decode(&hb)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, err
	}
	hb.LastHeartbeat = hb.LastHeartbeat.UTC()
	return &hb, nil
}

func (s *Store) MarkOrchestratorRestarting(ctx context.Context) (int, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var hb api.OrchestratorHeartbeat
	err := s.heartbeats.FindOneAndUpdate(ctx,
		bson.M{"_id": api.OrchestratorHeartbeatID},
		bson.M{
			"$inc": bson.M{"restarts": 1},
			"$set": bson.M{"status": api.HeartbeatRestarting},
		},
		options.FindOneAndUpdate().
			SetUpsert(true).
			SetReturnDocument(options.After)).
		Decode(&hb)
	if err != nil {
		return 0, err
	}
	return hb.Restarts, nil
}
