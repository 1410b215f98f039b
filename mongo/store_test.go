package mongo

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.mongodb.org/mongo-driver/bson"
	mongodrv "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/phoenix/internal/persistence"
	"github.com/petrijr/phoenix/internal/testutil"
	"github.com/petrijr/phoenix/pkg/api"
)

type MongoStoreTestSuite struct {
	suite.Suite
	client *mongodrv.Client
	dbName string
	store  *Store
}

func TestMongoStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping mongo integration tests in -short mode")
	}
	suite.Run(t, new(MongoStoreTestSuite))
}

func (m *MongoStoreTestSuite) SetupSuite() {
	uri := testutil.MongoURI(m.T())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, err := mongodrv.Connect(ctx, options.Client().ApplyURI(uri))
	m.Require().NoError(err)
	m.Require().NoError(client.Ping(ctx, nil))
	m.client = client
}

func (m *MongoStoreTestSuite) TearDownSuite() {
	if m.client != nil {
		_ = m.client.Disconnect(context.Background())
	}
}

func (m *MongoStoreTestSuite) SetupTest() {
	// Fresh database per test keeps conditional-update tests independent.
	m.dbName = fmt.Sprintf("phoenix_test_%d", time.Now().UnixNano())
	m.store = NewStore(m.client, m.dbName)
	m.Require().NoError(m.store.EnsureIndexes(context.Background()))
}

func (m *MongoStoreTestSuite) TearDownTest() {
	_ = m.client.Database(m.dbName).Drop(context.Background())
}

func (m *MongoStoreTestSuite) ctx() context.Context {
	return context.Background()
}

func (m *MongoStoreTestSuite) insertPending(id string, typ api.TaskType) {
	m.Require().NoError(m.store.InsertTask(m.ctx(), &api.Task{
		ID:         id,
		WorkflowID: "wf1",
		Type:       typ,
		Status:     api.TaskPending,
	}))
}

func (m *MongoStoreTestSuite) TestInsertGetRoundTrip() {
	in := &api.Task{
		ID:           "wf1_A",
		WorkflowID:   "wf1",
		Type:         api.TaskTypeSearch,
		Dependencies: []string{},
		InputContext: map[string]any{
			"goal":  "find things",
			"depth": int32(3),
			"tags":  []any{"a", "b"},
		},
	}
	m.Require().NoError(m.store.InsertTask(m.ctx(), in))

	got, err := m.store.GetTask(m.ctx(), "wf1_A")
	m.Require().NoError(err)
	m.Equal(api.TaskPending, got.Status)
	m.Equal(api.DefaultMaxRetries, got.MaxRetries)
	m.Equal("find things", got.InputContext["goal"])
	// Nested bson values come back as plain Go maps/slices.
	m.IsType([]any{}, got.InputContext["tags"])

	err = m.store.InsertTask(m.ctx(), in)
	m.ErrorIs(err, persistence.ErrDuplicateID)
}

func (m *MongoStoreTestSuite) TestClaimIsExclusive() {
	m.insertPending("wf1_A", api.TaskTypeSearch)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
	)
	for _, w := range []string{"w1", "w2", "w3", "w4"} {
		wg.Add(1)
		go func(owner string) {
			defer wg.Done()
			got, err := m.store.ClaimTask(m.ctx(), owner, []api.TaskType{api.TaskTypeSearch})
			if err != nil || got == nil {
				return
			}
			mu.Lock()
			winners = append(winners, owner)
			mu.Unlock()
		}(w)
	}
	wg.Wait()

	m.Require().Len(winners, 1, "expected exactly one winner, got %v", winners)

	got, err := m.store.GetTask(m.ctx(), "wf1_A")
	m.Require().NoError(err)
	m.Equal(api.TaskInProgress, got.Status)
	m.Equal(winners[0], got.WorkerLock)
	m.NotNil(got.LockedAt)
}

func (m *MongoStoreTestSuite) TestClaimFIFOByCreatedAt() {
	now := time.Now().UTC()
	for i, id := range []string{"wf1_C", "wf1_A", "wf1_B"} {
		m.Require().NoError(m.store.InsertTask(m.ctx(), &api.Task{
			ID:         id,
			WorkflowID: "wf1",
			Type:       api.TaskTypeSearch,
			Status:     api.TaskPending,
			CreatedAt:  now.Add(time.Duration(-3+i) * time.Second),
		}))
	}

	first, err := m.store.ClaimTask(m.ctx(), "w1", []api.TaskType{api.TaskTypeSearch})
	m.Require().NoError(err)
	m.Require().NotNil(first)
	m.Equal("wf1_C", first.ID)
}

func (m *MongoStoreTestSuite) TestCompleteThenReclaimRace() {
	m.insertPending("wf1_A", api.TaskTypeSearch)

	claimed, err := m.store.ClaimTask(m.ctx(), "w1", []api.TaskType{api.TaskTypeSearch})
	m.Require().NoError(err)
	m.Require().NotNil(claimed)

	// Orchestrator reclaims the lease first...
	m.Require().NoError(m.store.ReleaseTaskForRetry(m.ctx(), "wf1_A", "w1", 1, "lock timeout"))

	// ...so the slow worker's completion write must lose.
	err = m.store.CompleteTask(m.ctx(), "wf1_A", "w1", api.Artifact{"ok": true})
	m.ErrorIs(err, persistence.ErrLockLost)

	got, err := m.store.GetTask(m.ctx(), "wf1_A")
	m.Require().NoError(err)
	m.Equal(api.TaskPending, got.Status)
	m.Equal(1, got.RetryCount)
	m.Equal("lock timeout", got.LastError)
}

func (m *MongoStoreTestSuite) TestUnblockMergesOutputs() {
	m.Require().NoError(m.store.InsertTask(m.ctx(), &api.Task{
		ID:           "wf1_D",
		WorkflowID:   "wf1",
		Type:         api.TaskTypeSynthesize,
		Dependencies: []string{"wf1_B", "wf1_C"},
		InputContext: map[string]any{"goal": "combine"},
	}))

	outs := map[string]any{
		"wf1_B": map[string]any{"ok": "wf1_B"},
		"wf1_C": map[string]any{"ok": "wf1_C"},
	}
	m.Require().NoError(m.store.UnblockTask(m.ctx(), "wf1_D", outs))

	got, err := m.store.GetTask(m.ctx(), "wf1_D")
	m.Require().NoError(err)
	m.Equal(api.TaskPending, got.Status)
	m.Equal("combine", got.InputContext["goal"])

	merged := got.DependencyOutputs()
	m.Require().NotNil(merged)
	inner, ok := merged["wf1_B"].(map[string]any)
	m.Require().True(ok, "nested artifact should normalize to map[string]any, got %T", merged["wf1_B"])
	m.Equal("wf1_B", inner["ok"])
}

func (m *MongoStoreTestSuite) TestExpiredLeases() {
	m.insertPending("wf1_A", api.TaskTypeSearch)
	_, err := m.store.ClaimTask(m.ctx(), "w1", []api.TaskType{api.TaskTypeSearch})
	m.Require().NoError(err)

	expired, err := m.store.ExpiredLeases(m.ctx(), time.Now().UTC().Add(-time.Minute))
	m.Require().NoError(err)
	m.Empty(expired)

	expired, err = m.store.ExpiredLeases(m.ctx(), time.Now().UTC().Add(time.Minute))
	m.Require().NoError(err)
	m.Require().Len(expired, 1)
	m.Equal("wf1_A", expired[0].ID)
}

func (m *MongoStoreTestSuite) TestWorkflowAndHeartbeat() {
	m.Require().NoError(m.store.InsertWorkflow(m.ctx(), &api.Workflow{ID: "wf1", Goal: "g"}))
	m.Require().NoError(m.store.SetWorkflowStatus(m.ctx(), "wf1", api.WorkflowRunning))
	m.Require().NoError(m.store.SetWorkflowStatus(m.ctx(), "wf1", api.WorkflowFailed))
	m.Require().NoError(m.store.SetWorkflowStatus(m.ctx(), "wf1", api.WorkflowRunning))

	got, err := m.store.GetWorkflow(m.ctx(), "wf1")
	m.Require().NoError(err)
	m.Equal(api.WorkflowFailed, got.Status)

	m.Require().NoError(m.store.BeatOrchestrator(m.ctx()))
	n, err := m.store.MarkOrchestratorRestarting(m.ctx())
	m.Require().NoError(err)
	m.Equal(1, n)

	hb, err := m.store.OrchestratorHeartbeat(m.ctx())
	m.Require().NoError(err)
	m.Require().NotNil(hb)
	m.Equal(api.HeartbeatRestarting, hb.Status)
}

func (m *MongoStoreTestSuite) TestIndexesCreated() {
	cur, err := m.client.Database(m.dbName).Collection("tasks").Indexes().List(m.ctx())
	m.Require().NoError(err)

	var specs []bson.M
	m.Require().NoError(cur.All(m.ctx(), &specs))
	// _id plus the four secondary indexes.
	m.GreaterOrEqual(len(specs), 5)
}
