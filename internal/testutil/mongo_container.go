// Package testutil starts shared disposable infrastructure for
// integration tests. Containers are started once per test binary and
// reused across tests.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	mongoOnce sync.Once
	mongoURI  string
	mongoErr  error
)

// MongoURI returns the connection string of a shared mongod container,
// starting it on first use. Tests that cannot reach a Docker daemon are
// skipped.
func MongoURI(t *testing.T) string {
	t.Helper()

	mongoOnce.Do(func() {
		// testcontainers panics rather than erroring when it finds no
		// Docker host; treat that as "unavailable" too.
		defer func() {
			if r := recover(); r != nil {
				mongoErr = fmt.Errorf("start mongo container: %v", r)
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
		defer cancel()

		container, err := testcontainers.Run(
			ctx, "mongo:7",
			testcontainers.WithExposedPorts("27017/tcp"),
			testcontainers.WithWaitStrategy(
				wait.ForListeningPort("27017/tcp"),
				wait.ForLog("mongod startup complete"),
			),
		)
		if err != nil {
			mongoErr = err
			return
		}

		t.Cleanup(func() {
			testcontainers.CleanupContainer(t, container)
		})

		endpoint, err := container.Endpoint(ctx, "")
		if err != nil {
			_ = container.Terminate(context.Background())
			mongoErr = err
			return
		}
		mongoURI = fmt.Sprintf("mongodb://%s", endpoint)
	})

	if mongoErr != nil {
		t.Skipf("mongo container unavailable: %v", mongoErr)
	}
	return mongoURI
}
