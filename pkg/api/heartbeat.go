package api

import "time"

// OrchestratorHeartbeatID is the well-known id of the singleton
// heartbeat document.
const OrchestratorHeartbeatID = "orchestrator_primary"

// OrchestratorHeartbeat is the liveness record the orchestrator writes
// once per tick. The watchdog restarts the orchestrator when it goes
// stale; Restarts counts resurrections across process lifetimes.
type OrchestratorHeartbeat struct {
	ID            string    `bson:"_id" json:"id"`
	LastHeartbeat time.Time `bson:"last_heartbeat" json:"last_heartbeat"`
	Status        string    `bson:"status" json:"status"`
	Restarts      int       `bson:"restarts" json:"restarts"`
}

// Orchestrator heartbeat statuses.
const (
	HeartbeatRunning    = "RUNNING"
	HeartbeatRestarting = "RESTARTING"
)
