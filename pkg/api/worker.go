package api

import "time"

// WorkerStatus reflects whether a worker process considers itself alive.
// A stale ONLINE record just means the worker died without saying goodbye;
// nothing in the scheduler trusts it.
type WorkerStatus string

const (
	WorkerOnline  WorkerStatus = "ONLINE"
	WorkerOffline WorkerStatus = "OFFLINE"
)

// WorkerRegistration is a worker's heartbeat record. It is advisory:
// task ownership is expressed only through Task.WorkerLock.
type WorkerRegistration struct {
	WorkerID      string       `bson:"_id" json:"worker_id"`
	Name          string       `bson:"name" json:"name"`
	TaskTypes     []TaskType   `bson:"task_types" json:"task_types"`
	Status        WorkerStatus `bson:"status" json:"status"`
	LastHeartbeat time.Time    `bson:"last_heartbeat" json:"last_heartbeat"`
}
