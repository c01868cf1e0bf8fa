// Package store holds the durable task state: tasks, their assets, chat
// messages, users, and worker liveness. Postgres backs the real deployment;
// Memory backs the in-process scheduler and tests.
package store

import (
	"context"
	"errors"
	"time"

	"sandbox/internal/task"
)

var (
	// ErrTaskNotFound is returned for reads of unknown task ids.
	ErrTaskNotFound = errors.New("task not found")
	// ErrUserNotFound is returned for reads of unknown user ids.
	ErrUserNotFound = errors.New("user not found")
)

// ActiveWorkerWindow bounds how recently a worker must have pinged to count
// as active.
const ActiveWorkerWindow = 10 * time.Minute

// Counters are the derived operational counts sampled by the metrics
// aggregator. Every field is an index seek, never a table scan.
type Counters struct {
	PendingTasks         int64
	InProgressTasks      int64
	FinishedTasksLastDay int64
	MaxPendingAge        time.Duration
	ActiveWorkers        int64
}

// Store is the transactional task-state contract shared by the Postgres and
// Memory implementations.
type Store interface {
	// CreateTask persists a fresh Pending task. A nil userID records an
	// anonymous task. Task-id collisions are retried internally.
	CreateTask(ctx context.Context, userID *string, params task.Params) (task.Task, error)

	// GetTask returns the task record or ErrTaskNotFound.
	GetTask(ctx context.Context, id string) (task.Task, error)

	// ListUserTasks returns the user's tasks, newest first.
	ListUserTasks(ctx context.Context, userID string) ([]task.Task, error)

	// LeaseNextTask claims at most one queued task. It returns nil when the
	// queue is drained. Two concurrent callers never observe the same task;
	// a lease abandoned by a crashed worker becomes claimable again after
	// the stall threshold.
	LeaseNextTask(ctx context.Context) (*task.Task, error)

	// SaveTaskStatus is the sole status write path. It keeps the is_pending
	// mirror in sync in the same statement and never regresses a Finished
	// task.
	SaveTaskStatus(ctx context.Context, id string, status task.Status) error

	// AddTaskAsset records an asset produced for a task. Assets are
	// append-only; their ULIDs order them by creation time.
	AddTaskAsset(ctx context.Context, taskID, assetID string) error

	// ListTaskAssets returns the task's asset ids in creation order.
	ListTaskAssets(ctx context.Context, taskID string) ([]string, error)

	// ListAssetsForTasks returns asset ids keyed by task id, each list in
	// creation order, in one query. Tasks without assets have no entry.
	ListAssetsForTasks(ctx context.Context, taskIDs []string) (map[string][]string, error)

	// AppendChatMessage appends with the next dense message index, computed
	// atomically so concurrent appends are linearized.
	AppendChatMessage(ctx context.Context, taskID, content string, role task.Role) (task.ChatMessage, error)

	// ListChatMessages returns the task's messages ordered by index.
	ListChatMessages(ctx context.Context, taskID string) ([]task.ChatMessage, error)

	// UpsertUserByEmail creates the user on first login and returns the
	// existing record afterwards, in one statement.
	UpsertUserByEmail(ctx context.Context, email string) (task.User, error)

	// PingWorker creates or refreshes the worker's liveness row. Races
	// between concurrent pings are harmless.
	PingWorker(ctx context.Context, workerID string) error

	// Counters recomputes the derived operational counts.
	Counters(ctx context.Context) (Counters, error)
}
