package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"sandbox/internal/task"
)

type memoryTask struct {
	record          task.Task
	leasedAt        time.Time
	statusUpdatedAt time.Time
}

// Memory is an in-process Store. It backs the simple scheduler's dev mode
// and the handler and worker tests; the locking discipline mirrors the row
// semantics of the Postgres implementation.
type Memory struct {
	mu sync.Mutex

	stallThreshold time.Duration
	now            func() time.Time

	tasks       map[string]*memoryTask
	taskOrder   []string
	assets      map[string][]string
	messages    map[string][]task.ChatMessage
	usersByMail map[string]task.User
	workerPings map[string]time.Time
}

// NewMemory returns an empty in-memory store with the given stall threshold
// for lease recovery.
func NewMemory(stallThreshold time.Duration) *Memory {
	return &Memory{
		stallThreshold: stallThreshold,
		now:            time.Now,
		tasks:          make(map[string]*memoryTask),
		assets:         make(map[string][]string),
		messages:       make(map[string][]task.ChatMessage),
		usersByMail:    make(map[string]task.User),
		workerPings:    make(map[string]time.Time),
	}
}

// SetClock overrides the time source. Test hook.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Memory) CreateTask(_ context.Context, userID *string, params task.Params) (task.Task, error) {
	if params == nil {
		return task.Task{}, fmt.Errorf("task params are required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var id string
	for {
		generated, err := task.NewTaskID()
		if err != nil {
			return task.Task{}, err
		}
		if _, taken := m.tasks[generated]; !taken {
			id = generated
			break
		}
	}

	var owner *string
	if userID != nil {
		copied := *userID
		owner = &copied
	}

	record := task.Task{
		ID:        id,
		UserID:    owner,
		CreatedAt: m.now(),
		Params:    params,
		Status:    task.Pending{},
	}
	m.tasks[id] = &memoryTask{record: record, statusUpdatedAt: record.CreatedAt}
	m.taskOrder = append(m.taskOrder, id)
	return record, nil
}

func (m *Memory) GetTask(_ context.Context, id string) (task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.tasks[id]
	if !ok {
		return task.Task{}, ErrTaskNotFound
	}
	return entry.record, nil
}

func (m *Memory) ListUserTasks(_ context.Context, userID string) ([]task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var tasks []task.Task
	for _, id := range m.taskOrder {
		entry := m.tasks[id]
		if entry.record.UserID != nil && *entry.record.UserID == userID {
			tasks = append(tasks, entry.record)
		}
	}
	// Newest first.
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
	return tasks, nil
}

func (m *Memory) LeaseNextTask(_ context.Context) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()

	// Stalled in-progress tasks go back to the queue before leasing.
	for _, entry := range m.tasks {
		if _, inProgress := entry.record.Status.(task.InProgress); inProgress &&
			now.Sub(entry.statusUpdatedAt) > m.stallThreshold {
			entry.record.Status = task.Pending{}
			entry.statusUpdatedAt = now
			entry.leasedAt = time.Time{}
		}
	}

	for _, id := range m.taskOrder {
		entry := m.tasks[id]
		if !entry.record.IsPending() {
			continue
		}
		if !entry.leasedAt.IsZero() && now.Sub(entry.leasedAt) <= m.stallThreshold {
			continue
		}
		entry.leasedAt = now
		leased := entry.record
		return &leased, nil
	}
	return nil, nil
}

func (m *Memory) SaveTaskStatus(_ context.Context, id string, status task.Status) error {
	if status == nil {
		return fmt.Errorf("task status is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if _, finished := entry.record.Status.(task.Finished); finished {
		// Finished is terminal; late reports are dropped.
		return nil
	}
	entry.record.Status = status
	entry.statusUpdatedAt = m.now()
	return nil
}

func (m *Memory) AddTaskAsset(_ context.Context, taskID, assetID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tasks[taskID]; !ok {
		return ErrTaskNotFound
	}
	m.assets[taskID] = append(m.assets[taskID], assetID)
	return nil
}

func (m *Memory) ListTaskAssets(_ context.Context, taskID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	assets := make([]string, len(m.assets[taskID]))
	copy(assets, m.assets[taskID])
	sort.Strings(assets) // ULID order = creation order
	return assets, nil
}

func (m *Memory) ListAssetsForTasks(_ context.Context, taskIDs []string) (map[string][]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make(map[string][]string, len(taskIDs))
	for _, taskID := range taskIDs {
		stored := m.assets[taskID]
		if len(stored) == 0 {
			continue
		}
		assets := make([]string, len(stored))
		copy(assets, stored)
		sort.Strings(assets)
		result[taskID] = assets
	}
	return result, nil
}

func (m *Memory) AppendChatMessage(_ context.Context, taskID, content string, role task.Role) (task.ChatMessage, error) {
	if !task.ValidRole(role) {
		return task.ChatMessage{}, fmt.Errorf("unknown chat role: %q", role)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tasks[taskID]; !ok {
		return task.ChatMessage{}, ErrTaskNotFound
	}

	nextIndex := 0
	for _, msg := range m.messages[taskID] {
		if msg.MessageIndex >= nextIndex {
			nextIndex = msg.MessageIndex + 1
		}
	}

	message := task.ChatMessage{
		TaskID:       taskID,
		MessageID:    ulid.Make().String(),
		Content:      content,
		Role:         role,
		MessageIndex: nextIndex,
		CreatedAt:    m.now(),
	}
	m.messages[taskID] = append(m.messages[taskID], message)
	return message, nil
}

func (m *Memory) ListChatMessages(_ context.Context, taskID string) ([]task.ChatMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	messages := make([]task.ChatMessage, len(m.messages[taskID]))
	copy(messages, m.messages[taskID])
	sort.Slice(messages, func(i, j int) bool {
		return messages[i].MessageIndex < messages[j].MessageIndex
	})
	return messages, nil
}

func (m *Memory) UpsertUserByEmail(_ context.Context, email string) (task.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if user, ok := m.usersByMail[email]; ok {
		return user, nil
	}
	user := task.User{ID: ulid.Make().String(), Email: email}
	m.usersByMail[email] = user
	return user, nil
}

func (m *Memory) PingWorker(_ context.Context, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.workerPings[workerID] = m.now()
	return nil
}

func (m *Memory) Counters(_ context.Context) (Counters, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var counters Counters
	for _, entry := range m.tasks {
		switch entry.record.Status.(type) {
		case task.Pending:
			counters.PendingTasks++
			if age := now.Sub(entry.record.CreatedAt); age > counters.MaxPendingAge {
				counters.MaxPendingAge = age
			}
		case task.InProgress:
			counters.InProgressTasks++
		case task.Finished:
			if now.Sub(entry.statusUpdatedAt) <= 24*time.Hour {
				counters.FinishedTasksLastDay++
			}
		}
	}
	for _, pingedAt := range m.workerPings {
		if now.Sub(pingedAt) <= ActiveWorkerWindow {
			counters.ActiveWorkers++
		}
	}
	return counters, nil
}
