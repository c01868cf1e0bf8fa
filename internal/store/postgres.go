package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"

	"sandbox/internal/logging"
	"sandbox/internal/task"
)

const (
	// createTaskAttempts bounds retries of the 14-character task id on a
	// unique-constraint collision.
	createTaskAttempts = 5

	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// Postgres is the production Store, backed by a pgx connection pool. The
// pool is shared by reference across the API handlers and the metrics
// sampler; it is never reinstantiated per request.
type Postgres struct {
	pool           *pgxpool.Pool
	stallThreshold time.Duration
	logger         logging.Logger
}

// NewPostgres connects the pool and ensures the schema.
func NewPostgres(ctx context.Context, connectionString string, stallThreshold time.Duration) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	s := &Postgres{
		pool:           pool,
		stallThreshold: stallThreshold,
		logger:         logging.NewComponentLogger("Store"),
	}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the connection pool.
func (s *Postgres) Close() {
	s.pool.Close()
}

// EnsureSchema creates the tables and indexes if needed.
func (s *Postgres) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS sandbox_tasks (
    task_id TEXT PRIMARY KEY,
    user_id TEXT,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    params JSONB NOT NULL,
    status JSONB NOT NULL,
    is_pending BOOLEAN NOT NULL DEFAULT TRUE,
    leased_at TIMESTAMPTZ,
    status_updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`CREATE INDEX IF NOT EXISTS sandbox_tasks_pending_idx
    ON sandbox_tasks (created_at) WHERE is_pending`,
		`CREATE INDEX IF NOT EXISTS sandbox_tasks_user_idx
    ON sandbox_tasks (user_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS sandbox_tasks_status_kind_idx
    ON sandbox_tasks ((status->>'kind'), status_updated_at)`,
		`CREATE TABLE IF NOT EXISTS sandbox_task_assets (
    asset_id TEXT PRIMARY KEY,
    task_id TEXT NOT NULL REFERENCES sandbox_tasks (task_id)
)`,
		`CREATE INDEX IF NOT EXISTS sandbox_task_assets_task_idx
    ON sandbox_task_assets (task_id, asset_id)`,
		`CREATE TABLE IF NOT EXISTS sandbox_chat_messages (
    message_id TEXT PRIMARY KEY,
    task_id TEXT NOT NULL REFERENCES sandbox_tasks (task_id),
    content TEXT NOT NULL,
    role TEXT NOT NULL,
    message_index INT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (task_id, message_index)
)`,
		`CREATE TABLE IF NOT EXISTS sandbox_users (
    id TEXT PRIMARY KEY,
    email TEXT NOT NULL UNIQUE
)`,
		`CREATE TABLE IF NOT EXISTS sandbox_workers (
    worker_id TEXT PRIMARY KEY,
    last_ping_at TIMESTAMPTZ NOT NULL
)`,
	}

	for _, statement := range statements {
		if _, err := s.pool.Exec(ctx, statement); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	return nil
}

func (s *Postgres) CreateTask(ctx context.Context, userID *string, params task.Params) (task.Task, error) {
	encodedParams, err := task.EncodeParams(params)
	if err != nil {
		return task.Task{}, err
	}
	encodedStatus, err := task.EncodeStatus(task.Pending{})
	if err != nil {
		return task.Task{}, err
	}

	for attempt := 0; attempt < createTaskAttempts; attempt++ {
		id, err := task.NewTaskID()
		if err != nil {
			return task.Task{}, err
		}

		var createdAt time.Time
		err = s.pool.QueryRow(ctx,
			`INSERT INTO sandbox_tasks (task_id, user_id, params, status)
             VALUES ($1, $2, $3, $4)
             RETURNING created_at`,
			id, userID, encodedParams, encodedStatus,
		).Scan(&createdAt)
		if err != nil {
			if isPgError(err, pgUniqueViolation) {
				s.logger.Warn("task id collision on %s, retrying", id)
				continue
			}
			return task.Task{}, fmt.Errorf("failed to insert task: %w", err)
		}

		return task.Task{
			ID:        id,
			UserID:    userID,
			CreatedAt: createdAt,
			Params:    params,
			Status:    task.Pending{},
		}, nil
	}
	return task.Task{}, fmt.Errorf("failed to insert task: %d id collisions in a row", createTaskAttempts)
}

func (s *Postgres) GetTask(ctx context.Context, id string) (task.Task, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT task_id, user_id, created_at, params, status
         FROM sandbox_tasks WHERE task_id = $1`, id)

	record, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return task.Task{}, ErrTaskNotFound
	}
	if err != nil {
		return task.Task{}, fmt.Errorf("failed to read task %s: %w", id, err)
	}
	return record, nil
}

func (s *Postgres) ListUserTasks(ctx context.Context, userID string) ([]task.Task, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT task_id, user_id, created_at, params, status
         FROM sandbox_tasks WHERE user_id = $1
         ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks for user %s: %w", userID, err)
	}
	defer rows.Close()

	var tasks []task.Task
	for rows.Next() {
		record, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task row: %w", err)
		}
		tasks = append(tasks, record)
	}
	return tasks, rows.Err()
}

func (s *Postgres) LeaseNextTask(ctx context.Context) (*task.Task, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to begin lease transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	stallSeconds := s.stallThreshold.Seconds()

	// Tasks abandoned mid-flight by a crashed worker go back to the queue
	// once their last status update is older than the stall threshold.
	swept, err := tx.Exec(ctx,
		`UPDATE sandbox_tasks
         SET status = '{"kind":"pending"}'::jsonb,
             is_pending = TRUE,
             leased_at = NULL,
             status_updated_at = now()
         WHERE status->>'kind' = 'in_progress'
           AND status_updated_at < now() - make_interval(secs => $1)`,
		stallSeconds)
	if err != nil {
		return nil, fmt.Errorf("failed to sweep stalled tasks: %w", err)
	}
	if n := swept.RowsAffected(); n > 0 {
		s.logger.Warn("requeued %d stalled tasks", n)
	}

	row := tx.QueryRow(ctx,
		`SELECT task_id, user_id, created_at, params, status
         FROM sandbox_tasks
         WHERE is_pending
           AND (leased_at IS NULL OR leased_at < now() - make_interval(secs => $1))
         ORDER BY created_at
         LIMIT 1
         FOR UPDATE SKIP LOCKED`,
		stallSeconds)

	record, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, tx.Commit(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select task to lease: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE sandbox_tasks SET leased_at = now() WHERE task_id = $1`,
		record.ID); err != nil {
		return nil, fmt.Errorf("failed to mark task %s leased: %w", record.ID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit lease: %w", err)
	}
	return &record, nil
}

func (s *Postgres) SaveTaskStatus(ctx context.Context, id string, status task.Status) error {
	encoded, err := task.EncodeStatus(status)
	if err != nil {
		return err
	}
	_, isPending := status.(task.Pending)

	// The is_pending mirror changes in the same statement as status, and
	// a finished task is terminal.
	tag, err := s.pool.Exec(ctx,
		`UPDATE sandbox_tasks
         SET status = $1::jsonb, is_pending = $2, status_updated_at = now()
         WHERE task_id = $3 AND status->>'kind' <> 'finished'`,
		encoded, isPending, id)
	if err != nil {
		return fmt.Errorf("failed to save status of task %s: %w", id, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	// Either the task does not exist or it already finished; a late report
	// for a finished task is dropped silently.
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM sandbox_tasks WHERE task_id = $1)`, id,
	).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check task %s: %w", id, err)
	}
	if !exists {
		return ErrTaskNotFound
	}
	return nil
}

func (s *Postgres) AddTaskAsset(ctx context.Context, taskID, assetID string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sandbox_task_assets (asset_id, task_id) VALUES ($1, $2)`,
		assetID, taskID)
	if isPgError(err, pgForeignKeyViolation) {
		return ErrTaskNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to insert asset %s for task %s: %w", assetID, taskID, err)
	}
	return nil
}

func (s *Postgres) ListTaskAssets(ctx context.Context, taskID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT asset_id FROM sandbox_task_assets
         WHERE task_id = $1 ORDER BY asset_id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list assets of task %s: %w", taskID, err)
	}
	defer rows.Close()

	var assets []string
	for rows.Next() {
		var assetID string
		if err := rows.Scan(&assetID); err != nil {
			return nil, fmt.Errorf("failed to scan asset row: %w", err)
		}
		assets = append(assets, assetID)
	}
	return assets, rows.Err()
}

func (s *Postgres) ListAssetsForTasks(ctx context.Context, taskIDs []string) (map[string][]string, error) {
	if len(taskIDs) == 0 {
		return map[string][]string{}, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT task_id, asset_id FROM sandbox_task_assets
         WHERE task_id = ANY($1) ORDER BY task_id, asset_id`, taskIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to list assets for %d tasks: %w", len(taskIDs), err)
	}
	defer rows.Close()

	result := make(map[string][]string, len(taskIDs))
	for rows.Next() {
		var taskID, assetID string
		if err := rows.Scan(&taskID, &assetID); err != nil {
			return nil, fmt.Errorf("failed to scan asset row: %w", err)
		}
		result[taskID] = append(result[taskID], assetID)
	}
	return result, rows.Err()
}

func (s *Postgres) AppendChatMessage(ctx context.Context, taskID, content string, role task.Role) (task.ChatMessage, error) {
	if !task.ValidRole(role) {
		return task.ChatMessage{}, fmt.Errorf("unknown chat role: %q", role)
	}

	// The next dense index is computed inside the INSERT so concurrent
	// appends are linearized; losers of the (task_id, message_index)
	// unique race retry.
	for {
		messageID := ulid.Make().String()

		var message task.ChatMessage
		err := s.pool.QueryRow(ctx,
			`INSERT INTO sandbox_chat_messages (message_id, task_id, content, role, message_index)
             SELECT $1, $2, $3, $4, COALESCE(MAX(message_index) + 1, 0)
             FROM sandbox_chat_messages WHERE task_id = $2
             RETURNING message_index, created_at`,
			messageID, taskID, content, string(role),
		).Scan(&message.MessageIndex, &message.CreatedAt)
		if isPgError(err, pgUniqueViolation) {
			continue
		}
		if isPgError(err, pgForeignKeyViolation) {
			return task.ChatMessage{}, ErrTaskNotFound
		}
		if err != nil {
			return task.ChatMessage{}, fmt.Errorf("failed to append chat message to task %s: %w", taskID, err)
		}

		message.TaskID = taskID
		message.MessageID = messageID
		message.Content = content
		message.Role = role
		return message, nil
	}
}

func (s *Postgres) ListChatMessages(ctx context.Context, taskID string) ([]task.ChatMessage, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT message_id, content, role, message_index, created_at
         FROM sandbox_chat_messages
         WHERE task_id = $1 ORDER BY message_index`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chat messages of task %s: %w", taskID, err)
	}
	defer rows.Close()

	var messages []task.ChatMessage
	for rows.Next() {
		message := task.ChatMessage{TaskID: taskID}
		var role string
		if err := rows.Scan(&message.MessageID, &message.Content, &role, &message.MessageIndex, &message.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chat message row: %w", err)
		}
		message.Role = task.Role(role)
		messages = append(messages, message)
	}
	return messages, rows.Err()
}

func (s *Postgres) UpsertUserByEmail(ctx context.Context, email string) (task.User, error) {
	// Upsert-then-read in one statement; the no-op DO UPDATE makes
	// RETURNING yield the existing row on conflict.
	var user task.User
	err := s.pool.QueryRow(ctx,
		`INSERT INTO sandbox_users (id, email) VALUES ($1, $2)
         ON CONFLICT (email) DO UPDATE SET email = excluded.email
         RETURNING id, email`,
		ulid.Make().String(), email,
	).Scan(&user.ID, &user.Email)
	if err != nil {
		return task.User{}, fmt.Errorf("failed to upsert user %s: %w", email, err)
	}
	return user, nil
}

func (s *Postgres) PingWorker(ctx context.Context, workerID string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sandbox_workers (worker_id, last_ping_at) VALUES ($1, now())
         ON CONFLICT (worker_id) DO UPDATE SET last_ping_at = now()`,
		workerID)
	if err != nil {
		return fmt.Errorf("failed to ping worker %s: %w", workerID, err)
	}
	return nil
}

func (s *Postgres) Counters(ctx context.Context) (Counters, error) {
	var counters Counters

	if err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM sandbox_tasks WHERE is_pending`,
	).Scan(&counters.PendingTasks); err != nil {
		return Counters{}, fmt.Errorf("failed to count pending tasks: %w", err)
	}

	if err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM sandbox_tasks WHERE status->>'kind' = 'in_progress'`,
	).Scan(&counters.InProgressTasks); err != nil {
		return Counters{}, fmt.Errorf("failed to count in-progress tasks: %w", err)
	}

	if err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM sandbox_tasks
         WHERE status->>'kind' = 'finished'
           AND status_updated_at > now() - interval '24 hours'`,
	).Scan(&counters.FinishedTasksLastDay); err != nil {
		return Counters{}, fmt.Errorf("failed to count finished tasks: %w", err)
	}

	var maxAgeSeconds *float64
	if err := s.pool.QueryRow(ctx,
		`SELECT extract(epoch FROM max(now() - created_at))
         FROM sandbox_tasks WHERE is_pending`,
	).Scan(&maxAgeSeconds); err != nil {
		return Counters{}, fmt.Errorf("failed to compute max pending age: %w", err)
	}
	if maxAgeSeconds != nil {
		counters.MaxPendingAge = time.Duration(*maxAgeSeconds * float64(time.Second))
	}

	if err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM sandbox_workers
         WHERE last_ping_at > now() - make_interval(secs => $1)`,
		ActiveWorkerWindow.Seconds(),
	).Scan(&counters.ActiveWorkers); err != nil {
		return Counters{}, fmt.Errorf("failed to count active workers: %w", err)
	}

	return counters, nil
}

func scanTask(row pgx.Row) (task.Task, error) {
	var (
		record        task.Task
		encodedParams []byte
		encodedStatus []byte
	)
	if err := row.Scan(&record.ID, &record.UserID, &record.CreatedAt, &encodedParams, &encodedStatus); err != nil {
		return task.Task{}, err
	}

	params, err := task.DecodeParams(encodedParams)
	if err != nil {
		return task.Task{}, err
	}
	status, err := task.DecodeStatus(encodedStatus)
	if err != nil {
		return task.Task{}, err
	}

	record.Params = params
	record.Status = status
	return record, nil
}

func isPgError(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}
