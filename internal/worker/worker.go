package worker

import (
	"context"
	"fmt"
	"time"

	"sandbox/internal/logging"
	"sandbox/internal/task"
)

// idleSleep is how long the loop waits after a drained queue or a failed
// lease before polling again.
const idleSleep = 10 * time.Second

// Worker polls the dispatcher for tasks and executes them one at a time.
// Model inference is not cancelled mid-flight; if the process dies, the
// dispatcher's stall sweep requeues the task.
type Worker struct {
	client     *Client
	imageModel ImageModel
	chatModel  ChatModel
	sleep      time.Duration
	logger     logging.Logger
}

func New(client *Client, imageModel ImageModel, chatModel ChatModel) (*Worker, error) {
	if client == nil {
		return nil, fmt.Errorf("worker requires a client")
	}
	return &Worker{
		client:     client,
		imageModel: imageModel,
		chatModel:  chatModel,
		sleep:      idleSleep,
		logger:     logging.NewComponentLogger("Worker"),
	}, nil
}

// Run polls until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("Worker %s polling for tasks", w.client.WorkerID())
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		idle := w.RunOnce(ctx)
		if !idle {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.sleep):
		}
	}
}

// RunOnce leases and executes at most one task. It reports whether the loop
// should idle before the next poll.
func (w *Worker) RunOnce(ctx context.Context) (idle bool) {
	leased, err := w.client.LeaseTask(ctx)
	if err != nil {
		w.logger.Warn("Failed to lease a task: %v", err)
		return true
	}
	if leased == nil {
		return true
	}

	w.logger.Info("Executing task %s (%s)", leased.ID, leased.Params.ParamsKind())
	if err := w.execute(ctx, *leased); err != nil {
		w.logger.Error("Task %s failed: %v", leased.ID, err)
		return true
	}
	w.logger.Info("Task %s finished", leased.ID)
	return false
}

// RunTask executes one already-leased task. The in-process scheduler uses
// this as its runner.
func (w *Worker) RunTask(ctx context.Context, t task.Task) error {
	return w.execute(ctx, t)
}

func (w *Worker) execute(ctx context.Context, t task.Task) error {
	switch params := t.Params.(type) {
	case task.ImageGenerationParams:
		if w.imageModel == nil {
			return fmt.Errorf("no image model configured")
		}
		return w.runImageTask(ctx, t, params)
	case task.ChatMessageGenerationParams:
		if w.chatModel == nil {
			return fmt.Errorf("no chat model configured")
		}
		return w.runChatTask(ctx, t)
	default:
		return fmt.Errorf("unsupported task kind: %q", t.Params.ParamsKind())
	}
}
