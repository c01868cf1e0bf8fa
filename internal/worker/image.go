package worker

import (
	"context"
	"fmt"

	"sandbox/internal/task"
)

// unboundedQueue decouples the model's progress callbacks from status RPCs:
// the generating goroutine never blocks on the dispatcher, however slow the
// network is. Events queue in memory between the two.
func unboundedQueue() (chan<- progressEvent, <-chan progressEvent) {
	in := make(chan progressEvent)
	out := make(chan progressEvent)
	go func() {
		defer close(out)
		var backlog []progressEvent
		for {
			if len(backlog) == 0 {
				event, ok := <-in
				if !ok {
					return
				}
				backlog = append(backlog, event)
			}
			select {
			case event, ok := <-in:
				if !ok {
					for _, pending := range backlog {
						out <- pending
					}
					return
				}
				backlog = append(backlog, event)
			case out <- backlog[0]:
				backlog = backlog[1:]
			}
		}
	}()
	return in, out
}

func (w *Worker) runImageTask(ctx context.Context, t task.Task, params task.ImageGenerationParams) error {
	in, out := unboundedQueue()

	// Reporter: drain progress events into status RPCs. A failed report is
	// logged and skipped; the next event carries fresher state anyway.
	reporterDone := make(chan struct{})
	go func() {
		defer close(reporterDone)
		for event := range out {
			status := task.InProgress{
				CurrentImage: event.imageIndex,
				CurrentStep:  event.currentStep,
				TotalSteps:   event.totalSteps,
			}
			if err := w.client.ReportStatus(ctx, t.ID, status); err != nil {
				w.logger.Warn("Failed to report progress for task %s: %v", t.ID, err)
			}
		}
	}()

	generate := func() error {
		defer close(in)
		for i := uint32(0); i < params.NumberOfImages; i++ {
			imageIndex := i
			in <- progressEvent{imageIndex: imageIndex, currentStep: 0, totalSteps: params.Iterations}

			data, err := w.imageModel.Generate(ctx, params.Prompt, params.Iterations,
				func(currentStep, totalSteps uint32) {
					in <- progressEvent{imageIndex: imageIndex, currentStep: currentStep, totalSteps: totalSteps}
				})
			if err != nil {
				return fmt.Errorf("image %d of task %s failed: %w", imageIndex, t.ID, err)
			}

			assetID, err := w.client.CreateAsset(ctx, t.ID, data)
			if err != nil {
				return fmt.Errorf("failed to upload image %d of task %s: %w", imageIndex, t.ID, err)
			}
			w.logger.Info("Task %s image %d uploaded as %s", t.ID, imageIndex, assetID)
		}
		return nil
	}

	genErr := generate()
	<-reporterDone
	if genErr != nil {
		return genErr
	}

	if err := w.client.ReportStatus(ctx, t.ID, task.Finished{}); err != nil {
		return fmt.Errorf("failed to finish task %s: %w", t.ID, err)
	}
	return nil
}
