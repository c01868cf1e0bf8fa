package worker

import (
	"context"
	"fmt"
	"sort"

	"sandbox/internal/task"
)

func (w *Worker) runChatTask(ctx context.Context, t task.Task) error {
	messages, err := w.client.GetChatMessages(ctx, t.ID)
	if err != nil {
		return fmt.Errorf("failed to fetch chat history for task %s: %w", t.ID, err)
	}
	sort.Slice(messages, func(i, j int) bool {
		return messages[i].MessageIndex < messages[j].MessageIndex
	})

	reply, err := w.chatModel.Reply(ctx, messages)
	if err != nil {
		return fmt.Errorf("chat model failed for task %s: %w", t.ID, err)
	}

	if err := w.client.AddAssistantMessage(ctx, t.ID, reply); err != nil {
		return fmt.Errorf("failed to append reply to task %s: %w", t.ID, err)
	}
	if err := w.client.ReportStatus(ctx, t.ID, task.Finished{}); err != nil {
		return fmt.Errorf("failed to finish task %s: %w", t.ID, err)
	}
	return nil
}
