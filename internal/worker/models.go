package worker

import (
	"context"

	"sandbox/internal/task"
)

// ImageModel is the diffusion runtime behind image tasks. Generate runs one
// image synchronously and calls progress after every denoising step.
type ImageModel interface {
	Generate(ctx context.Context, prompt string, iterations uint32, progress func(currentStep, totalSteps uint32)) ([]byte, error)
}

// ChatModel produces one assistant reply for a chat history.
type ChatModel interface {
	Reply(ctx context.Context, messages []task.ChatMessage) (string, error)
}

// progressEvent flows from the generating goroutine to the reporter.
type progressEvent struct {
	imageIndex  uint32
	currentStep uint32
	totalSteps  uint32
}
