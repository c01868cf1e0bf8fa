package worker

import (
	"bytes"
	"context"
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	"image/png"
	"math/rand"

	"sandbox/internal/task"
)

// NoiseImageModel is the built-in stand-in for a real diffusion runtime: it
// renders deterministic colored noise seeded by the prompt. Useful for
// exercising the full dispatch path on machines without a GPU.
type NoiseImageModel struct {
	Width  int
	Height int
}

func NewNoiseImageModel() *NoiseImageModel {
	return &NoiseImageModel{Width: 256, Height: 256}
}

func (m *NoiseImageModel) Generate(ctx context.Context, prompt string, iterations uint32, progress func(uint32, uint32)) ([]byte, error) {
	seed := fnv.New64a()
	seed.Write([]byte(prompt))
	rng := rand.New(rand.NewSource(int64(seed.Sum64())))

	img := image.NewRGBA(image.Rect(0, 0, m.Width, m.Height))
	for step := uint32(1); step <= iterations; step++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for y := 0; y < m.Height; y++ {
			for x := 0; x < m.Width; x++ {
				img.Set(x, y, color.RGBA{
					R: uint8(rng.Intn(256)),
					G: uint8(rng.Intn(256)),
					B: uint8(rng.Intn(256)),
					A: 255,
				})
			}
		}
		progress(step, iterations)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}
	return buf.Bytes(), nil
}

// EchoChatModel replies with the last user message. Dev stand-in for a real
// language model runtime.
type EchoChatModel struct{}

func (EchoChatModel) Reply(_ context.Context, messages []task.ChatMessage) (string, error) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == task.RoleUser {
			return "You said: " + messages[i].Content, nil
		}
	}
	return "", fmt.Errorf("chat history has no user message")
}
