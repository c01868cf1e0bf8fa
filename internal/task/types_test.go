package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestParamsRoundTripPreservesVariant(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		var params Params
		if rapid.Bool().Draw(t, "image") {
			params = ImageGenerationParams{
				Prompt:         rapid.String().Draw(t, "prompt"),
				Iterations:     rapid.Uint32Range(1, 500).Draw(t, "iterations"),
				NumberOfImages: rapid.Uint32Range(1, 16).Draw(t, "images"),
			}
		} else {
			params = ChatMessageGenerationParams{}
		}

		encoded, err := EncodeParams(params)
		if err != nil {
			t.Fatalf("encode failed: %v", err)
		}
		decoded, err := DecodeParams(encoded)
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		if decoded != params {
			t.Fatalf("round trip mismatch: %#v != %#v", decoded, params)
		}
	})
}

func TestStatusRoundTripPreservesVariant(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		var status Status
		switch rapid.IntRange(0, 2).Draw(t, "variant") {
		case 0:
			status = Pending{}
		case 1:
			total := rapid.Uint32Range(1, 500).Draw(t, "total")
			status = InProgress{
				CurrentImage: rapid.Uint32Range(0, 15).Draw(t, "image"),
				CurrentStep:  rapid.Uint32Range(0, total).Draw(t, "step"),
				TotalSteps:   total,
			}
		default:
			status = Finished{}
		}

		encoded, err := EncodeStatus(status)
		if err != nil {
			t.Fatalf("encode failed: %v", err)
		}
		decoded, err := DecodeStatus(encoded)
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		if decoded != status {
			t.Fatalf("round trip mismatch: %#v != %#v", decoded, status)
		}
	})
}

func TestDecodeParamsRejectsUnknownKind(t *testing.T) {
	_, err := DecodeParams([]byte(`{"kind":"video_generation"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown task params kind")
}

func TestDecodeStatusRejectsUnknownKind(t *testing.T) {
	_, err := DecodeStatus([]byte(`{"kind":"cancelled"}`))
	require.Error(t, err)
}

func TestParamsEncodingCarriesKindTag(t *testing.T) {
	encoded, err := EncodeParams(ImageGenerationParams{Prompt: "cute cat", Iterations: 20, NumberOfImages: 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"image_generation","prompt":"cute cat","iterations":20,"number_of_images":1}`, string(encoded))

	encoded, err = EncodeParams(ChatMessageGenerationParams{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"chat_message_generation"}`, string(encoded))
}

func TestNewTaskID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id, err := NewTaskID()
		require.NoError(t, err)
		assert.Len(t, id, 14)
		for _, c := range id {
			assert.Contains(t, taskIDAlphabet, string(c))
		}
		seen[id] = true
	}
	// 100 draws from a 62^14 space colliding would mean a broken generator.
	assert.Len(t, seen, 100)
}

func TestIsPendingMirrorsStatus(t *testing.T) {
	assert.True(t, Task{Status: Pending{}}.IsPending())
	assert.False(t, Task{Status: InProgress{CurrentStep: 1, TotalSteps: 20}}.IsPending())
	assert.False(t, Task{Status: Finished{}}.IsPending())
}
