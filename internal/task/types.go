// Package task defines the domain types of the dispatch plane: tasks, their
// polymorphic params and status, chat messages, and users. Params and Status
// are tagged variants persisted as JSON with an explicit "kind" discriminator
// so that new task kinds can be added without breaking stored rows.
package task

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
	"time"
)

// Params describes what a task should produce. Exactly one concrete type
// implements each kind.
type Params interface {
	ParamsKind() string
}

const (
	KindImageGeneration       = "image_generation"
	KindChatMessageGeneration = "chat_message_generation"
)

// ImageGenerationParams requests NumberOfImages independent diffusion runs
// of Iterations steps each for the same prompt.
type ImageGenerationParams struct {
	Prompt         string `json:"prompt"`
	Iterations     uint32 `json:"iterations"`
	NumberOfImages uint32 `json:"number_of_images"`
}

func (ImageGenerationParams) ParamsKind() string { return KindImageGeneration }

// ChatMessageGenerationParams requests one assistant reply for the task's
// chat history. The history itself lives in chat message rows.
type ChatMessageGenerationParams struct{}

func (ChatMessageGenerationParams) ParamsKind() string { return KindChatMessageGeneration }

// Status is the lifecycle variant of a task.
type Status interface {
	StatusKind() string
}

const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusFinished   = "finished"
)

type Pending struct{}

func (Pending) StatusKind() string { return StatusPending }

// InProgress carries the latest progress report from the executing worker.
// CurrentStep never exceeds TotalSteps; for image tasks CurrentImage is
// below the params' NumberOfImages.
type InProgress struct {
	CurrentImage uint32 `json:"current_image"`
	CurrentStep  uint32 `json:"current_step"`
	TotalSteps   uint32 `json:"total_steps"`
}

func (InProgress) StatusKind() string { return StatusInProgress }

// Finished is terminal: a finished task never transitions again.
type Finished struct{}

func (Finished) StatusKind() string { return StatusFinished }

// Task is the central record of the dispatch plane.
type Task struct {
	ID        string
	UserID    *string
	CreatedAt time.Time
	Params    Params
	Status    Status
}

// IsPending reports whether the task is still waiting in the queue. The
// store mirrors this into an indexed column so leasing stays O(log n).
func (t Task) IsPending() bool {
	_, ok := t.Status.(Pending)
	return ok
}

// Role of a chat message author.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ValidRole reports whether r is one of the known chat roles.
func ValidRole(r Role) bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// ChatMessage is one entry in a chat task's history. MessageIndex values are
// dense per task, starting at 0.
type ChatMessage struct {
	TaskID       string    `json:"task_id"`
	MessageID    string    `json:"message_id"`
	Content      string    `json:"content"`
	Role         Role      `json:"role"`
	MessageIndex int       `json:"message_index"`
	CreatedAt    time.Time `json:"created_at"`
}

// User is created on first OAuth login, keyed by unique email.
type User struct {
	ID    string
	Email string
}

type paramsEnvelope struct {
	Kind           string `json:"kind"`
	Prompt         string `json:"prompt,omitempty"`
	Iterations     uint32 `json:"iterations,omitempty"`
	NumberOfImages uint32 `json:"number_of_images,omitempty"`
}

// EncodeParams serializes params into their tagged JSON form.
func EncodeParams(p Params) ([]byte, error) {
	switch v := p.(type) {
	case ImageGenerationParams:
		return json.Marshal(paramsEnvelope{
			Kind:           KindImageGeneration,
			Prompt:         v.Prompt,
			Iterations:     v.Iterations,
			NumberOfImages: v.NumberOfImages,
		})
	case ChatMessageGenerationParams:
		return json.Marshal(paramsEnvelope{Kind: KindChatMessageGeneration})
	case nil:
		return nil, fmt.Errorf("task params are nil")
	default:
		return nil, fmt.Errorf("unknown task params kind: %q", p.ParamsKind())
	}
}

// DecodeParams parses the tagged JSON form back into a concrete variant.
// An unknown kind is an error, never a panic: stored rows written by a newer
// revision must not take readers down.
func DecodeParams(data []byte) (Params, error) {
	var envelope paramsEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("failed to decode task params: %w", err)
	}
	switch envelope.Kind {
	case KindImageGeneration:
		return ImageGenerationParams{
			Prompt:         envelope.Prompt,
			Iterations:     envelope.Iterations,
			NumberOfImages: envelope.NumberOfImages,
		}, nil
	case KindChatMessageGeneration:
		return ChatMessageGenerationParams{}, nil
	default:
		return nil, fmt.Errorf("unknown task params kind: %q", envelope.Kind)
	}
}

type statusEnvelope struct {
	Kind         string `json:"kind"`
	CurrentImage uint32 `json:"current_image,omitempty"`
	CurrentStep  uint32 `json:"current_step,omitempty"`
	TotalSteps   uint32 `json:"total_steps,omitempty"`
}

// EncodeStatus serializes a status into its tagged JSON form.
func EncodeStatus(s Status) ([]byte, error) {
	switch v := s.(type) {
	case Pending:
		return json.Marshal(statusEnvelope{Kind: StatusPending})
	case InProgress:
		return json.Marshal(statusEnvelope{
			Kind:         StatusInProgress,
			CurrentImage: v.CurrentImage,
			CurrentStep:  v.CurrentStep,
			TotalSteps:   v.TotalSteps,
		})
	case Finished:
		return json.Marshal(statusEnvelope{Kind: StatusFinished})
	case nil:
		return nil, fmt.Errorf("task status is nil")
	default:
		return nil, fmt.Errorf("unknown task status kind: %q", s.StatusKind())
	}
}

// DecodeStatus parses the tagged JSON form back into a concrete variant.
func DecodeStatus(data []byte) (Status, error) {
	var envelope statusEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("failed to decode task status: %w", err)
	}
	switch envelope.Kind {
	case StatusPending:
		return Pending{}, nil
	case StatusInProgress:
		return InProgress{
			CurrentImage: envelope.CurrentImage,
			CurrentStep:  envelope.CurrentStep,
			TotalSteps:   envelope.TotalSteps,
		}, nil
	case StatusFinished:
		return Finished{}, nil
	default:
		return nil, fmt.Errorf("unknown task status kind: %q", envelope.Kind)
	}
}

const (
	taskIDLength   = 14
	taskIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// NewTaskID returns a fresh 14-character alphanumeric task id. Ids are not
// globally unique by construction; the store detects collisions through the
// unique constraint on the task id column and callers retry.
func NewTaskID() (string, error) {
	id := make([]byte, taskIDLength)
	max := big.NewInt(int64(len(taskIDAlphabet)))
	for i := range id {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to generate task id: %w", err)
		}
		id[i] = taskIDAlphabet[n.Int64()]
	}
	return string(id), nil
}
