package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"sandbox/internal/task"
)

// TaskView is the wire shape of a task. Every field is omitempty so the
// drained-queue lease response serializes as an empty object.
type TaskView struct {
	TaskID    string          `json:"task_id,omitempty"`
	UserID    *string         `json:"user_id,omitempty"`
	CreatedAt *time.Time      `json:"created_at,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Status    json.RawMessage `json:"status,omitempty"`
	AssetIDs  []string        `json:"asset_ids,omitempty"`
}

func taskView(t task.Task, assetIDs []string) (TaskView, error) {
	params, err := task.EncodeParams(t.Params)
	if err != nil {
		return TaskView{}, err
	}
	status, err := task.EncodeStatus(t.Status)
	if err != nil {
		return TaskView{}, err
	}
	createdAt := t.CreatedAt
	return TaskView{
		TaskID:    t.ID,
		UserID:    t.UserID,
		CreatedAt: &createdAt,
		Params:    params,
		Status:    status,
		AssetIDs:  assetIDs,
	}, nil
}

// ChatMessageView is the wire shape of a chat message.
type ChatMessageView struct {
	TaskID       string    `json:"task_id"`
	MessageID    string    `json:"message_id"`
	Content      string    `json:"content"`
	Role         string    `json:"role"`
	MessageIndex int       `json:"message_index"`
	CreatedAt    time.Time `json:"created_at"`
}

func chatMessageView(m task.ChatMessage) ChatMessageView {
	return ChatMessageView{
		TaskID:       m.TaskID,
		MessageID:    m.MessageID,
		Content:      m.Content,
		Role:         string(m.Role),
		MessageIndex: m.MessageIndex,
		CreatedAt:    m.CreatedAt,
	}
}

// Error kinds carried in RPC error responses.
const (
	errKindNotFound        = "not_found"
	errKindInvalidArgument = "invalid_argument"
	errKindUnauthenticated = "unauthenticated"
	errKindWrongToken      = "wrong_token"
	errKindTokenExpired    = "token_expired"
	errKindInternal        = "internal"
)

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func respondError(c *gin.Context, kind, message string) {
	status := http.StatusInternalServerError
	switch kind {
	case errKindNotFound:
		status = http.StatusNotFound
	case errKindInvalidArgument:
		status = http.StatusBadRequest
	case errKindUnauthenticated, errKindWrongToken, errKindTokenExpired:
		status = http.StatusUnauthorized
	}
	c.AbortWithStatusJSON(status, gin.H{"error": errorBody{Kind: kind, Message: message}})
}
