package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/oklog/ulid/v2"

	"sandbox/internal/artifact"
	"sandbox/internal/store"
	"sandbox/internal/task"
)

func (s *Server) handleCreateTask(c *gin.Context) {
	var req struct {
		Params json.RawMessage `json:"params"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Params) == 0 {
		respondError(c, errKindInvalidArgument, "task params are required")
		return
	}
	params, err := task.DecodeParams(req.Params)
	if err != nil {
		respondError(c, errKindInvalidArgument, err.Error())
		return
	}

	var userID *string
	if identity, ok := identityFromContext(c); ok {
		userID = &identity.UserID
	}

	created, err := s.deps.Store.CreateTask(c.Request.Context(), userID, params)
	if err != nil {
		s.logger.Error("Failed to create task: %v", err)
		respondError(c, errKindInternal, "failed to create task")
		return
	}
	if err := s.deps.Scheduler.Schedule(c.Request.Context(), created); err != nil {
		s.logger.Warn("Failed to schedule task %s: %v", created.ID, err)
	}

	view, err := taskView(created, nil)
	if err != nil {
		respondError(c, errKindInternal, "failed to encode task")
		return
	}
	s.logger.Info("Created task %s (%s)", created.ID, params.ParamsKind())
	c.JSON(http.StatusOK, gin.H{"task": view})
}

func (s *Server) handleGetTask(c *gin.Context) {
	var req struct {
		TaskID string `json:"task_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.TaskID == "" {
		respondError(c, errKindInvalidArgument, "task_id is required")
		return
	}

	record, err := s.deps.Store.GetTask(c.Request.Context(), req.TaskID)
	if errors.Is(err, store.ErrTaskNotFound) {
		respondError(c, errKindNotFound, "task not found")
		return
	}
	if err != nil {
		s.logger.Error("Failed to read task %s: %v", req.TaskID, err)
		respondError(c, errKindInternal, "failed to read task")
		return
	}

	assetIDs, err := s.deps.Store.ListTaskAssets(c.Request.Context(), req.TaskID)
	if err != nil {
		s.logger.Error("Failed to list assets for task %s: %v", req.TaskID, err)
		respondError(c, errKindInternal, "failed to read task assets")
		return
	}

	view, err := taskView(record, assetIDs)
	if err != nil {
		respondError(c, errKindInternal, "failed to encode task")
		return
	}
	c.JSON(http.StatusOK, gin.H{"task": view})
}

func (s *Server) handleGetAllTasks(c *gin.Context) {
	identity, ok := identityFromContext(c)
	if !ok {
		respondError(c, errKindUnauthenticated, "access token required")
		return
	}

	tasks, err := s.deps.Store.ListUserTasks(c.Request.Context(), identity.UserID)
	if err != nil {
		s.logger.Error("Failed to list tasks for user %s: %v", identity.UserID, err)
		respondError(c, errKindInternal, "failed to list tasks")
		return
	}

	taskIDs := make([]string, 0, len(tasks))
	for _, record := range tasks {
		taskIDs = append(taskIDs, record.ID)
	}
	assetsByTask, err := s.deps.Store.ListAssetsForTasks(c.Request.Context(), taskIDs)
	if err != nil {
		s.logger.Error("Failed to list assets for user %s: %v", identity.UserID, err)
		respondError(c, errKindInternal, "failed to read task assets")
		return
	}

	views := make([]TaskView, 0, len(tasks))
	for _, record := range tasks {
		view, err := taskView(record, assetsByTask[record.ID])
		if err != nil {
			respondError(c, errKindInternal, "failed to encode task")
			return
		}
		views = append(views, view)
	}
	c.JSON(http.StatusOK, gin.H{"tasks": views})
}

func (s *Server) handleGetTaskToRun(c *gin.Context) {
	leased, err := s.deps.Store.LeaseNextTask(c.Request.Context())
	if err != nil {
		s.logger.Error("Failed to lease task: %v", err)
		respondError(c, errKindInternal, "failed to lease task")
		return
	}
	if leased == nil {
		// Drained queue: an empty task object, not an error.
		c.JSON(http.StatusOK, gin.H{"task": TaskView{}})
		return
	}

	view, err := taskView(*leased, nil)
	if err != nil {
		respondError(c, errKindInternal, "failed to encode task")
		return
	}
	s.logger.Info("Leased task %s to worker %s", leased.ID, c.GetString(contextKeyWorkerID))
	c.JSON(http.StatusOK, gin.H{"task": view})
}

func (s *Server) handleUpdateTaskStatus(c *gin.Context) {
	var req struct {
		TaskID string          `json:"task_id"`
		Status json.RawMessage `json:"status"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.TaskID == "" || len(req.Status) == 0 {
		respondError(c, errKindInvalidArgument, "task_id and status are required")
		return
	}
	status, err := task.DecodeStatus(req.Status)
	if err != nil {
		respondError(c, errKindInvalidArgument, err.Error())
		return
	}
	if _, isPending := status.(task.Pending); isPending {
		respondError(c, errKindInvalidArgument, "workers cannot reset a task to pending")
		return
	}

	if progress, ok := status.(task.InProgress); ok {
		record, err := s.deps.Store.GetTask(c.Request.Context(), req.TaskID)
		if errors.Is(err, store.ErrTaskNotFound) {
			respondError(c, errKindNotFound, "task not found")
			return
		}
		if err != nil {
			s.logger.Error("Failed to read task %s: %v", req.TaskID, err)
			respondError(c, errKindInternal, "failed to read task")
			return
		}
		if msg := validateProgress(progress, record.Params); msg != "" {
			respondError(c, errKindInvalidArgument, msg)
			return
		}
	}

	if err := s.deps.Store.SaveTaskStatus(c.Request.Context(), req.TaskID, status); err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			respondError(c, errKindNotFound, "task not found")
			return
		}
		s.logger.Error("Failed to update task %s: %v", req.TaskID, err)
		respondError(c, errKindInternal, "failed to update task status")
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

// validateProgress bounds a worker's progress report against the task it
// reports on: the step counter stays within the run, and the image index
// stays within the requested batch.
func validateProgress(progress task.InProgress, params task.Params) string {
	if progress.CurrentStep > progress.TotalSteps {
		return fmt.Sprintf("current_step %d exceeds total_steps %d",
			progress.CurrentStep, progress.TotalSteps)
	}
	if imageParams, ok := params.(task.ImageGenerationParams); ok {
		if progress.CurrentImage >= imageParams.NumberOfImages {
			return fmt.Sprintf("current_image %d out of range for %d images",
				progress.CurrentImage, imageParams.NumberOfImages)
		}
	}
	return ""
}

func (s *Server) handleCreateTaskAsset(c *gin.Context) {
	var req struct {
		TaskID string `json:"task_id"`
		Data   []byte `json:"data"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.TaskID == "" || len(req.Data) == 0 {
		respondError(c, errKindInvalidArgument, "task_id and data are required")
		return
	}

	if _, err := s.deps.Store.GetTask(c.Request.Context(), req.TaskID); err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			respondError(c, errKindNotFound, "task not found")
			return
		}
		s.logger.Error("Failed to read task %s: %v", req.TaskID, err)
		respondError(c, errKindInternal, "failed to read task")
		return
	}

	assetID := ulid.Make().String()
	if err := s.deps.Artifacts.Put(c.Request.Context(), assetID, req.Data); err != nil {
		s.logger.Error("Failed to store artifact for task %s: %v", req.TaskID, err)
		respondError(c, errKindInternal, "failed to store artifact")
		return
	}
	if err := s.deps.Store.AddTaskAsset(c.Request.Context(), req.TaskID, assetID); err != nil {
		s.logger.Error("Failed to record asset %s for task %s: %v", assetID, req.TaskID, err)
		respondError(c, errKindInternal, "failed to record asset")
		return
	}
	s.logger.Info("Stored asset %s for task %s (%d bytes)", assetID, req.TaskID, len(req.Data))
	c.JSON(http.StatusOK, gin.H{"asset_id": assetID})
}

func (s *Server) handleGetChatMessages(c *gin.Context) {
	var req struct {
		TaskID string `json:"task_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.TaskID == "" {
		respondError(c, errKindInvalidArgument, "task_id is required")
		return
	}

	messages, err := s.deps.Store.ListChatMessages(c.Request.Context(), req.TaskID)
	if err != nil {
		s.logger.Error("Failed to list chat messages for task %s: %v", req.TaskID, err)
		respondError(c, errKindInternal, "failed to list chat messages")
		return
	}

	views := make([]ChatMessageView, 0, len(messages))
	for _, m := range messages {
		views = append(views, chatMessageView(m))
	}
	c.JSON(http.StatusOK, gin.H{"messages": views})
}

func (s *Server) appendChatMessage(c *gin.Context, role task.Role) {
	var req struct {
		TaskID  string `json:"task_id"`
		Content string `json:"content"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.TaskID == "" || req.Content == "" {
		respondError(c, errKindInvalidArgument, "task_id and content are required")
		return
	}

	message, err := s.deps.Store.AppendChatMessage(c.Request.Context(), req.TaskID, req.Content, role)
	if err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			respondError(c, errKindNotFound, "task not found")
			return
		}
		s.logger.Error("Failed to append chat message to task %s: %v", req.TaskID, err)
		respondError(c, errKindInternal, "failed to append chat message")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": chatMessageView(message)})
}

func (s *Server) handleAddChatUserMessage(c *gin.Context) {
	s.appendChatMessage(c, task.RoleUser)
}

func (s *Server) handleAddChatAssistantMessage(c *gin.Context) {
	s.appendChatMessage(c, task.RoleAssistant)
}

func (s *Server) handleOAuthLogin(c *gin.Context) {
	if s.deps.OAuth == nil || s.deps.Issuer == nil {
		respondError(c, errKindUnauthenticated, "login is not configured")
		return
	}

	var req struct {
		Code        string `json:"code"`
		RedirectURI string `json:"redirect_uri"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Code == "" {
		respondError(c, errKindInvalidArgument, "code is required")
		return
	}

	profile, err := s.deps.OAuth.Exchange(c.Request.Context(), req.Code, req.RedirectURI)
	if err != nil {
		s.logger.Warn("OAuth exchange failed: %v", err)
		respondError(c, errKindUnauthenticated, "oauth exchange failed")
		return
	}

	user, err := s.deps.Store.UpsertUserByEmail(c.Request.Context(), profile.Email)
	if err != nil {
		s.logger.Error("Failed to upsert user %s: %v", profile.Email, err)
		respondError(c, errKindInternal, "failed to create user")
		return
	}

	token, err := s.deps.Issuer.Issue(user.ID, user.Email, profile.Name)
	if err != nil {
		s.logger.Error("Failed to issue token for user %s: %v", user.ID, err)
		respondError(c, errKindInternal, "failed to issue token")
		return
	}

	s.logger.Info("User %s logged in", user.ID)
	c.JSON(http.StatusOK, gin.H{
		"access_token": token,
		"user":         gin.H{"id": user.ID, "email": user.Email, "name": profile.Name},
	})
}

func (s *Server) handleGetArtifact(c *gin.Context) {
	assetID := c.Param("asset_id")
	data, err := s.deps.Artifacts.Get(c.Request.Context(), assetID)
	if err != nil {
		if errors.Is(err, artifact.ErrNotFound) {
			c.Status(http.StatusNotFound)
			return
		}
		s.logger.Error("Failed to fetch artifact %s: %v", assetID, err)
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Data(http.StatusOK, "image/png", data)
}
