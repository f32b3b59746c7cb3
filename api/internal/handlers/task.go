package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"lingopack/api/internal/service"
	"lingopack/shared/taskstore"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const resultURLExpiry = time.Hour

// TaskHandler handles task-related requests.
type TaskHandler struct {
	service *service.TaskService
	logger  *zap.Logger
}

// NewTaskHandler creates a new task handler.
func NewTaskHandler(service *service.TaskService, logger *zap.Logger) *TaskHandler {
	return &TaskHandler{
		service: service,
		logger:  logger,
	}
}

// CreateTaskRequest represents the request to create a task. Audio tasks
// additionally carry an "audio" file part.
type CreateTaskRequest struct {
	Type            string `form:"type" binding:"omitempty"`
	SourceLanguage  string `form:"source_language" binding:"omitempty"`
	ReferenceText   string `form:"reference_text" binding:"omitempty"`
	Text            string `form:"text" binding:"omitempty"`
	TargetLanguages string `form:"target_languages" binding:"required"`
}

// CreateTask handles POST /api/v1/tasks.
func (h *TaskHandler) CreateTask(c *gin.Context) {
	var req CreateTaskRequest
	if err := c.ShouldBind(&req); err != nil {
		h.respondError(c, http.StatusBadRequest, 1001, "invalid request", err.Error())
		return
	}

	if req.Type == "" {
		req.Type = string(taskstore.TypeAudio)
	}

	params := service.CreateTaskParams{
		Type:            taskstore.Type(req.Type),
		SourceLanguage:  req.SourceLanguage,
		ReferenceText:   req.ReferenceText,
		Text:            req.Text,
		TargetLanguages: splitLanguages(req.TargetLanguages),
	}

	if params.Type == taskstore.TypeAudio {
		file, err := c.FormFile("audio")
		if err != nil {
			h.respondError(c, http.StatusBadRequest, 1003, "audio upload missing", err.Error())
			return
		}
		audio, err := file.Open()
		if err != nil {
			h.respondError(c, http.StatusBadRequest, 1003, "audio upload unreadable", err.Error())
			return
		}
		defer audio.Close()
		params.Audio = audio
		params.AudioSize = file.Size
	}

	task, err := h.service.CreateTask(c.Request.Context(), params)
	if err != nil {
		var verr *service.ValidationError
		if errors.As(err, &verr) {
			h.respondError(c, http.StatusBadRequest, 1001, "invalid request", verr.Reason)
			return
		}
		h.logger.Error("Failed to create task", zap.Error(err))
		h.respondError(c, http.StatusInternalServerError, 1004, "internal error", err.Error())
		return
	}

	h.respondSuccess(c, gin.H{
		"task_id":    task.ID.String(),
		"status":     string(task.Status),
		"created_at": task.CreatedAt.UTC().Format(time.RFC3339),
	})
}

// GetTask handles GET /api/v1/tasks/:task_id.
func (h *TaskHandler) GetTask(c *gin.Context) {
	taskID, err := uuid.Parse(c.Param("task_id"))
	if err != nil {
		h.respondError(c, http.StatusBadRequest, 1001, "invalid task_id", "")
		return
	}

	task, err := h.service.GetTask(c.Request.Context(), taskID)
	if err != nil {
		if errors.Is(err, service.ErrTaskNotFound) {
			h.respondError(c, http.StatusNotFound, 1002, "task not found", "")
			return
		}
		h.logger.Error("Failed to get task", zap.Error(err))
		h.respondError(c, http.StatusInternalServerError, 1004, "internal error", err.Error())
		return
	}

	h.respondSuccess(c, taskView(task))
}

// GetTaskResult handles GET /api/v1/tasks/:task_id/result.
func (h *TaskHandler) GetTaskResult(c *gin.Context) {
	taskID, err := uuid.Parse(c.Param("task_id"))
	if err != nil {
		h.respondError(c, http.StatusBadRequest, 1001, "invalid task_id", "")
		return
	}

	url, err := h.service.GetResultURL(c.Request.Context(), taskID, resultURLExpiry)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrTaskNotFound):
			h.respondError(c, http.StatusNotFound, 1002, "task not found", "")
		case errors.Is(err, service.ErrTaskNotCompleted):
			h.respondError(c, http.StatusConflict, 1005, "task not completed", "")
		default:
			h.logger.Error("Failed to get result URL", zap.Error(err))
			h.respondError(c, http.StatusInternalServerError, 1004, "internal error", err.Error())
		}
		return
	}

	h.respondSuccess(c, gin.H{
		"download_url": url,
		"expires_in":   int(resultURLExpiry.Seconds()),
	})
}

// CancelTask handles DELETE /api/v1/tasks/:task_id.
func (h *TaskHandler) CancelTask(c *gin.Context) {
	taskID, err := uuid.Parse(c.Param("task_id"))
	if err != nil {
		h.respondError(c, http.StatusBadRequest, 1001, "invalid task_id", "")
		return
	}

	if err := h.service.CancelTask(c.Request.Context(), taskID); err != nil {
		switch {
		case errors.Is(err, service.ErrTaskNotFound):
			h.respondError(c, http.StatusNotFound, 1002, "task not found", "")
		case errors.Is(err, service.ErrTaskTerminal):
			h.respondError(c, http.StatusConflict, 1006, "task already finished", "")
		default:
			h.logger.Error("Failed to cancel task", zap.Error(err))
			h.respondError(c, http.StatusInternalServerError, 1004, "internal error", err.Error())
		}
		return
	}

	h.respondSuccess(c, nil)
}

func taskView(task *taskstore.Task) gin.H {
	translations := make(map[string]gin.H, len(task.Translations))
	for lang, tr := range task.Translations {
		entry := gin.H{"text": tr.Text, "source": string(tr.Source)}
		if tr.Score != nil {
			entry["score"] = *tr.Score
		}
		translations[lang] = entry
	}

	view := gin.H{
		"task_id":          task.ID.String(),
		"type":             string(task.Type),
		"status":           string(task.Status),
		"source_language":  task.SourceLanguage,
		"target_languages": task.TargetLanguages,
		"translations":     translations,
		"retry_count":      task.RetryCount,
		"created_at":       task.CreatedAt.UTC().Format(time.RFC3339),
		"updated_at":       task.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if task.STTResult != nil {
		view["stt_result"] = gin.H{
			"text":       task.STTResult.Text,
			"score":      task.STTResult.Score,
			"acceptable": task.STTResult.Acceptable,
		}
	}
	if task.FailureReason != nil {
		view["failure_reason"] = *task.FailureReason
	}
	if task.PackedFileKey != nil {
		view["packed_file_key"] = *task.PackedFileKey
	}
	if task.CompletedAt != nil {
		view["completed_at"] = task.CompletedAt.UTC().Format(time.RFC3339)
	}
	return view
}

func splitLanguages(raw string) []string {
	parts := strings.Split(raw, ",")
	langs := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			langs = append(langs, trimmed)
		}
	}
	return langs
}

// respondSuccess sends a success response.
func (h *TaskHandler) respondSuccess(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"code":    0,
		"message": "success",
		"data":    data,
	})
}

// respondError sends an error response.
func (h *TaskHandler) respondError(c *gin.Context, statusCode, code int, message, details string) {
	c.JSON(statusCode, gin.H{
		"code":    code,
		"message": message,
		"data":    details,
	})
}
