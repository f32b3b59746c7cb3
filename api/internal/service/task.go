package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"lingopack/api/internal/orchestrator"
	"lingopack/shared/storage"
	"lingopack/shared/taskstore"

	"github.com/google/uuid"
)

var (
	// ErrTaskNotFound is returned when the task does not exist.
	ErrTaskNotFound = errors.New("task not found")
	// ErrTaskNotCompleted is returned when a result is requested before the
	// task has a package.
	ErrTaskNotCompleted = errors.New("task not completed")
	// ErrTaskTerminal is returned when cancelling a task that already ended.
	ErrTaskTerminal = errors.New("task already in a terminal state")
)

// ValidationError reports a rejected creation request.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

// TaskStore is the persistence behaviour the service needs.
type TaskStore interface {
	Create(ctx context.Context, t *taskstore.Task) error
	Get(ctx context.Context, id uuid.UUID) (*taskstore.Task, error)
	Cancel(ctx context.Context, id uuid.UUID) (bool, error)
}

// TaskService owns task creation, lookup and cancellation for the API.
type TaskService struct {
	store        TaskStore
	storage      storage.ObjectStorage
	orchestrator orchestrator.TaskOrchestrator
}

// NewTaskService creates a new task service.
func NewTaskService(store TaskStore, storage storage.ObjectStorage, orch orchestrator.TaskOrchestrator) *TaskService {
	return &TaskService{
		store:        store,
		storage:      storage,
		orchestrator: orch,
	}
}

// CreateTaskParams carries a creation request. Audio holds the uploaded
// source for audio tasks; Text holds the source text for text tasks.
type CreateTaskParams struct {
	Type            taskstore.Type
	SourceLanguage  string
	ReferenceText   string
	Text            string
	TargetLanguages []string

	Audio     io.Reader
	AudioSize int64
}

// CreateTask validates the request, persists the source audio if present,
// creates the task and puts it on the pipeline.
func (s *TaskService) CreateTask(ctx context.Context, params CreateTaskParams) (*taskstore.Task, error) {
	if err := validateParams(&params); err != nil {
		return nil, err
	}

	task := &taskstore.Task{
		ID:              uuid.New(),
		Type:            params.Type,
		SourceLanguage:  params.SourceLanguage,
		ReferenceText:   params.ReferenceText,
		Text:            params.Text,
		TargetLanguages: params.TargetLanguages,
	}

	if params.Type == taskstore.TypeAudio {
		key := fmt.Sprintf("audio/%s/source.wav", task.ID)
		if err := s.storage.PutObject(ctx, key, params.Audio, params.AudioSize, "audio/wav"); err != nil {
			return nil, fmt.Errorf("failed to store source audio: %w", err)
		}
		task.SourceAudioKey = key
	}

	if err := s.store.Create(ctx, task); err != nil {
		return nil, err
	}

	if err := s.orchestrator.StartTask(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to start task: %w", err)
	}

	return task, nil
}

func validateParams(params *CreateTaskParams) error {
	if len(params.TargetLanguages) == 0 {
		return &ValidationError{Reason: "at least one target language is required"}
	}
	seen := make(map[string]struct{}, len(params.TargetLanguages))
	for _, lang := range params.TargetLanguages {
		if !taskstore.ValidLanguage(lang) {
			return &ValidationError{Reason: fmt.Sprintf("unsupported target language %s", lang)}
		}
		if _, dup := seen[lang]; dup {
			return &ValidationError{Reason: fmt.Sprintf("duplicate target language %s", lang)}
		}
		seen[lang] = struct{}{}
	}

	switch params.Type {
	case taskstore.TypeAudio:
		if params.Audio == nil {
			return &ValidationError{Reason: "audio tasks require an audio file"}
		}
		if params.SourceLanguage == "" {
			return &ValidationError{Reason: "audio tasks require a source language"}
		}
	case taskstore.TypeText:
		if params.Text == "" {
			return &ValidationError{Reason: "text tasks require text"}
		}
	default:
		return &ValidationError{Reason: fmt.Sprintf("unknown task type %q", params.Type)}
	}
	return nil
}

// GetTask fetches one task.
func (s *TaskService) GetTask(ctx context.Context, id uuid.UUID) (*taskstore.Task, error) {
	task, err := s.store.Get(ctx, id)
	if errors.Is(err, taskstore.ErrNotFound) {
		return nil, ErrTaskNotFound
	}
	return task, err
}

// GetResultURL returns a presigned download link for the task's package.
func (s *TaskService) GetResultURL(ctx context.Context, id uuid.UUID, expiry time.Duration) (string, error) {
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return "", err
	}
	if task.Status != taskstore.StatusCompleted || task.PackedFileKey == nil {
		return "", ErrTaskNotCompleted
	}
	return s.storage.PresignedGetURL(ctx, *task.PackedFileKey, expiry)
}

// CancelTask cancels a task that has not reached a terminal state.
func (s *TaskService) CancelTask(ctx context.Context, id uuid.UUID) error {
	cancelled, err := s.store.Cancel(ctx, id)
	if errors.Is(err, taskstore.ErrNotFound) {
		return ErrTaskNotFound
	}
	if err != nil {
		return err
	}
	if !cancelled {
		return ErrTaskTerminal
	}
	return nil
}
