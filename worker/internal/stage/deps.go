package stage

import (
	"context"
	"errors"
	"fmt"

	"lingopack/shared/config"
	"lingopack/shared/storage"
	"lingopack/shared/taskstore"
	"lingopack/worker/internal/engine"
	"lingopack/worker/internal/score"
	"lingopack/worker/internal/stt"
	"lingopack/worker/internal/translate"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// TaskStore is the task state access handlers need.
type TaskStore interface {
	Get(ctx context.Context, id uuid.UUID) (*taskstore.Task, error)
	Update(ctx context.Context, id uuid.UUID, mutate func(*taskstore.Task) error) (*taskstore.Task, error)
	CreatePackageRecord(ctx context.Context, rec *taskstore.PackageRecord) error
}

// Publisher describes the minimal publishing behaviour handlers need.
type Publisher interface {
	Publish(ctx context.Context, topic string, message interface{}) error
}

// Deps carries the shared dependencies injected into every stage handler.
type Deps struct {
	Store     TaskStore
	Storage   storage.ObjectStorage
	Publisher Publisher
	Topics    config.TopicsConfig
	Scoring   config.ScorerConfig
	Logger    *zap.Logger

	STT        stt.SpeechToText
	Scorer     score.Scorer
	Translator translate.Translator
}

// loadTask fetches the task for a message, classifying a missing row as
// permanent: a message for a task that does not exist can never succeed on
// retry and must not hold up the queue.
func loadTask(ctx context.Context, store TaskStore, id uuid.UUID) (*taskstore.Task, error) {
	task, err := store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, taskstore.ErrNotFound) {
			return nil, engine.Permanent(fmt.Errorf("task %s not found: %w", id, err))
		}
		return nil, err
	}
	return task, nil
}
