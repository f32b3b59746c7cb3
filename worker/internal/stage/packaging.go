package stage

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"lingopack/shared/queue"
	"lingopack/shared/taskstore"
	"lingopack/worker/internal/engine"
	"lingopack/worker/internal/pack"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const packContentType = "application/octet-stream"

// PackagingHandler runs the packaging stage in batches. Every task in a
// batch is packed and settled independently; the batching exists only to let
// memory pressure throttle how much is in flight at once.
type PackagingHandler struct {
	deps Deps
}

// NewPackagingHandler creates the packaging stage handler.
func NewPackagingHandler(deps Deps) *PackagingHandler {
	return &PackagingHandler{deps: deps}
}

func (h *PackagingHandler) Stage() string {
	return queue.StagePackage
}

func (h *PackagingHandler) Topic() string {
	return h.deps.Topics.Package
}

// HandleBatch packs each task in the batch. The returned errors are
// positional; nil marks success.
func (h *PackagingHandler) HandleBatch(ctx context.Context, taskIDs []uuid.UUID, _ []queue.TaskMessage) []error {
	errs := make([]error, len(taskIDs))
	for i, taskID := range taskIDs {
		errs[i] = h.packTask(ctx, taskID)
	}
	return errs
}

// packTask builds, uploads and records the artifact for one task, then marks
// the task completed. Every step is idempotent: the artifact bytes are
// deterministic, the package row insert ignores conflicts and the status
// transitions no-op once done. A duplicate trigger therefore converges on
// the same end state.
func (h *PackagingHandler) packTask(ctx context.Context, taskID uuid.UUID) error {
	task, err := loadTask(ctx, h.deps.Store, taskID)
	if err != nil {
		return err
	}

	switch {
	case task.Status == taskstore.StatusCompleted:
		return nil
	case task.Status.Terminal():
		h.deps.Logger.Info("Skipping terminal task",
			zap.String("task_id", taskID.String()),
			zap.String("status", string(task.Status)),
		)
		return nil
	case task.Status != taskstore.StatusTranslated && task.Status != taskstore.StatusPackaging:
		return engine.Permanent(fmt.Errorf(
			"task %s is %s, packaging needs a translated task", taskID, task.Status,
		))
	}
	if !task.TranslationsComplete() {
		return engine.Permanent(fmt.Errorf("task %s is missing translations", taskID))
	}

	task, err = h.deps.Store.Update(ctx, taskID, func(t *taskstore.Task) error {
		if t.Status != taskstore.StatusTranslated {
			return taskstore.ErrNoChange
		}
		t.Status = taskstore.StatusPackaging
		return nil
	})
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		return nil
	}

	data := pack.NewTaskData(taskID.String())
	for lang, tr := range task.Translations {
		data.Add(lang, tr.Text, pack.Source(tr.Source))
	}
	// Audio tasks also ship the recognized source text, keyed by the source
	// language, unless a real translation already claimed that slot.
	if task.Type == taskstore.TypeAudio && task.STTResult != nil && task.SourceLanguage != "" {
		if _, taken := data.Get(task.SourceLanguage); !taken {
			data.Add(task.SourceLanguage, task.STTResult.Text, pack.SourceAudio)
		}
	}

	artifact, err := pack.Build([]*pack.TaskData{data})
	if err != nil {
		return engine.Permanent(fmt.Errorf("failed to build package: %w", err))
	}

	key := fmt.Sprintf("packs/%s.mltr", taskID)
	if err := h.deps.Storage.PutObject(ctx, key, bytes.NewReader(artifact), int64(len(artifact)), packContentType); err != nil {
		return fmt.Errorf("failed to upload package: %w", err)
	}

	if err := h.deps.Store.CreatePackageRecord(ctx, &taskstore.PackageRecord{
		PackageID: uuid.New(),
		TaskID:    taskID,
		FilePath:  key,
		Languages: task.TargetLanguages,
	}); err != nil {
		return fmt.Errorf("failed to record package: %w", err)
	}

	_, err = h.deps.Store.Update(ctx, taskID, func(t *taskstore.Task) error {
		if t.Status.Terminal() {
			return taskstore.ErrNoChange
		}
		now := time.Now()
		t.Status = taskstore.StatusCompleted
		t.PackedFileKey = &key
		t.CompletedAt = &now
		return nil
	})
	if err != nil {
		return err
	}

	h.deps.Logger.Info("Task packaged",
		zap.String("task_id", taskID.String()),
		zap.String("key", key),
		zap.Int("size_bytes", len(artifact)),
	)
	return nil
}
